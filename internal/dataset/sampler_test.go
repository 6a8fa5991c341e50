package dataset

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinySplit(n int) *Split {
	s := &Split{Side: 2}
	for i := 0; i < n; i++ {
		s.Labels = append(s.Labels, i)
		s.Pixels = append(s.Pixels, uint8(i), uint8(i), uint8(i), uint8(i))
	}
	return s
}

func collectBatches(t *testing.T, opts SamplerOptions, count int) [][]int {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := StartSampler(ctx, opts)
	require.NoError(t, err)

	out := make([][]int, 0, count)
	deadline := time.After(2 * time.Second)
	for len(out) < count {
		select {
		case b, ok := <-stream:
			require.True(t, ok, "stream closed early; collected %d batches", len(out))
			require.Equal(t, []int{len(b.Labels), 2, 2, 1}, b.Images.Shape)
			out = append(out, b.Labels)
		case <-deadline:
			t.Fatal("timed out waiting for batches")
		}
	}
	return out
}

func TestSamplerDeterministicStream(t *testing.T) {
	opts := SamplerOptions{Split: tinySplit(5), BatchSize: 3, Seed: 123}
	assert.Equal(t, collectBatches(t, opts, 6), collectBatches(t, opts, 6))
}

func TestSamplerUsesSeedZero(t *testing.T) {
	batches := collectBatches(t, SamplerOptions{Split: tinySplit(10), BatchSize: 10, Seed: 0}, 1)
	assert.Equal(t, rand.New(rand.NewSource(0)).Perm(10), batches[0])
}

func TestSamplerCoversEveryPermutation(t *testing.T) {
	// 10 samples in batches of 4: 5 batches span exactly two permutations.
	batches := collectBatches(t, SamplerOptions{Split: tinySplit(10), BatchSize: 4, Seed: 7}, 5)
	counts := make(map[int]int)
	for _, b := range batches {
		assert.Len(t, b, 4)
		for _, label := range b {
			counts[label]++
		}
	}
	for label := 0; label < 10; label++ {
		assert.Equal(t, 2, counts[label], "label %d", label)
	}
}

func TestSamplerClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := StartSampler(ctx, SamplerOptions{Split: tinySplit(3), BatchSize: 2})
	require.NoError(t, err)
	<-stream
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream not closed after cancel")
		}
	}
}

func TestSamplerRejectsBadOptions(t *testing.T) {
	_, err := StartSampler(context.Background(), SamplerOptions{Split: &Split{}, BatchSize: 1})
	assert.Error(t, err)
	_, err = StartSampler(context.Background(), SamplerOptions{Split: tinySplit(2)})
	assert.Error(t, err)
}
