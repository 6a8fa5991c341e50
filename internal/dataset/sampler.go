package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"cnnviz/internal/nn"
)

const defaultPrefetch = 2

// SamplerOptions configures the minibatch sampler.
type SamplerOptions struct {
	Split     *Split
	BatchSize int
	Seed      int64
	Prefetch  int
}

// Batch is one minibatch of raw-intensity images [n, side, side, 1].
type Batch struct {
	Images *nn.Tensor
	Labels []int
}

// StartSampler launches a pipeline that yields full minibatches drawn from
// an endlessly repeated, reshuffled permutation of the split. Batches may
// straddle two permutations. The stream closes when ctx is cancelled.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Batch, error) {
	if opts.Split == nil || opts.Split.Len() == 0 {
		return nil, errors.New("sampler: empty split")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("sampler: batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = defaultPrefetch
	}

	ctx, cancel := context.WithCancel(parent)

	indices := make(chan int, opts.BatchSize)
	out := make(chan Batch, opts.Prefetch)

	rng := rand.New(rand.NewSource(opts.Seed))
	go produceIndices(ctx, indices, opts.Split.Len(), rng)

	go func() {
		defer cancel()
		defer close(out)
		runBatcher(ctx, indices, out, opts.Split, opts.BatchSize)
	}()

	return out, nil
}

func produceIndices(ctx context.Context, indices chan<- int, n int, rng *rand.Rand) {
	for {
		for _, idx := range rng.Perm(n) {
			select {
			case <-ctx.Done():
				return
			case indices <- idx:
			}
		}
	}
}

func runBatcher(ctx context.Context, indices <-chan int, out chan<- Batch, split *Split, batchSize int) {
	for {
		picked := make([]int, 0, batchSize)
		for len(picked) < batchSize {
			select {
			case <-ctx.Done():
				return
			case idx := <-indices:
				picked = append(picked, idx)
			}
		}
		images, labels := split.gather(picked)
		select {
		case <-ctx.Done():
			return
		case out <- Batch{Images: images, Labels: labels}:
		}
	}
}
