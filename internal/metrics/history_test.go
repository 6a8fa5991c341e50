package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []Scalars {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []Scalars
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var s Scalars
		require.NoError(t, json.Unmarshal(sc.Bytes(), &s))
		out = append(out, s)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestHistoryWritesSummaries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "summaries")
	h, err := NewHistory(dir)
	require.NoError(t, err)

	require.NoError(t, h.Record(Scalars{Epoch: 0, Loss: 2.3, Accuracy: 0.1}, Scalars{Epoch: 0, Loss: 2.2, Accuracy: 0.12}))
	require.NoError(t, h.Record(Scalars{Epoch: 1, Loss: 1.9, Accuracy: 0.3}, Scalars{Epoch: 1, Loss: 2.0, Accuracy: 0.28}))

	train := readLines(t, filepath.Join(dir, TrainFile))
	require.Len(t, train, 2)
	assert.Equal(t, 1, train[1].Epoch)
	assert.Equal(t, 1.9, train[1].Loss)
	test := readLines(t, filepath.Join(dir, TestFile))
	require.Len(t, test, 2)
	assert.Equal(t, 0.28, test[1].Accuracy)

	svg, err := os.ReadFile(filepath.Join(dir, CurvesFile))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(svg), "<svg"))
}

func TestHistoryInMemory(t *testing.T) {
	h, err := NewHistory("")
	require.NoError(t, err)
	require.NoError(t, h.Record(Scalars{Epoch: 0, Loss: 1}, Scalars{Epoch: 0, Loss: 2}))
	assert.Len(t, h.Train(), 1)
	assert.Equal(t, 2.0, h.Test()[0].Loss)
}
