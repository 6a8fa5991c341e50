package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverBatchesNumericOrder(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "batch10.npy"))
	mustWrite(t, filepath.Join(dir, "batch2.npy"))
	mustWrite(t, filepath.Join(dir, "batch1.npy"))
	mustWrite(t, filepath.Join(dir, "batch_test.npy"))
	mustWrite(t, filepath.Join(dir, "notes.txt"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "batch3.npy"), 0o755))

	batches, err := DiscoverBatches(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "batch1.npy"),
		filepath.Join(dir, "batch2.npy"),
		filepath.Join(dir, "batch10.npy"),
	}, batches)
}

func TestDiscoverBatchesMissingDir(t *testing.T) {
	_, err := DiscoverBatches(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}
