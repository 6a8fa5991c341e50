package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cnnviz/internal/model"
	"cnnviz/internal/nn"
)

var tinyHP = model.Hyperparams{
	GroupNum:        1,
	GroupSize:       1,
	BaseFilters:     2,
	DenseLayerNum:   1,
	DenseLayerUnits: 4,
	Dropout:         0.1,
}

func tinyMeta(t *testing.T, epoch int) (Meta, *model.Model) {
	t.Helper()
	m, err := model.New(tinyHP, 4, 3, 11)
	require.NoError(t, err)
	return Meta{
		RunID:       NewRunID(),
		Epoch:       epoch,
		Dataset:     "mnist",
		Side:        4,
		ClassNames:  []string{"a", "b", "c"},
		Hyperparams: tinyHP,
		Seed:        11,
		Taps:        m.Taps(),
		ParamShapes: m.ParamShapes(),
	}, m
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	meta, m := tinyMeta(t, 3)

	entry, err := Save(dir, meta, m.StateDict())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "model.ckpt-3.meta"), entry.MetaPath)
	assert.FileExists(t, entry.DataPath)

	got, state, err := Load(entry)
	require.NoError(t, err)
	assert.Equal(t, meta.RunID, got.RunID)
	assert.Equal(t, 3, got.Epoch)
	assert.Equal(t, meta.Taps, got.Taps)
	assert.Equal(t, meta.ParamShapes, got.ParamShapes)
	assert.Equal(t, tinyHP, got.Hyperparams)
	assert.False(t, got.Created.IsZero())
	assert.Equal(t, State(m.StateDict()), state)
}

func TestRestoreRebuildsModel(t *testing.T) {
	dir := t.TempDir()
	meta, m := tinyMeta(t, 0)
	for _, p := range m.Params() {
		for i := range p.Value.Data {
			p.Value.Data[i] += 0.25
		}
	}
	entry, err := Save(dir, meta, m.StateDict())
	require.NoError(t, err)

	restored, gotMeta, err := Restore(entry)
	require.NoError(t, err)
	assert.Equal(t, meta.ClassNames, gotMeta.ClassNames)
	assert.Equal(t, m.StateDict(), restored.StateDict())
}

func TestDiscoverOrdersByTrailingEpoch(t *testing.T) {
	dir := t.TempDir()
	for _, epoch := range []int{10, 0, 2} {
		meta, m := tinyMeta(t, epoch)
		_, err := Save(dir, meta, m.StateDict())
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint"), nil, 0o644))

	entries, err := Discover(dir)
	require.NoError(t, err)
	var epochs []int
	for _, e := range entries {
		epochs = append(epochs, e.Epoch)
	}
	assert.Equal(t, []int{0, 2, 10}, epochs)
	assert.Equal(t, filepath.Join(dir, "model.ckpt-10.data"), entries[2].DataPath)
}

func TestDiscoverTakesLastNumberInName(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"model.ckpt-3.meta", "run-7-final.meta", "v2-ckpt-11.meta"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	entries, err := Discover(dir)
	require.NoError(t, err)
	var epochs []int
	for _, e := range entries {
		epochs = append(epochs, e.Epoch)
	}
	assert.Equal(t, []int{3, 7, 11}, epochs)
	assert.Equal(t, filepath.Join(dir, "run-7-final.data"), entries[1].DataPath)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "latest.meta"), nil, 0o644))
	_, err = Discover(dir)
	assert.ErrorContains(t, err, "latest.meta")
}

func TestDiscoverRejectsDuplicateEpochs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.ckpt-4.meta"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other-04.meta"), nil, 0o644))
	_, err := Discover(dir)
	assert.ErrorContains(t, err, "epoch 4")
}

func TestDiscoverEmpty(t *testing.T) {
	_, err := Discover(t.TempDir())
	assert.ErrorIs(t, err, ErrNoCheckpoints)

	_, err = Discover(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadMissingPayload(t *testing.T) {
	dir := t.TempDir()
	meta, m := tinyMeta(t, 1)
	entry, err := Save(dir, meta, m.StateDict())
	require.NoError(t, err)
	require.NoError(t, os.Remove(entry.DataPath))

	_, _, err = Load(entry)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRestoreRejectsShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	meta, m := tinyMeta(t, 1)
	state := m.StateDict()
	state["fc_out/bias"] = nn.NewTensor(7)
	entry, err := Save(dir, meta, state)
	require.NoError(t, err)

	_, _, err = Restore(entry)
	assert.ErrorIs(t, err, nn.ErrShapeMismatch)
}
