package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
dataset: mnist
epochs: 3
cnn_base_filters: 8
dropout: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mnist", cfg.Dataset)
	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, 8, cfg.CNNBaseFilters)
	assert.Equal(t, 0.0, cfg.Dropout)
	assert.Equal(t, 256, cfg.BatchSize)
	assert.Equal(t, "ckpt", cfg.CkptDir)
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "epoch: 3\n"))
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFlagsOverrideConfig(t *testing.T) {
	var o Overrides
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, &o)
	require.NoError(t, fs.Parse([]string{"-epochs", "7", "-dropout", "0", "-test-sample", "0", "-seed", "0", "-dense-layer-num", "0", "-ckpt", "/tmp/ck"}))

	cfg := Default()
	cfg.Dropout = 0.5
	cfg.TestSample = 4
	cfg.ApplyOverrides(o)
	assert.Equal(t, 7, cfg.Epochs)
	assert.Equal(t, 0.0, cfg.Dropout)
	assert.Equal(t, 0, cfg.TestSample)
	assert.Equal(t, int64(0), cfg.Seed)
	assert.Equal(t, 0, cfg.DenseLayerNum)
	assert.Equal(t, 0, cfg.Hyperparams().DenseLayerNum)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "/tmp/ck", cfg.CkptDir)
	assert.Equal(t, 256, cfg.BatchSize)
}

func TestUnsetFlagsKeepConfig(t *testing.T) {
	var o Overrides
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, &o)
	require.NoError(t, fs.Parse(nil))

	cfg := Default()
	cfg.ApplyOverrides(o)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"epochs":      func(c *Config) { c.Epochs = 0 },
		"lr":          func(c *Config) { c.LearningRate = 0 },
		"batch":       func(c *Config) { c.BatchSize = -1 },
		"dropout":     func(c *Config) { c.Dropout = 1 },
		"groups":      func(c *Config) { c.CNNGroupNum = 0 },
		"dataset":     func(c *Config) { c.Dataset = "" },
		"test sample": func(c *Config) { c.TestSample = -2 },
		"seed":        func(c *Config) { c.Seed = -1 },
		"dense":       func(c *Config) { c.DenseLayerNum = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestResolve(t *testing.T) {
	path := writeConfig(t, "dataset: mnist\nepochs: 4\n")
	o := NewOverrides()
	o.Epochs = 9
	cfg, err := Resolve(path, o)
	require.NoError(t, err)
	assert.Equal(t, "mnist", cfg.Dataset)
	assert.Equal(t, 9, cfg.Epochs)
	assert.Equal(t, 0.2, cfg.Dropout)

	cfg, err = Resolve("", NewOverrides())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	o = NewOverrides()
	o.Dropout = 1.5
	_, err = Resolve("", o)
	assert.ErrorContains(t, err, "invalid config")
}
