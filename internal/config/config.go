package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"cnnviz/internal/model"
)

// Config captures the runtime knobs shared by training, export and serving.
type Config struct {
	Dataset      string `yaml:"dataset"`
	DataDir      string `yaml:"data_dir"`
	CkptDir      string `yaml:"ckpt_dir"`
	JSONDir      string `yaml:"json_dir"`
	SummariesDir string `yaml:"summaries_dir"`

	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
	BatchSize    int     `yaml:"batch_size"`
	Seed         int64   `yaml:"seed"`

	CNNGroupSize    int     `yaml:"cnn_group_size"`
	CNNGroupNum     int     `yaml:"cnn_group_num"`
	CNNBaseFilters  int     `yaml:"cnn_base_filters"`
	DenseLayerNum   int     `yaml:"dense_layer_num"`
	DenseLayerUnits int     `yaml:"dense_layer_units"`
	Dropout         float64 `yaml:"dropout"`

	TestSample      int    `yaml:"test_sample"`
	TestSampleRange string `yaml:"test_sample_range"`

	Addr string `yaml:"addr"`
}

// Overrides captures CLI supplied values. Seed, DenseLayerNum, Dropout and
// TestSample use -1 as "unset" so that 0 can be requested explicitly.
type Overrides struct {
	Dataset      string
	DataDir      string
	CkptDir      string
	JSONDir      string
	SummariesDir string

	Epochs       int
	LearningRate float64
	BatchSize    int
	Seed         int64

	CNNGroupSize    int
	CNNGroupNum     int
	CNNBaseFilters  int
	DenseLayerNum   int
	DenseLayerUnits int
	Dropout         float64

	TestSample      int
	TestSampleRange string

	Addr string
}

// NewOverrides returns an Overrides with nothing set.
func NewOverrides() Overrides {
	return Overrides{Seed: -1, DenseLayerNum: -1, Dropout: -1, TestSample: -1}
}

// Default returns the configuration used when no file or flag says otherwise.
func Default() *Config {
	return &Config{
		Dataset:         "cifar10",
		DataDir:         "data",
		CkptDir:         "ckpt",
		JSONDir:         "jsons",
		Epochs:          50,
		LearningRate:    1e-4,
		BatchSize:       256,
		Seed:            50,
		CNNGroupSize:    2,
		CNNGroupNum:     2,
		CNNBaseFilters:  64,
		DenseLayerNum:   1,
		DenseLayerUnits: 256,
		Dropout:         0.2,
		Addr:            ":8080",
	}
}

// Load reads a Config from YAML on top of Default and validates it.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Resolve builds the effective config: Default, or the YAML file at path
// when path is non-empty, with o applied on top, then validated.
func Resolve(path string, o Overrides) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// RegisterFlags binds the shared command-line flags to o.
func RegisterFlags(fs *flag.FlagSet, o *Overrides) {
	fs.StringVar(&o.Dataset, "dataset", "", "Dataset identifier (cifar10 or mnist)")
	fs.StringVar(&o.DataDir, "data-dir", "", "Directory holding the dataset files")
	fs.StringVar(&o.CkptDir, "ckpt", "", "Checkpoint directory")
	fs.StringVar(&o.JSONDir, "json", "", "Export output directory")
	fs.StringVar(&o.SummariesDir, "summaries", "", "Summary output directory (empty disables)")
	fs.IntVar(&o.Epochs, "epochs", 0, "Number of training epochs")
	fs.Float64Var(&o.LearningRate, "lr", 0, "Adam learning rate")
	fs.IntVar(&o.BatchSize, "batch-size", 0, "Minibatch size")
	fs.Int64Var(&o.Seed, "seed", -1, "PRNG seed")
	fs.IntVar(&o.CNNGroupSize, "cnn-group-size", 0, "Convolutions per group")
	fs.IntVar(&o.CNNGroupNum, "cnn-group-num", 0, "Number of convolution groups")
	fs.IntVar(&o.CNNBaseFilters, "cnn-base-filters", 0, "Filters in the first group (doubled per group)")
	fs.IntVar(&o.DenseLayerNum, "dense-layer-num", -1, "Number of hidden dense layers")
	fs.IntVar(&o.DenseLayerUnits, "dense-layer-units", 0, "Units per hidden dense layer")
	fs.Float64Var(&o.Dropout, "dropout", -1, "Dropout rate in [0,1)")
	fs.IntVar(&o.TestSample, "test-sample", -1, "Test sample index exported as activations")
	fs.StringVar(&o.TestSampleRange, "test-sample-range", "", "Inclusive test sample range a-b, overrides -test-sample")
	fs.StringVar(&o.Addr, "addr", "", "Listen address for the bundle server")
}

// ApplyOverrides updates cfg using any set override.
func (c *Config) ApplyOverrides(o Overrides) {
	setString(&c.Dataset, o.Dataset)
	setString(&c.DataDir, o.DataDir)
	setString(&c.CkptDir, o.CkptDir)
	setString(&c.JSONDir, o.JSONDir)
	setString(&c.SummariesDir, o.SummariesDir)
	setString(&c.TestSampleRange, o.TestSampleRange)
	setString(&c.Addr, o.Addr)
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Seed >= 0 {
		c.Seed = o.Seed
	}
	if o.CNNGroupSize > 0 {
		c.CNNGroupSize = o.CNNGroupSize
	}
	if o.CNNGroupNum > 0 {
		c.CNNGroupNum = o.CNNGroupNum
	}
	if o.CNNBaseFilters > 0 {
		c.CNNBaseFilters = o.CNNBaseFilters
	}
	if o.DenseLayerNum >= 0 {
		c.DenseLayerNum = o.DenseLayerNum
	}
	if o.DenseLayerUnits > 0 {
		c.DenseLayerUnits = o.DenseLayerUnits
	}
	if o.Dropout >= 0 {
		c.Dropout = o.Dropout
	}
	if o.TestSample >= 0 {
		c.TestSample = o.TestSample
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Hyperparams returns the model architecture described by the config.
func (c *Config) Hyperparams() model.Hyperparams {
	return model.Hyperparams{
		GroupNum:        c.CNNGroupNum,
		GroupSize:       c.CNNGroupSize,
		BaseFilters:     c.CNNBaseFilters,
		DenseLayerNum:   c.DenseLayerNum,
		DenseLayerUnits: c.DenseLayerUnits,
		Dropout:         c.Dropout,
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Dataset == "" {
		return errors.New("dataset must be set")
	}
	if c.CkptDir == "" {
		return errors.New("ckpt_dir must be set")
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.Seed < 0 {
		return fmt.Errorf("seed must be >= 0 (got %d)", c.Seed)
	}
	if c.TestSample < 0 {
		return fmt.Errorf("test_sample must be >= 0 (got %d)", c.TestSample)
	}
	if err := c.Hyperparams().Validate(); err != nil {
		return err
	}
	if c.JSONDir == "" {
		c.JSONDir = "jsons"
	}
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	return nil
}

func parseYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}
