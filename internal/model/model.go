package model

import (
	"fmt"
	"strings"
)

// Hyperparams describes the network architecture.
type Hyperparams struct {
	GroupNum        int     `yaml:"group_num"`
	GroupSize       int     `yaml:"group_size"`
	BaseFilters     int     `yaml:"base_filters"`
	DenseLayerNum   int     `yaml:"dense_layer_num"`
	DenseLayerUnits int     `yaml:"dense_layer_units"`
	Dropout         float64 `yaml:"dropout"`
}

// Validate reports the first hyperparameter outside its domain.
func (hp Hyperparams) Validate() error {
	switch {
	case hp.GroupNum <= 0:
		return fmt.Errorf("cnn_group_num must be > 0 (got %d)", hp.GroupNum)
	case hp.GroupSize <= 0:
		return fmt.Errorf("cnn_group_size must be > 0 (got %d)", hp.GroupSize)
	case hp.BaseFilters <= 0:
		return fmt.Errorf("cnn_base_filters must be > 0 (got %d)", hp.BaseFilters)
	case hp.DenseLayerNum < 0:
		return fmt.Errorf("dense_layer_num must be >= 0 (got %d)", hp.DenseLayerNum)
	case hp.DenseLayerNum > 0 && hp.DenseLayerUnits <= 0:
		return fmt.Errorf("dense_layer_units must be > 0 (got %d)", hp.DenseLayerUnits)
	case hp.Dropout < 0 || hp.Dropout >= 1:
		return fmt.Errorf("dropout must be in [0,1) (got %g)", hp.Dropout)
	}
	return nil
}

// Tap is a tensor exposed for visualisation: the op that produces it and
// its per-sample shape.
type Tap struct {
	Op    string `yaml:"op"`
	Shape []int  `yaml:"shape,flow"`
}

// Layer returns the op name up to its first "/".
func (t Tap) Layer() string {
	return LayerName(t.Op)
}

// LayerName truncates a tensor or variable name at its first "/".
func LayerName(name string) string {
	if i := strings.Index(name, "/"); i >= 0 {
		return name[:i]
	}
	return name
}

