package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"cnnviz/internal/nn"
)

// Dataset identifiers understood by Load.
const (
	CIFAR10 = "cifar10"
	MNIST   = "mnist"
)

var (
	// ErrUnknownDataset is returned by Load for identifiers other than
	// CIFAR10 and MNIST.
	ErrUnknownDataset = errors.New("dataset: unknown dataset")
	// ErrShapeMismatch reports batch files whose row width does not match
	// the expected label + pixel layout.
	ErrShapeMismatch = errors.New("dataset: shape mismatch")
	// ErrInvalidLabel reports a label that does not index the class table.
	ErrInvalidLabel = errors.New("dataset: invalid label")
)

var (
	cifar10Classes = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}
	mnistClasses   = []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}
)

// Split holds grayscale images as raw 0..255 intensities, row-major
// [n, side, side], with one label per image.
type Split struct {
	Pixels []uint8
	Labels []int
	Side   int
}

// Len returns the number of samples.
func (s *Split) Len() int { return len(s.Labels) }

// Batch gathers the given samples into an image tensor [k, side, side, 1]
// of raw intensities plus their labels.
func (s *Split) Batch(indices []int) (*nn.Tensor, []int, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= s.Len() {
			return nil, nil, fmt.Errorf("dataset: sample index %d out of range [0,%d)", idx, s.Len())
		}
	}
	images, labels := s.gather(indices)
	return images, labels, nil
}

func (s *Split) gather(indices []int) (*nn.Tensor, []int) {
	area := s.Side * s.Side
	images := nn.NewTensor(len(indices), s.Side, s.Side, 1)
	labels := make([]int, len(indices))
	for i, idx := range indices {
		dst := images.Data[i*area : (i+1)*area]
		for j, p := range s.Pixels[idx*area : (idx+1)*area] {
			dst[j] = float64(p)
		}
		labels[i] = s.Labels[idx]
	}
	return images, labels
}

func (s *Split) append(other *Split) {
	s.Pixels = append(s.Pixels, other.Pixels...)
	s.Labels = append(s.Labels, other.Labels...)
}

// Dataset is a loaded train/test pair with its class table.
type Dataset struct {
	Name       string
	Train      *Split
	Test       *Split
	Side       int
	ClassNames []string
}

// Load reads the dataset identified by name from dir.
//
// cifar10 expects the pre-batched arrays batch1.npy..batchN.npy (concatenated
// for training) and batch_test.npy, each [rows, 1+32*32] with the label in
// column 0. mnist expects the four IDX files, optionally gzip compressed.
func Load(name, dir string) (*Dataset, error) {
	var (
		ds  *Dataset
		err error
	)
	switch name {
	case CIFAR10:
		ds, err = loadCIFAR10(dir)
	case MNIST:
		ds, err = loadMNIST(dir)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, name)
	}
	if err != nil {
		return nil, err
	}
	if err := ds.checkLabels(); err != nil {
		return nil, err
	}
	return ds, nil
}

// checkLabels verifies every label indexes the class table.
func (d *Dataset) checkLabels() error {
	for _, split := range []struct {
		name string
		s    *Split
	}{{"train", d.Train}, {"test", d.Test}} {
		for i, label := range split.s.Labels {
			if label < 0 || label >= len(d.ClassNames) {
				return fmt.Errorf("load %s: %s sample %d: %w: label %d outside [0,%d)",
					d.Name, split.name, i, ErrInvalidLabel, label, len(d.ClassNames))
			}
		}
	}
	return nil
}

func loadCIFAR10(dir string) (*Dataset, error) {
	const side = 32
	batches, err := DiscoverBatches(dir)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("load cifar10: no batchN.npy files in %s: %w", dir, fs.ErrNotExist)
	}
	train := &Split{Side: side}
	for _, path := range batches {
		part, err := ReadBatchFile(path, side)
		if err != nil {
			return nil, err
		}
		train.append(part)
	}
	test, err := ReadBatchFile(filepath.Join(dir, "batch_test.npy"), side)
	if err != nil {
		return nil, err
	}
	return &Dataset{
		Name:       CIFAR10,
		Train:      train,
		Test:       test,
		Side:       side,
		ClassNames: append([]string(nil), cifar10Classes...),
	}, nil
}

func loadMNIST(dir string) (*Dataset, error) {
	train, err := readIDXSplit(dir, "train")
	if err != nil {
		return nil, err
	}
	test, err := readIDXSplit(dir, "t10k")
	if err != nil {
		return nil, err
	}
	if train.Side != test.Side {
		return nil, fmt.Errorf("load mnist: %w: train side %d, test side %d", ErrShapeMismatch, train.Side, test.Side)
	}
	return &Dataset{
		Name:       MNIST,
		Train:      train,
		Test:       test,
		Side:       train.Side,
		ClassNames: append([]string(nil), mnistClasses...),
	}, nil
}

// Subset selects test samples by index, as used for activation export.
func (d *Dataset) Subset(indices []int) (*nn.Tensor, []int, error) {
	return d.Test.Batch(indices)
}
