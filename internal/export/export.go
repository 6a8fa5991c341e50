// Package export turns training checkpoints into the JSON bundles read by
// the visualiser: one structure file per run, and a weights and an
// activations file per checkpoint epoch.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"cnnviz/internal/checkpoint"
	"cnnviz/internal/dataset"
	"cnnviz/internal/model"
	"cnnviz/internal/nn"
)

// StructureFile is the name of the per-run structure bundle.
const StructureFile = "model_structure.json"

// WeightsFile names the weights bundle of epoch.
func WeightsFile(epoch int) string {
	return fmt.Sprintf("model_weights_epoch%03d.json", epoch)
}

// ActivationsFile names the activations bundle of epoch.
func ActivationsFile(epoch int) string {
	return fmt.Sprintf("model_activations_epoch%03d.json", epoch)
}

// WriteError reports a bundle that could not be encoded or written.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("export: write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Config selects the checkpoints to export and the test samples whose
// activations are recorded.
type Config struct {
	CkptDir string
	OutDir  string
	Dataset *dataset.Dataset
	Indices []int
}

// Run exports every checkpoint under cfg.CkptDir in ascending epoch order.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Dataset == nil {
		return errors.New("export: dataset is nil")
	}
	if len(cfg.Indices) == 0 {
		return errors.New("export: no test samples selected")
	}
	entries, err := checkpoint.Discover(cfg.CkptDir)
	if err != nil {
		return err
	}
	images, labels, err := cfg.Dataset.Subset(cfg.Indices)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return &WriteError{Path: cfg.OutDir, Err: err}
	}

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, meta, err := checkpoint.Restore(entry)
		if err != nil {
			return err
		}
		if meta.Side != cfg.Dataset.Side {
			return fmt.Errorf("export: checkpoint %d: %w: trained on side %d, samples have side %d",
				entry.Epoch, nn.ErrShapeMismatch, meta.Side, cfg.Dataset.Side)
		}
		kernels := weightOps(m.Params())
		taps := m.Taps()

		if i == 0 {
			path := filepath.Join(cfg.OutDir, StructureFile)
			if err := writeJSON(path, BuildStructure(meta.Side, taps, kernels, meta.ClassNames)); err != nil {
				return err
			}
			log.Printf("structure=%s layers=%d", path, len(taps))
		}

		weightsPath := filepath.Join(cfg.OutDir, WeightsFile(entry.Epoch))
		if err := writeJSON(weightsPath, BuildWeights(taps, kernels)); err != nil {
			return err
		}

		outs, err := m.Capture(images)
		if err != nil {
			return fmt.Errorf("export: checkpoint %d: %w", entry.Epoch, err)
		}
		acts, err := BuildActivations(images, labels, taps, outs, meta.ClassNames)
		if err != nil {
			return fmt.Errorf("export: checkpoint %d: %w", entry.Epoch, err)
		}
		activationsPath := filepath.Join(cfg.OutDir, ActivationsFile(entry.Epoch))
		if err := writeJSON(activationsPath, acts); err != nil {
			return err
		}
		log.Printf("epoch=%d weights=%s activations=%s samples=%d", entry.Epoch, weightsPath, activationsPath, len(labels))
	}
	return nil
}

func writeJSON(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

// weightOps keys the trainable kernels by layer name.
func weightOps(params []*nn.Param) map[string]*nn.Param {
	ops := make(map[string]*nn.Param)
	for _, p := range params {
		if !p.Trainable || !strings.Contains(p.Name, "kernel") {
			continue
		}
		name := model.LayerName(p.Name)
		if _, ok := ops[name]; !ok {
			ops[name] = p
		}
	}
	return ops
}

func isActivation(op string) bool {
	return strings.Contains(op, "Relu") || strings.Contains(op, "maxpool") || strings.Contains(op, "out")
}

func isMaxPool(layer string) bool {
	return strings.Contains(layer, "maxpool")
}

// distinctLayers yields the index of the first tap of each layer name.
func distinctLayers(taps []model.Tap, keep func(model.Tap) bool) []int {
	seen := make(map[string]bool)
	var idx []int
	for i, tap := range taps {
		name := tap.Layer()
		if seen[name] || !keep(tap) {
			continue
		}
		seen[name] = true
		idx = append(idx, i)
	}
	return idx
}

func structural(kernels map[string]*nn.Param) func(model.Tap) bool {
	return func(t model.Tap) bool {
		name := t.Layer()
		_, ok := kernels[name]
		return ok || isMaxPool(name)
	}
}

// BuildStructure lists the input, every maxpool with its [H,W] and every
// kernel-bearing layer with its kernel shape, followed by the class names.
func BuildStructure(side int, taps []model.Tap, kernels map[string]*nn.Param, classNames []string) Structure {
	s := Structure{
		Layers:     []Entry{{Name: inputLayer, Shape: []int{1, side, side, 1}}},
		ClassNames: append([]string(nil), classNames...),
	}
	for _, i := range distinctLayers(taps, structural(kernels)) {
		name := taps[i].Layer()
		if isMaxPool(name) {
			s.Layers = append(s.Layers, Entry{Name: name, Shape: poolShape(taps[i])})
			continue
		}
		s.Layers = append(s.Layers, Entry{Name: name, Shape: append([]int(nil), kernels[name].Value.Shape...)})
	}
	return s
}

// BuildWeights mirrors BuildStructure with values: a placeholder for the
// input, zeros for pools and the kernel tensors.
func BuildWeights(taps []model.Tap, kernels map[string]*nn.Param) Weights {
	w := Weights{Layers: []Entry{{Name: inputLayer, Shape: []int{1}, Values: nn.NewTensor(1)}}}
	for _, i := range distinctLayers(taps, structural(kernels)) {
		name := taps[i].Layer()
		if isMaxPool(name) {
			shape := poolShape(taps[i])
			w.Layers = append(w.Layers, Entry{Name: name, Shape: shape, Values: nn.NewTensor(shape...)})
			continue
		}
		kernel := kernels[name].Value.Clone()
		w.Layers = append(w.Layers, Entry{Name: name, Shape: kernel.Shape, Values: kernel})
	}
	return w
}

// BuildActivations records the normalised input and the outputs of the
// activation taps, plus ground-truth and predicted class names. outs must
// be aligned with taps and end with the logits.
func BuildActivations(images *nn.Tensor, labels []int, taps []model.Tap, outs []*nn.Tensor, classNames []string) (Activations, error) {
	if len(outs) != len(taps) || len(outs) == 0 {
		return Activations{}, fmt.Errorf("%w: %d outputs for %d taps", nn.ErrShapeMismatch, len(outs), len(taps))
	}
	input := images.Clone()
	floats.Scale(1.0/255, input.Data)
	a := Activations{Layers: []Entry{{Name: inputLayer, Shape: input.Shape, Values: input}}}

	for _, i := range distinctLayers(taps, func(t model.Tap) bool { return isActivation(t.Op) }) {
		out := outs[i]
		a.Layers = append(a.Layers, Entry{Name: taps[i].Layer(), Shape: append([]int(nil), out.Shape...), Values: out})
	}

	logits := outs[len(outs)-1]
	for _, label := range labels {
		name, err := className(classNames, label)
		if err != nil {
			return Activations{}, err
		}
		a.GroundTruth = append(a.GroundTruth, name)
	}
	for _, pred := range nn.Argmax(logits) {
		name, err := className(classNames, pred)
		if err != nil {
			return Activations{}, err
		}
		a.Predicted = append(a.Predicted, name)
	}
	return a, nil
}

func className(names []string, idx int) (string, error) {
	if idx < 0 || idx >= len(names) {
		return "", fmt.Errorf("class %d outside table of %d names", idx, len(names))
	}
	return names[idx], nil
}

func poolShape(t model.Tap) []int {
	return []int{t.Shape[0], t.Shape[1]}
}

// SampleIndices resolves which test samples to export. An empty sampleRange
// selects testSample alone; "a-b" selects a..b inclusive.
func SampleIndices(testSample int, sampleRange string) ([]int, error) {
	if sampleRange == "" {
		if testSample < 0 {
			return nil, fmt.Errorf("test sample must be >= 0 (got %d)", testSample)
		}
		return []int{testSample}, nil
	}
	lo, hi, ok := strings.Cut(sampleRange, "-")
	if !ok {
		return nil, fmt.Errorf("test sample range %q: want a-b", sampleRange)
	}
	a, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return nil, fmt.Errorf("test sample range %q: %w", sampleRange, err)
	}
	b, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return nil, fmt.Errorf("test sample range %q: %w", sampleRange, err)
	}
	if a < 0 || b < a {
		return nil, fmt.Errorf("test sample range %q: want 0 <= a <= b", sampleRange)
	}
	out := make([]int, 0, b-a+1)
	for i := a; i <= b; i++ {
		out = append(out, i)
	}
	return out, nil
}
