package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"cnnviz/internal/nn"
)

const kernelSize = 3

// Model is the configurable convolutional classifier. The same value
// serves training and evaluation; the train flag selects batch-statistics
// normalisation and active dropout.
type Model struct {
	hp         Hyperparams
	side       int
	numClasses int

	layers []nn.Layer
	taps   []Tap
	tapAt  []int
	params []*nn.Param
}

// New builds the network for side x side grayscale inputs:
//
//	GroupNum x { GroupSize x conv3x3+relu, maxpool, batchnorm, dropout }
//	flatten
//	DenseLayerNum x { dense+relu, batchnorm, dropout }
//	fc_out
//
// Variables are initialised from seed, so equal arguments give equal models.
func New(hp Hyperparams, side, numClasses int, seed int64) (*Model, error) {
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	if side <= 0 {
		return nil, fmt.Errorf("model: image side must be > 0 (got %d)", side)
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("model: class count must be > 0 (got %d)", numClasses)
	}

	b := &builder{
		m:     &Model{hp: hp, side: side, numClasses: numClasses},
		rng:   rand.New(rand.NewSource(seed)),
		shape: []int{side, side, 1},
	}
	conv := 0
	for g := 0; g < hp.GroupNum; g++ {
		filters := hp.BaseFilters << g
		for s := 0; s < hp.GroupSize; s++ {
			b.add(nn.NewConv2D(fmt.Sprintf("conv%d", conv), b.channels(), filters, kernelSize, true, b.rng), true)
			conv++
		}
		b.add(nn.NewMaxPool2D(fmt.Sprintf("maxpool%d", g)), true)
		b.normalise()
	}
	b.add(nn.NewFlatten("flatten"), false)
	for d := 0; d < hp.DenseLayerNum; d++ {
		b.add(nn.NewDense(fmt.Sprintf("fc%d", d), b.channels(), hp.DenseLayerUnits, true, b.rng), true)
		b.normalise()
	}
	b.add(nn.NewDense("fc_out", b.channels(), numClasses, false, b.rng), true)
	if b.err != nil {
		return nil, fmt.Errorf("model: %w", b.err)
	}
	return b.m, nil
}

type builder struct {
	m       *Model
	rng     *rand.Rand
	shape   []int
	bn      int
	dropout int
	err     error
}

func (b *builder) channels() int {
	if len(b.shape) == 0 {
		return 0
	}
	return b.shape[len(b.shape)-1]
}

func (b *builder) add(l nn.Layer, tap bool) {
	if b.err != nil {
		return
	}
	out, err := l.OutShape(b.shape)
	if err != nil {
		b.err = err
		return
	}
	b.shape = out
	b.m.layers = append(b.m.layers, l)
	b.m.params = append(b.m.params, l.Params()...)
	if tap {
		b.m.taps = append(b.m.taps, Tap{Op: l.Op(), Shape: append([]int(nil), out...)})
		b.m.tapAt = append(b.m.tapAt, len(b.m.layers)-1)
	}
}

// normalise appends a batchnorm and a dropout layer, named the way repeated
// layers are uniquified: "x", "x_1", "x_2", ...
func (b *builder) normalise() {
	if b.err != nil {
		return
	}
	b.add(nn.NewBatchNorm(uniqueName("batch_normalization", b.bn), b.channels()), true)
	b.bn++
	d, err := nn.NewDropout(uniqueName("dropout", b.dropout), b.m.hp.Dropout, b.rng)
	if err != nil {
		b.err = err
		return
	}
	b.add(d, false)
	b.dropout++
}

func uniqueName(base string, n int) string {
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, n)
}

// Hyperparams returns the architecture the model was built from.
func (m *Model) Hyperparams() Hyperparams { return m.hp }

// Side returns the expected input image side.
func (m *Model) Side() int { return m.side }

// NumClasses returns the width of fc_out.
func (m *Model) NumClasses() int { return m.numClasses }

// Taps returns the visualisation graph in construction order.
func (m *Model) Taps() []Tap {
	out := make([]Tap, len(m.taps))
	for i, t := range m.taps {
		out[i] = Tap{Op: t.Op, Shape: append([]int(nil), t.Shape...)}
	}
	return out
}

// Params returns every variable, trainable and state, in construction order.
func (m *Model) Params() []*nn.Param {
	return append([]*nn.Param(nil), m.params...)
}

func (m *Model) checkInput(x *nn.Tensor) error {
	if len(x.Shape) != 4 || x.Shape[1] != m.side || x.Shape[2] != m.side || x.Shape[3] != 1 {
		return fmt.Errorf("model: %w: input %v, want [n %d %d 1]", nn.ErrShapeMismatch, x.Shape, m.side, m.side)
	}
	return nil
}

// scaled converts raw 0..255 intensities to [0,1].
func scaled(x *nn.Tensor) *nn.Tensor {
	out := x.Clone()
	floats.Scale(1.0/255, out.Data)
	return out
}

// Forward maps raw images [n, side, side, 1] to logits [n, classes].
func (m *Model) Forward(x *nn.Tensor, train bool) (*nn.Tensor, error) {
	if err := m.checkInput(x); err != nil {
		return nil, err
	}
	out := scaled(x)
	for _, l := range m.layers {
		out = l.Forward(out, train)
	}
	return out, nil
}

// Backward propagates the logits gradient through the last Forward,
// accumulating parameter gradients.
func (m *Model) Backward(grad *nn.Tensor) {
	for i := len(m.layers) - 1; i >= 0; i-- {
		grad = m.layers[i].Backward(grad)
	}
}

// Capture runs an eval-mode forward pass and returns the output of every
// tap, aligned with Taps. The last entry is the fc_out logits.
func (m *Model) Capture(x *nn.Tensor) ([]*nn.Tensor, error) {
	if err := m.checkInput(x); err != nil {
		return nil, err
	}
	outs := make([]*nn.Tensor, 0, len(m.taps))
	next := 0
	out := scaled(x)
	for i, l := range m.layers {
		out = l.Forward(out, false)
		if next < len(m.tapAt) && m.tapAt[next] == i {
			outs = append(outs, out)
			next++
		}
	}
	return outs, nil
}

// TrainStep runs one optimisation step on a minibatch and returns its mean
// loss and accuracy measured before the update.
func (m *Model) TrainStep(images *nn.Tensor, labels []int, opt *nn.Adam) (float64, float64, error) {
	logits, err := m.Forward(images, true)
	if err != nil {
		return 0, 0, err
	}
	loss, grad, err := nn.SoftmaxCrossEntropy(logits, labels)
	if err != nil {
		return 0, 0, err
	}
	opt.ZeroGrad()
	m.Backward(grad)
	opt.Step()
	return loss, nn.Accuracy(logits, labels), nil
}

// Evaluate returns the eval-mode loss and accuracy on a minibatch.
func (m *Model) Evaluate(images *nn.Tensor, labels []int) (float64, float64, error) {
	logits, err := m.Forward(images, false)
	if err != nil {
		return 0, 0, err
	}
	loss, _, err := nn.SoftmaxCrossEntropy(logits, labels)
	if err != nil {
		return 0, 0, err
	}
	return loss, nn.Accuracy(logits, labels), nil
}

// StateDict copies every variable by name.
func (m *Model) StateDict() map[string]*nn.Tensor {
	state := make(map[string]*nn.Tensor, len(m.params))
	for _, p := range m.params {
		state[p.Name] = p.Value.Clone()
	}
	return state
}

// LoadStateDict restores every variable from state. Missing, extra or
// differently shaped entries are rejected and leave the model unchanged.
func (m *Model) LoadStateDict(state map[string]*nn.Tensor) error {
	if len(state) != len(m.params) {
		return fmt.Errorf("model: %w: state has %d variables, model has %d", nn.ErrShapeMismatch, len(state), len(m.params))
	}
	for _, p := range m.params {
		v, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("model: variable %s missing from state", p.Name)
		}
		if !nn.SameShape(v.Shape, p.Value.Shape) || len(v.Data) != len(p.Value.Data) {
			return fmt.Errorf("model: %w: %s is %v, want %v", nn.ErrShapeMismatch, p.Name, v.Shape, p.Value.Shape)
		}
	}
	for _, p := range m.params {
		copy(p.Value.Data, state[p.Name].Data)
	}
	return nil
}

// ParamShapes maps every variable name to its shape.
func (m *Model) ParamShapes() map[string][]int {
	shapes := make(map[string][]int, len(m.params))
	for _, p := range m.params {
		shapes[p.Name] = append([]int(nil), p.Value.Shape...)
	}
	return shapes
}
