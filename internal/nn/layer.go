package nn

import (
	"fmt"
	"math/rand"
)

// Layer is one differentiable stage of a network.
//
// Forward caches whatever Backward needs, so a Backward call always refers
// to the most recent Forward. Backward accumulates into the gradients of
// the layer's trainable params and returns the gradient for its input.
type Layer interface {
	// Name is the variable scope, e.g. "conv0".
	Name() string
	// Op names the tensor the layer produces, e.g. "conv0/Relu".
	Op() string
	// OutShape maps a per-sample input shape to the per-sample output shape.
	OutShape(in []int) ([]int, error)
	Forward(x *Tensor, train bool) *Tensor
	Backward(grad *Tensor) *Tensor
	Params() []*Param
}

// Flatten collapses every non-batch dimension.
type Flatten struct {
	name    string
	inShape []int
}

// NewFlatten creates a flatten layer.
func NewFlatten(name string) *Flatten { return &Flatten{name: name} }

func (f *Flatten) Name() string     { return f.name }
func (f *Flatten) Op() string       { return f.name + "/Reshape" }
func (f *Flatten) Params() []*Param { return nil }

func (f *Flatten) OutShape(in []int) ([]int, error) {
	return []int{Volume(in)}, nil
}

func (f *Flatten) Forward(x *Tensor, _ bool) *Tensor {
	f.inShape = append(f.inShape[:0], x.Shape...)
	return &Tensor{Shape: []int{x.Shape[0], Volume(x.Shape[1:])}, Data: x.Data}
}

func (f *Flatten) Backward(grad *Tensor) *Tensor {
	return &Tensor{Shape: append([]int(nil), f.inShape...), Data: grad.Data}
}

// Dropout zeroes activations with probability rate during training and
// scales the survivors by 1/(1-rate). It is the identity in eval mode.
type Dropout struct {
	name string
	rate float64
	rng  *rand.Rand
	mask []float64
}

// NewDropout creates a dropout layer. rate must be in [0, 1).
func NewDropout(name string, rate float64, rng *rand.Rand) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout %s: rate must be in [0,1) (got %g)", name, rate)
	}
	return &Dropout{name: name, rate: rate, rng: rng}, nil
}

func (d *Dropout) Name() string     { return d.name }
func (d *Dropout) Op() string       { return d.name + "/Identity" }
func (d *Dropout) Params() []*Param { return nil }

func (d *Dropout) OutShape(in []int) ([]int, error) {
	return append([]int(nil), in...), nil
}

func (d *Dropout) Forward(x *Tensor, train bool) *Tensor {
	if !train || d.rate == 0 {
		d.mask = nil
		return x
	}
	keep := 1 - d.rate
	scale := 1 / keep
	if cap(d.mask) < len(x.Data) {
		d.mask = make([]float64, len(x.Data))
	}
	d.mask = d.mask[:len(x.Data)]
	out := NewTensor(x.Shape...)
	for i, v := range x.Data {
		if d.rng.Float64() < keep {
			d.mask[i] = scale
			out.Data[i] = v * scale
		} else {
			d.mask[i] = 0
		}
	}
	return out
}

func (d *Dropout) Backward(grad *Tensor) *Tensor {
	if d.mask == nil {
		return grad
	}
	out := NewTensor(grad.Shape...)
	for i, g := range grad.Data {
		out.Data[i] = g * d.mask[i]
	}
	return out
}

func reluInPlace(data []float64) {
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}

// reluGrad masks grad by the positions where the ReLU output was positive.
func reluGrad(grad *Tensor, out *Tensor) *Tensor {
	g := NewTensor(grad.Shape...)
	for i, v := range out.Data {
		if v > 0 {
			g.Data[i] = grad.Data[i]
		}
	}
	return g
}
