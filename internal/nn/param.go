package nn

import (
	"math"
	"math/rand"
)

// Param is a named tensor owned by a layer. Trainable params carry a
// gradient that Backward accumulates into; non-trainable params hold state
// such as batch-normalisation moving averages.
type Param struct {
	Name      string
	Value     *Tensor
	Grad      *Tensor
	Trainable bool
}

// NewParam creates a trainable parameter with a zero gradient.
func NewParam(name string, value *Tensor) *Param {
	return &Param{
		Name:      name,
		Value:     value,
		Grad:      NewTensor(value.Shape...),
		Trainable: true,
	}
}

// NewState creates a non-trainable parameter.
func NewState(name string, value *Tensor) *Param {
	return &Param{Name: name, Value: value}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	if p.Grad == nil {
		return
	}
	for i := range p.Grad.Data {
		p.Grad.Data[i] = 0
	}
}

// glorotUniform fills a tensor from U(-limit, limit) with
// limit = sqrt(6 / (fanIn + fanOut)).
func glorotUniform(rng *rand.Rand, fanIn, fanOut int, shape ...int) *Tensor {
	t := NewTensor(shape...)
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range t.Data {
		t.Data[i] = (rng.Float64()*2 - 1) * limit
	}
	return t
}

func filled(v float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}
