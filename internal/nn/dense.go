package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Dense is a fully connected layer y = x*kernel + bias with an optional
// ReLU. The kernel is laid out [in, out].
type Dense struct {
	name   string
	in     int
	out    int
	relu   bool
	Kernel *Param
	Bias   *Param

	x *Tensor
	y *Tensor
}

// NewDense creates a dense layer with Glorot-uniform kernel and zero bias.
func NewDense(name string, in, out int, relu bool, rng *rand.Rand) *Dense {
	return &Dense{
		name:   name,
		in:     in,
		out:    out,
		relu:   relu,
		Kernel: NewParam(name+"/kernel", glorotUniform(rng, in, out, in, out)),
		Bias:   NewParam(name+"/bias", NewTensor(out)),
	}
}

func (d *Dense) Name() string { return d.name }

func (d *Dense) Op() string {
	if d.relu {
		return d.name + "/Relu"
	}
	return d.name + "/BiasAdd"
}

func (d *Dense) Params() []*Param { return []*Param{d.Kernel, d.Bias} }

func (d *Dense) OutShape(in []int) ([]int, error) {
	if len(in) != 1 || in[0] != d.in {
		return nil, fmt.Errorf("%s: %w: want [%d], got %v", d.name, ErrShapeMismatch, d.in, in)
	}
	return []int{d.out}, nil
}

func (d *Dense) Forward(x *Tensor, _ bool) *Tensor {
	n := x.Shape[0]
	if len(x.Shape) != 2 || x.Shape[1] != d.in {
		panic(fmt.Sprintf("%s: expected [batch %d] input, got %v", d.name, d.in, x.Shape))
	}
	y := NewTensor(n, d.out)
	yM := mat.NewDense(n, d.out, y.Data)
	yM.Mul(mat.NewDense(n, d.in, x.Data), mat.NewDense(d.in, d.out, d.Kernel.Value.Data))
	for r := 0; r < n; r++ {
		floats.Add(y.Data[r*d.out:(r+1)*d.out], d.Bias.Value.Data)
	}
	if d.relu {
		reluInPlace(y.Data)
	}
	d.x, d.y = x, y
	return y
}

func (d *Dense) Backward(grad *Tensor) *Tensor {
	if d.relu {
		grad = reluGrad(grad, d.y)
	}
	n := grad.Shape[0]
	g := mat.NewDense(n, d.out, grad.Data)
	xM := mat.NewDense(n, d.in, d.x.Data)

	var dKernel mat.Dense
	dKernel.Mul(xM.T(), g)
	kernelGrad := mat.NewDense(d.in, d.out, d.Kernel.Grad.Data)
	kernelGrad.Add(kernelGrad, &dKernel)

	for r := 0; r < n; r++ {
		floats.Add(d.Bias.Grad.Data, grad.Data[r*d.out:(r+1)*d.out])
	}

	dx := NewTensor(n, d.in)
	dxM := mat.NewDense(n, d.in, dx.Data)
	dxM.Mul(g, mat.NewDense(d.in, d.out, d.Kernel.Value.Data).T())
	return dx
}
