package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Conv2D is a stride-1 convolution with "same" zero padding and an optional
// fused ReLU. The kernel is laid out [kh, kw, in, out] so that, flattened,
// it is directly the (kh*kw*in) x out matrix multiplied against the im2col
// patches of one sample.
type Conv2D struct {
	name   string
	in     int
	out    int
	k      int
	relu   bool
	Kernel *Param
	Bias   *Param

	x *Tensor
	y *Tensor
}

// NewConv2D creates a convolution with Glorot-uniform kernel and zero bias.
func NewConv2D(name string, in, out, k int, relu bool, rng *rand.Rand) *Conv2D {
	kernel := glorotUniform(rng, k*k*in, k*k*out, k, k, in, out)
	return &Conv2D{
		name:   name,
		in:     in,
		out:    out,
		k:      k,
		relu:   relu,
		Kernel: NewParam(name+"/kernel", kernel),
		Bias:   NewParam(name+"/bias", NewTensor(out)),
	}
}

func (c *Conv2D) Name() string { return c.name }

func (c *Conv2D) Op() string {
	if c.relu {
		return c.name + "/Relu"
	}
	return c.name + "/BiasAdd"
}

func (c *Conv2D) Params() []*Param { return []*Param{c.Kernel, c.Bias} }

func (c *Conv2D) OutShape(in []int) ([]int, error) {
	if len(in) != 3 || in[2] != c.in {
		return nil, fmt.Errorf("%s: %w: want [h w %d], got %v", c.name, ErrShapeMismatch, c.in, in)
	}
	return []int{in[0], in[1], c.out}, nil
}

func (c *Conv2D) Forward(x *Tensor, _ bool) *Tensor {
	n, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	if x.Shape[3] != c.in {
		panic(fmt.Sprintf("%s: expected %d input channels, got %d", c.name, c.in, x.Shape[3]))
	}
	hw := h * w
	kkc := c.k * c.k * c.in
	y := NewTensor(n, h, w, c.out)
	kernel := mat.NewDense(kkc, c.out, c.Kernel.Value.Data)
	cols := make([]float64, hw*kkc)
	colsM := mat.NewDense(hw, kkc, cols)
	for i := 0; i < n; i++ {
		im2col(x.Data[i*hw*c.in:(i+1)*hw*c.in], h, w, c.in, c.k, cols)
		outM := mat.NewDense(hw, c.out, y.Data[i*hw*c.out:(i+1)*hw*c.out])
		outM.Mul(colsM, kernel)
	}
	bias := c.Bias.Value.Data
	for p := 0; p < n*hw; p++ {
		floats.Add(y.Data[p*c.out:(p+1)*c.out], bias)
	}
	if c.relu {
		reluInPlace(y.Data)
	}
	c.x, c.y = x, y
	return y
}

func (c *Conv2D) Backward(grad *Tensor) *Tensor {
	if c.relu {
		grad = reluGrad(grad, c.y)
	}
	x := c.x
	n, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	hw := h * w
	kkc := c.k * c.k * c.in

	biasGrad := c.Bias.Grad.Data
	for p := 0; p < n*hw; p++ {
		floats.Add(biasGrad, grad.Data[p*c.out:(p+1)*c.out])
	}

	kernel := mat.NewDense(kkc, c.out, c.Kernel.Value.Data)
	kernelGrad := mat.NewDense(kkc, c.out, c.Kernel.Grad.Data)
	cols := make([]float64, hw*kkc)
	colsM := mat.NewDense(hw, kkc, cols)
	dKernel := mat.NewDense(kkc, c.out, nil)
	dCols := mat.NewDense(hw, kkc, nil)
	dx := NewTensor(x.Shape...)
	for i := 0; i < n; i++ {
		im2col(x.Data[i*hw*c.in:(i+1)*hw*c.in], h, w, c.in, c.k, cols)
		g := mat.NewDense(hw, c.out, grad.Data[i*hw*c.out:(i+1)*hw*c.out])
		dKernel.Mul(colsM.T(), g)
		kernelGrad.Add(kernelGrad, dKernel)
		dCols.Mul(g, kernel.T())
		col2im(dCols.RawMatrix().Data, h, w, c.in, c.k, dx.Data[i*hw*c.in:(i+1)*hw*c.in])
	}
	return dx
}

// im2col writes one row per output pixel holding the k*k*c patch around it,
// zero outside the image.
func im2col(x []float64, h, w, c, k int, cols []float64) {
	pad := k / 2
	kkc := k * k * c
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			row := cols[(i*w+j)*kkc : (i*w+j+1)*kkc]
			for di := 0; di < k; di++ {
				for dj := 0; dj < k; dj++ {
					seg := row[(di*k+dj)*c : (di*k+dj+1)*c]
					yy, xx := i+di-pad, j+dj-pad
					if yy < 0 || yy >= h || xx < 0 || xx >= w {
						for s := range seg {
							seg[s] = 0
						}
						continue
					}
					copy(seg, x[(yy*w+xx)*c:(yy*w+xx+1)*c])
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it scatters patch gradients back onto
// the image, accumulating overlaps into dx.
func col2im(cols []float64, h, w, c, k int, dx []float64) {
	pad := k / 2
	kkc := k * k * c
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			row := cols[(i*w+j)*kkc : (i*w+j+1)*kkc]
			for di := 0; di < k; di++ {
				for dj := 0; dj < k; dj++ {
					yy, xx := i+di-pad, j+dj-pad
					if yy < 0 || yy >= h || xx < 0 || xx >= w {
						continue
					}
					floats.Add(dx[(yy*w+xx)*c:(yy*w+xx+1)*c], row[(di*k+dj)*c:(di*k+dj+1)*c])
				}
			}
		}
	}
}
