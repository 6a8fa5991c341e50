package nn

import (
	"fmt"
	"math"
)

// MaxPool2D is a 2x2, stride 2 max pooling with "valid" padding: a trailing
// odd row or column is dropped.
type MaxPool2D struct {
	name    string
	inShape []int
	argmax  []int
}

// NewMaxPool2D creates a pooling layer.
func NewMaxPool2D(name string) *MaxPool2D { return &MaxPool2D{name: name} }

func (p *MaxPool2D) Name() string     { return p.name }
func (p *MaxPool2D) Op() string       { return p.name + "/MaxPool" }
func (p *MaxPool2D) Params() []*Param { return nil }

func (p *MaxPool2D) OutShape(in []int) ([]int, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("%s: %w: want [h w c], got %v", p.name, ErrShapeMismatch, in)
	}
	if in[0]/2 < 1 || in[1]/2 < 1 {
		return nil, fmt.Errorf("%s: %w: %dx%d input is too small to pool", p.name, ErrShapeMismatch, in[0], in[1])
	}
	return []int{in[0] / 2, in[1] / 2, in[2]}, nil
}

func (p *MaxPool2D) Forward(x *Tensor, _ bool) *Tensor {
	n, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h/2, w/2
	y := NewTensor(n, oh, ow, c)
	if cap(p.argmax) < len(y.Data) {
		p.argmax = make([]int, len(y.Data))
	}
	p.argmax = p.argmax[:len(y.Data)]
	p.inShape = append(p.inShape[:0], x.Shape...)

	o := 0
	for b := 0; b < n; b++ {
		for i := 0; i < oh; i++ {
			for j := 0; j < ow; j++ {
				for ch := 0; ch < c; ch++ {
					best, bestIdx := math.Inf(-1), -1
					for di := 0; di < 2; di++ {
						for dj := 0; dj < 2; dj++ {
							idx := ((b*h+2*i+di)*w+2*j+dj)*c + ch
							if v := x.Data[idx]; v > best || bestIdx < 0 {
								best, bestIdx = v, idx
							}
						}
					}
					y.Data[o] = best
					p.argmax[o] = bestIdx
					o++
				}
			}
		}
	}
	return y
}

func (p *MaxPool2D) Backward(grad *Tensor) *Tensor {
	dx := NewTensor(p.inShape...)
	for o, g := range grad.Data {
		dx.Data[p.argmax[o]] += g
	}
	return dx
}
