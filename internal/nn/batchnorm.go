package nn

import (
	"fmt"
	"math"
)

const (
	batchNormMomentum = 0.99
	batchNormEpsilon  = 1e-3
)

// BatchNorm normalises over every axis but the last. In train mode it uses
// the batch statistics and folds them into the moving averages; in eval
// mode it uses the moving averages.
type BatchNorm struct {
	name         string
	channels     int
	Gamma        *Param
	Beta         *Param
	MovingMean   *Param
	MovingVar    *Param
	xhat         []float64
	invStd       []float64
	trainForward bool
}

// NewBatchNorm creates a normalisation layer over channels features.
func NewBatchNorm(name string, channels int) *BatchNorm {
	return &BatchNorm{
		name:       name,
		channels:   channels,
		Gamma:      NewParam(name+"/gamma", filled(1, channels)),
		Beta:       NewParam(name+"/beta", NewTensor(channels)),
		MovingMean: NewState(name+"/moving_mean", NewTensor(channels)),
		MovingVar:  NewState(name+"/moving_variance", filled(1, channels)),
	}
}

func (bn *BatchNorm) Name() string { return bn.name }
func (bn *BatchNorm) Op() string   { return bn.name + "/FusedBatchNorm" }

func (bn *BatchNorm) Params() []*Param {
	return []*Param{bn.Gamma, bn.Beta, bn.MovingMean, bn.MovingVar}
}

func (bn *BatchNorm) OutShape(in []int) ([]int, error) {
	if len(in) == 0 || in[len(in)-1] != bn.channels {
		return nil, fmt.Errorf("%s: %w: want %d channels, got %v", bn.name, ErrShapeMismatch, bn.channels, in)
	}
	return append([]int(nil), in...), nil
}

func (bn *BatchNorm) Forward(x *Tensor, train bool) *Tensor {
	c := bn.channels
	rows := len(x.Data) / c
	mean := make([]float64, c)
	variance := make([]float64, c)
	if train {
		for r := 0; r < rows; r++ {
			for ch, v := range x.Data[r*c : (r+1)*c] {
				mean[ch] += v
			}
		}
		for ch := range mean {
			mean[ch] /= float64(rows)
		}
		for r := 0; r < rows; r++ {
			for ch, v := range x.Data[r*c : (r+1)*c] {
				d := v - mean[ch]
				variance[ch] += d * d
			}
		}
		for ch := range variance {
			variance[ch] /= float64(rows)
		}
		unbias := 1.0
		if rows > 1 {
			unbias = float64(rows) / float64(rows-1)
		}
		mm, mv := bn.MovingMean.Value.Data, bn.MovingVar.Value.Data
		for ch := 0; ch < c; ch++ {
			mm[ch] = mm[ch]*batchNormMomentum + mean[ch]*(1-batchNormMomentum)
			mv[ch] = mv[ch]*batchNormMomentum + variance[ch]*unbias*(1-batchNormMomentum)
		}
	} else {
		copy(mean, bn.MovingMean.Value.Data)
		copy(variance, bn.MovingVar.Value.Data)
	}

	if cap(bn.invStd) < c {
		bn.invStd = make([]float64, c)
	}
	bn.invStd = bn.invStd[:c]
	for ch := range variance {
		bn.invStd[ch] = 1 / math.Sqrt(variance[ch]+batchNormEpsilon)
	}
	if cap(bn.xhat) < len(x.Data) {
		bn.xhat = make([]float64, len(x.Data))
	}
	bn.xhat = bn.xhat[:len(x.Data)]
	bn.trainForward = train

	gamma, beta := bn.Gamma.Value.Data, bn.Beta.Value.Data
	y := NewTensor(x.Shape...)
	for i, v := range x.Data {
		ch := i % c
		xh := (v - mean[ch]) * bn.invStd[ch]
		bn.xhat[i] = xh
		y.Data[i] = gamma[ch]*xh + beta[ch]
	}
	return y
}

func (bn *BatchNorm) Backward(grad *Tensor) *Tensor {
	c := bn.channels
	rows := len(grad.Data) / c
	gamma := bn.Gamma.Value.Data
	dGamma, dBeta := bn.Gamma.Grad.Data, bn.Beta.Grad.Data

	sumDy := make([]float64, c)
	sumDyXhat := make([]float64, c)
	for i, g := range grad.Data {
		ch := i % c
		sumDy[ch] += g
		sumDyXhat[ch] += g * bn.xhat[i]
	}
	for ch := 0; ch < c; ch++ {
		dBeta[ch] += sumDy[ch]
		dGamma[ch] += sumDyXhat[ch]
	}

	dx := NewTensor(grad.Shape...)
	if !bn.trainForward {
		for i, g := range grad.Data {
			ch := i % c
			dx.Data[i] = g * gamma[ch] * bn.invStd[ch]
		}
		return dx
	}
	m := float64(rows)
	for i, g := range grad.Data {
		ch := i % c
		dx.Data[i] = gamma[ch] * bn.invStd[ch] / m * (m*g - sumDy[ch] - bn.xhat[i]*sumDyXhat[ch])
	}
	return dx
}
