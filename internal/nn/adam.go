package nn

import "math"

// AdamConfig holds the Adam hyperparameters. Zero fields take the defaults
// LR=0.001, Beta1=0.9, Beta2=0.999, Eps=1e-8.
type AdamConfig struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64
}

// Adam implements Adam with bias correction:
//
//	m = b1*m + (1-b1)*g
//	v = b2*v + (1-b2)*g^2
//	p -= lr * (m/(1-b1^t)) / (sqrt(v/(1-b2^t)) + eps)
type Adam struct {
	params []*Param
	cfg    AdamConfig
	t      int
	m      map[*Param][]float64
	v      map[*Param][]float64
}

// NewAdam creates an optimizer over the trainable entries of params.
func NewAdam(params []*Param, cfg AdamConfig) *Adam {
	if cfg.LR == 0 {
		cfg.LR = 0.001
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-8
	}
	a := &Adam{
		cfg: cfg,
		m:   make(map[*Param][]float64),
		v:   make(map[*Param][]float64),
	}
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		a.params = append(a.params, p)
		a.m[p] = make([]float64, p.Value.Len())
		a.v[p] = make([]float64, p.Value.Len())
	}
	return a
}

// Step applies one update from the accumulated gradients.
func (a *Adam) Step() {
	a.t++
	b1, b2 := a.cfg.Beta1, a.cfg.Beta2
	c1 := 1 - math.Pow(b1, float64(a.t))
	c2 := 1 - math.Pow(b2, float64(a.t))
	for _, p := range a.params {
		m, v := a.m[p], a.v[p]
		for i, g := range p.Grad.Data {
			m[i] = b1*m[i] + (1-b1)*g
			v[i] = b2*v[i] + (1-b2)*g*g
			p.Value.Data[i] -= a.cfg.LR * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.cfg.Eps)
		}
	}
}

// ZeroGrad clears the gradients of every optimized parameter.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// Steps returns how many updates have been applied.
func (a *Adam) Steps() int { return a.t }
