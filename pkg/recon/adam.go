package recon

import "math"

// Adam is a first/second-moment adaptive optimizer over one flat
// parameter buffer. Not goroutine-safe; each replica owns its own
// instances and keeps them bit-identical by applying identical gradients.
type Adam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64

	m, v []float64
	t    int
}

// NewAdam builds an optimizer for n parameters with the usual moment
// decay defaults.
func NewAdam(lr float64, n int) *Adam {
	return &Adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     make([]float64, n),
		v:     make([]float64, n),
	}
}

// Step applies one bias-corrected update in place. scale multiplies the
// learning rate for this step only; the driver uses it for the dynamic
// accumulation boost.
func (a *Adam) Step(params, grad []float64, scale float64) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	lr := a.lr * scale
	for i, g := range grad {
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g
		mhat := a.m[i] / c1
		vhat := a.v[i] / c2
		params[i] -= lr * mhat / (math.Sqrt(vhat) + a.eps)
	}
}
