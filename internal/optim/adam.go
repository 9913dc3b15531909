package optim

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"distributed-ppo-rl/internal/params"
)

// ClipGlobalNorm rescales every gradient so that their joint L2 norm is at
// most maxNorm. It returns the norm before clipping. A non-positive maxNorm
// disables clipping.
func ClipGlobalNorm(set *params.Set, maxNorm float64) float64 {
	norm := set.GradNorm()
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / norm
	for _, p := range set.List() {
		floats.Scale(scale, p.Grad)
	}
	return norm
}

type Adam struct {
	Beta1   float64
	Beta2   float64
	Epsilon float64

	step int
	m    [][]float64
	v    [][]float64
}

func NewAdam(set *params.Set) *Adam {
	a := &Adam{
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-5,
	}
	for _, p := range set.List() {
		a.m = append(a.m, make([]float64, p.Len()))
		a.v = append(a.v, make([]float64, p.Len()))
	}
	return a
}

// Step applies one update with bias-corrected learning rate lr.
func (a *Adam) Step(set *params.Set, lr float64) {
	a.step++
	t := float64(a.step)
	lrT := lr * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t))

	for i, p := range set.List() {
		m, v := a.m[i], a.v[i]
		for j, g := range p.Grad {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g*g
			p.Value[j] -= lrT * m[j] / (math.Sqrt(v[j]) + a.Epsilon)
		}
	}
}

func (a *Adam) Steps() int {
	return a.step
}
