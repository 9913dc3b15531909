// Package params holds the explicit, ordered list of trainable parameters
// shared by the model, the optimizer, the gradient averager and the
// checkpoint store. The order is fixed at construction and is the order of
// the flattened gradient buffer and of saved checkpoints.
package params

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

var (
	ErrSizeMismatch  = errors.New("params: flat buffer size mismatch")
	ErrDuplicateName = errors.New("params: duplicate parameter name")
)

type Param struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
	// Bias parameters are excluded from the L2 penalty.
	Bias bool
}

func NewParam(name string, bias bool, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Value: make([]float64, n),
		Grad:  make([]float64, n),
		Bias:  bias,
	}
}

func (p *Param) Len() int {
	return len(p.Value)
}

// Set is an ordered collection of parameters.
type Set struct {
	list  []*Param
	index map[string]int
}

func NewSet(ps ...*Param) (*Set, error) {
	s := &Set{index: make(map[string]int, len(ps))}
	for _, p := range ps {
		if _, ok := s.index[p.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
		}
		s.index[p.Name] = len(s.list)
		s.list = append(s.list, p)
	}
	return s, nil
}

func (s *Set) List() []*Param {
	return s.list
}

func (s *Set) Lookup(name string) (*Param, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.list[i], true
}

// NumParams is the total number of scalar parameters.
func (s *Set) NumParams() int {
	var n int
	for _, p := range s.list {
		n += p.Len()
	}
	return n
}

func (s *Set) ZeroGrad() {
	for _, p := range s.list {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// FlatGrad concatenates every gradient into one buffer in parameter order.
func (s *Set) FlatGrad() []float64 {
	flat := make([]float64, 0, s.NumParams())
	for _, p := range s.list {
		flat = append(flat, p.Grad...)
	}
	return flat
}

// SetFlatGrad splits a flat buffer back into the per-parameter gradients.
func (s *Set) SetFlatGrad(flat []float64) error {
	return s.split(flat, func(p *Param) []float64 { return p.Grad })
}

func (s *Set) FlatValue() []float64 {
	flat := make([]float64, 0, s.NumParams())
	for _, p := range s.list {
		flat = append(flat, p.Value...)
	}
	return flat
}

func (s *Set) SetFlatValue(flat []float64) error {
	return s.split(flat, func(p *Param) []float64 { return p.Value })
}

func (s *Set) split(flat []float64, field func(*Param) []float64) error {
	if len(flat) != s.NumParams() {
		return fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, len(flat), s.NumParams())
	}
	off := 0
	for _, p := range s.list {
		dst := field(p)
		copy(dst, flat[off:off+len(dst)])
		off += len(dst)
	}
	return nil
}

// GradNorm is the global L2 norm over every gradient.
func (s *Set) GradNorm() float64 {
	return floats.Norm(s.FlatGrad(), 2)
}

// L2 returns sum(w^2)/2 over non-bias parameters and, when coef is non-zero,
// adds coef*w to their gradients.
func (s *Set) L2(coef float64) float64 {
	var loss float64
	for _, p := range s.list {
		if p.Bias {
			continue
		}
		loss += 0.5 * floats.Dot(p.Value, p.Value)
		if coef != 0 {
			floats.AddScaled(p.Grad, coef, p.Value)
		}
	}
	return loss
}
