// Package sinkhorn turns latent-to-prototype similarity scores into balanced
// soft cluster assignments with a fixed number of Sinkhorn-Knopp iterations.
package sinkhorn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// minMass floors the entries given to Normalize and the row norms in
// NormalizeRows.
const minMass = 1e-12

type Config struct {
	// Epsilon is the temperature applied before exponentiation.
	Epsilon float64 `json:"epsilon"`
	// Iterations is the fixed number of column/row passes. No convergence check.
	Iterations int `json:"iterations"`
}

func DefaultConfig() Config {
	return Config{
		Epsilon:    0.05,
		Iterations: 3,
	}
}

// Scores returns the cosine similarity between every latent row and every
// prototype row: a batch x clusters matrix.
func Scores(latents, prototypes mat.Matrix) *mat.Dense {
	z := NormalizeRows(latents)
	c := NormalizeRows(prototypes)
	var s mat.Dense
	s.Mul(z, c.T())
	return &s
}

// Assign exponentiates the scores at the configured temperature and balances
// the result. Each output row sums to 1.
func Assign(scores mat.Matrix, cfg Config) *mat.Dense {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultConfig().Epsilon
	}
	r, c := scores.Dims()
	l := mat.NewDense(r, c, nil)
	l.Scale(1/cfg.Epsilon, scores)
	return balance(l, cfg.Iterations)
}

// Normalize runs the same iterative proportional fitting as Assign on a
// non-negative matrix: columns are scaled to 1/K total mass and rows to 1/B,
// iters times, and the rows are finally rescaled to sum to 1. Entries below
// minMass are raised to it so empty rows stay finite. The input is not
// modified.
func Normalize(m mat.Matrix, iters int) *mat.Dense {
	r, c := m.Dims()
	l := mat.NewDense(r, c, nil)
	l.Apply(func(_, _ int, v float64) float64 { return math.Log(math.Max(v, minMass)) }, m)
	return balance(l, iters)
}

// balance takes log-masses, runs the Sinkhorn passes in log space so rows far
// below the batch maximum cannot underflow to zero, and exponentiates the
// result in place.
func balance(l *mat.Dense, iters int) *mat.Dense {
	b, k := l.Dims()
	logB, logK := math.Log(float64(b)), math.Log(float64(k))

	total := floats.LogSumExp(l.RawMatrix().Data)
	l.Apply(func(_, _ int, v float64) float64 { return v - total }, l)

	col := make([]float64, b)
	for it := 0; it < iters; it++ {
		for j := 0; j < k; j++ {
			mat.Col(col, j, l)
			shift := floats.LogSumExp(col) + logK
			for i := 0; i < b; i++ {
				l.Set(i, j, l.At(i, j)-shift)
			}
		}
		for i := 0; i < b; i++ {
			row := l.RawRowView(i)
			floats.AddConst(-(floats.LogSumExp(row) + logB), row)
		}
	}

	for i := 0; i < b; i++ {
		row := l.RawRowView(i)
		floats.AddConst(-floats.LogSumExp(row), row)
	}
	l.Apply(func(_, _ int, v float64) float64 { return math.Exp(v) }, l)
	return l
}

// HardLabels returns the argmax cluster of every row.
func HardLabels(q mat.Matrix) []int {
	rows, _ := q.Dims()
	labels := make([]int, rows)
	for i := range labels {
		labels[i] = floats.MaxIdx(mat.Row(nil, i, q))
	}
	return labels
}

// NormalizeRows returns a copy of m with every row scaled to unit L2 norm.
// Zero rows are left at zero.
func NormalizeRows(m mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(m)
	rows, _ := out.Dims()
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		if n := floats.Norm(row, 2); n > minMass {
			floats.Scale(1/n, row)
		}
	}
	return out
}
