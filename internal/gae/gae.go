// Package gae computes generalized advantage estimates and bootstrapped
// returns over a fixed rollout window.
package gae

import "errors"

// ErrShapeMismatch is returned when the window's slices disagree on the
// number of steps or environments.
var ErrShapeMismatch = errors.New("gae: shape mismatch")

// Input is a time-major rollout window: index [t][env].
// Dones[t] holds the done flags observed before acting at step t.
type Input struct {
	Rewards    [][]float64
	Values     [][]float64
	Dones      [][]bool
	LastValues []float64
	LastDones  []bool
}

// Result holds per-step advantages and the returns used as value targets,
// laid out like Input.
type Result struct {
	Advantages [][]float64
	Returns    [][]float64
}

// Estimate runs the backward GAE(lambda) recursion over the window.
// The last step bootstraps from LastValues masked by LastDones since its
// successor lies outside the collected window.
func Estimate(in Input, gamma, lambda float64) (Result, error) {
	nsteps, nenvs, err := in.dims()
	if err != nil {
		return Result{}, err
	}

	advs := make([][]float64, nsteps)
	rets := make([][]float64, nsteps)
	for t := range advs {
		advs[t] = make([]float64, nenvs)
		rets[t] = make([]float64, nenvs)
	}

	lastGaeLam := make([]float64, nenvs)
	for t := nsteps - 1; t >= 0; t-- {
		for e := 0; e < nenvs; e++ {
			var nextNonTerminal, nextValue float64
			if t == nsteps-1 {
				nextNonTerminal = 1 - boolToFloat(in.LastDones[e])
				nextValue = in.LastValues[e]
			} else {
				nextNonTerminal = 1 - boolToFloat(in.Dones[t+1][e])
				nextValue = in.Values[t+1][e]
			}
			delta := in.Rewards[t][e] + gamma*nextValue*nextNonTerminal - in.Values[t][e]
			lastGaeLam[e] = delta + gamma*lambda*nextNonTerminal*lastGaeLam[e]
			advs[t][e] = lastGaeLam[e]
			rets[t][e] = advs[t][e] + in.Values[t][e]
		}
	}

	return Result{Advantages: advs, Returns: rets}, nil
}

func (in Input) dims() (int, int, error) {
	nsteps := len(in.Rewards)
	if nsteps == 0 {
		return 0, 0, ErrShapeMismatch
	}
	nenvs := len(in.Rewards[0])
	if len(in.Values) != nsteps || len(in.Dones) != nsteps {
		return 0, 0, ErrShapeMismatch
	}
	if len(in.LastValues) != nenvs || len(in.LastDones) != nenvs {
		return 0, 0, ErrShapeMismatch
	}
	for t := 0; t < nsteps; t++ {
		if len(in.Rewards[t]) != nenvs || len(in.Values[t]) != nenvs || len(in.Dones[t]) != nenvs {
			return 0, 0, ErrShapeMismatch
		}
	}
	return nsteps, nenvs, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
