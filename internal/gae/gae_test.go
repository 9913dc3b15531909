package gae

import (
	"errors"
	"math"
	"testing"
)

const tol = 1e-9

func window(rewards, values [][]float64, dones [][]bool, lastValues []float64, lastDones []bool) Input {
	return Input{Rewards: rewards, Values: values, Dones: dones, LastValues: lastValues, LastDones: lastDones}
}

func TestTerminalSingleStep(t *testing.T) {
	in := window(
		[][]float64{{2.5}},
		[][]float64{{0.75}},
		[][]bool{{false}},
		[]float64{100},
		[]bool{true},
	)
	res, err := Estimate(in, 0.99, 0.95)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if got, want := res.Advantages[0][0], 2.5-0.75; math.Abs(got-want) > tol {
		t.Fatalf("advantage = %v, want %v", got, want)
	}
	if got := res.Returns[0][0]; math.Abs(got-2.5) > tol {
		t.Fatalf("return = %v, want 2.5", got)
	}
}

func TestZeroLambdaIsOneStepResidual(t *testing.T) {
	rewards := [][]float64{{1, 0}, {0.5, 2}, {-1, 1}}
	values := [][]float64{{0.2, 0.1}, {0.4, -0.3}, {0.9, 0.6}}
	dones := [][]bool{{false, false}, {false, true}, {false, false}}
	lastValues := []float64{1.5, -0.5}
	lastDones := []bool{false, true}
	gamma := 0.9

	res, err := Estimate(window(rewards, values, dones, lastValues, lastDones), gamma, 0)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	for step := range rewards {
		for e := range rewards[step] {
			var next, nonTerminal float64
			if step == len(rewards)-1 {
				next, nonTerminal = lastValues[e], 1-boolToFloat(lastDones[e])
			} else {
				next, nonTerminal = values[step+1][e], 1-boolToFloat(dones[step+1][e])
			}
			want := rewards[step][e] + gamma*next*nonTerminal - values[step][e]
			if got := res.Advantages[step][e]; math.Abs(got-want) > tol {
				t.Errorf("advantage[%d][%d] = %v, want %v", step, e, got, want)
			}
		}
	}
}

func TestZeroGammaDoesNotPropagate(t *testing.T) {
	rewards := [][]float64{{1}, {3}, {-2}, {0.5}}
	values := [][]float64{{0.5}, {1}, {1}, {-1}}
	dones := [][]bool{{false}, {false}, {false}, {false}}

	res, err := Estimate(window(rewards, values, dones, []float64{10}, []bool{false}), 0, 0.95)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	for step := range rewards {
		want := rewards[step][0] - values[step][0]
		if got := res.Advantages[step][0]; math.Abs(got-want) > tol {
			t.Errorf("advantage[%d] = %v, want %v", step, got, want)
		}
	}
}

func TestReturnsDecreaseTowardHorizon(t *testing.T) {
	const nsteps, nenvs = 5, 2
	rewards := make([][]float64, nsteps)
	values := make([][]float64, nsteps)
	dones := make([][]bool, nsteps)
	for step := 0; step < nsteps; step++ {
		rewards[step] = []float64{1, 1}
		values[step] = make([]float64, nenvs)
		dones[step] = make([]bool, nenvs)
	}

	res, err := Estimate(window(rewards, values, dones, make([]float64, nenvs), make([]bool, nenvs)), 0.99, 0.95)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	for e := 0; e < nenvs; e++ {
		for step := 1; step < nsteps; step++ {
			if res.Returns[step][e] >= res.Returns[step-1][e] {
				t.Fatalf("env %d: return[%d]=%v not below return[%d]=%v",
					e, step, res.Returns[step][e], step-1, res.Returns[step-1][e])
			}
		}
		if got := res.Returns[nsteps-1][e]; math.Abs(got-1) > tol {
			t.Errorf("env %d: last return = %v, want 1", e, got)
		}
	}
}

func TestDoneCutsBootstrap(t *testing.T) {
	// The done flag at t=1 means step 0 ended an episode; nothing flows back from t=1.
	rewards := [][]float64{{1}, {5}}
	values := [][]float64{{0}, {3}}
	dones := [][]bool{{false}, {true}}

	res, err := Estimate(window(rewards, values, dones, []float64{0}, []bool{false}), 0.99, 0.95)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if got := res.Advantages[0][0]; math.Abs(got-1) > tol {
		t.Fatalf("advantage[0] = %v, want 1", got)
	}
}

func TestShapeMismatch(t *testing.T) {
	tests := []struct {
		name string
		in   Input
	}{
		{"empty", Input{}},
		{"values length", window([][]float64{{1}}, nil, [][]bool{{false}}, []float64{0}, []bool{false})},
		{"ragged row", window([][]float64{{1, 2}}, [][]float64{{1}}, [][]bool{{false, false}}, []float64{0, 0}, []bool{false, false})},
		{"bootstrap width", window([][]float64{{1}}, [][]float64{{1}}, [][]bool{{false}}, []float64{0, 0}, []bool{false})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Estimate(tt.in, 0.99, 0.95); !errors.Is(err, ErrShapeMismatch) {
				t.Fatalf("err = %v, want ErrShapeMismatch", err)
			}
		})
	}
}
