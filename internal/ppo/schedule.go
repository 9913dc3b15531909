package ppo

import "fmt"

// Schedule maps the remaining fraction of training, which falls from 1 at
// the first update toward 0, to a hyperparameter value.
type Schedule func(frac float64) float64

func Constant(v float64) Schedule {
	return func(float64) float64 { return v }
}

// Linear anneals v to zero over the run.
func Linear(v float64) Schedule {
	return func(frac float64) float64 { return v * frac }
}

func ScheduleByName(name string, v float64) (Schedule, error) {
	switch name {
	case "", "constant":
		return Constant(v), nil
	case "linear":
		return Linear(v), nil
	default:
		return nil, fmt.Errorf("unknown schedule %q", name)
	}
}

// remaining is the fraction of training left before update (1-based).
func remaining(update, nupdates int) float64 {
	return 1 - float64(update-1)/float64(nupdates)
}
