// Package optim applies gradients: cross-worker averaging, global-norm
// clipping and Adam.
package optim

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"distributed-ppo-rl/internal/collective"
	"distributed-ppo-rl/internal/params"
)

// Averager replaces each worker's local gradients with the mean over the
// training workers of its group.
//
// Evaluation-only workers still take part in every reduction so the call
// sequence stays identical across ranks, but they contribute zeros. The
// reduced sum is therefore divided by Size*TrainFraction rather than Size.
type Averager struct {
	Group         collective.Group
	EvalOnly      bool
	TrainFraction float64
}

func NewAverager(group collective.Group, evalOnly bool, evalFraction float64) (*Averager, error) {
	if group == nil {
		return nil, errors.New("averager requires a group")
	}
	if evalFraction < 0 || evalFraction >= 1 {
		return nil, fmt.Errorf("eval fraction %v must be in [0, 1)", evalFraction)
	}
	return &Averager{
		Group:         group,
		EvalOnly:      evalOnly,
		TrainFraction: 1 - evalFraction,
	}, nil
}

// Average blocks until every rank of the group has called it.
func (a *Averager) Average(ctx context.Context, set *params.Set) error {
	flat := set.FlatGrad()
	if a.EvalOnly {
		for i := range flat {
			flat[i] = 0
		}
	}

	sum, err := a.Group.AllReduceSum(ctx, flat)
	if err != nil {
		return fmt.Errorf("average gradients: %w", err)
	}
	floats.Scale(1/(float64(a.Group.Size())*a.TrainFraction), sum)
	return set.SetFlatGrad(sum)
}

// SyncFromRoot overwrites every rank's parameter values with rank 0's.
func SyncFromRoot(ctx context.Context, group collective.Group, set *params.Set) error {
	values, err := group.Broadcast(ctx, 0, set.FlatValue())
	if err != nil {
		return fmt.Errorf("sync from root: %w", err)
	}
	return set.SetFlatValue(values)
}
