// Package collective provides the SPMD coordination primitives used by the
// training loop: rank, world size, a blocking sum all-reduce and a broadcast.
//
// Every member must issue the same sequence of calls. A member that skips or
// adds a call leaves the others blocked until their context ends.
package collective

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout        = errors.New("collective: timed out waiting for peers")
	ErrLengthMismatch = errors.New("collective: buffer length differs between ranks")
	ErrOpMismatch     = errors.New("collective: ranks issued different operations")
	ErrDuplicateRank  = errors.New("collective: rank contributed twice")
	ErrBadRank        = errors.New("collective: rank out of range")
)

type Group interface {
	Rank() int
	Size() int
	// AllReduceSum returns the element-wise sum of buf over all ranks.
	AllReduceSum(ctx context.Context, buf []float64) ([]float64, error)
	// Broadcast returns root's buf on every rank. Non-root ranks may pass nil.
	Broadcast(ctx context.Context, root int, buf []float64) ([]float64, error)
}

// WithTimeout bounds every collective call made through g by d. A zero or
// negative d returns g unchanged.
func WithTimeout(g Group, d time.Duration) Group {
	if d <= 0 {
		return g
	}
	return &timeoutGroup{Group: g, timeout: d}
}

type timeoutGroup struct {
	Group
	timeout time.Duration
}

func (g *timeoutGroup) AllReduceSum(ctx context.Context, buf []float64) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	out, err := g.Group.AllReduceSum(ctx, buf)
	return out, g.wrap(ctx, "all-reduce", err)
}

func (g *timeoutGroup) Broadcast(ctx context.Context, root int, buf []float64) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	out, err := g.Group.Broadcast(ctx, root, buf)
	return out, g.wrap(ctx, "broadcast", err)
}

func (g *timeoutGroup) wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s on rank %d after %s", ErrTimeout, op, g.Rank(), g.timeout)
	}
	return err
}
