package optim

import (
	"context"
	"math"
	"sync"
	"testing"

	"distributed-ppo-rl/internal/collective"
	"distributed-ppo-rl/internal/params"
)

func newSet(t *testing.T, grad ...float64) *params.Set {
	t.Helper()
	p := params.NewParam("w", false, len(grad))
	copy(p.Grad, grad)
	s, err := params.NewSet(p)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	return s
}

func TestAverageSingleWorkerIsIdentity(t *testing.T) {
	grad := []float64{0.1, -3.7, 1e-9, 42}
	set := newSet(t, grad...)
	avg, err := NewAverager(collective.NewLocal(1)[0], false, 0)
	if err != nil {
		t.Fatalf("NewAverager: %v", err)
	}
	if err := avg.Average(context.Background(), set); err != nil {
		t.Fatalf("Average: %v", err)
	}
	for i, g := range set.FlatGrad() {
		if g != grad[i] {
			t.Fatalf("grad[%d] = %v, want exactly %v", i, g, grad[i])
		}
	}
}

func TestAverageWithEvalWorker(t *testing.T) {
	groups := collective.NewLocal(2)
	trainGrad := []float64{2, -4, 6}
	sets := []*params.Set{newSet(t, trainGrad...), newSet(t, 100, 100, 100)}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for rank := range groups {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			// Rank 1 is the held-out evaluation worker; N*trainFraction = 2*0.5 = 1.
			avg, err := NewAverager(groups[rank], rank == 1, 0.5)
			if err != nil {
				errs[rank] = err
				return
			}
			errs[rank] = avg.Average(context.Background(), sets[rank])
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}

	for rank, set := range sets {
		for i, g := range set.FlatGrad() {
			if math.Abs(g-trainGrad[i]) > 1e-12 {
				t.Fatalf("rank %d grad[%d] = %v, want %v", rank, i, g, trainGrad[i])
			}
		}
	}
}

func TestNewAveragerRejectsFraction(t *testing.T) {
	if _, err := NewAverager(collective.NewLocal(1)[0], false, 1); err == nil {
		t.Fatal("expected error for eval fraction 1")
	}
}

func TestClipGlobalNorm(t *testing.T) {
	set := newSet(t, 3, 4)
	if norm := ClipGlobalNorm(set, 1); math.Abs(norm-5) > 1e-12 {
		t.Fatalf("norm = %v, want 5", norm)
	}
	if got := set.GradNorm(); math.Abs(got-1) > 1e-12 {
		t.Fatalf("clipped norm = %v, want 1", got)
	}

	small := newSet(t, 0.3, 0.4)
	ClipGlobalNorm(small, 1)
	if g := small.FlatGrad(); g[0] != 0.3 || g[1] != 0.4 {
		t.Fatalf("gradient under the limit changed: %v", g)
	}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	set := newSet(t, 0.5, -2)
	adam := NewAdam(set)
	adam.Step(set, 0.1)
	w, _ := set.Lookup("w")
	// With bias correction the first step is lr*g/(|g|+eps) ~ lr*sign(g).
	if math.Abs(w.Value[0]+0.1) > 1e-4 || math.Abs(w.Value[1]-0.1) > 1e-4 {
		t.Fatalf("values after one step = %v", w.Value)
	}
}

func TestSyncFromRoot(t *testing.T) {
	groups := collective.NewLocal(3)
	sets := make([]*params.Set, 3)
	for rank := range sets {
		sets[rank] = newSet(t, 0)
		w, _ := sets[rank].Lookup("w")
		w.Value[0] = float64(rank + 1)
	}

	var wg sync.WaitGroup
	for rank := range groups {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			if err := SyncFromRoot(context.Background(), groups[rank], sets[rank]); err != nil {
				t.Errorf("rank %d: %v", rank, err)
			}
		}(rank)
	}
	wg.Wait()
	for rank, set := range sets {
		if v := set.FlatValue()[0]; v != 1 {
			t.Fatalf("rank %d value = %v, want 1", rank, v)
		}
	}
}
