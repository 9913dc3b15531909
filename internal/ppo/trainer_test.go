package ppo

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"distributed-ppo-rl/internal/checkpoint"
	"distributed-ppo-rl/internal/collective"
	"distributed-ppo-rl/internal/env"
	"distributed-ppo-rl/internal/policy"
)

func TestLearnKeepsWorkersInSync(t *testing.T) {
	cfg := testConfig()
	cfg.WorldSize = 2
	cfg.EvalFraction = 0.5
	cfg.SaveInterval = 2
	cfg.KeyCheckpoints = []int64{16}

	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "run.db"), "sync-test")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	groups := collective.NewLocal(2)
	models := make([]*policy.Linear, 2)
	trainers := make([]*Trainer, 2)
	for rank := range groups {
		c := cfg
		c.Rank = rank
		// Different initial parameters; Setup must replace rank 1's with rank 0's.
		models[rank], err = policy.NewLinear(PolicyConfig(c, 4, 2), rand.New(rand.NewSource(int64(rank+10))))
		if err != nil {
			t.Fatalf("NewLinear: %v", err)
		}
		var s *checkpoint.Store
		if rank == 0 {
			s = store
		}
		g := collective.WithTimeout(groups[rank], 30*time.Second)
		trainers[rank], err = NewTrainer(c, env.NewCartPole(c.NumEnvs, int64(rank+1)), models[rank], g, s)
		if err != nil {
			t.Fatalf("NewTrainer: %v", err)
		}
	}
	if !trainers[1].Engine.Averager.EvalOnly || trainers[0].Engine.Averager.EvalOnly {
		t.Fatalf("expected rank 1 to be the eval-only worker")
	}
	initial := models[0].Params().FlatValue()

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for rank := range trainers {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			if err := trainers[rank].Setup(ctx); err != nil {
				errs[rank] = err
				return
			}
			_, errs[rank] = trainers[rank].Learn(ctx)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}

	a, b := models[0].Params().FlatValue(), models[1].Params().FlatValue()
	changed := false
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("param %d diverged: %v vs %v", i, a[i], b[i])
		}
		if a[i] != initial[i] {
			changed = true
		}
	}
	if !changed {
		t.Fatalf("parameters did not change during training")
	}

	// 3 updates of 2 epochs x 2 minibatches plus one representation step.
	for rank, tr := range trainers {
		if got := tr.Engine.Optimizer.Steps(); got != 15 {
			t.Errorf("rank %d optimizer steps = %d, want 15", rank, got)
		}
	}

	loaded := models[1].Params()
	info, err := store.LoadLatest(ctx, loaded)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if info.Update != 3 || info.RunID != "sync-test" {
		t.Fatalf("latest checkpoint = %+v, want update 3 of sync-test", info)
	}
	if _, err := store.LoadNamed(ctx, "16", loaded); err != nil {
		t.Fatalf("key checkpoint missing: %v", err)
	}
}

func TestSetupLoadsCheckpoint(t *testing.T) {
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "load.db")

	src, err := policy.NewLinear(PolicyConfig(cfg, 4, 2), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	store, err := checkpoint.Open(path, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.Save(context.Background(), "", 1, 16, src.Params()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	store.Close()

	cfg.LoadPath = path
	dst, err := policy.NewLinear(PolicyConfig(cfg, 4, 2), rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	tr, err := NewTrainer(cfg, env.NewCartPole(cfg.NumEnvs, 1), dst, collective.NewLocal(1)[0], nil)
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	if err := tr.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	want, got := src.Params().FlatValue(), dst.Params().FlatValue()
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("param %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMilestoneName(t *testing.T) {
	cases := map[int64]string{32_000_000: "32M", 64_000_000: "64M", 1_500_000: "1500000", 16: "16"}
	for step, want := range cases {
		if got := milestoneName(step); got != want {
			t.Errorf("milestoneName(%d) = %q, want %q", step, got, want)
		}
	}
}
