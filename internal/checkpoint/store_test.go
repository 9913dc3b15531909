package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"distributed-ppo-rl/internal/params"
)

func testSet(t *testing.T) *params.Set {
	t.Helper()
	w := params.NewParam("pi/w", false, 2, 3)
	b := params.NewParam("pi/b", true, 2)
	for i := range w.Value {
		w.Value[i] = float64(i) * 0.5
	}
	b.Value[0], b.Value[1] = -1, 1
	set, err := params.NewSet(w, b)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	return set
}

func openStore(t *testing.T, runID string) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ckpt.db"), runID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "")
	if s.RunID() == "" {
		t.Fatalf("expected generated run id")
	}

	src := testSet(t)
	saved, err := s.Save(ctx, "", 3, 3072, src)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	dst := testSet(t)
	for _, p := range dst.List() {
		for i := range p.Value {
			p.Value[i] = 0
		}
	}
	info, err := s.LoadLatest(ctx, dst)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if info.ID != saved.ID || info.Update != 3 || info.Step != 3072 {
		t.Fatalf("unexpected info %+v", info)
	}
	want, got := src.FlatValue(), dst.FlatValue()
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("value[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLoadNamedPicksMilestone(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "run-a")
	set := testSet(t)

	if _, err := s.Save(ctx, "32M", 10, 32_000_000, set); err != nil {
		t.Fatalf("Save: %v", err)
	}
	set.List()[1].Value[0] = 42
	if _, err := s.Save(ctx, "", 11, 33_000_000, set); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dst := testSet(t)
	info, err := s.LoadNamed(ctx, "32M", dst)
	if err != nil {
		t.Fatalf("LoadNamed: %v", err)
	}
	if info.Update != 10 || dst.List()[1].Value[0] != -1 {
		t.Fatalf("loaded wrong checkpoint: %+v bias=%v", info, dst.List()[1].Value[0])
	}

	if _, err := s.LoadNamed(ctx, "64M", dst); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadNamed(64M) = %v, want ErrNotFound", err)
	}
}

func TestLoadRejectsIncompatible(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "")
	if _, err := s.Save(ctx, "", 1, 1, testSet(t)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cases := map[string][]*params.Param{
		"renamed":   {params.NewParam("vf/w", false, 2, 3), params.NewParam("pi/b", true, 2)},
		"resized":   {params.NewParam("pi/w", false, 3, 3), params.NewParam("pi/b", true, 2)},
		"missing":   {params.NewParam("pi/w", false, 2, 3)},
		"extra":     {params.NewParam("pi/w", false, 2, 3), params.NewParam("pi/b", true, 2), params.NewParam("vf/b", true, 1)},
		"reordered": {params.NewParam("pi/b", true, 2), params.NewParam("pi/w", false, 2, 3)},
	}
	for name, ps := range cases {
		t.Run(name, func(t *testing.T) {
			set, err := params.NewSet(ps...)
			if err != nil {
				t.Fatalf("NewSet: %v", err)
			}
			if _, err := s.LoadLatest(ctx, set); !errors.Is(err, ErrIncompatible) {
				t.Fatalf("LoadLatest = %v, want ErrIncompatible", err)
			}
		})
	}
}

func TestLoadEmptyStore(t *testing.T) {
	s := openStore(t, "")
	if _, err := s.LoadLatest(context.Background(), testSet(t)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadLatest = %v, want ErrNotFound", err)
	}
}

func TestDatapoints(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "run-b")
	for _, d := range []Datapoint{{Step: 2048, RewardMean: 20}, {Step: 1024, RewardMean: 10}, {Step: 2048, RewardMean: 25}} {
		if err := s.AppendDatapoint(ctx, d.Step, d.RewardMean); err != nil {
			t.Fatalf("AppendDatapoint: %v", err)
		}
	}
	points, err := s.Datapoints(ctx, "")
	if err != nil {
		t.Fatalf("Datapoints: %v", err)
	}
	want := []Datapoint{{Step: 1024, RewardMean: 10}, {Step: 2048, RewardMean: 25}}
	if len(points) != len(want) {
		t.Fatalf("got %d datapoints, want %d", len(points), len(want))
	}
	for i := range want {
		if points[i] != want[i] {
			t.Errorf("point %d = %+v, want %+v", i, points[i], want[i])
		}
	}

	other, err := s.Datapoints(ctx, "run-other")
	if err != nil || len(other) != 0 {
		t.Fatalf("Datapoints(other) = %v, %v; want empty", other, err)
	}
}
