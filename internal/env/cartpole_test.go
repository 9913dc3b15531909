package env

import (
	"errors"
	"reflect"
	"testing"
)

func TestSnapshotRestoreReplaysExactly(t *testing.T) {
	c := NewCartPole(3, 11)
	actions := []int{0, 1, 1}
	for i := 0; i < 5; i++ {
		c.Step(actions)
	}

	snap, err := c.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}

	var first [][]float64
	for i := 0; i < 40; i++ {
		first, _, _, _ = c.Step(actions)
	}

	if err := c.SetState(snap); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	var second [][]float64
	for i := 0; i < 40; i++ {
		second, _, _, _ = c.Step(actions)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replay diverged:\n%v\n%v", first, second)
	}
}

func TestEpisodesAutoReset(t *testing.T) {
	c := NewCartPole(1, 3)
	var infos []EpisodeInfo
	// Always pushing left topples the pole well inside the step limit.
	for i := 0; i < 200 && len(infos) == 0; i++ {
		var done []bool
		_, _, done, infos = c.Step([]int{0})
		if done[0] && len(infos) == 0 {
			t.Fatal("done without episode info")
		}
	}
	if len(infos) != 1 {
		t.Fatal("expected an episode to finish")
	}
	if infos[0].Length <= 0 || infos[0].Reward != float64(infos[0].Length-1) {
		t.Fatalf("episode info = %+v", infos[0])
	}
	if c.poles[0].Steps != 0 {
		t.Fatalf("pole not reset, steps = %d", c.poles[0].Steps)
	}
}

func TestSetStateRejectsWrongSize(t *testing.T) {
	a := NewCartPole(2, 1)
	b := NewCartPole(3, 1)
	snap, _ := b.State()
	if err := a.SetState(snap); !errors.Is(err, ErrBadState) {
		t.Fatalf("err = %v, want ErrBadState", err)
	}
}
