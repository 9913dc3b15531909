package config

import (
	"errors"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no envs", func(c *Config) { c.NumEnvs = 0 }},
		{"indivisible batch", func(c *Config) { c.NMinibatches = 3 }},
		{"short run", func(c *Config) { c.TotalTimesteps = 10 }},
		{"gamma above one", func(c *Config) { c.Gamma = 1.5 }},
		{"unknown schedule", func(c *Config) { c.LRSchedule = "cosine" }},
		{"rank outside world", func(c *Config) { c.Rank = 1 }},
		{"all workers eval", func(c *Config) { c.WorldSize = 2; c.EvalFraction = 0.8 }},
		{"rep loss without replay", func(c *Config) { c.ReplaySteps = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestEvalRanks(t *testing.T) {
	c := Default()
	c.WorldSize = 4
	c.EvalFraction = 0.25

	if got := c.EvalWorkers(); got != 1 {
		t.Fatalf("EvalWorkers() = %d, want 1", got)
	}
	for rank, want := range []bool{false, false, false, true} {
		if got := c.IsEvalRank(rank); got != want {
			t.Errorf("IsEvalRank(%d) = %v, want %v", rank, got, want)
		}
	}
	if got := c.ActualEvalFraction(); got != 0.25 {
		t.Fatalf("ActualEvalFraction() = %v, want 0.25", got)
	}
}

func TestNoEvalRanksByDefault(t *testing.T) {
	c := Default()
	c.WorldSize = 3
	for rank := 0; rank < 3; rank++ {
		if c.IsEvalRank(rank) {
			t.Fatalf("rank %d unexpectedly eval-only", rank)
		}
	}
}

func TestGetenvFallbacks(t *testing.T) {
	t.Setenv("PPO_TEST_INT", "12")
	t.Setenv("PPO_TEST_BAD", "twelve")
	t.Setenv("PPO_TEST_FLOAT", "0.25")

	if got := GetenvInt("PPO_TEST_INT", 1); got != 12 {
		t.Errorf("GetenvInt = %d, want 12", got)
	}
	if got := GetenvInt("PPO_TEST_BAD", 1); got != 1 {
		t.Errorf("GetenvInt on bad value = %d, want fallback 1", got)
	}
	if got := GetenvFloat("PPO_TEST_FLOAT", 0); got != 0.25 {
		t.Errorf("GetenvFloat = %v, want 0.25", got)
	}
	if got := Getenv("PPO_TEST_UNSET", "x"); got != "x" {
		t.Errorf("Getenv = %q, want fallback", got)
	}
}
