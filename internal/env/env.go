// Package env defines the vectorized environment collaborator and ships a
// cart-pole implementation with state snapshot and restore.
package env

import "errors"

var ErrBadState = errors.New("env: state snapshot does not match environment")

// EpisodeInfo summarizes a finished episode.
type EpisodeInfo struct {
	Reward float64 `json:"r"`
	Length int     `json:"l"`
}

// VecEnv steps a fixed number of environment copies in lockstep. Finished
// copies reset themselves inside Step and return the first observation of the
// next episode.
type VecEnv interface {
	NumEnvs() int
	NumActions() int
	ObsDim() int
	Reset() [][]float64
	Step(actions []int) (obs [][]float64, rewards []float64, dones []bool, infos []EpisodeInfo)
	// State snapshots everything needed to resume stepping exactly.
	State() ([]byte, error)
	SetState(state []byte) error
}
