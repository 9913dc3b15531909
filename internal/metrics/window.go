// Package metrics tracks training progress: windows of recent episodes,
// process resource usage and learning-curve plots.
package metrics

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"distributed-ppo-rl/internal/env"
)

// EpisodeWindow keeps the most recent finished episodes, up to a fixed
// capacity.
type EpisodeWindow struct {
	maxLen int
	infos  []env.EpisodeInfo
}

func NewEpisodeWindow(maxLen int) *EpisodeWindow {
	return &EpisodeWindow{maxLen: maxLen}
}

func (w *EpisodeWindow) Extend(infos []env.EpisodeInfo) {
	w.infos = append(w.infos, infos...)
	if over := len(w.infos) - w.maxLen; over > 0 {
		w.infos = append(w.infos[:0], w.infos[over:]...)
	}
}

func (w *EpisodeWindow) Len() int {
	return len(w.infos)
}

// RewardMean is NaN while the window is empty.
func (w *EpisodeWindow) RewardMean() float64 {
	if len(w.infos) == 0 {
		return math.NaN()
	}
	return stat.Mean(w.Rewards(), nil)
}

// LengthMean is NaN while the window is empty.
func (w *EpisodeWindow) LengthMean() float64 {
	if len(w.infos) == 0 {
		return math.NaN()
	}
	lengths := make([]float64, len(w.infos))
	for i, info := range w.infos {
		lengths[i] = float64(info.Length)
	}
	return stat.Mean(lengths, nil)
}

func (w *EpisodeWindow) Rewards() []float64 {
	rewards := make([]float64, len(w.infos))
	for i, info := range w.infos {
		rewards[i] = info.Reward
	}
	return rewards
}
