// Package config is the configuration surface of a training run. The core
// packages read it and never modify it.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

var ErrInvalid = errors.New("config: invalid value")

type Config struct {
	RunID string `json:"runId"`
	Seed  int64  `json:"seed"`

	// Rollout.
	NumEnvs        int     `json:"numEnvs"`
	NSteps         int     `json:"nSteps"`
	TotalTimesteps int64   `json:"totalTimesteps"`
	Gamma          float64 `json:"gamma"`
	Lambda         float64 `json:"lambda"`

	// Update.
	NMinibatches int     `json:"nMinibatches"`
	NoptEpochs   int     `json:"noptEpochs"`
	LearningRate float64 `json:"learningRate"`
	// LRSchedule and ClipSchedule are "constant" or "linear".
	LRSchedule   string  `json:"lrSchedule"`
	ClipRange    float64 `json:"clipRange"`
	ClipSchedule string  `json:"clipSchedule"`
	EntCoef      float64 `json:"entCoef"`
	VfCoef       float64 `json:"vfCoef"`
	L2Coef       float64 `json:"l2Coef"`
	MaxGradNorm  float64 `json:"maxGradNorm"`

	// Auxiliary objectives; a zero coefficient disables the term.
	Beta        float64 `json:"beta"`
	ClusterCoef float64 `json:"clusterCoef"`
	MYOWCoef    float64 `json:"myowCoef"`
	RepCoef     float64 `json:"repCoef"`
	ReplaySteps int     `json:"replaySteps"`
	Negatives   int     `json:"negatives"`

	// Model.
	LatentDim          int     `json:"latentDim"`
	NumClusters        int     `json:"numClusters"`
	SinkhornEpsilon    float64 `json:"sinkhornEpsilon"`
	SinkhornIterations int     `json:"sinkhornIterations"`
	Temperature        float64 `json:"temperature"`
	Neighbors          int     `json:"neighbors"`

	// Workers.
	Rank           int           `json:"rank"`
	WorldSize      int           `json:"worldSize"`
	EvalFraction   float64       `json:"evalFraction"`
	SyncFromRoot   bool          `json:"syncFromRoot"`
	CoordinatorURL string        `json:"coordinatorUrl"`
	ReduceTimeout  time.Duration `json:"reduceTimeout"`

	// Persistence and reporting.
	SavePath       string  `json:"savePath"`
	LoadPath       string  `json:"loadPath"`
	RestoreStep    int64   `json:"restoreStep"`
	LogInterval    int     `json:"logInterval"`
	SaveInterval   int     `json:"saveInterval"`
	KeyCheckpoints []int64 `json:"keyCheckpoints"`
}

func Default() Config {
	return Config{
		Seed:               1,
		NumEnvs:            8,
		NSteps:             128,
		TotalTimesteps:     200_000,
		Gamma:              0.99,
		Lambda:             0.95,
		NMinibatches:       4,
		NoptEpochs:         4,
		LearningRate:       5e-4,
		LRSchedule:         "constant",
		ClipRange:          0.2,
		ClipSchedule:       "constant",
		EntCoef:            0.01,
		VfCoef:             0.5,
		L2Coef:             1e-4,
		MaxGradNorm:        0.5,
		ClusterCoef:        0.1,
		MYOWCoef:           0.1,
		RepCoef:            0.1,
		ReplaySteps:        4,
		Negatives:          2,
		LatentDim:          16,
		NumClusters:        8,
		SinkhornEpsilon:    0.05,
		SinkhornIterations: 3,
		Temperature:        0.1,
		Neighbors:          3,
		WorldSize:          1,
		SyncFromRoot:       true,
		CoordinatorURL:     "http://localhost:9100",
		SavePath:           "ppo.db",
		LogInterval:        10,
		KeyCheckpoints:     []int64{32_000_000, 64_000_000},
	}
}

func (c Config) Validate() error {
	switch {
	case c.NumEnvs <= 0:
		return fmt.Errorf("%w: numEnvs must be > 0", ErrInvalid)
	case c.NSteps <= 0:
		return fmt.Errorf("%w: nSteps must be > 0", ErrInvalid)
	case c.NMinibatches <= 0 || c.NoptEpochs <= 0:
		return fmt.Errorf("%w: nMinibatches and noptEpochs must be > 0", ErrInvalid)
	case c.NBatch()%c.NMinibatches != 0:
		return fmt.Errorf("%w: batch of %d not divisible into %d minibatches", ErrInvalid, c.NBatch(), c.NMinibatches)
	case c.TotalTimesteps < int64(c.NBatch()):
		return fmt.Errorf("%w: totalTimesteps %d below one batch of %d", ErrInvalid, c.TotalTimesteps, c.NBatch())
	case c.Gamma < 0 || c.Gamma > 1 || c.Lambda < 0 || c.Lambda > 1:
		return fmt.Errorf("%w: gamma and lambda must be in [0, 1]", ErrInvalid)
	case c.LearningRate <= 0 || c.ClipRange <= 0:
		return fmt.Errorf("%w: learningRate and clipRange must be > 0", ErrInvalid)
	case !validSchedule(c.LRSchedule) || !validSchedule(c.ClipSchedule):
		return fmt.Errorf("%w: schedules must be constant or linear", ErrInvalid)
	case c.MaxGradNorm <= 0:
		return fmt.Errorf("%w: maxGradNorm must be > 0", ErrInvalid)
	case c.RepCoef != 0 && c.ReplaySteps <= 0:
		return fmt.Errorf("%w: representation loss needs replaySteps > 0", ErrInvalid)
	case c.SinkhornIterations <= 0 || c.SinkhornEpsilon <= 0:
		return fmt.Errorf("%w: sinkhorn iterations and epsilon must be > 0", ErrInvalid)
	case c.WorldSize <= 0 || c.Rank < 0 || c.Rank >= c.WorldSize:
		return fmt.Errorf("%w: rank %d outside world of %d", ErrInvalid, c.Rank, c.WorldSize)
	case c.EvalFraction < 0 || c.EvalFraction >= 1:
		return fmt.Errorf("%w: evalFraction must be in [0, 1)", ErrInvalid)
	case c.EvalWorkers() >= c.WorldSize:
		return fmt.Errorf("%w: evalFraction %v leaves no training worker among %d", ErrInvalid, c.EvalFraction, c.WorldSize)
	case c.LogInterval <= 0:
		return fmt.Errorf("%w: logInterval must be > 0", ErrInvalid)
	}
	return nil
}

func validSchedule(name string) bool {
	return name == "constant" || name == "linear"
}

// NBatch is the number of samples one worker collects per update.
func (c Config) NBatch() int {
	return c.NumEnvs * c.NSteps
}

func (c Config) NUpdates() int {
	return int(c.TotalTimesteps / int64(c.NBatch()))
}

// EvalWorkers is the number of ranks held out for evaluation.
func (c Config) EvalWorkers() int {
	return int(math.Round(c.EvalFraction * float64(c.WorldSize)))
}

// IsEvalRank reports whether rank belongs to the evaluation-only workers,
// which are the highest ranks of the world.
func (c Config) IsEvalRank(rank int) bool {
	return rank >= c.WorldSize-c.EvalWorkers()
}

// ActualEvalFraction is the held-out share after rounding to whole workers.
func (c Config) ActualEvalFraction() float64 {
	return float64(c.EvalWorkers()) / float64(c.WorldSize)
}

func Getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func GetenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func GetenvInt64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func GetenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
