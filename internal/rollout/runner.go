package rollout

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"distributed-ppo-rl/internal/env"
	"distributed-ppo-rl/internal/gae"
)

type Policy interface {
	Step(obs [][]float64, rng *rand.Rand) (actions []int, values, neglogps []float64)
	Value(obs [][]float64) []float64
}

type statePair struct {
	first, last []byte
}

type Runner struct {
	Env    env.VecEnv
	Policy Policy
	NSteps int
	Gamma  float64
	Lambda float64

	// ReplaySteps is the length of every replayed contrastive sequence and
	// Negatives the number of negative sequences. Zero ReplaySteps disables
	// the replay.
	ReplaySteps int
	Negatives   int

	Rng *rand.Rand

	obs        [][]float64
	dones      []bool
	statePairs []statePair
}

func NewRunner(e env.VecEnv, p Policy, nsteps int, gamma, lambda float64, rng *rand.Rand) (*Runner, error) {
	if nsteps <= 0 {
		return nil, errors.New("nsteps must be > 0")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Runner{
		Env:    e,
		Policy: p,
		NSteps: nsteps,
		Gamma:  gamma,
		Lambda: lambda,
		Rng:    rng,
		obs:    e.Reset(),
		dones:  make([]bool, e.NumEnvs()),
	}, nil
}

// Run collects NSteps of experience from every environment, replays the
// contrastive sequences and computes returns. The environment is left in
// the state reached by the last real step.
func (r *Runner) Run(ctx context.Context) (*Batch, *Contrastive, []env.EpisodeInfo, error) {
	nenvs := r.Env.NumEnvs()
	mbObs := make([][][]float64, 0, r.NSteps)
	mbActions := make([][]int, 0, r.NSteps)
	mbValues := make([][]float64, 0, r.NSteps)
	mbNegLogPs := make([][]float64, 0, r.NSteps)
	mbDones := make([][]bool, 0, r.NSteps)
	mbRewards := make([][]float64, 0, r.NSteps)
	var epinfos []env.EpisodeInfo

	firstState, err := r.Env.State()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("snapshot first state: %w", err)
	}

	for t := 0; t < r.NSteps; t++ {
		select {
		case <-ctx.Done():
			return nil, nil, nil, ctx.Err()
		default:
		}

		actions, values, neglogps := r.Policy.Step(r.obs, r.Rng)
		mbObs = append(mbObs, r.obs)
		mbActions = append(mbActions, actions)
		mbValues = append(mbValues, values)
		mbNegLogPs = append(mbNegLogPs, neglogps)
		mbDones = append(mbDones, r.dones)

		obs, rewards, dones, infos := r.Env.Step(actions)
		r.obs, r.dones = obs, dones
		epinfos = append(epinfos, infos...)
		mbRewards = append(mbRewards, rewards)
	}

	lastState, err := r.Env.State()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("snapshot last state: %w", err)
	}
	r.statePairs = append(r.statePairs, statePair{first: firstState, last: lastState})

	var contrastive *Contrastive
	if r.ReplaySteps > 0 {
		pair := r.statePairs[r.Rng.Intn(len(r.statePairs))]
		contrastive, err = r.replay(pair)
		// Restore even when the replay failed part way.
		if restoreErr := r.Env.SetState(lastState); restoreErr != nil {
			return nil, nil, nil, fmt.Errorf("restore last state: %w", restoreErr)
		}
		if err != nil {
			return nil, nil, nil, err
		}
	}

	res, err := gae.Estimate(gae.Input{
		Rewards:    mbRewards,
		Values:     mbValues,
		Dones:      mbDones,
		LastValues: r.Policy.Value(r.obs),
		LastDones:  r.dones,
	}, r.Gamma, r.Lambda)
	if err != nil {
		return nil, nil, nil, err
	}

	batch := &Batch{
		NSteps:   r.NSteps,
		NEnvs:    nenvs,
		Obs:      flatten(mbObs),
		Actions:  flatten(mbActions),
		Returns:  flatten(res.Returns),
		Values:   flatten(mbValues),
		NegLogPs: flatten(mbNegLogPs),
		Dones:    flatten(mbDones),
	}
	return batch, contrastive, epinfos, nil
}

// replay steps random actions from the pair's first state twice (anchor and
// positive) and Negatives times from its last state.
func (r *Runner) replay(pair statePair) (*Contrastive, error) {
	anchors, err := r.randomSequence(pair.first)
	if err != nil {
		return nil, err
	}
	positives, err := r.randomSequence(pair.first)
	if err != nil {
		return nil, err
	}
	var negatives [][]float64
	for i := 0; i < r.Negatives; i++ {
		seq, err := r.randomSequence(pair.last)
		if err != nil {
			return nil, err
		}
		negatives = append(negatives, seq...)
	}
	return &Contrastive{Anchors: anchors, Positives: positives, Negatives: negatives}, nil
}

func (r *Runner) randomSequence(state []byte) ([][]float64, error) {
	if err := r.Env.SetState(state); err != nil {
		return nil, fmt.Errorf("restore replay state: %w", err)
	}
	nenvs, nactions := r.Env.NumEnvs(), r.Env.NumActions()
	seq := make([][]float64, 0, r.ReplaySteps*nenvs)
	actions := make([]int, nenvs)
	for i := 0; i < r.ReplaySteps; i++ {
		for e := range actions {
			actions[e] = r.Rng.Intn(nactions)
		}
		obs, _, _, _ := r.Env.Step(actions)
		seq = append(seq, obs...)
	}
	return seq, nil
}
