// Package ppo implements the clipped-objective update and the training loop
// that couples it with rollouts, gradient averaging and checkpointing.
package ppo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"distributed-ppo-rl/internal/config"
	"distributed-ppo-rl/internal/optim"
	"distributed-ppo-rl/internal/params"
	"distributed-ppo-rl/internal/policy"
	"distributed-ppo-rl/internal/rollout"
)

var ErrNoContrastive = errors.New("ppo: representation loss enabled but rollout has no contrastive samples")

const advantageEpsilon = 1e-8

// Model is what the engine trains. Loss methods accumulate coef-scaled
// gradients into Params() and return the unscaled loss.
type Model interface {
	rollout.Policy
	Params() *params.Set
	Evaluate(obs [][]float64, actions []int) *policy.Eval
	Backward(obs [][]float64, actions []int, ev *policy.Eval, dNegLogP, dEntropy, dValue []float64)
	ClusterLoss(obs [][]float64, coef float64) (float64, []int)
	InfoLoss(obs [][]float64, coef float64) float64
	MYOWLoss(obs [][]float64, coef float64) float64
	RepresentationLoss(anchors, positives, negatives [][]float64, coef float64) float64
}

type Engine struct {
	Model     Model
	Averager  *optim.Averager
	Optimizer *optim.Adam
	Config    config.Config
	Rng       *rand.Rand
}

func NewEngine(model Model, averager *optim.Averager, cfg config.Config, rng *rand.Rand) *Engine {
	return &Engine{
		Model:     model,
		Averager:  averager,
		Optimizer: optim.NewAdam(model.Params()),
		Config:    cfg,
		Rng:       rng,
	}
}

// Stats are minibatch means of the update's losses and diagnostics.
type Stats struct {
	PolicyLoss   float64
	ValueLoss    float64
	Entropy      float64
	ApproxKL     float64
	ClipFrac     float64
	L2Loss       float64
	InfoLoss     float64
	ClusterLoss  float64
	// ClusterShare is the fraction of a minibatch in its most populated
	// cluster. 1/K is perfectly balanced; 1 means the clusters collapsed.
	ClusterShare float64
	MYOWLoss     float64
	RepLoss      float64
	GradNorm     float64
}

// KeysAndValues lays the stats out for structured logging.
func (s Stats) KeysAndValues() []any {
	return []any{
		"policy_loss", s.PolicyLoss,
		"value_loss", s.ValueLoss,
		"policy_entropy", s.Entropy,
		"approxkl", s.ApproxKL,
		"clipfrac", s.ClipFrac,
		"l2_loss", s.L2Loss,
		"info_loss", s.InfoLoss,
		"cluster_loss", s.ClusterLoss,
		"cluster_share", s.ClusterShare,
		"myow_loss", s.MYOWLoss,
		"rep_loss", s.RepLoss,
		"grad_norm", s.GradNorm,
	}
}

func (s *Stats) add(o Stats) {
	s.PolicyLoss += o.PolicyLoss
	s.ValueLoss += o.ValueLoss
	s.Entropy += o.Entropy
	s.ApproxKL += o.ApproxKL
	s.ClipFrac += o.ClipFrac
	s.L2Loss += o.L2Loss
	s.InfoLoss += o.InfoLoss
	s.ClusterLoss += o.ClusterLoss
	s.ClusterShare += o.ClusterShare
	s.MYOWLoss += o.MYOWLoss
	s.GradNorm += o.GradNorm
}

func (s *Stats) scale(f float64) {
	s.PolicyLoss *= f
	s.ValueLoss *= f
	s.Entropy *= f
	s.ApproxKL *= f
	s.ClipFrac *= f
	s.L2Loss *= f
	s.InfoLoss *= f
	s.ClusterLoss *= f
	s.ClusterShare *= f
	s.MYOWLoss *= f
	s.GradNorm *= f
}

// Update runs NoptEpochs passes of shuffled minibatches over batch. The
// number of optimizer steps, and so of collective calls, depends only on
// the configuration. approxkl and clipfrac are reported but never stop an
// epoch early.
func (e *Engine) Update(ctx context.Context, batch *rollout.Batch, contrastive *rollout.Contrastive, lr, cliprange float64) (Stats, error) {
	cfg := e.Config
	nbatch := batch.Len()
	if nbatch%cfg.NMinibatches != 0 {
		return Stats{}, fmt.Errorf("batch of %d not divisible into %d minibatches", nbatch, cfg.NMinibatches)
	}
	if cfg.RepCoef != 0 && (contrastive == nil || len(contrastive.Anchors) == 0) {
		return Stats{}, ErrNoContrastive
	}
	nbatchTrain := nbatch / cfg.NMinibatches

	inds := make([]int, nbatch)
	for i := range inds {
		inds[i] = i
	}

	var total Stats
	steps := 0
	for epoch := 0; epoch < cfg.NoptEpochs; epoch++ {
		e.Rng.Shuffle(len(inds), func(i, j int) { inds[i], inds[j] = inds[j], inds[i] })
		for start := 0; start < nbatch; start += nbatchTrain {
			mb := batch.Select(inds[start : start+nbatchTrain])
			st, err := e.trainMinibatch(ctx, mb, lr, cliprange)
			if err != nil {
				return Stats{}, err
			}
			total.add(st)
			steps++
		}
	}
	total.scale(1 / float64(steps))

	if cfg.RepCoef != 0 {
		rep, err := e.trainRepresentation(ctx, contrastive, lr)
		if err != nil {
			return Stats{}, err
		}
		total.RepLoss = rep
	}
	return total, nil
}

func (e *Engine) trainMinibatch(ctx context.Context, mb rollout.Minibatch, lr, cliprange float64) (Stats, error) {
	cfg := e.Config
	set := e.Model.Params()
	set.ZeroGrad()

	n := len(mb.Actions)
	inv := 1 / float64(n)

	advs := make([]float64, n)
	floats.SubTo(advs, mb.Returns, mb.Values)
	mean, std := stat.PopMeanStdDev(advs, nil)
	for i := range advs {
		advs[i] = (advs[i] - mean) / (std + advantageEpsilon)
	}

	ev := e.Model.Evaluate(mb.Obs, mb.Actions)
	dNegLogP := make([]float64, n)
	dEntropy := make([]float64, n)
	dValue := make([]float64, n)

	var st Stats
	for i := 0; i < n; i++ {
		vl, dv := valueLoss(ev.Value[i], mb.Values[i], mb.Returns[i], cliprange)
		st.ValueLoss += 0.5 * vl * inv
		dValue[i] = cfg.VfCoef * 0.5 * dv * inv

		ratio := math.Exp(mb.NegLogPs[i] - ev.NegLogP[i])
		pl, dr := policyLoss(ratio, advs[i], cliprange)
		st.PolicyLoss += pl * inv
		// d ratio / d neglogp = -ratio
		dNegLogP[i] = -dr * ratio * inv

		st.Entropy += ev.Entropy[i] * inv
		dEntropy[i] = -cfg.EntCoef * inv

		d := ev.NegLogP[i] - mb.NegLogPs[i]
		st.ApproxKL += 0.5 * d * d * inv
		if math.Abs(ratio-1) > cliprange {
			st.ClipFrac += inv
		}
	}
	e.Model.Backward(mb.Obs, mb.Actions, ev, dNegLogP, dEntropy, dValue)

	st.L2Loss = set.L2(cfg.L2Coef)
	if cfg.Beta != 0 {
		st.InfoLoss = e.Model.InfoLoss(mb.Obs, cfg.Beta)
	}
	if cfg.ClusterCoef != 0 {
		var labels []int
		st.ClusterLoss, labels = e.Model.ClusterLoss(mb.Obs, cfg.ClusterCoef)
		st.ClusterShare = largestShare(labels)
	}
	if cfg.MYOWCoef != 0 {
		st.MYOWLoss = e.Model.MYOWLoss(mb.Obs, cfg.MYOWCoef)
	}

	st.GradNorm = optim.ClipGlobalNorm(set, cfg.MaxGradNorm)
	if err := e.Averager.Average(ctx, set); err != nil {
		return Stats{}, err
	}
	e.Optimizer.Step(set, lr)
	return st, nil
}

// trainRepresentation applies one averaged step of the contrastive loss over
// the replayed sequences.
func (e *Engine) trainRepresentation(ctx context.Context, c *rollout.Contrastive, lr float64) (float64, error) {
	set := e.Model.Params()
	set.ZeroGrad()
	loss := e.Model.RepresentationLoss(c.Anchors, c.Positives, c.Negatives, e.Config.RepCoef)
	optim.ClipGlobalNorm(set, e.Config.MaxGradNorm)
	if err := e.Averager.Average(ctx, set); err != nil {
		return 0, err
	}
	e.Optimizer.Step(set, lr)
	return loss, nil
}

// policyLoss is the pessimistic clipped surrogate for one sample and its
// derivative with respect to the probability ratio.
func policyLoss(ratio, adv, clip float64) (loss, dRatio float64) {
	unclipped := -adv * ratio
	clipped := -adv * clamp(ratio, 1-clip, 1+clip)
	if unclipped >= clipped {
		return unclipped, -adv
	}
	if ratio < 1-clip || ratio > 1+clip {
		return clipped, 0
	}
	return clipped, -adv
}

// valueLoss is max((v-R)^2, (old+clip(v-old)-R)^2) for one sample and its
// derivative with respect to v.
func valueLoss(v, old, ret, clip float64) (loss, dV float64) {
	unclipped := (v - ret) * (v - ret)
	delta := v - old
	vClipped := old + clamp(delta, -clip, clip)
	clipped := (vClipped - ret) * (vClipped - ret)
	if unclipped >= clipped {
		return unclipped, 2 * (v - ret)
	}
	if delta < -clip || delta > clip {
		return clipped, 0
	}
	return clipped, 2 * (vClipped - ret)
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func largestShare(labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	counts := make(map[int]int)
	best := 0
	for _, l := range labels {
		counts[l]++
		if counts[l] > best {
			best = counts[l]
		}
	}
	return float64(best) / float64(len(labels))
}
