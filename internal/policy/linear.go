// Package policy is the reference model: linear softmax policy and value
// heads over the raw observation, plus a linear latent encoder, learned
// cluster prototypes and a MYOW predictor for the representation objectives.
// Gradients are computed analytically and accumulated into the parameter set.
package policy

import (
	"errors"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"distributed-ppo-rl/internal/params"
	"distributed-ppo-rl/internal/sinkhorn"
)

type Config struct {
	ObsDim      int `json:"obsDim"`
	NumActions  int `json:"numActions"`
	LatentDim   int `json:"latentDim"`
	NumClusters int `json:"numClusters"`

	Sinkhorn sinkhorn.Config `json:"sinkhorn"`
	// Temperature of the cluster prediction softmax and the contrastive logits.
	Temperature float64 `json:"temperature"`
	// Neighbors is the number of nearest latents mined per sample for MYOW.
	Neighbors int `json:"neighbors"`
}

func DefaultConfig(obsDim, numActions int) Config {
	return Config{
		ObsDim:      obsDim,
		NumActions:  numActions,
		LatentDim:   16,
		NumClusters: 8,
		Sinkhorn:    sinkhorn.DefaultConfig(),
		Temperature: 0.1,
		Neighbors:   3,
	}
}

type Linear struct {
	cfg Config
	set *params.Set

	piW, piB   *params.Param
	vfW, vfB   *params.Param
	encW, encB *params.Param
	protos     *params.Param
	predW      *params.Param
}

func NewLinear(cfg Config, rng *rand.Rand) (*Linear, error) {
	if cfg.ObsDim <= 0 || cfg.NumActions <= 0 || cfg.LatentDim <= 0 || cfg.NumClusters <= 0 {
		return nil, errors.New("policy dimensions must be greater than zero")
	}
	if cfg.Temperature <= 0 {
		return nil, errors.New("policy temperature must be greater than zero")
	}

	m := &Linear{
		cfg:    cfg,
		piW:    params.NewParam("pi/w", false, cfg.NumActions, cfg.ObsDim),
		piB:    params.NewParam("pi/b", true, cfg.NumActions),
		vfW:    params.NewParam("vf/w", false, cfg.ObsDim),
		vfB:    params.NewParam("vf/b", true, 1),
		encW:   params.NewParam("enc/w", false, cfg.LatentDim, cfg.ObsDim),
		encB:   params.NewParam("enc/b", true, cfg.LatentDim),
		protos: params.NewParam("prototypes", false, cfg.NumClusters, cfg.LatentDim),
		predW:  params.NewParam("myow/pred/w", false, cfg.LatentDim, cfg.LatentDim),
	}

	set, err := params.NewSet(m.piW, m.piB, m.vfW, m.vfB, m.encW, m.encB, m.protos, m.predW)
	if err != nil {
		return nil, err
	}
	m.set = set

	// Small policy weights keep the initial action distribution near uniform.
	fillNormal(rng, m.piW.Value, 0.01)
	fillNormal(rng, m.vfW.Value, 0.01)
	fillNormal(rng, m.encW.Value, math.Sqrt(2.0/float64(cfg.ObsDim)))
	fillNormal(rng, m.protos.Value, 1)
	fillNormal(rng, m.predW.Value, 0.01)
	for i := 0; i < cfg.LatentDim; i++ {
		m.predW.Value[i*cfg.LatentDim+i] += 1
	}
	return m, nil
}

func fillNormal(rng *rand.Rand, dst []float64, scale float64) {
	for i := range dst {
		dst[i] = rng.NormFloat64() * scale
	}
}

func (m *Linear) Params() *params.Set {
	return m.set
}

func (m *Linear) Config() Config {
	return m.cfg
}

// Step samples an action for every observation and returns the value
// estimate and the negative log-probability of the sampled action.
func (m *Linear) Step(obs [][]float64, rng *rand.Rand) ([]int, []float64, []float64) {
	actions := make([]int, len(obs))
	values := make([]float64, len(obs))
	neglogps := make([]float64, len(obs))
	for i, o := range obs {
		logits := m.logits(o)
		probs := softmax(logits)
		actions[i] = sampleCategorical(probs, rng)
		neglogps[i] = floats.LogSumExp(logits) - logits[actions[i]]
		values[i] = m.value(o)
	}
	return actions, values, neglogps
}

func (m *Linear) Value(obs [][]float64) []float64 {
	values := make([]float64, len(obs))
	for i, o := range obs {
		values[i] = m.value(o)
	}
	return values
}

// Eval holds a forward pass over a minibatch under the current parameters.
type Eval struct {
	NegLogP []float64
	Entropy []float64
	Value   []float64

	probs [][]float64
}

func (m *Linear) Evaluate(obs [][]float64, actions []int) *Eval {
	ev := &Eval{
		NegLogP: make([]float64, len(obs)),
		Entropy: make([]float64, len(obs)),
		Value:   make([]float64, len(obs)),
		probs:   make([][]float64, len(obs)),
	}
	for i, o := range obs {
		logits := m.logits(o)
		lse := floats.LogSumExp(logits)
		probs := softmax(logits)
		ev.probs[i] = probs
		ev.NegLogP[i] = lse - logits[actions[i]]
		for j, p := range probs {
			if p > 0 {
				ev.Entropy[i] -= p * (logits[j] - lse)
			}
		}
		ev.Value[i] = m.value(o)
	}
	return ev
}

// Backward accumulates the gradients of a loss whose per-sample derivatives
// with respect to neglogp, entropy and value are given.
func (m *Linear) Backward(obs [][]float64, actions []int, ev *Eval, dNegLogP, dEntropy, dValue []float64) {
	nobs := m.cfg.ObsDim
	dLogits := make([]float64, m.cfg.NumActions)
	for i, o := range obs {
		probs := ev.probs[i]
		for j, p := range probs {
			g := dNegLogP[i] * p
			if j == actions[i] {
				g -= dNegLogP[i]
			}
			if p > 0 {
				// dH/dlogit_j = -p_j (log p_j + H)
				g -= dEntropy[i] * p * (math.Log(p) + ev.Entropy[i])
			}
			dLogits[j] = g
		}
		for j, g := range dLogits {
			if g == 0 {
				continue
			}
			floats.AddScaled(m.piW.Grad[j*nobs:(j+1)*nobs], g, o)
			m.piB.Grad[j] += g
		}
		if dValue[i] != 0 {
			floats.AddScaled(m.vfW.Grad, dValue[i], o)
			m.vfB.Grad[0] += dValue[i]
		}
	}
}

func (m *Linear) logits(o []float64) []float64 {
	nobs := m.cfg.ObsDim
	out := make([]float64, m.cfg.NumActions)
	for j := range out {
		out[j] = m.piB.Value[j] + floats.Dot(m.piW.Value[j*nobs:(j+1)*nobs], o)
	}
	return out
}

func (m *Linear) value(o []float64) float64 {
	return m.vfB.Value[0] + floats.Dot(m.vfW.Value, o)
}

func softmax(logits []float64) []float64 {
	maxLogit := floats.Max(logits)
	values := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		values[i] = math.Exp(v - maxLogit)
		sum += values[i]
	}
	floats.Scale(1/sum, values)
	return values
}

func sampleCategorical(probs []float64, rng *rand.Rand) int {
	threshold := rng.Float64()
	var cumulativeProb float64
	for i, prob := range probs {
		cumulativeProb += prob
		if threshold <= cumulativeProb {
			return i
		}
	}
	return len(probs) - 1
}
