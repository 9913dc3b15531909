package policy

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"distributed-ppo-rl/internal/sinkhorn"
)

// Latents encodes a batch of observations: one row per observation.
func (m *Linear) Latents(obs [][]float64) *mat.Dense {
	x := obsMatrix(obs, m.cfg.ObsDim)
	w := mat.NewDense(m.cfg.LatentDim, m.cfg.ObsDim, m.encW.Value)
	var z mat.Dense
	z.Mul(x, w.T())
	for i := 0; i < len(obs); i++ {
		floats.Add(z.RawRowView(i), m.encB.Value)
	}
	return &z
}

// ClusterCodes returns the balanced Sinkhorn assignment of every
// observation's latent to the prototypes.
func (m *Linear) ClusterCodes(obs [][]float64) *mat.Dense {
	return sinkhorn.Assign(sinkhorn.Scores(m.Latents(obs), m.prototypes()), m.cfg.Sinkhorn)
}

// ClusterLoss is the swapped-assignment objective: the softmax over
// prototype similarities is trained toward the balanced Sinkhorn codes of
// the same batch, which act as constant targets. It returns the loss and
// the hard cluster label of every observation.
func (m *Linear) ClusterLoss(obs [][]float64, coef float64) (float64, []int) {
	codes := m.ClusterCodes(obs)
	return m.clusterLoss(obs, codes, coef), sinkhorn.HardLabels(codes)
}

func (m *Linear) clusterLoss(obs [][]float64, codes *mat.Dense, coef float64) float64 {
	b, k := len(obs), m.cfg.NumClusters
	tau := m.cfg.Temperature

	z := m.Latents(obs)
	zHat := sinkhorn.NormalizeRows(z)
	c := m.prototypes()
	cHat := sinkhorn.NormalizeRows(c)
	var scores mat.Dense
	scores.Mul(zHat, cHat.T())

	// dL/dscores = (softmax(scores/tau) - codes) / (tau*B)
	var loss float64
	dScores := mat.NewDense(b, k, nil)
	logits := make([]float64, k)
	for i := 0; i < b; i++ {
		floats.ScaleTo(logits, 1/tau, scores.RawRowView(i))
		lse := floats.LogSumExp(logits)
		q := codes.RawRowView(i)
		g := dScores.RawRowView(i)
		for j := range logits {
			loss -= q[j] * (logits[j] - lse)
			g[j] = (math.Exp(logits[j]-lse) - q[j]) / (tau * float64(b))
		}
	}
	loss /= float64(b)

	if coef != 0 {
		var dZHat, dCHat mat.Dense
		dZHat.Mul(dScores, cHat)
		dCHat.Mul(dScores.T(), zHat)

		dZ := normalizeBackward(z, zHat, &dZHat)
		m.encoderBackward(obs, dZ, coef)
		dC := normalizeBackward(c, cHat, &dCHat)
		floats.AddScaled(m.protos.Grad, coef, dC.RawMatrix().Data)
	}
	return loss
}

// InfoLoss is the information-bottleneck penalty: the KL divergence between
// a unit-variance Gaussian centred on each latent and the standard normal,
// i.e. mean(|z|^2)/2.
func (m *Linear) InfoLoss(obs [][]float64, coef float64) float64 {
	z := m.Latents(obs)
	b := float64(len(obs))
	loss := 0.5 * mat.Sum(mulElem(z, z)) / b
	if coef != 0 {
		var dZ mat.Dense
		dZ.Scale(1/b, z)
		m.encoderBackward(obs, &dZ, coef)
	}
	return loss
}

// MYOWLoss mines, for every latent in the batch, its nearest other latents
// and pulls the predictor output toward them. Mined neighbours are constant
// targets.
func (m *Linear) MYOWLoss(obs [][]float64, coef float64) float64 {
	b := len(obs)
	kNN := m.cfg.Neighbors
	if kNN > b-1 {
		kNN = b - 1
	}
	if kNN <= 0 {
		return 0
	}

	z := m.Latents(obs)
	zHat := sinkhorn.NormalizeRows(z)
	var sim mat.Dense
	sim.Mul(zHat, zHat.T())

	r := m.predict(z)
	rHat := sinkhorn.NormalizeRows(r)
	dRHat := mat.NewDense(b, m.cfg.LatentDim, nil)

	var loss float64
	scale := 1 / float64(b*kNN)
	order := make([]int, b)
	for i := 0; i < b; i++ {
		for j := range order {
			order[j] = j
		}
		row := sim.RawRowView(i)
		sort.SliceStable(order, func(a, c int) bool { return row[order[a]] > row[order[c]] })

		taken := 0
		for _, j := range order {
			if j == i {
				continue
			}
			target := zHat.RawRowView(j)
			// cos_loss = 2 - 2 <r_hat, z_hat>
			loss += (2 - 2*floats.Dot(rHat.RawRowView(i), target)) * scale
			floats.AddScaled(dRHat.RawRowView(i), -2*scale, target)
			if taken++; taken == kNN {
				break
			}
		}
	}

	if coef != 0 {
		m.predictorBackward(z, r, rHat, dRHat, obs, coef)
	}
	return loss
}

// RepresentationLoss contrasts replayed trajectories: every anchor latent,
// passed through the predictor, should match the positive sampled from the
// same start state (same row) and not the negatives. Positives and negatives
// are constant targets. InfoNCE over one positive and all negatives.
func (m *Linear) RepresentationLoss(anchors, positives, negatives [][]float64, coef float64) float64 {
	b := len(anchors)
	if b == 0 || len(positives) != b {
		return 0
	}
	tau := m.cfg.Temperature

	z := m.Latents(anchors)
	r := m.predict(z)
	rHat := sinkhorn.NormalizeRows(r)
	pos := sinkhorn.NormalizeRows(m.Latents(positives))
	var neg *mat.Dense
	if len(negatives) > 0 {
		neg = sinkhorn.NormalizeRows(m.Latents(negatives))
	}

	dRHat := mat.NewDense(b, m.cfg.LatentDim, nil)
	var loss float64
	for i := 0; i < b; i++ {
		ri := rHat.RawRowView(i)
		targets := [][]float64{pos.RawRowView(i)}
		for j := 0; j < len(negatives); j++ {
			targets = append(targets, neg.RawRowView(j))
		}
		logits := make([]float64, len(targets))
		for j, tgt := range targets {
			logits[j] = floats.Dot(ri, tgt) / tau
		}
		lse := floats.LogSumExp(logits)
		loss += (lse - logits[0]) / float64(b)

		g := dRHat.RawRowView(i)
		for j, tgt := range targets {
			w := math.Exp(logits[j] - lse)
			if j == 0 {
				w--
			}
			floats.AddScaled(g, w/(tau*float64(b)), tgt)
		}
	}

	if coef != 0 {
		m.predictorBackward(z, r, rHat, dRHat, anchors, coef)
	}
	return loss
}

func (m *Linear) prototypes() *mat.Dense {
	return mat.NewDense(m.cfg.NumClusters, m.cfg.LatentDim, m.protos.Value)
}

func (m *Linear) predict(z *mat.Dense) *mat.Dense {
	d := m.cfg.LatentDim
	p := mat.NewDense(d, d, m.predW.Value)
	var r mat.Dense
	r.Mul(z, p.T())
	return &r
}

// predictorBackward takes the gradient at the normalized predictor output
// back through the normalization, the predictor and the encoder.
func (m *Linear) predictorBackward(z, r, rHat, dRHat *mat.Dense, obs [][]float64, coef float64) {
	d := m.cfg.LatentDim
	dR := normalizeBackward(r, rHat, dRHat)

	var dP mat.Dense
	dP.Mul(dR.T(), z)
	floats.AddScaled(m.predW.Grad, coef, dP.RawMatrix().Data)

	var dZ mat.Dense
	dZ.Mul(dR, mat.NewDense(d, d, m.predW.Value))
	m.encoderBackward(obs, &dZ, coef)
}

func (m *Linear) encoderBackward(obs [][]float64, dZ *mat.Dense, coef float64) {
	x := obsMatrix(obs, m.cfg.ObsDim)
	var dW mat.Dense
	dW.Mul(dZ.T(), x)
	floats.AddScaled(m.encW.Grad, coef, dW.RawMatrix().Data)
	for i := 0; i < len(obs); i++ {
		floats.AddScaled(m.encB.Grad, coef, dZ.RawRowView(i))
	}
}

// normalizeBackward maps gradients at the row-normalized matrix vHat back to
// v: (g - vHat <vHat, g>) / |v| per row.
func normalizeBackward(v, vHat, dVHat *mat.Dense) *mat.Dense {
	rows, cols := v.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		n := floats.Norm(v.RawRowView(i), 2)
		if n == 0 {
			continue
		}
		h := vHat.RawRowView(i)
		g := dVHat.RawRowView(i)
		dst := out.RawRowView(i)
		floats.AddScaledTo(dst, g, -floats.Dot(h, g), h)
		floats.Scale(1/n, dst)
	}
	return out
}

func obsMatrix(obs [][]float64, dim int) *mat.Dense {
	x := mat.NewDense(len(obs), dim, nil)
	for i, o := range obs {
		x.SetRow(i, o)
	}
	return x
}

func mulElem(a, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.MulElem(a, b)
	return &out
}
