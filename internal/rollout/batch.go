// Package rollout drives a policy against a vectorized environment for a
// fixed horizon and packages the result for the PPO update.
package rollout

// Batch is one rollout flattened for minibatching. Row e*NSteps+t holds
// step t of environment e, so environments are the slower-varying axis.
type Batch struct {
	NSteps int
	NEnvs  int

	Obs      [][]float64
	Actions  []int
	Returns  []float64
	Values   []float64
	NegLogPs []float64
	// Dones[i] is the done flag observed before acting at row i.
	Dones []bool
}

func (b *Batch) Len() int {
	return len(b.Actions)
}

// Minibatch is a view over selected rows of a Batch.
type Minibatch struct {
	Obs      [][]float64
	Actions  []int
	Returns  []float64
	Values   []float64
	NegLogPs []float64
}

// Select gathers the rows at idx.
func (b *Batch) Select(idx []int) Minibatch {
	mb := Minibatch{
		Obs:      make([][]float64, len(idx)),
		Actions:  make([]int, len(idx)),
		Returns:  make([]float64, len(idx)),
		Values:   make([]float64, len(idx)),
		NegLogPs: make([]float64, len(idx)),
	}
	for i, j := range idx {
		mb.Obs[i] = b.Obs[j]
		mb.Actions[i] = b.Actions[j]
		mb.Returns[i] = b.Returns[j]
		mb.Values[i] = b.Values[j]
		mb.NegLogPs[i] = b.NegLogPs[j]
	}
	return mb
}

// Contrastive holds observation sequences replayed from saved states:
// anchors and positives start from the same state, negatives from another.
// Anchors and positives are aligned row by row.
type Contrastive struct {
	Anchors   [][]float64
	Positives [][]float64
	Negatives [][]float64
}

// flatten swaps the time and env axes of a [T][nenv] buffer and flattens it.
func flatten[T any](buf [][]T) []T {
	nsteps := len(buf)
	if nsteps == 0 {
		return nil
	}
	nenvs := len(buf[0])
	out := make([]T, nsteps*nenvs)
	for t, row := range buf {
		for e, v := range row {
			out[e*nsteps+t] = v
		}
	}
	return out
}
