package collective

import "context"

// NewLocal returns n in-process group members sharing one set of rounds. Each
// member must be driven by its own goroutine.
func NewLocal(n int) []Group {
	rs := newRounds(n)
	members := make([]Group, n)
	for i := range members {
		members[i] = &localMember{rank: i, rounds: rs}
	}
	return members
}

type localMember struct {
	rank   int
	rounds *rounds
	seq    uint64
}

func (m *localMember) Rank() int { return m.rank }

func (m *localMember) Size() int { return m.rounds.size }

func (m *localMember) AllReduceSum(ctx context.Context, buf []float64) ([]float64, error) {
	m.seq++
	return m.rounds.contribute(ctx, contribution{Seq: m.seq, Rank: m.rank, Op: opAllReduce, Data: buf})
}

func (m *localMember) Broadcast(ctx context.Context, root int, buf []float64) ([]float64, error) {
	m.seq++
	c := contribution{Seq: m.seq, Rank: m.rank, Op: opBroadcast, Root: root}
	if m.rank == root {
		c.Data = buf
	}
	return m.rounds.contribute(ctx, c)
}
