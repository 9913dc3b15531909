package collective

import (
	"context"
	"fmt"
	"sync"
)

type opKind string

const (
	opAllReduce opKind = "allreduce"
	opBroadcast opKind = "broadcast"
)

type contribution struct {
	Seq  uint64
	Rank int
	Op   opKind
	Root int
	Data []float64
}

type round struct {
	op     opKind
	root   int
	length int
	sum    []float64
	seen   map[int]bool
	done   chan struct{}
	result []float64
}

// rounds matches contributions from every rank by sequence number and
// releases all of them once the last one arrives.
type rounds struct {
	mu        sync.Mutex
	size      int
	pending   map[uint64]*round
	completed uint64
}

func newRounds(size int) *rounds {
	return &rounds{
		size:    size,
		pending: make(map[uint64]*round),
	}
}

func (rs *rounds) contribute(ctx context.Context, c contribution) ([]float64, error) {
	r, err := rs.add(c)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return append([]float64(nil), r.result...), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (rs *rounds) add(c contribution) (*round, error) {
	if c.Rank < 0 || c.Rank >= rs.size {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrBadRank, c.Rank, rs.size)
	}
	if c.Op == opBroadcast && (c.Root < 0 || c.Root >= rs.size) {
		return nil, fmt.Errorf("%w: root %d", ErrBadRank, c.Root)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	r, ok := rs.pending[c.Seq]
	if !ok {
		r = &round{
			op:     c.Op,
			root:   c.Root,
			length: -1,
			seen:   make(map[int]bool, rs.size),
			done:   make(chan struct{}),
		}
		rs.pending[c.Seq] = r
	}
	if r.op != c.Op || (c.Op == opBroadcast && r.root != c.Root) {
		return nil, fmt.Errorf("%w: seq %d has %s, rank %d sent %s", ErrOpMismatch, c.Seq, r.op, c.Rank, c.Op)
	}
	if r.seen[c.Rank] {
		return nil, fmt.Errorf("%w: rank %d seq %d", ErrDuplicateRank, c.Rank, c.Seq)
	}

	switch c.Op {
	case opAllReduce:
		if r.length >= 0 && len(c.Data) != r.length {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrLengthMismatch, len(c.Data), r.length)
		}
		if r.sum == nil {
			r.length = len(c.Data)
			r.sum = make([]float64, r.length)
		}
		for i, v := range c.Data {
			r.sum[i] += v
		}
	case opBroadcast:
		if c.Rank == c.Root {
			r.sum = append([]float64(nil), c.Data...)
		}
	}
	r.seen[c.Rank] = true

	if len(r.seen) == rs.size {
		r.result = r.sum
		if r.result == nil {
			r.result = []float64{}
		}
		delete(rs.pending, c.Seq)
		rs.completed++
		close(r.done)
	}
	return r, nil
}

func (rs *rounds) stats() (pending int, completed uint64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.pending), rs.completed
}
