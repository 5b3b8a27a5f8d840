// Package comm provides the collective operations the reconstruction
// driver uses to coordinate workers: barriers, broadcasts from a root
// rank, and summed all-reduce of gradient buffers.
//
// Two implementations are provided. Single is the trivial one-rank
// collective. Group runs n ranks as in-process members sharing memory,
// which is how the parallel reconstruction path executes its workers.
package comm

import "sync"

// Collective is the synchronization surface a worker rank sees.
type Collective interface {
	// Rank identifies this member, 0..Size-1. Rank 0 is the root for
	// convergence decisions and checkpoint writes.
	Rank() int
	// Size is the number of members in the collective.
	Size() int
	// Barrier blocks until every member has reached it.
	Barrier()
	// BroadcastFloat64s replaces buf on every non-root member with the
	// root member's buf contents. Lengths must match across members.
	BroadcastFloat64s(root int, buf []float64)
	// BroadcastBool returns the root member's value on every member.
	BroadcastBool(root int, v bool) bool
	// AllReduceSum replaces buf on every member with the elementwise
	// sum across members. Lengths must match across members.
	AllReduceSum(buf []float64)
}

// Single is the one-rank collective; every operation is a no-op.
type Single struct{}

func (Single) Rank() int                                 { return 0 }
func (Single) Size() int                                 { return 1 }
func (Single) Barrier()                                  {}
func (Single) BroadcastFloat64s(root int, buf []float64) {}
func (Single) BroadcastBool(root int, v bool) bool       { return v }
func (Single) AllReduceSum(buf []float64)                {}

// Group is an in-process collective of n members. Each member runs on
// its own goroutine and obtains its handle from Member.
type Group struct {
	size  int
	bar   *barrier
	slots [][]float64
	bcast []float64
	flag  bool
}

// NewGroup builds a collective for n members. n must be positive.
func NewGroup(n int) *Group {
	return &Group{size: n, bar: newBarrier(n), slots: make([][]float64, n)}
}

// Member returns the Collective handle for one rank. Each rank must be
// claimed by exactly one goroutine.
func (g *Group) Member(rank int) Collective {
	return &member{g: g, rank: rank}
}

type member struct {
	g    *Group
	rank int
}

func (m *member) Rank() int { return m.rank }
func (m *member) Size() int { return m.g.size }
func (m *member) Barrier()  { m.g.bar.wait() }

func (m *member) BroadcastFloat64s(root int, buf []float64) {
	if m.rank == root {
		m.g.bcast = buf
	}
	m.g.bar.wait()
	if m.rank != root {
		copy(buf, m.g.bcast)
	}
	m.g.bar.wait()
}

func (m *member) BroadcastBool(root int, v bool) bool {
	if m.rank == root {
		m.g.flag = v
	}
	m.g.bar.wait()
	out := m.g.flag
	m.g.bar.wait()
	return out
}

func (m *member) AllReduceSum(buf []float64) {
	m.g.slots[m.rank] = buf
	m.g.bar.wait()
	tmp := make([]float64, len(buf))
	for r := 0; r < m.g.size; r++ {
		for i, v := range m.g.slots[r] {
			tmp[i] += v
		}
	}
	// The second barrier guarantees every member finished reading the
	// published slots before any buf is overwritten with the result.
	m.g.bar.wait()
	copy(buf, tmp)
}

// barrier is a reusable counting barrier.
type barrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	n     int
	count int
	gen   int
}

func newBarrier(n int) *barrier {
	b := &barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.gen
	b.count++
	if b.count == b.n {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}
