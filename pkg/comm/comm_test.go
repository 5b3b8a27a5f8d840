package comm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleIsTrivial(t *testing.T) {
	var c Collective = Single{}
	assert.Equal(t, 0, c.Rank())
	assert.Equal(t, 1, c.Size())
	c.Barrier()
	buf := []float64{1, 2}
	c.BroadcastFloat64s(0, buf)
	c.AllReduceSum(buf)
	assert.Equal(t, []float64{1, 2}, buf)
	assert.True(t, c.BroadcastBool(0, true))
	assert.False(t, c.BroadcastBool(0, false))
}

func runGroup(t *testing.T, n int, body func(c Collective)) {
	t.Helper()
	g := NewGroup(n)
	var wg sync.WaitGroup
	for rank := 0; rank < n; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			body(g.Member(rank))
		}(rank)
	}
	wg.Wait()
}

func TestGroupBroadcast(t *testing.T) {
	results := make([][]float64, 4)
	runGroup(t, 4, func(c Collective) {
		buf := make([]float64, 3)
		if c.Rank() == 0 {
			copy(buf, []float64{7, 8, 9})
		}
		c.BroadcastFloat64s(0, buf)
		results[c.Rank()] = buf
	})
	for rank, buf := range results {
		assert.Equalf(t, []float64{7, 8, 9}, buf, "rank %d", rank)
	}
}

func TestGroupBroadcastBool(t *testing.T) {
	got := make([]bool, 3)
	runGroup(t, 3, func(c Collective) {
		// every rank proposes a different value; rank 0's wins
		got[c.Rank()] = c.BroadcastBool(0, c.Rank() == 0)
	})
	assert.Equal(t, []bool{true, true, true}, got)
}

func TestGroupAllReduceSum(t *testing.T) {
	results := make([][]float64, 3)
	runGroup(t, 3, func(c Collective) {
		buf := []float64{float64(c.Rank()), 1}
		c.AllReduceSum(buf)
		results[c.Rank()] = buf
	})
	for rank, buf := range results {
		assert.Equalf(t, []float64{3, 3}, buf, "rank %d", rank)
	}
}

func TestGroupRepeatedCollectives(t *testing.T) {
	// The barrier must be reusable across many rounds without deadlock or
	// cross-round leakage.
	const rounds = 50
	runGroup(t, 4, func(c Collective) {
		for i := 0; i < rounds; i++ {
			buf := []float64{1}
			c.AllReduceSum(buf)
			require.Equal(t, 4.0, buf[0])
			c.Barrier()
		}
	})
}
