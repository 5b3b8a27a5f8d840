package volume

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampNonNegative(t *testing.T) {
	g := NewGrid(1, 2, 2)
	copy(g.Delta, []float64{-1, 0.5, 0, -1e-30})
	copy(g.Beta, []float64{1, -2, 3, -4})
	g.ClampNonNegative()
	assert.Equal(t, []float64{0, 0.5, 0, 0}, g.Delta)
	assert.Equal(t, []float64{1, 0, 3, 0}, g.Beta)
}

func TestNewRandomGridStatistics(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	g := NewRandomGrid(rng, 16, 16, 16, 8e-7, 1e-7, 8e-8, 1e-8)
	md, mb := g.Means()
	assert.InDelta(t, 8e-7, md, 5e-9)
	assert.InDelta(t, 8e-8, mb, 5e-10)
	for i := range g.Delta {
		require.GreaterOrEqual(t, g.Delta[i], 0.0)
		require.GreaterOrEqual(t, g.Beta[i], 0.0)
	}
}

func TestUpsample2xShapeAndLattice(t *testing.T) {
	g := NewGrid(2, 2, 2)
	for i := range g.Delta {
		g.Delta[i] = float64(i + 1)
	}
	up := g.Upsample2x()
	require.Equal(t, 4, up.NY)
	require.Equal(t, 4, up.NX)
	require.Equal(t, 4, up.NZ)

	// Even output indices land exactly on input lattice points.
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			for z := 0; z < 2; z++ {
				assert.Equal(t, g.Delta[g.Idx(y, x, z)], up.Delta[up.Idx(2*y, 2*x, 2*z)])
			}
		}
	}
	// Odd indices are midpoints between neighbors.
	assert.InDelta(t, (g.Delta[g.Idx(0, 0, 0)]+g.Delta[g.Idx(0, 0, 1)])/2,
		up.Delta[up.Idx(0, 0, 1)], 1e-12)
	assert.InDelta(t, (g.Delta[g.Idx(0, 0, 0)]+g.Delta[g.Idx(1, 0, 0)])/2,
		up.Delta[up.Idx(1, 0, 0)], 1e-12)
}

func TestUpsample2xConstantField(t *testing.T) {
	g := NewGrid(3, 3, 3)
	for i := range g.Delta {
		g.Delta[i] = 7
		g.Beta[i] = 3
	}
	up := g.Upsample2x()
	for i := range up.Delta {
		assert.InDelta(t, 7.0, up.Delta[i], 1e-12)
		assert.InDelta(t, 3.0, up.Beta[i], 1e-12)
	}
}

func TestAddNoiseShiftsMean(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	g := NewGrid(8, 8, 8)
	g.AddNoise(rng, 1.0, 0.01, 0.5, 0.01)
	md, mb := g.Means()
	assert.InDelta(t, 1.0, md, 0.01)
	assert.InDelta(t, 0.5, mb, 0.01)
}

func TestCloneIsIndependent(t *testing.T) {
	g := NewGrid(2, 2, 2)
	g.Delta[0] = 5
	c := g.Clone()
	c.Delta[0] = 9
	assert.Equal(t, 5.0, g.Delta[0])
}
