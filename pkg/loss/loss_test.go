package loss

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ptychotomo/pkg/volume"
)

func smoothGrid(ny, nx, nz int) *volume.Grid {
	g := volume.NewGrid(ny, nx, nz)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			for z := 0; z < nz; z++ {
				i := g.Idx(y, x, z)
				g.Delta[i] = math.Sin(float64(y)) + 0.3*float64(x) + 0.1*float64(z*z)
				g.Beta[i] = 0.5 * math.Cos(float64(x+z))
			}
		}
	}
	return g
}

func TestL1Value(t *testing.T) {
	g := volume.NewGrid(1, 1, 4)
	copy(g.Delta, []float64{1, -2, 0, 3})
	grad := volume.NewGrid(1, 1, 4)
	r := Regularizer{AlphaDelta: 2}
	assert.InDelta(t, 2*(1+2+0+3), r.Apply(g, grad), 1e-12)
	assert.Equal(t, []float64{2, -2, 0, 2}, grad.Delta)
}

func TestL2Value(t *testing.T) {
	g := volume.NewGrid(1, 1, 3)
	copy(g.Delta, []float64{1, -2, 3})
	grad := volume.NewGrid(1, 1, 3)
	r := Regularizer{GammaL2: 0.5}
	assert.InDelta(t, 0.5*(1+4+9), r.Apply(g, grad), 1e-12)
	assert.Equal(t, []float64{1, -2, 3}, grad.Delta)
}

func TestTV2DIgnoresZAxis(t *testing.T) {
	// A field varying only along z has zero 2D total variation.
	g := volume.NewGrid(4, 4, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			for z := 0; z < 4; z++ {
				g.Delta[g.Idx(y, x, z)] = float64(z)
			}
		}
	}
	r := Regularizer{GammaTV2D: 1}
	assert.Zero(t, r.Apply(g, volume.NewGrid(4, 4, 4)))

	// The 3D form sees the z differences: 3 steps of size 1 per column,
	// counted in both the (y,z) and (x,z) slicings.
	r3 := Regularizer{GammaTV3D: 1}
	assert.InDelta(t, 2*3*16, r3.Apply(g, volume.NewGrid(4, 4, 4)), 1e-12)
}

// slicingTV3D is an independent reference for the 3D total variation: the
// sum of anisotropic 2D total variations over the three axis-aligned
// slicing directions of the volume.
func slicingTV3D(g *volume.Grid) float64 {
	tv2 := func(at func(a, b int) float64, na, nb int) float64 {
		v := 0.0
		for a := 0; a < na; a++ {
			for b := 0; b < nb; b++ {
				if a+1 < na {
					v += math.Abs(at(a+1, b) - at(a, b))
				}
				if b+1 < nb {
					v += math.Abs(at(a, b+1) - at(a, b))
				}
			}
		}
		return v
	}
	total := 0.0
	for z := 0; z < g.NZ; z++ {
		total += tv2(func(y, x int) float64 { return g.Delta[g.Idx(y, x, z)] }, g.NY, g.NX)
	}
	for x := 0; x < g.NX; x++ {
		total += tv2(func(y, z int) float64 { return g.Delta[g.Idx(y, x, z)] }, g.NY, g.NZ)
	}
	for y := 0; y < g.NY; y++ {
		total += tv2(func(x, z int) float64 { return g.Delta[g.Idx(y, x, z)] }, g.NX, g.NZ)
	}
	return total
}

func TestTV3DMatchesSlicingDefinition(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	g := volume.NewGrid(4, 4, 4)
	for i := range g.Delta {
		g.Delta[i] = rng.Float64()
	}
	grad := volume.NewGrid(4, 4, 4)

	full := Regularizer{GammaTV3D: 1}.Apply(g, grad)
	assert.InDelta(t, slicingTV3D(g), full, 1e-10)
}

func TestRegularizerGradientMatchesFiniteDifference(t *testing.T) {
	// Perturb a smooth (kink-free) field voxel by voxel and compare the
	// analytic subgradient to central differences.
	g := smoothGrid(3, 4, 3)
	r := Regularizer{AlphaDelta: 0.3, AlphaBeta: 0.2, GammaTV2D: 0.7, GammaTV3D: 0.4}

	grad := volume.NewGrid(3, 4, 3)
	r.Apply(g, grad)

	h := 1e-6
	rng := rand.New(rand.NewSource(9))
	for trial := 0; trial < 20; trial++ {
		i := rng.Intn(len(g.Delta))
		orig := g.Delta[i]
		g.Delta[i] = orig + h
		up := r.Apply(g, volume.NewGrid(3, 4, 3))
		g.Delta[i] = orig - h
		down := r.Apply(g, volume.NewGrid(3, 4, 3))
		g.Delta[i] = orig
		assert.InDeltaf(t, (up-down)/(2*h), grad.Delta[i], 1e-5, "voxel %d", i)
	}
}

func TestApplyProbe(t *testing.T) {
	re := []float64{0, 1, 1, 0}
	gRe := make([]float64, 4)
	r := Regularizer{ProbeTV: 2}
	// 2x2 plane: row diffs |1-1|+|0-0|... layout is (y*nx+x): rows {0,1},{1,0}
	// y-diffs: |1-0| + |0-1| = 2; x-diffs: |1-0| + |0-1| = 2
	v := r.ApplyProbe(re, 2, 2, gRe)
	assert.InDelta(t, 8, v, 1e-12)

	assert.Zero(t, Regularizer{}.ApplyProbe(re, 2, 2, gRe))
}

func TestZeroRegularizerIsNoOp(t *testing.T) {
	g := smoothGrid(3, 3, 3)
	grad := volume.NewGrid(3, 3, 3)
	require.Zero(t, Regularizer{}.Apply(g, grad))
	for _, v := range grad.Delta {
		assert.Zero(t, v)
	}
}
