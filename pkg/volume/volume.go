// Package volume implements the 4D object grid holding the delta and beta
// channels of the complex refractive index, together with the lifecycle
// operations the reconstruction driver needs: random initialization,
// non-negativity clamping, noise injection and 2x upsampling between
// resolution levels.
package volume

import (
	"math/rand"
)

// Grid is a (y, x, z, channel) refractive-index volume. The y axis is
// vertical (the tomographic rotation axis), x is transverse and z is the
// beam/propagation axis. Samples are stored with z fastest, so one (x, z)
// slab per y is contiguous and a footprint column keeps all its slices in
// one run.
type Grid struct {
	NY, NX, NZ int
	Delta      []float64
	Beta       []float64
}

// NewGrid returns a zero-valued grid of the given shape.
func NewGrid(ny, nx, nz int) *Grid {
	n := ny * nx * nz
	return &Grid{NY: ny, NX: nx, NZ: nz, Delta: make([]float64, n), Beta: make([]float64, n)}
}

// Idx returns the linear index of voxel (y, x, z).
func (g *Grid) Idx(y, x, z int) int { return (y*g.NX+x)*g.NZ + z }

// Clone returns a deep copy of the grid.
func (g *Grid) Clone() *Grid {
	out := NewGrid(g.NY, g.NX, g.NZ)
	copy(out.Delta, g.Delta)
	copy(out.Beta, g.Beta)
	return out
}

// ClampNonNegative zeroes every negative voxel in both channels. The driver
// applies it after every optimizer step; it is the invariant that keeps the
// refractive-index decrement and absorption physical.
func (g *Grid) ClampNonNegative() {
	for i := range g.Delta {
		if g.Delta[i] < 0 {
			g.Delta[i] = 0
		}
		if g.Beta[i] < 0 {
			g.Beta[i] = 0
		}
	}
}

// Means returns the mean voxel value of the delta and beta channels.
func (g *Grid) Means() (meanDelta, meanBeta float64) {
	for i := range g.Delta {
		meanDelta += g.Delta[i]
		meanBeta += g.Beta[i]
	}
	n := float64(len(g.Delta))
	return meanDelta / n, meanBeta / n
}

// NewRandomGrid draws every voxel from a Gaussian with the given per-channel
// location and scale, then clamps negatives. The coarsest multiscale level
// seeds its initial guess this way, with location and scale taken from the
// phantom statistics.
func NewRandomGrid(rng *rand.Rand, ny, nx, nz int, locDelta, scaleDelta, locBeta, scaleBeta float64) *Grid {
	g := NewGrid(ny, nx, nz)
	for i := range g.Delta {
		g.Delta[i] = rng.NormFloat64()*scaleDelta + locDelta
		g.Beta[i] = rng.NormFloat64()*scaleBeta + locBeta
	}
	g.ClampNonNegative()
	return g
}

// AddNoise injects zero-mean-free Gaussian noise into both channels without
// clamping; callers clamp once all seeding steps are done.
func (g *Grid) AddNoise(rng *rand.Rand, locDelta, scaleDelta, locBeta, scaleBeta float64) {
	for i := range g.Delta {
		g.Delta[i] += rng.NormFloat64()*scaleDelta + locDelta
		g.Beta[i] += rng.NormFloat64()*scaleBeta + locBeta
	}
}

// Upsample2x doubles the grid along every axis using trilinear
// interpolation. Output voxel (y, x, z) samples the input at half
// coordinates, clamped to the input extent at the far faces. This seeds the
// next finer resolution level from a finished coarse one.
func (g *Grid) Upsample2x() *Grid {
	out := NewGrid(g.NY*2, g.NX*2, g.NZ*2)
	upsampleChannel(g.Delta, out.Delta, g.NY, g.NX, g.NZ)
	upsampleChannel(g.Beta, out.Beta, g.NY, g.NX, g.NZ)
	return out
}

func upsampleChannel(src, dst []float64, ny, nx, nz int) {
	sample := func(y, x, z int) float64 {
		if y > ny-1 {
			y = ny - 1
		}
		if x > nx-1 {
			x = nx - 1
		}
		if z > nz-1 {
			z = nz - 1
		}
		return src[(y*nx+x)*nz+z]
	}
	for y := 0; y < 2*ny; y++ {
		fy := float64(y) / 2
		y0 := y / 2
		wy := fy - float64(y0)
		for x := 0; x < 2*nx; x++ {
			fx := float64(x) / 2
			x0 := x / 2
			wx := fx - float64(x0)
			for z := 0; z < 2*nz; z++ {
				fz := float64(z) / 2
				z0 := z / 2
				wz := fz - float64(z0)

				c00 := sample(y0, x0, z0)*(1-wz) + sample(y0, x0, z0+1)*wz
				c01 := sample(y0, x0+1, z0)*(1-wz) + sample(y0, x0+1, z0+1)*wz
				c10 := sample(y0+1, x0, z0)*(1-wz) + sample(y0+1, x0, z0+1)*wz
				c11 := sample(y0+1, x0+1, z0)*(1-wz) + sample(y0+1, x0+1, z0+1)*wz
				c0 := c00*(1-wx) + c01*wx
				c1 := c10*(1-wx) + c11*wx
				dst[((y*2*nx)+x)*2*nz+z] = c0*(1-wy) + c1*wy
			}
		}
	}
}
