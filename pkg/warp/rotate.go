// Package warp implements the geometric operations of the reconstruction:
// object rotation about the vertical axis, probe-footprint extraction with
// its adjoint scatter, and a generic trilinear resampling primitive.
package warp

import (
	"math"

	"ptychotomo/pkg/volume"
)

// Rotate returns the object rotated by theta radians about the vertical (y)
// axis. Each horizontal slab is resampled in the (x, z) plane with bilinear
// interpolation; out-of-bounds samples mirror at the boundary instead of
// zero-filling, so the rotated volume has no hard edges.
//
// Rotate always takes the unrotated, up-to-date object; rotating an already
// rotated buffer compounds interpolation error.
func Rotate(g *volume.Grid, theta float64) *volume.Grid {
	if theta == 0 {
		return g.Clone()
	}
	out := volume.NewGrid(g.NY, g.NX, g.NZ)
	cosT, sinT := math.Cos(theta), math.Sin(theta)
	cx := math.Floor(float64(g.NX) / 2)
	cz := math.Floor(float64(g.NZ) / 2)

	// The source coordinate and bilinear weights depend only on (x, z);
	// compute them once and reuse across every slab.
	type tap struct {
		x0, x1, z0, z1 int
		wx, wz         float64
	}
	taps := make([]tap, g.NX*g.NZ)
	for x := 0; x < g.NX; x++ {
		for z := 0; z < g.NZ; z++ {
			dx := float64(x) - cx
			dz := float64(z) - cz
			sx := cosT*dx - sinT*dz + cx
			sz := sinT*dx + cosT*dz + cz
			fx := math.Floor(sx)
			fz := math.Floor(sz)
			taps[x*g.NZ+z] = tap{
				x0: mirror(int(fx), g.NX),
				x1: mirror(int(fx)+1, g.NX),
				z0: mirror(int(fz), g.NZ),
				z1: mirror(int(fz)+1, g.NZ),
				wx: sx - fx,
				wz: sz - fz,
			}
		}
	}

	for y := 0; y < g.NY; y++ {
		base := y * g.NX
		for x := 0; x < g.NX; x++ {
			for z := 0; z < g.NZ; z++ {
				t := taps[x*g.NZ+z]
				i00 := (base+t.x0)*g.NZ + t.z0
				i01 := (base+t.x0)*g.NZ + t.z1
				i10 := (base+t.x1)*g.NZ + t.z0
				i11 := (base+t.x1)*g.NZ + t.z1
				di := (base+x)*g.NZ + z
				out.Delta[di] = bilerp(g.Delta[i00], g.Delta[i01], g.Delta[i10], g.Delta[i11], t.wx, t.wz)
				out.Beta[di] = bilerp(g.Beta[i00], g.Beta[i01], g.Beta[i10], g.Beta[i11], t.wx, t.wz)
			}
		}
	}
	return out
}

func bilerp(v00, v01, v10, v11, wx, wz float64) float64 {
	c0 := v00*(1-wz) + v01*wz
	c1 := v10*(1-wz) + v11*wz
	return c0*(1-wx) + c1*wx
}

// mirror folds an index into [0, n) by reflecting at the boundaries
// (symmetric padding: -1 maps to 0, n maps to n-1).
func mirror(i, n int) int {
	for i < 0 || i >= n {
		if i < 0 {
			i = -i - 1
		}
		if i >= n {
			i = 2*n - 1 - i
		}
	}
	return i
}

// Footprint slices the sub-volume of g under a probe footprint of shape
// (fy, fx), anchored at center minus half the footprint, keeping all slices
// of both channels. Positions must keep the footprint inside the volume;
// out-of-range centers are a caller bug and panic via bounds checks.
func Footprint(g *volume.Grid, cy, cx, fy, fx int) *volume.Grid {
	y0 := cy - fy/2
	x0 := cx - fx/2
	sub := volume.NewGrid(fy, fx, g.NZ)
	for y := 0; y < fy; y++ {
		for x := 0; x < fx; x++ {
			src := ((y0+y)*g.NX + x0 + x) * g.NZ
			dst := (y*fx + x) * g.NZ
			copy(sub.Delta[dst:dst+g.NZ], g.Delta[src:src+g.NZ])
			copy(sub.Beta[dst:dst+g.NZ], g.Beta[src:src+g.NZ])
		}
	}
	return sub
}

// ScatterAdd accumulates a footprint-shaped gradient back into the full
// grid at the same anchor Footprint used. Overlapping footprints sum.
func ScatterAdd(dst *volume.Grid, sub *volume.Grid, cy, cx int) {
	y0 := cy - sub.NY/2
	x0 := cx - sub.NX/2
	for y := 0; y < sub.NY; y++ {
		for x := 0; x < sub.NX; x++ {
			di := ((y0+y)*dst.NX + x0 + x) * dst.NZ
			si := (y*sub.NX + x) * sub.NZ
			for z := 0; z < sub.NZ; z++ {
				dst.Delta[di+z] += sub.Delta[si+z]
				dst.Beta[di+z] += sub.Beta[si+z]
			}
		}
	}
}
