package warp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Trilinear resamples a 3D scalar field at arbitrary fractional (y, x, z)
// coordinates. For each query point it gathers the eight lattice neighbors,
// fits the eight-parameter trilinear basis {1, y, x, z, yx, yz, xz, yxz}
// through them by solving the 8x8 system, and evaluates the fit at the
// query point. The field is symmetrically padded by one voxel first, so
// coordinates within one voxel of the boundary stay valid.
//
// The primitive is self-contained (no differentiation machinery) and is
// usable on any scalar field, not just reconstruction volumes.
func Trilinear(data []float64, ny, nx, nz int, pts [][3]float64) ([]float64, error) {
	if len(data) != ny*nx*nz {
		return nil, fmt.Errorf("trilinear: field length %d does not match shape %dx%dx%d", len(data), ny, nx, nz)
	}
	pad, _, px, pz := padSymmetric(data, ny, nx, nz)

	at := func(y, x, z int) float64 { return pad[(y*px+x)*pz+z] }

	out := make([]float64, len(pts))
	h := mat.NewDense(8, 8, nil)
	c := mat.NewVecDense(8, nil)
	var a mat.VecDense
	for n, p := range pts {
		// shift into padded coordinates
		y := p[0] + 1
		x := p[1] + 1
		z := p[2] + 1
		y0, x0, z0 := int(math.Floor(y)), int(math.Floor(x)), int(math.Floor(z))
		y1, x1, z1 := y0+1, x0+1, z0+1

		corners := [8][3]int{
			{y0, x0, z0}, {y1, x0, z0}, {y0, x1, z0}, {y1, x1, z0},
			{y0, x0, z1}, {y1, x0, z1}, {y0, x1, z1}, {y1, x1, z1},
		}
		for r, cr := range corners {
			fy, fx, fz := float64(cr[0]), float64(cr[1]), float64(cr[2])
			h.SetRow(r, []float64{1, fy, fx, fz, fy * fx, fy * fz, fx * fz, fy * fx * fz})
			c.SetVec(r, at(cr[0], cr[1], cr[2]))
		}
		if err := a.SolveVec(h, c); err != nil {
			return nil, fmt.Errorf("trilinear: singular neighbor system at point %d: %w", n, err)
		}
		out[n] = a.AtVec(0) + a.AtVec(1)*y + a.AtVec(2)*x + a.AtVec(3)*z +
			a.AtVec(4)*y*x + a.AtVec(5)*y*z + a.AtVec(6)*x*z + a.AtVec(7)*y*x*z
	}
	return out, nil
}

// padSymmetric grows the field by one voxel on every face, mirroring the
// boundary samples.
func padSymmetric(data []float64, ny, nx, nz int) (pad []float64, py, px, pz int) {
	py, px, pz = ny+2, nx+2, nz+2
	pad = make([]float64, py*px*pz)
	for y := 0; y < py; y++ {
		sy := mirror(y-1, ny)
		for x := 0; x < px; x++ {
			sx := mirror(x-1, nx)
			for z := 0; z < pz; z++ {
				sz := mirror(z-1, nz)
				pad[(y*px+x)*pz+z] = data[(sy*nx+sx)*nz+sz]
			}
		}
	}
	return pad, py, px, pz
}
