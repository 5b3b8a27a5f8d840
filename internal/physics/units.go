// Package physics holds the unit conversions shared by the optical model.
// All propagation math works in nanometers; configuration uses the beamline
// conventions (energy in eV, pixel size in cm).
package physics

import "math"

// CmToNm converts centimeters to nanometers.
const CmToNm = 1e7

// WavelengthNm returns the X-ray wavelength in nm for a beam energy in eV,
// using lambda = hc/E with hc = 1240 eV*nm.
func WavelengthNm(energyEV float64) float64 {
	return 1240.0 / energyEV
}

// Voxel is the physical voxel pitch along (y, x, z) in nm.
type Voxel [3]float64

// IsotropicVoxel builds a cubic voxel from a single pitch in cm, scaled by
// the downsampling factor of the current resolution level.
func IsotropicVoxel(psizeCM float64, ds int) Voxel {
	p := psizeCM * CmToNm * float64(ds)
	return Voxel{p, p, p}
}

// Mean returns the geometric mean pitch (py*px*pz)^(1/3).
func (v Voxel) Mean() float64 {
	return math.Cbrt(v[0] * v[1] * v[2])
}

// GridSizeNm returns the physical extent of a (ny, nx, nz) grid along each
// axis.
func (v Voxel) GridSizeNm(ny, nx, nz int) [3]float64 {
	return [3]float64{v[0] * float64(ny), v[1] * float64(nx), v[2] * float64(nz)}
}

// MeanGridSizeNm returns the cube root of the grid's physical volume, the
// characteristic length used by the critical-sampling criterion.
func (v Voxel) MeanGridSizeNm(ny, nx, nz int) float64 {
	s := v.GridSizeNm(ny, nx, nz)
	return math.Cbrt(s[0] * s[1] * s[2])
}
