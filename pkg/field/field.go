// Package field provides complex-valued 2D wavefields and the Fourier
// machinery used by the Fresnel optics: cached FFT plans, zero-frequency
// shifts, and the magnitude/phase conversions.
package field

import (
	"math"
	"math/cmplx"
)

// Field is a complex 2D wavefield in row-major order.
type Field struct {
	Ny, Nx int
	Data   []complex128
}

// New returns a zero-valued field of the given shape.
func New(ny, nx int) *Field {
	return &Field{Ny: ny, Nx: nx, Data: make([]complex128, ny*nx)}
}

// FromRealImag assembles a field from separate real and imaginary planes.
func FromRealImag(re, im []float64, ny, nx int) *Field {
	f := New(ny, nx)
	for i := range f.Data {
		f.Data[i] = complex(re[i], im[i])
	}
	return f
}

// Clone returns a deep copy of the field.
func (f *Field) Clone() *Field {
	g := &Field{Ny: f.Ny, Nx: f.Nx, Data: make([]complex128, len(f.Data))}
	copy(g.Data, f.Data)
	return g
}

// At returns the sample at row y, column x.
func (f *Field) At(y, x int) complex128 { return f.Data[y*f.Nx+x] }

// Set stores the sample at row y, column x.
func (f *Field) Set(y, x int, v complex128) { f.Data[y*f.Nx+x] = v }

// Abs returns the elementwise magnitude of the field.
func (f *Field) Abs() []float64 {
	out := make([]float64, len(f.Data))
	for i, v := range f.Data {
		out[i] = cmplx.Abs(v)
	}
	return out
}

// MulElem multiplies the field elementwise by g.
func (f *Field) MulElem(g *Field) {
	for i := range f.Data {
		f.Data[i] *= g.Data[i]
	}
}

// MulReal multiplies the field elementwise by a real-valued mask.
func (f *Field) MulReal(mask []float64) {
	for i := range f.Data {
		f.Data[i] *= complex(mask[i], 0)
	}
}

// RealImag splits the field into real and imaginary planes.
func (f *Field) RealImag() (re, im []float64) {
	re = make([]float64, len(f.Data))
	im = make([]float64, len(f.Data))
	for i, v := range f.Data {
		re[i] = real(v)
		im[i] = imag(v)
	}
	return re, im
}

// MagPhase splits the field into magnitude and phase planes.
func (f *Field) MagPhase() (mag, phase []float64) {
	mag = make([]float64, len(f.Data))
	phase = make([]float64, len(f.Data))
	for i, v := range f.Data {
		mag[i] = cmplx.Abs(v)
		phase[i] = cmplx.Phase(v)
	}
	return mag, phase
}

// MagPhaseToRealImag converts magnitude/phase planes to real/imaginary ones.
func MagPhaseToRealImag(mag, phase []float64) (re, im []float64) {
	re = make([]float64, len(mag))
	im = make([]float64, len(mag))
	for i := range mag {
		re[i] = mag[i] * math.Cos(phase[i])
		im[i] = mag[i] * math.Sin(phase[i])
	}
	return re, im
}

// CircularMask returns a hard circular aperture of the given radius ratio,
// where ratio 1.0 inscribes the smaller grid dimension.
func CircularMask(ny, nx int, ratio float64) []float64 {
	mask := make([]float64, ny*nx)
	cy := float64(ny-1) / 2
	cx := float64(nx-1) / 2
	r := ratio * float64(min(ny, nx)) / 2
	r2 := r * r
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			dy := float64(y) - cy
			dx := float64(x) - cx
			if dy*dy+dx*dx <= r2 {
				mask[y*nx+x] = 1
			}
		}
	}
	return mask
}

// FFTShift moves the zero-frequency sample to the grid center, in place.
func (f *Field) FFTShift() {
	shift2D(f, (f.Ny+1)/2, (f.Nx+1)/2)
}

// IFFTShift undoes FFTShift, in place. The two differ for odd-sized grids.
func (f *Field) IFFTShift() {
	shift2D(f, f.Ny-(f.Ny+1)/2, f.Nx-(f.Nx+1)/2)
}

// shift2D circularly shifts the field left by (sy, sx).
func shift2D(f *Field, sy, sx int) {
	out := make([]complex128, len(f.Data))
	for y := 0; y < f.Ny; y++ {
		ys := (y + sy) % f.Ny
		for x := 0; x < f.Nx; x++ {
			xs := (x + sx) % f.Nx
			out[y*f.Nx+x] = f.Data[ys*f.Nx+xs]
		}
	}
	copy(f.Data, out)
}
