// Package optics implements the Fresnel forward model: near-field
// propagation kernels in transfer-function and impulse-response form, the
// multislice propagator that pushes a probe wavefront through a discretized
// object, and the adjoint of that propagation used for gradient computation.
package optics

import (
	"math"
	"math/cmplx"

	"ptychotomo/internal/physics"
	"ptychotomo/pkg/field"
)

// Algorithm selects the form of the Fresnel kernel.
type Algorithm int

const (
	// TransferFunction builds the kernel directly in the frequency domain.
	// Valid when the sampling is fine relative to the propagation distance.
	TransferFunction Algorithm = iota

	// ImpulseResponse builds the kernel in the spatial domain and Fourier
	// transforms it. Valid at long distances where the transfer-function
	// form would alias.
	ImpulseResponse
)

func (a Algorithm) String() string {
	if a == TransferFunction {
		return "TF"
	}
	return "IR"
}

// Select applies the critical-sampling rule: use the transfer-function form
// when the mean voxel pitch exceeds lambda*d divided by the cube root of the
// grid's physical volume, otherwise the impulse-response form. The same rule
// governs every slice step and any final free-space propagation.
func Select(distNM, lambdaNM float64, voxel physics.Voxel, ny, nx, nz int) Algorithm {
	critSamp := lambdaNM * distNM / voxel.MeanGridSizeNm(ny, nx, nz)
	if voxel.Mean() > critSamp {
		return TransferFunction
	}
	return ImpulseResponse
}

// Kernel is a frequency-domain Fresnel propagation multiplier for one fixed
// distance. H is stored in standard (unshifted) frequency layout so that a
// propagation step is FFT, elementwise multiply, inverse FFT with no
// per-step shifting. Kernels are pure functions of their inputs: built once
// per resolution level and shared read-only.
type Kernel struct {
	Ny, Nx int
	DistNM float64
	Alg    Algorithm
	H      []complex128
}

// NewKernel selects the kernel algorithm for the given distance and builds
// the multiplier. The grid shape (ny, nx, nz) enters only through the
// critical-sampling criterion; the kernel itself is transverse.
func NewKernel(distNM, lambdaNM float64, voxel physics.Voxel, ny, nx, nz int) *Kernel {
	alg := Select(distNM, lambdaNM, voxel, ny, nx, nz)
	k := &Kernel{Ny: ny, Nx: nx, DistNM: distNM, Alg: alg}
	if alg == TransferFunction {
		k.H = transferFunction(distNM, lambdaNM, voxel, ny, nx)
	} else {
		k.H = impulseResponse(distNM, lambdaNM, voxel, ny, nx)
	}
	return k
}

// transferFunction evaluates H = exp(-i*pi*lambda*d*(u^2+v^2)) on a
// zero-centered frequency mesh bounded by the Nyquist limits 1/(2*pitch),
// then unshifts it into standard layout.
func transferFunction(distNM, lambdaNM float64, voxel physics.Voxel, ny, nx int) []complex128 {
	fy := linspace(-1/(2*voxel[0]), 1/(2*voxel[0]), ny)
	fx := linspace(-1/(2*voxel[1]), 1/(2*voxel[1]), nx)
	h := field.New(ny, nx)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			phase := -math.Pi * lambdaNM * distNM * (fx[x]*fx[x] + fy[y]*fy[y])
			h.Data[y*nx+x] = cmplx.Exp(complex(0, phase))
		}
	}
	h.IFFTShift()
	return h.Data
}

// impulseResponse evaluates the spatial-domain Fresnel kernel
// h = exp(ikd)/(i*lambda*d) * exp(ik(x^2+y^2)/(2d)) on a mesh centered at
// the grid's geometric center, pre-shifts it to zero-frequency-centered
// layout and Fourier transforms it, scaled by the pixel area.
func impulseResponse(distNM, lambdaNM float64, voxel physics.Voxel, ny, nx int) []complex128 {
	k := 2 * math.Pi / lambdaNM
	dy, dx := voxel[0], voxel[1]
	ymin := -dy * float64(ny) / 2
	xmin := -dx * float64(nx) / 2

	amp := cmplx.Exp(complex(0, k*distNM)) / complex(0, lambdaNM*distNM)
	h := field.New(ny, nx)
	for iy := 0; iy < ny; iy++ {
		y := ymin + dy*float64(iy)
		for ix := 0; ix < nx; ix++ {
			x := xmin + dx*float64(ix)
			h.Data[iy*nx+ix] = amp * cmplx.Exp(complex(0, k*(x*x+y*y)/(2*distNM)))
		}
	}
	h.FFTShift()
	fft := field.NewFFT(ny, nx)
	fft.Forward(h)
	area := complex(dx*dy, 0)
	for i := range h.Data {
		h.Data[i] *= area
	}
	return h.Data
}

func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + step*float64(i)
	}
	return out
}
