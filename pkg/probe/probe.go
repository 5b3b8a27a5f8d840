// Package probe models the illuminating wavefront. Three variants share one
// representation: an analytic Gaussian profile (fixed), a measured profile
// (fixed), and a learnable complex field updated by the optimizer and
// optionally confined by a static pupil mask.
package probe

import (
	"fmt"
	"math"

	"ptychotomo/internal/physics"
	"ptychotomo/pkg/dataset"
	"ptychotomo/pkg/field"
	"ptychotomo/pkg/optics"
)

// Type names a probe variant in the configuration surface.
type Type string

const (
	// Gaussian is a fixed closed-form magnitude/phase Gaussian profile.
	Gaussian Type = "gaussian"
	// Fixed is a measured magnitude/phase profile loaded once.
	Fixed Type = "fixed"
	// Optimizable is a learnable complex field, seeded from an initial
	// guess or a back-propagation estimate, updated every optimizer step.
	Optimizable Type = "optimizable"
)

// ParseType validates a configured probe type. Unknown types are a fatal
// configuration error, caught before any propagation work begins.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case Gaussian, Fixed, Optimizable:
		return Type(s), nil
	default:
		return "", fmt.Errorf("invalid probe type %q: choose from %q, %q, %q", s, Gaussian, Fixed, Optimizable)
	}
}

// Probe is the illumination wavefront as separate real/imaginary planes.
type Probe struct {
	Ny, Nx     int
	Real, Imag []float64

	learnable bool
	pupil     []float64
}

// NewGaussian builds the analytic probe: a Gaussian magnitude of width
// magSigma and a Gaussian phase bump of width phaseSigma peaking at
// phaseMax, both centered on the footprint.
func NewGaussian(ny, nx int, magSigma, phaseSigma, phaseMax float64) *Probe {
	mag := make([]float64, ny*nx)
	phase := make([]float64, ny*nx)
	for y := 0; y < ny; y++ {
		py := float64(y) - (float64(ny)-1)/2
		for x := 0; x < nx; x++ {
			px := float64(x) - (float64(nx)-1)/2
			r2 := px*px + py*py
			mag[y*nx+x] = math.Exp(-r2 / (2 * magSigma * magSigma))
			phase[y*nx+x] = phaseMax * math.Exp(-r2/(2*phaseSigma*phaseSigma))
		}
	}
	re, im := field.MagPhaseToRealImag(mag, phase)
	return &Probe{Ny: ny, Nx: nx, Real: re, Imag: im}
}

// NewFixed wraps measured magnitude/phase planes as an immutable probe.
func NewFixed(mag, phase []float64, ny, nx int) *Probe {
	re, im := field.MagPhaseToRealImag(mag, phase)
	return &Probe{Ny: ny, Nx: nx, Real: re, Imag: im}
}

// NewOptimizable wraps an initial guess as a learnable probe.
func NewOptimizable(re, im []float64, ny, nx int) *Probe {
	r := make([]float64, len(re))
	i := make([]float64, len(im))
	copy(r, re)
	copy(i, im)
	return &Probe{Ny: ny, Nx: nx, Real: r, Imag: i, learnable: true}
}

// NewBackPropagated derives a learnable probe by propagating the mean
// measured amplitude backwards over distNM (the free-space distance plus
// the object depth), a deconvolution-style estimate of the illumination at
// the object entrance plane.
func NewBackPropagated(set *dataset.Set, distNM, lambdaNM float64, voxel physics.Voxel) *Probe {
	ny, nx := set.NY, set.NX
	w := field.New(ny, nx)
	for i, a := range set.MeanAmplitude() {
		w.Data[i] = complex(a, 0)
	}
	kern := optics.NewKernel(-distNM, lambdaNM, voxel, ny, nx, 1)
	fft := field.NewFFT(ny, nx)
	fft.Forward(w)
	for i := range w.Data {
		w.Data[i] *= kern.H[i]
	}
	fft.Inverse(w)
	re, im := w.RealImag()
	return &Probe{Ny: ny, Nx: nx, Real: re, Imag: im, learnable: true}
}

// Learnable reports whether the optimizer may update the probe.
func (p *Probe) Learnable() bool { return p.learnable }

// Field assembles the complex wavefront for the current step.
func (p *Probe) Field() *field.Field {
	return field.FromRealImag(p.Real, p.Imag, p.Ny, p.Nx)
}

// MagPhase returns the probe's magnitude and phase planes.
func (p *Probe) MagPhase() (mag, phase []float64) {
	return p.Field().MagPhase()
}

// SetPupil installs a static pupil transmission mask and applies it
// immediately. The driver re-applies it after every probe update so the
// probe amplitude never leaks outside the pupil support.
func (p *Probe) SetPupil(mask []float64) {
	p.pupil = mask
	p.ApplyPupil()
}

// ApplyPupil re-masks the probe planes; a no-op without a pupil.
func (p *Probe) ApplyPupil() {
	if p.pupil == nil {
		return
	}
	for i, m := range p.pupil {
		p.Real[i] *= m
		p.Imag[i] *= m
	}
}

// Clone returns an independent copy of the probe.
func (p *Probe) Clone() *Probe {
	out := &Probe{Ny: p.Ny, Nx: p.Nx, learnable: p.learnable, pupil: p.pupil}
	out.Real = append([]float64(nil), p.Real...)
	out.Imag = append([]float64(nil), p.Imag...)
	return out
}
