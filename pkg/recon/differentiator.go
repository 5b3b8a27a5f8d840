package recon

import (
	"math/cmplx"

	"ptychotomo/pkg/field"
	"ptychotomo/pkg/optics"
	"ptychotomo/pkg/volume"
)

// Differentiator computes the per-pose loss and its gradient. The forward
// model is fixed; how gradients come out of it is pluggable. Adjoint is
// the production implementation; FiniteDiff exists to cross-check it.
type Differentiator interface {
	// PoseGrad evaluates one (angle, position) pose: propagate sub under
	// probe, compare the detector amplitude against measured, and return
	// the pose loss term with its gradient.
	PoseGrad(prop *optics.Propagator, sub *volume.Grid, probe *field.Field, measured, mask []float64) (float64, *optics.PoseGradient)
}

// detector turns an exit wavefront into the zero-frequency-centered
// detector field, optionally through a circular aperture mask.
func detector(fft *field.FFT, exit *field.Field, mask []float64) *field.Field {
	d := exit.Clone()
	if mask != nil {
		d.MulReal(mask)
	}
	fft.Forward(d)
	d.FFTShift()
	return d
}

// poseLoss is the forward-only pose term: the mean squared difference of
// detector amplitude against the measured amplitude.
func poseLoss(fft *field.FFT, prop *optics.Propagator, sub *volume.Grid, probe *field.Field, measured, mask []float64) float64 {
	d := detector(fft, prop.Propagate(sub, probe), mask)
	sum := 0.0
	for i, v := range d.Data {
		r := cmplx.Abs(v) - measured[i]
		sum += r * r
	}
	return sum / float64(len(d.Data))
}

// Adjoint differentiates the pose loss by a hand-derived adjoint pass:
// the Wirtinger gradient at the detector is chained backwards through the
// Fourier transform, the aperture mask, and every slice of the multislice
// stack. One instance per worker; the FFT plan is not goroutine-safe.
type Adjoint struct {
	fft *field.FFT
}

// NewAdjoint builds the adjoint differentiator for a probe footprint.
func NewAdjoint(ny, nx int) *Adjoint {
	return &Adjoint{fft: field.NewFFT(ny, nx)}
}

func (a *Adjoint) PoseGrad(prop *optics.Propagator, sub *volume.Grid, probe *field.Field, measured, mask []float64) (float64, *optics.PoseGradient) {
	tr := prop.PropagateTrace(sub, probe)
	det := detector(a.fft, tr.Exit, mask)

	// Detector residual and its Wirtinger gradient dL/d(conj y):
	// (1/N) * (|y| - m) * y / |y|, zero where |y| vanishes.
	n := float64(len(det.Data))
	loss := 0.0
	g := field.New(det.Ny, det.Nx)
	for i, y := range det.Data {
		ay := cmplx.Abs(y)
		r := ay - measured[i]
		loss += r * r
		if ay > 0 {
			g.Data[i] = complex(r/(n*ay), 0) * y
		}
	}
	loss /= n

	// Chain through fftshift and the unnormalized forward transform. The
	// transform's adjoint is N times the normalized inverse.
	g.IFFTShift()
	a.fft.Inverse(g)
	for i := range g.Data {
		g.Data[i] *= complex(n, 0)
	}
	if mask != nil {
		g.MulReal(mask)
	}
	return loss, prop.Backpropagate(sub, tr, g)
}

// FiniteDiff differentiates the pose loss by central differences over
// every object voxel and probe parameter. It is far too slow for
// reconstruction and exists to validate Adjoint on small grids.
type FiniteDiff struct {
	fft  *field.FFT
	step float64
}

// NewFiniteDiff builds the finite-difference differentiator with the
// given perturbation step.
func NewFiniteDiff(ny, nx int, step float64) *FiniteDiff {
	return &FiniteDiff{fft: field.NewFFT(ny, nx), step: step}
}

func (f *FiniteDiff) PoseGrad(prop *optics.Propagator, sub *volume.Grid, probe *field.Field, measured, mask []float64) (float64, *optics.PoseGradient) {
	loss := poseLoss(f.fft, prop, sub, probe, measured, mask)
	out := &optics.PoseGradient{
		Delta:   make([]float64, len(sub.Delta)),
		Beta:    make([]float64, len(sub.Beta)),
		ProbeRe: make([]float64, len(probe.Data)),
		ProbeIm: make([]float64, len(probe.Data)),
	}
	central := func(v *float64) float64 {
		orig := *v
		*v = orig + f.step
		up := poseLoss(f.fft, prop, sub, probe, measured, mask)
		*v = orig - f.step
		down := poseLoss(f.fft, prop, sub, probe, measured, mask)
		*v = orig
		return (up - down) / (2 * f.step)
	}
	for i := range sub.Delta {
		out.Delta[i] = central(&sub.Delta[i])
	}
	for i := range sub.Beta {
		out.Beta[i] = central(&sub.Beta[i])
	}
	for i := range probe.Data {
		v := probe.Data[i]
		probe.Data[i] = v + complex(f.step, 0)
		up := poseLoss(f.fft, prop, sub, probe, measured, mask)
		probe.Data[i] = v - complex(f.step, 0)
		down := poseLoss(f.fft, prop, sub, probe, measured, mask)
		out.ProbeRe[i] = (up - down) / (2 * f.step)
		probe.Data[i] = v + complex(0, f.step)
		up = poseLoss(f.fft, prop, sub, probe, measured, mask)
		probe.Data[i] = v - complex(0, f.step)
		down = poseLoss(f.fft, prop, sub, probe, measured, mask)
		out.ProbeIm[i] = (up - down) / (2 * f.step)
		probe.Data[i] = v
	}
	return loss, out
}
