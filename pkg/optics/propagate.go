package optics

import (
	"math"
	"math/cmplx"

	"ptychotomo/internal/physics"
	"ptychotomo/pkg/field"
	"ptychotomo/pkg/volume"
)

// Propagator runs multislice propagation of a probe wavefront through a
// (delta, beta) sub-volume. It owns the cached FFT plan and the per-slice
// kernel for one resolution level; slice thickness and grid shape are fixed
// for the level, so the kernel algorithm choice is made once. This is the
// hot loop of the whole reconstruction and runs once per probe pose per
// angle per optimizer step.
//
// A Propagator carries FFT scratch state and is not safe for concurrent
// use; each worker builds its own.
type Propagator struct {
	ny, nx, nz int
	k          float64 // 2*pi*dz/lambda, shared by modulation of every slice
	fft        *field.FFT
	slice      *Kernel
	free       *Kernel // optional final free-space kernel, nil when absent
}

// NewPropagator builds a propagator for probe footprints of shape (ny, nx)
// over nz slices. freePropNM > 0 adds a free-space propagation over that
// distance after the last slice, with its own kernel selection since the
// critical-sampling comparison depends on distance.
func NewPropagator(lambdaNM float64, voxel physics.Voxel, ny, nx, nz int, freePropNM float64) *Propagator {
	dz := voxel[2]
	p := &Propagator{
		ny:    ny,
		nx:    nx,
		nz:    nz,
		k:     2 * math.Pi * dz / lambdaNM,
		fft:   field.NewFFT(ny, nx),
		slice: NewKernel(dz, lambdaNM, voxel, ny, nx, nz),
	}
	if freePropNM != 0 {
		p.free = NewKernel(freePropNM, lambdaNM, voxel, ny, nx, nz)
	}
	return p
}

// SliceKernel exposes the per-slice kernel for inspection.
func (p *Propagator) SliceKernel() *Kernel { return p.slice }

// transmission returns the thin-slice transmission factor
// exp(i*k*delta)*exp(-k*beta): a pure phase rotation from delta and a pure
// attenuation from beta.
func (p *Propagator) transmission(delta, beta float64) complex128 {
	return cmplx.Exp(complex(0, p.k*delta)) * complex(math.Exp(-p.k*beta), 0)
}

// convolve applies one frequency-domain kernel multiplication to w.
func (p *Propagator) convolve(w *field.Field, kern *Kernel) {
	p.fft.Forward(w)
	for i := range w.Data {
		w.Data[i] *= kern.H[i]
	}
	p.fft.Inverse(w)
}

// Propagate pushes the probe through the sub-volume slice by slice and
// returns the exit wavefront. Only the final wavefront is observable; the
// sub-volume and probe are untouched.
func (p *Propagator) Propagate(sub *volume.Grid, probe *field.Field) *field.Field {
	w := probe.Clone()
	for z := 0; z < p.nz; z++ {
		p.modulate(w, sub, z)
		p.convolve(w, p.slice)
	}
	if p.free != nil {
		p.convolve(w, p.free)
	}
	return w
}

func (p *Propagator) modulate(w *field.Field, sub *volume.Grid, z int) {
	for y := 0; y < p.ny; y++ {
		for x := 0; x < p.nx; x++ {
			i := (y*p.nx + x) * p.nz
			w.Data[y*p.nx+x] *= p.transmission(sub.Delta[i+z], sub.Beta[i+z])
		}
	}
}

// Trace records the modulated wavefront entering each slice propagation,
// which is exactly the state the adjoint pass needs.
type Trace struct {
	// Modulated[z] is the wavefront after the slice-z transmission factor
	// and before the slice-z diffraction step.
	Modulated []*field.Field
	Exit      *field.Field
}

// PropagateTrace is Propagate plus per-slice state capture for a following
// Backpropagate call.
func (p *Propagator) PropagateTrace(sub *volume.Grid, probe *field.Field) *Trace {
	tr := &Trace{Modulated: make([]*field.Field, p.nz)}
	w := probe.Clone()
	for z := 0; z < p.nz; z++ {
		p.modulate(w, sub, z)
		tr.Modulated[z] = w.Clone()
		p.convolve(w, p.slice)
	}
	if p.free != nil {
		p.convolve(w, p.free)
	}
	tr.Exit = w
	return tr
}
