package optics

import (
	"math/cmplx"

	"ptychotomo/pkg/field"
	"ptychotomo/pkg/volume"
)

// PoseGradient is the result of one adjoint pass: the loss gradient with
// respect to the sub-volume channels under the probe footprint, and with
// respect to the probe's real and imaginary planes.
type PoseGradient struct {
	Delta, Beta      []float64
	ProbeRe, ProbeIm []float64
}

// Backpropagate runs the adjoint of PropagateTrace. gExit is the Wirtinger
// gradient dL/d(conj(exit)) of the pose loss with respect to the exit
// wavefront. The adjoint of a frequency-domain convolution is a convolution
// with the conjugated kernel; the adjoint of the thin-slice transmission is
// a multiply by its conjugate plus the real-parameter projections
//
//	dL/d(delta_z) = 2k * Re(i * conj(g_u) * u) = -2k * Im(conj(g_u) * u)
//	dL/d(beta_z)  = -2k * Re(conj(g_u) * u)
//
// where u is the recorded modulated wavefront of slice z and g_u its
// incoming adjoint. The gradient surviving below slice 0 projects onto the
// probe planes as (2*Re(g), 2*Im(g)).
func (p *Propagator) Backpropagate(sub *volume.Grid, tr *Trace, gExit *field.Field) *PoseGradient {
	n := p.ny * p.nx * p.nz
	out := &PoseGradient{
		Delta:   make([]float64, n),
		Beta:    make([]float64, n),
		ProbeRe: make([]float64, p.ny*p.nx),
		ProbeIm: make([]float64, p.ny*p.nx),
	}

	g := gExit.Clone()
	if p.free != nil {
		p.convolveConj(g, p.free)
	}
	for z := p.nz - 1; z >= 0; z-- {
		p.convolveConj(g, p.slice)
		u := tr.Modulated[z]
		for y := 0; y < p.ny; y++ {
			for x := 0; x < p.nx; x++ {
				i := y*p.nx + x
				t := cmplx.Conj(g.Data[i]) * u.Data[i]
				vi := (y*p.nx+x)*p.nz + z
				out.Delta[vi] = -2 * p.k * imag(t)
				out.Beta[vi] = -2 * p.k * real(t)
				// chain through the transmission factor
				g.Data[i] *= cmplx.Conj(p.transmission(sub.Delta[vi], sub.Beta[vi]))
			}
		}
	}
	for i := range g.Data {
		out.ProbeRe[i] = 2 * real(g.Data[i])
		out.ProbeIm[i] = 2 * imag(g.Data[i])
	}
	return out
}

// convolveConj applies the adjoint propagation step IFFT(FFT(g) * conj(H)).
func (p *Propagator) convolveConj(g *field.Field, kern *Kernel) {
	p.fft.Forward(g)
	for i := range g.Data {
		g.Data[i] *= cmplx.Conj(kern.H[i])
	}
	p.fft.Inverse(g)
}
