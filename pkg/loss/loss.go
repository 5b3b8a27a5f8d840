// Package loss implements the regularization penalties added to the
// data-fit term. Every penalty has a closed-form subgradient so the
// reconstruction driver can accumulate regularizer gradients without
// numeric differentiation.
package loss

import "ptychotomo/pkg/volume"

// Regularizer bundles the penalty weights. A zero weight disables its
// term entirely, so the zero value is a no-op regularizer.
//
// Two configurations are in common use: the default couples an L1
// penalty on both object channels with a 2D total variation on delta,
// while the split form weights the channels separately and swaps the 2D
// TV for either an L2 norm or a full 3D TV on delta.
type Regularizer struct {
	AlphaDelta float64 // L1 weight on the phase channel
	AlphaBeta  float64 // L1 weight on the absorption channel
	GammaL2    float64 // L2 weight on the phase channel
	GammaTV2D  float64 // 2D (y,x) total variation weight on the phase channel
	GammaTV3D  float64 // 3D (three-slicing) total variation weight on the phase channel
	ProbeTV    float64 // 2D total variation weight on the probe real plane
}

// Apply evaluates every enabled volume penalty on g and accumulates the
// corresponding subgradients into grad. The returned value is the total
// weighted penalty.
func (r Regularizer) Apply(g, grad *volume.Grid) float64 {
	total := 0.0
	if r.AlphaDelta != 0 {
		total += r.AlphaDelta * l1(g.Delta, grad.Delta, r.AlphaDelta)
	}
	if r.AlphaBeta != 0 {
		total += r.AlphaBeta * l1(g.Beta, grad.Beta, r.AlphaBeta)
	}
	if r.GammaL2 != 0 {
		total += r.GammaL2 * l2(g.Delta, grad.Delta, r.GammaL2)
	}
	if r.GammaTV2D != 0 {
		v := axisTV(g.Delta, g.NY, g.NX, g.NZ, 0, grad.Delta, r.GammaTV2D)
		v += axisTV(g.Delta, g.NY, g.NX, g.NZ, 1, grad.Delta, r.GammaTV2D)
		total += r.GammaTV2D * v
	}
	if r.GammaTV3D != 0 {
		// Sum of 2D total variations over the three slicing directions.
		// Each axis is in-plane for two of the slicings, so every axis
		// difference is counted twice.
		v := 0.0
		for axis := 0; axis < 3; axis++ {
			v += axisTV(g.Delta, g.NY, g.NX, g.NZ, axis, grad.Delta, 2*r.GammaTV3D)
		}
		total += 2 * r.GammaTV3D * v
	}
	return total
}

// ApplyProbe evaluates the probe smoothness penalty on the real plane and
// accumulates its subgradient into gRe. Zero weight returns zero untouched.
func (r Regularizer) ApplyProbe(re []float64, ny, nx int, gRe []float64) float64 {
	if r.ProbeTV == 0 {
		return 0
	}
	v := axisTV(re, ny, nx, 1, 0, gRe, r.ProbeTV)
	v += axisTV(re, ny, nx, 1, 1, gRe, r.ProbeTV)
	return r.ProbeTV * v
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// l1 returns sum |x| and accumulates w*sign(x) into grad.
func l1(data, grad []float64, w float64) float64 {
	v := 0.0
	for i, x := range data {
		if x < 0 {
			v -= x
		} else {
			v += x
		}
		grad[i] += w * sign(x)
	}
	return v
}

// l2 returns sum x^2 and accumulates 2*w*x into grad.
func l2(data, grad []float64, w float64) float64 {
	v := 0.0
	for i, x := range data {
		v += x * x
		grad[i] += 2 * w * x
	}
	return v
}

// axisTV sums |forward difference| along one axis of a (ny,nx,nz) array
// stored z-fastest, accumulating the weighted subgradient into grad. The
// axes are handled independently rather than folded into an isotropic
// norm, which keeps each term separable and its subgradient trivial.
func axisTV(data []float64, ny, nx, nz, axis int, grad []float64, w float64) float64 {
	var stride, count int
	switch axis {
	case 0:
		stride, count = nx*nz, ny
	case 1:
		stride, count = nz, nx
	default:
		stride, count = 1, nz
	}
	v := 0.0
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			for z := 0; z < nz; z++ {
				var pos int
				switch axis {
				case 0:
					pos = y
				case 1:
					pos = x
				default:
					pos = z
				}
				if pos+1 >= count {
					continue
				}
				i := (y*nx+x)*nz + z
				j := i + stride
				d := data[j] - data[i]
				if d < 0 {
					v -= d
				} else {
					v += d
				}
				s := w * sign(d)
				grad[j] += s
				grad[i] -= s
			}
		}
	}
	return v
}
