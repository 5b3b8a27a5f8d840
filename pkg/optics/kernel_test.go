package optics

import (
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ptychotomo/internal/physics"
)

func TestSelectSwitchesAtCriticalDistance(t *testing.T) {
	lambda := physics.WavelengthNm(5000)
	voxel := physics.IsotropicVoxel(1e-7, 1)
	ny, nx, nz := 64, 64, 64

	// The rule picks TF while mean pitch > lambda*d/size, so the switch
	// sits exactly at d* = mean*size/lambda.
	crit := voxel.Mean() * voxel.MeanGridSizeNm(ny, nx, nz) / lambda

	assert.Equal(t, TransferFunction, Select(0.99*crit, lambda, voxel, ny, nx, nz))
	assert.Equal(t, ImpulseResponse, Select(1.01*crit, lambda, voxel, ny, nx, nz))
	assert.Equal(t, ImpulseResponse, Select(crit, lambda, voxel, ny, nx, nz))
}

func TestSelectNegativeDistanceIsTransferFunction(t *testing.T) {
	lambda := physics.WavelengthNm(5000)
	voxel := physics.IsotropicVoxel(1e-7, 1)
	assert.Equal(t, TransferFunction, Select(-1e6, lambda, voxel, 64, 64, 64))
}

func TestTransferFunctionKernelProperties(t *testing.T) {
	lambda := physics.WavelengthNm(5000)
	voxel := physics.IsotropicVoxel(1e-7, 1)
	k := NewKernel(voxel[2], lambda, voxel, 32, 32, 32)
	require.Equal(t, TransferFunction, k.Alg)
	require.Len(t, k.H, 32*32)

	// Pure phase everywhere.
	for _, h := range k.H {
		assert.InDelta(t, 1.0, cmplx.Abs(h), 1e-12)
	}
	// The lowest frequency sits at index 0 after the unshift. The even-n
	// centered mesh misses zero by half a bin, so the phase there is tiny
	// but not exactly zero.
	assert.InDelta(t, 1.0, real(k.H[0]), 1e-3)
	assert.InDelta(t, 0.0, imag(k.H[0]), 1e-3)
}

func TestOppositeDistancesConjugate(t *testing.T) {
	lambda := physics.WavelengthNm(5000)
	voxel := physics.IsotropicVoxel(1e-7, 1)
	fwd := NewKernel(voxel[2], lambda, voxel, 16, 16, 16)
	back := NewKernel(-voxel[2], lambda, voxel, 16, 16, 16)
	require.Equal(t, fwd.Alg, back.Alg)
	for i := range fwd.H {
		assert.InDelta(t, real(fwd.H[i]), real(cmplx.Conj(back.H[i])), 1e-12)
		assert.InDelta(t, imag(fwd.H[i]), imag(cmplx.Conj(back.H[i])), 1e-12)
	}
}
