package field

import "gonum.org/v1/gonum/dsp/fourier"

// FFT is a cached 2D Fourier transform plan for a fixed grid shape. The
// per-slice propagation loop reuses one plan for a whole resolution level
// instead of rebuilding twiddle factors on every step.
//
// A plan carries scratch buffers and must not be shared across goroutines;
// each worker owns its own.
type FFT struct {
	ny, nx int
	row    *fourier.CmplxFFT
	col    *fourier.CmplxFFT
	rowBuf []complex128
	colBuf []complex128
}

// NewFFT builds a plan for ny-by-nx fields.
func NewFFT(ny, nx int) *FFT {
	return &FFT{
		ny:     ny,
		nx:     nx,
		row:    fourier.NewCmplxFFT(nx),
		col:    fourier.NewCmplxFFT(ny),
		rowBuf: make([]complex128, nx),
		colBuf: make([]complex128, ny),
	}
}

// Forward computes the unnormalized 2D DFT of f in place.
func (t *FFT) Forward(f *Field) {
	for y := 0; y < t.ny; y++ {
		copy(t.rowBuf, f.Data[y*t.nx:(y+1)*t.nx])
		t.row.Coefficients(f.Data[y*t.nx:(y+1)*t.nx], t.rowBuf)
	}
	for x := 0; x < t.nx; x++ {
		for y := 0; y < t.ny; y++ {
			t.colBuf[y] = f.Data[y*t.nx+x]
		}
		out := t.col.Coefficients(nil, t.colBuf)
		for y := 0; y < t.ny; y++ {
			f.Data[y*t.nx+x] = out[y]
		}
	}
}

// Inverse computes the normalized 2D inverse DFT of f in place, so that
// Inverse(Forward(f)) == f up to rounding.
func (t *FFT) Inverse(f *Field) {
	for y := 0; y < t.ny; y++ {
		copy(t.rowBuf, f.Data[y*t.nx:(y+1)*t.nx])
		t.row.Sequence(f.Data[y*t.nx:(y+1)*t.nx], t.rowBuf)
	}
	norm := complex(1/float64(t.ny*t.nx), 0)
	for x := 0; x < t.nx; x++ {
		for y := 0; y < t.ny; y++ {
			t.colBuf[y] = f.Data[y*t.nx+x]
		}
		out := t.col.Sequence(nil, t.colBuf)
		for y := 0; y < t.ny; y++ {
			f.Data[y*t.nx+x] = out[y] * norm
		}
	}
}
