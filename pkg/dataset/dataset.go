// Package dataset holds the measured diffraction patterns and probe
// positions for a reconstruction run. The measurement set is immutable
// input: read once at startup and shared read-only by every worker.
// Container formats richer than raw arrays (HDF5, TIFF) are the caller's
// concern; the shape contract here is what every downstream component
// relies on.
package dataset

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math/cmplx"
	"os"
)

// Position is a probe footprint center (y, x) on the rotated object grid.
// The position list is fixed for a whole run and shared by all angles.
type Position struct {
	Y, X int
}

// Set is an ordered collection of complex diffraction patterns indexed by
// (angle, position). NPos == 1 with more than one probe position means the
// same pattern is broadcast across positions.
type Set struct {
	NTheta, NPos int
	NY, NX       int
	Patterns     []complex128
}

// NewSet allocates an empty measurement set.
func NewSet(nTheta, nPos, ny, nx int) *Set {
	return &Set{
		NTheta:   nTheta,
		NPos:     nPos,
		NY:       ny,
		NX:       nx,
		Patterns: make([]complex128, nTheta*nPos*ny*nx),
	}
}

// Pattern returns the (angle, position) diffraction pattern as a read-only
// view. A broadcast set serves the same pattern for every position.
func (s *Set) Pattern(t, p int) []complex128 {
	if s.NPos == 1 {
		p = 0
	}
	off := (t*s.NPos + p) * s.NY * s.NX
	return s.Patterns[off : off+s.NY*s.NX]
}

// SetPattern stores a pattern at (angle, position).
func (s *Set) SetPattern(t, p int, data []complex128) {
	off := (t*s.NPos + p) * s.NY * s.NX
	copy(s.Patterns[off:off+s.NY*s.NX], data)
}

// Downsample returns a strided subsample of the set, keeping every ds-th
// pixel along both transverse axes. Used by the multiscale driver at coarse
// resolution levels; ds == 1 returns the receiver unchanged.
func (s *Set) Downsample(ds int) *Set {
	if ds <= 1 {
		return s
	}
	ny := (s.NY + ds - 1) / ds
	nx := (s.NX + ds - 1) / ds
	out := NewSet(s.NTheta, s.NPos, ny, nx)
	for t := 0; t < s.NTheta; t++ {
		for p := 0; p < s.NPos; p++ {
			src := s.Pattern(t, p)
			dst := out.Patterns[(t*s.NPos+p)*ny*nx:]
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					dst[y*nx+x] = src[(y*ds)*s.NX+x*ds]
				}
			}
		}
	}
	return out
}

// MeanAmplitude averages the pattern magnitudes over every angle and
// position, the seed for the deconvolution-style probe estimate.
func (s *Set) MeanAmplitude() []float64 {
	out := make([]float64, s.NY*s.NX)
	for t := 0; t < s.NTheta; t++ {
		for p := 0; p < s.NPos; p++ {
			pat := s.Pattern(t, p)
			for i, v := range pat {
				out[i] += cmplx.Abs(v)
			}
		}
	}
	n := float64(s.NTheta * s.NPos)
	for i := range out {
		out[i] /= n
	}
	return out
}

// Load reads a raw little-endian complex64 array of the given shape.
func Load(path string, nTheta, nPos, ny, nx int) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening measurement file: %w", err)
	}
	defer f.Close()

	raw := make([]complex64, nTheta*nPos*ny*nx)
	if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, raw); err != nil {
		return nil, fmt.Errorf("reading %s (want %d complex64 samples): %w", path, len(raw), err)
	}
	s := NewSet(nTheta, nPos, ny, nx)
	for i, v := range raw {
		s.Patterns[i] = complex128(v)
	}
	return s, nil
}
