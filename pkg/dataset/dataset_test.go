package dataset

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternBroadcast(t *testing.T) {
	s := NewSet(2, 1, 2, 2)
	s.SetPattern(1, 0, []complex128{1, 2, 3, 4})
	// every position index maps to the single stored pattern
	assert.Equal(t, s.Pattern(1, 0), s.Pattern(1, 5))
}

func TestDownsampleStrided(t *testing.T) {
	s := NewSet(1, 1, 4, 6)
	data := make([]complex128, 4*6)
	for i := range data {
		data[i] = complex(float64(i), 0)
	}
	s.SetPattern(0, 0, data)

	d := s.Downsample(2)
	require.Equal(t, 2, d.NY)
	require.Equal(t, 3, d.NX)
	p := d.Pattern(0, 0)
	// strided sampling keeps rows 0,2 and columns 0,2,4
	assert.Equal(t, complex(0, 0), p[0])
	assert.Equal(t, complex(2, 0), p[1])
	assert.Equal(t, complex(4, 0), p[2])
	assert.Equal(t, complex(12, 0), p[3])
}

func TestDownsampleCeilDivision(t *testing.T) {
	s := NewSet(1, 1, 5, 5)
	d := s.Downsample(2)
	// ceil(5/2) = 3 rows and columns survive
	assert.Equal(t, 3, d.NY)
	assert.Equal(t, 3, d.NX)
}

func TestDownsampleIdentity(t *testing.T) {
	s := NewSet(1, 2, 3, 3)
	s.SetPattern(0, 1, []complex128{1, 2, 3, 4, 5, 6, 7, 8, 9})
	d := s.Downsample(1)
	assert.Equal(t, s.Patterns, d.Patterns)
}

func TestMeanAmplitude(t *testing.T) {
	s := NewSet(2, 1, 1, 2)
	s.SetPattern(0, 0, []complex128{complex(3, 4), 1})
	s.SetPattern(1, 0, []complex128{complex(0, 5), 3})
	m := s.MeanAmplitude()
	require.Len(t, m, 2)
	assert.InDelta(t, 5.0, m[0], 1e-12)
	assert.InDelta(t, 2.0, m[1], 1e-12)
}

func TestLoadRawComplex64(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meas.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	vals := []complex64{complex(1, 2), complex(3, 4), complex(5, 6), complex(7, 8)}
	require.NoError(t, binary.Write(f, binary.LittleEndian, vals))
	require.NoError(t, f.Close())

	s, err := Load(path, 1, 1, 2, 2)
	require.NoError(t, err)
	p := s.Pattern(0, 0)
	assert.InDelta(t, 1, real(p[0]), 1e-6)
	assert.InDelta(t, 8, imag(p[3]), 1e-6)
}

func TestLoadTruncatedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 10), 0644))
	_, err := Load(path, 1, 1, 2, 2)
	assert.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.bin"), 1, 1, 2, 2)
	assert.Error(t, err)
}
