// Package store persists per-level reconstruction artifacts: the object
// volume, the probe planes, the loss history, and a metadata record
// describing the run. Volumes are raw little-endian float32 so other
// tooling can memory-map them; everything else is JSON.
package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"ptychotomo/pkg/volume"
)

const (
	metadataFile   = "metadata.json"
	seriesFile     = "series.json"
	deltaFile      = "delta.bin"
	betaFile       = "beta.bin"
	probeMagFile   = "probe_mag.bin"
	probePhaseFile = "probe_phase.bin"
)

// Metadata describes the checkpointed level.
type Metadata struct {
	RunID      string    `json:"run_id"`
	Level      int       `json:"level"`
	Downsample int       `json:"downsample"`
	Shape      [3]int    `json:"shape"`
	ProbeShape [2]int    `json:"probe_shape"`
	Epochs     int       `json:"epochs"`
	FinishedAt time.Time `json:"finished_at"`
}

// Series holds the per-epoch histories recorded while the level ran.
type Series struct {
	Loss           []float64 `json:"loss"`
	Regularization []float64 `json:"regularization"`
	Error          []float64 `json:"error,omitempty"`
}

// Checkpoint is the complete saved state of one finished level.
type Checkpoint struct {
	Meta       Metadata
	Series     Series
	Grid       *volume.Grid
	ProbeMag   []float64
	ProbePhase []float64
}

// Save writes the checkpoint under dir, creating it if needed.
func Save(dir string, c *Checkpoint) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	c.Meta.Shape = [3]int{c.Grid.NY, c.Grid.NX, c.Grid.NZ}
	if err := writeJSON(filepath.Join(dir, metadataFile), &c.Meta); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, seriesFile), &c.Series); err != nil {
		return err
	}
	if err := writeFloats(filepath.Join(dir, deltaFile), c.Grid.Delta); err != nil {
		return err
	}
	if err := writeFloats(filepath.Join(dir, betaFile), c.Grid.Beta); err != nil {
		return err
	}
	if err := writeFloats(filepath.Join(dir, probeMagFile), c.ProbeMag); err != nil {
		return err
	}
	return writeFloats(filepath.Join(dir, probePhaseFile), c.ProbePhase)
}

// Load reads a checkpoint previously written by Save. A missing or
// truncated checkpoint is an error; the caller decides whether resuming
// was mandatory.
func Load(dir string) (*Checkpoint, error) {
	c := &Checkpoint{}
	if err := readJSON(filepath.Join(dir, metadataFile), &c.Meta); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, seriesFile), &c.Series); err != nil {
		return nil, err
	}
	ny, nx, nz := c.Meta.Shape[0], c.Meta.Shape[1], c.Meta.Shape[2]
	c.Grid = volume.NewGrid(ny, nx, nz)
	var err error
	if c.Grid.Delta, err = readFloats(filepath.Join(dir, deltaFile), ny*nx*nz); err != nil {
		return nil, err
	}
	if c.Grid.Beta, err = readFloats(filepath.Join(dir, betaFile), ny*nx*nz); err != nil {
		return nil, err
	}
	pn := c.Meta.ProbeShape[0] * c.Meta.ProbeShape[1]
	if c.ProbeMag, err = readFloats(filepath.Join(dir, probeMagFile), pn); err != nil {
		return nil, err
	}
	if c.ProbePhase, err = readFloats(filepath.Join(dir, probePhaseFile), pn); err != nil {
		return nil, err
	}
	return c, nil
}

func writeJSON(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeFloats(path string, data []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	buf := make([]float32, len(data))
	for i, v := range data {
		buf[i] = float32(v)
	}
	if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return w.Flush()
}

func readFloats(path string, n int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	buf := make([]float32, n)
	if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, buf); err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	out := make([]float64, n)
	for i, v := range buf {
		out[i] = float64(v)
	}
	return out, nil
}
