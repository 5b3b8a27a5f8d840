package recon

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"ptychotomo/pkg/store"
	"ptychotomo/pkg/volume"
)

// Sink receives the artifacts of finished levels and, when intermediate
// saving is on, per-epoch object snapshots. The persistence format is the
// sink's concern, not the driver's.
type Sink interface {
	SaveLevel(runID string, res *LevelResult) error
	SaveEpoch(level, epoch int, g *volume.Grid, probeMag, probePhase []float64) error
}

// Source supplies a previously persisted level for resuming.
type Source interface {
	LoadLevel(level int) (*store.Checkpoint, error)
}

// DirStore is the filesystem Sink/Source built on the store package: one
// subdirectory per level plus optional per-epoch snapshot directories.
type DirStore struct {
	Dir string
}

func (d *DirStore) levelDir(level int) string {
	return filepath.Join(d.Dir, fmt.Sprintf("level_%d", level))
}

// SaveLevel persists the level's object, probe planes, and series.
func (d *DirStore) SaveLevel(runID string, res *LevelResult) error {
	cp := &store.Checkpoint{
		Meta: store.Metadata{
			RunID:      runID,
			Level:      res.Level,
			Downsample: res.Downsample,
			ProbeShape: [2]int{res.ProbeNy, res.ProbeNx},
			Epochs:     res.Epochs,
			FinishedAt: time.Now().UTC(),
		},
		Series: store.Series{
			Loss:           res.Loss,
			Regularization: res.Reg,
			Error:          res.Err,
		},
		Grid:       res.Grid,
		ProbeMag:   res.ProbeMag,
		ProbePhase: res.ProbePhase,
	}
	if err := store.Save(d.levelDir(res.Level), cp); err != nil {
		return fmt.Errorf("persisting level %d: %w", res.Level, err)
	}
	return nil
}

// SaveEpoch persists an intermediate object snapshot, with the probe
// planes when the caller supplies them.
func (d *DirStore) SaveEpoch(level, epoch int, g *volume.Grid, probeMag, probePhase []float64) error {
	if probeMag == nil {
		probeMag = []float64{}
	}
	if probePhase == nil {
		probePhase = []float64{}
	}
	cp := &store.Checkpoint{
		Meta:       store.Metadata{Level: level, Epochs: epoch},
		Grid:       g,
		ProbeMag:   probeMag,
		ProbePhase: probePhase,
	}
	dir := filepath.Join(d.levelDir(level), fmt.Sprintf("epoch_%04d", epoch))
	if err := store.Save(dir, cp); err != nil {
		return fmt.Errorf("persisting level %d epoch %d: %w", level, epoch, err)
	}
	return nil
}

// LoadLevel reads a persisted level back. A missing checkpoint is fatal
// for the level that depends on it, so the error carries the path.
func (d *DirStore) LoadLevel(level int) (*store.Checkpoint, error) {
	cp, err := store.Load(d.levelDir(level))
	if err != nil {
		return nil, fmt.Errorf("resuming level %d from %s: %w", level, d.levelDir(level), err)
	}
	return cp, nil
}

// NextLevelSeed derives the finer level's initial object from a finished
// coarse reconstruction: trilinear 2x upsampling plus injected Gaussian
// noise, clamped non-negative.
func NextLevelSeed(prev *volume.Grid, rng *rand.Rand, s InitStats) *volume.Grid {
	g := prev.Upsample2x()
	g.AddNoise(rng, s.LocDelta, s.ScaleDelta, s.LocBeta, s.ScaleBeta)
	g.ClampNonNegative()
	return g
}

// InitStats holds the Gaussian statistics used for the coarsest-level
// random object and for inter-level noise injection. Defaults match a
// weakly scattering specimen; a supplied phantom overrides them.
type InitStats struct {
	LocDelta, ScaleDelta float64
	LocBeta, ScaleBeta   float64
}

// DefaultInitStats returns the weak-object defaults.
func DefaultInitStats() InitStats {
	return InitStats{LocDelta: 8e-7, ScaleDelta: 1e-7, LocBeta: 8e-8, ScaleBeta: 1e-8}
}

// StatsFromPhantom derives initializer statistics from a reference
// phantom's channel means.
func StatsFromPhantom(p *volume.Grid) InitStats {
	md, mb := p.Means()
	return InitStats{LocDelta: md, ScaleDelta: md / 8, LocBeta: mb, ScaleBeta: mb / 8}
}
