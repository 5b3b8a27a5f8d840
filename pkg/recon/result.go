package recon

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"ptychotomo/pkg/volume"
)

// LevelResult is everything a finished resolution level exposes: the
// final object channels, the final probe planes, and the three per-epoch
// series (total loss, regularizer, data error).
type LevelResult struct {
	Level      int
	Downsample int
	Epochs     int

	Grid *volume.Grid

	ProbeMag   []float64
	ProbePhase []float64
	ProbeNy    int
	ProbeNx    int

	Loss []float64
	Reg  []float64
	Err  []float64
}

// VolumeMetrics quantifies agreement between a reconstruction and a
// reference volume.
type VolumeMetrics struct {
	RMSEDelta float64
	RMSEBeta  float64
	CorrDelta float64
}

// CompareVolumes scores a reconstruction against a ground-truth volume of
// the same shape: per-channel RMS error plus the Pearson correlation of
// the phase channel, which is insensitive to a global scale offset.
func CompareVolumes(got, want *volume.Grid) VolumeMetrics {
	return VolumeMetrics{
		RMSEDelta: rmse(got.Delta, want.Delta),
		RMSEBeta:  rmse(got.Beta, want.Beta),
		CorrDelta: stat.Correlation(got.Delta, want.Delta, nil),
	}
}

func rmse(a, b []float64) float64 {
	sum := 0.0
	for i, v := range a {
		d := v - b[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(a)))
}
