package recon

import (
	"ptychotomo/internal/physics"
	"ptychotomo/pkg/dataset"
	"ptychotomo/pkg/field"
	"ptychotomo/pkg/optics"
	"ptychotomo/pkg/volume"
	"ptychotomo/pkg/warp"
)

// SimulateParams describes a synthetic acquisition.
type SimulateParams struct {
	EnergyEV   float64
	PsizeCM    float64
	FreePropCM float64
	// Thetas are the projection angles in radians, applied as-is.
	Thetas []float64
	// Positions are footprint centers in full-resolution pixels.
	Positions []dataset.Position
	// FootY, FootX is the probe footprint.
	FootY, FootX int
	// MaskRatio applies a circular detector aperture; zero disables it.
	MaskRatio float64
}

// Simulate runs the forward model over a known object and probe and
// collects the noiseless detector fields as a measurement set. Used to
// fabricate test acquisitions with exactly the geometry the
// reconstruction loop will see.
func Simulate(obj *volume.Grid, probe *field.Field, p SimulateParams) *dataset.Set {
	lambda := physics.WavelengthNm(p.EnergyEV)
	voxel := physics.IsotropicVoxel(p.PsizeCM, 1)
	prop := optics.NewPropagator(lambda, voxel, p.FootY, p.FootX, obj.NZ, p.FreePropCM*physics.CmToNm)
	fft := field.NewFFT(p.FootY, p.FootX)
	var mask []float64
	if p.MaskRatio > 0 {
		mask = field.CircularMask(p.FootY, p.FootX, p.MaskRatio)
	}

	set := dataset.NewSet(len(p.Thetas), len(p.Positions), p.FootY, p.FootX)
	for t, theta := range p.Thetas {
		rot := warp.Rotate(obj, theta)
		for i, pos := range p.Positions {
			sub := warp.Footprint(rot, pos.Y, pos.X, p.FootY, p.FootX)
			det := detector(fft, prop.Propagate(sub, probe), mask)
			set.SetPattern(t, i, det.Data)
		}
	}
	return set
}
