package store

import (
	"fmt"

	"ptychotomo/pkg/volume"
)

// LoadVolume reads a delta/beta channel pair stored as raw little-endian
// float32 arrays of the given shape.
func LoadVolume(deltaPath, betaPath string, ny, nx, nz int) (*volume.Grid, error) {
	g := volume.NewGrid(ny, nx, nz)
	var err error
	if g.Delta, err = readFloats(deltaPath, ny*nx*nz); err != nil {
		return nil, fmt.Errorf("loading delta channel: %w", err)
	}
	if g.Beta, err = readFloats(betaPath, ny*nx*nz); err != nil {
		return nil, fmt.Errorf("loading beta channel: %w", err)
	}
	return g, nil
}
