// Package recon implements the multiscale reconstruction driver: the
// outer level/epoch/minibatch loop that owns the object volume and probe,
// evaluates the forward model against measured diffraction data, and
// applies gradient updates until each resolution level converges.
package recon

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ptychotomo/pkg/comm"
)

// RunContext carries the per-run shared state every component receives
// explicitly: the run identifier, the structured logger, the shared random
// seed, and the collective-communication handle. There are no process
// globals; worker ranks get their own context via WithCollective.
type RunContext struct {
	ID   string
	Log  *zap.SugaredLogger
	Seed int64
	Coll comm.Collective
}

// NewRunContext mints a run ID and binds the logger and seed. The
// collective defaults to the single-rank implementation.
func NewRunContext(seed int64, log *zap.Logger) *RunContext {
	id := uuid.NewString()
	return &RunContext{
		ID:   id,
		Log:  log.Sugar().With("run", id[:8]),
		Seed: seed,
		Coll: comm.Single{},
	}
}

// WithCollective returns a copy of the context bound to one worker rank.
func (rc *RunContext) WithCollective(c comm.Collective) *RunContext {
	out := *rc
	out.Coll = c
	out.Log = rc.Log.With("rank", c.Rank())
	return &out
}

// LevelRand returns a generator deterministically derived from the shared
// seed and the level index. Every rank derives the identical sequence, so
// replicas that draw in lockstep stay identical without extra traffic.
func (rc *RunContext) LevelRand(level int) *rand.Rand {
	return rand.New(rand.NewSource(rc.Seed*1000003 + int64(level)))
}

// ShuffleRand returns the generator for per-epoch position permutation,
// a stream independent of LevelRand so worker ranks can replay it without
// disturbing the object initialization draws.
func (rc *RunContext) ShuffleRand(level int) *rand.Rand {
	return rand.New(rand.NewSource(rc.Seed*1000003 + int64(level) + 500009))
}

// OutputDirName derives a run directory name from the leading experiment
// parameters plus the run ID, so parallel runs never collide.
func OutputDirName(energyEV float64, nTheta, minibatch int, runID string) string {
	return fmt.Sprintf("recon_%geV_%dth_mb%d_%s", energyEV, nTheta, minibatch, runID[:8])
}
