package recon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ptychotomo/pkg/config"
	"ptychotomo/pkg/dataset"
	"ptychotomo/pkg/probe"
	"ptychotomo/pkg/volume"
)

func TestConvergedStopsAtFirstSmallDecrease(t *testing.T) {
	const threshold = 0.05
	// Large 20% drops up to epoch k = 4, then sub-threshold 2% drops.
	const k = 4
	losses := []float64{100}
	for e := 1; e <= k; e++ {
		losses = append(losses, losses[e-1]*0.80)
	}
	for e := k + 1; e <= k+4; e++ {
		losses = append(losses, losses[e-1]*0.98)
	}

	stopEpoch := -1
	for e := 1; e < len(losses); e++ {
		if converged(losses[e-1], losses[e], threshold) {
			stopEpoch = e
			break
		}
	}
	assert.Equal(t, k+1, stopEpoch)
}

func TestConvergedIgnoresIncreases(t *testing.T) {
	assert.False(t, converged(1.0, 1.001, 0.05), "increasing loss must not stop")
	assert.False(t, converged(1.0, 0.90, 0.05), "fast decrease must not stop")
	assert.True(t, converged(1.0, 0.99, 0.05))
	assert.False(t, converged(1.0, 1.0, 0.05), "exactly flat is not a decrease")
}

func TestAdamDescendsQuadratic(t *testing.T) {
	// minimize f(x) = (x-3)^2
	x := []float64{0}
	a := NewAdam(0.1, 1)
	for i := 0; i < 500; i++ {
		g := []float64{2 * (x[0] - 3)}
		a.Step(x, g, 1)
	}
	assert.InDelta(t, 3.0, x[0], 0.05)
}

func TestRunContext(t *testing.T) {
	rc := NewRunContext(7, zap.NewNop())
	require.NotEmpty(t, rc.ID)
	assert.Equal(t, int64(7), rc.Seed)
	assert.Equal(t, 0, rc.Coll.Rank())

	// deterministic per (seed, level), independent streams
	a := rc.LevelRand(1).Int63()
	b := rc.LevelRand(1).Int63()
	c := rc.LevelRand(2).Int63()
	d := rc.ShuffleRand(1).Int63()
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestOutputDirNameIsUnique(t *testing.T) {
	a := OutputDirName(5000, 500, 4, "aaaaaaaa-xxxx")
	b := OutputDirName(5000, 500, 4, "bbbbbbbb-xxxx")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "5000eV")
}

func TestStatsFromPhantom(t *testing.T) {
	g := volume.NewGrid(2, 2, 2)
	for i := range g.Delta {
		g.Delta[i] = 4e-6
		g.Beta[i] = 8e-8
	}
	s := StatsFromPhantom(g)
	assert.InDelta(t, 4e-6, s.LocDelta, 1e-18)
	assert.InDelta(t, 5e-7, s.ScaleDelta, 1e-18)
	assert.InDelta(t, 8e-8, s.LocBeta, 1e-18)
}

func TestCompareVolumesIdentity(t *testing.T) {
	g := volume.NewGrid(2, 2, 2)
	for i := range g.Delta {
		g.Delta[i] = float64(i)
		g.Beta[i] = float64(i) / 2
	}
	m := CompareVolumes(g, g)
	assert.Zero(t, m.RMSEDelta)
	assert.Zero(t, m.RMSEBeta)
	assert.InDelta(t, 1.0, m.CorrDelta, 1e-12)
}

func TestNewRejectsBadInputs(t *testing.T) {
	cfg := config.DefaultConfig()
	rc := NewRunContext(1, zap.NewNop())
	set := dataset.NewSet(cfg.Experiment.NTheta, 1, 8, 8)
	pos := []dataset.Position{{Y: 4, X: 4}}

	bad := config.DefaultConfig()
	bad.Probe.Type = "vortex"
	_, err := New(bad, set, pos, rc, Options{ResumeFrom: -1})
	assert.Error(t, err)

	_, err = New(cfg, set, nil, rc, Options{ResumeFrom: -1})
	assert.Error(t, err)

	short := dataset.NewSet(3, 1, 8, 8)
	_, err = New(cfg, short, pos, rc, Options{ResumeFrom: -1})
	assert.Error(t, err)
}

// slabConfig is the shared single-angle test scenario: a uniform weak
// slab illuminated by one centered gaussian probe pose.
func slabConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Experiment.EnergyEV = 5000
	cfg.Experiment.PsizeCM = 1e-7
	cfg.Experiment.FreePropCM = 0
	cfg.Experiment.ThetaStartDeg = 0
	cfg.Experiment.ThetaEndDeg = 0
	cfg.Experiment.NTheta = 1
	cfg.Data.Shape = [3]int{8, 8, 8}
	cfg.Probe.Type = "gaussian"
	cfg.Probe.Size = [2]int{8, 8}
	cfg.Probe.MagSigma = 3
	cfg.Probe.PhaseSigma = 3
	cfg.Probe.PhaseMax = 0
	cfg.Optimize.LearningRate = 1e-6
	cfg.Optimize.MinibatchSize = 1
	cfg.Optimize.Accumulation = 1
	cfg.Optimize.Epochs = config.EpochBudget{Count: 60}
	cfg.Optimize.Levels = 1
	cfg.Optimize.Workers = 1
	cfg.Regularization.Alpha = 0
	cfg.Regularization.Gamma = 0
	cfg.Seed = 3
	return cfg
}

func slabScenario(cfg *config.Config) (*volume.Grid, *dataset.Set, []dataset.Position) {
	truth := volume.NewGrid(8, 8, 8)
	for i := range truth.Delta {
		truth.Delta[i] = 1e-5
		truth.Beta[i] = 1e-7
	}
	pos := []dataset.Position{{Y: 4, X: 4}}
	pr := probe.NewGaussian(8, 8, cfg.Probe.MagSigma, cfg.Probe.PhaseSigma, cfg.Probe.PhaseMax)
	set := Simulate(truth, pr.Field(), SimulateParams{
		EnergyEV:  cfg.Experiment.EnergyEV,
		PsizeCM:   cfg.Experiment.PsizeCM,
		Thetas:    []float64{0},
		Positions: pos,
		FootY:     8,
		FootX:     8,
	})
	return truth, set, pos
}

func TestReconstructSlabEndToEnd(t *testing.T) {
	cfg := slabConfig()
	truth, set, pos := slabScenario(cfg)

	rc := NewRunContext(cfg.Seed, zap.NewNop())
	r, err := New(cfg, set, pos, rc, Options{ResumeFrom: -1})
	require.NoError(t, err)

	results, err := r.Process()
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]
	require.Equal(t, 60, res.Epochs)

	// the data error must fall substantially from its starting value
	assert.Less(t, res.Err[len(res.Err)-1], 0.5*res.Err[0])

	// every voxel stays non-negative after the final update
	for i := range res.Grid.Delta {
		require.GreaterOrEqual(t, res.Grid.Delta[i], 0.0)
		require.GreaterOrEqual(t, res.Grid.Beta[i], 0.0)
	}

	// and the object moved toward the slab: better than the farthest
	// plausible starting error of ~1e-5
	m := CompareVolumes(res.Grid, truth)
	assert.Less(t, m.RMSEDelta, 9e-6)
}

func TestAccumulationRunMatchesDirection(t *testing.T) {
	cfg := slabConfig()
	cfg.Optimize.Epochs = config.EpochBudget{Count: 10}
	_, set, pos := slabScenario(cfg)

	run := func(accumulation int) *LevelResult {
		c := slabConfig()
		c.Optimize.Epochs = config.EpochBudget{Count: 10}
		c.Optimize.Accumulation = accumulation
		rc := NewRunContext(c.Seed, zap.NewNop())
		r, err := New(c, set, pos, rc, Options{ResumeFrom: -1})
		require.NoError(t, err)
		results, err := r.Process()
		require.NoError(t, err)
		return results[0]
	}

	plain := run(1)
	accum := run(2)

	// with a single angle and position the accumulation window simply
	// covers the same poses, so both runs must improve the data error
	assert.Less(t, plain.Err[len(plain.Err)-1], plain.Err[0])
	assert.Less(t, accum.Err[len(accum.Err)-1], accum.Err[0])
}

func TestMultiWorkerMatchesSingle(t *testing.T) {
	cfg := slabConfig()
	cfg.Optimize.Epochs = config.EpochBudget{Count: 5}
	cfg.Data.Positions = nil
	truthPos := []dataset.Position{{Y: 4, X: 4}, {Y: 4, X: 4}}

	truth := volume.NewGrid(8, 8, 8)
	for i := range truth.Delta {
		truth.Delta[i] = 1e-5
	}
	pr := probe.NewGaussian(8, 8, 3, 3, 0)
	set := Simulate(truth, pr.Field(), SimulateParams{
		EnergyEV:  cfg.Experiment.EnergyEV,
		PsizeCM:   cfg.Experiment.PsizeCM,
		Thetas:    []float64{0},
		Positions: truthPos,
		FootY:     8,
		FootX:     8,
	})

	run := func(workers, accumulation int) *LevelResult {
		c := slabConfig()
		c.Optimize.Epochs = config.EpochBudget{Count: 5}
		c.Optimize.Workers = workers
		c.Optimize.Accumulation = accumulation
		rc := NewRunContext(c.Seed, zap.NewNop())
		r, err := New(c, set, truthPos, rc, Options{ResumeFrom: -1})
		require.NoError(t, err)
		results, err := r.Process()
		require.NoError(t, err)
		return results[0]
	}

	// one worker accumulating two minibatches applies the same averaged
	// update as two workers sharding one minibatch each, so the loss
	// histories coincide
	single := run(1, 2)
	double := run(2, 1)

	require.Equal(t, len(single.Loss), len(double.Loss))
	for e := range single.Loss {
		assert.InDeltaf(t, single.Loss[e], double.Loss[e], 1e-9*(1+single.Loss[e]), "epoch %d", e)
	}
}

func TestFinalPassKeepsAutoStopping(t *testing.T) {
	cfg := slabConfig()
	cfg.Optimize.Epochs = config.EpochBudget{Auto: true}
	cfg.Optimize.MaxEpochs = 40
	cfg.Optimize.ConvergenceThreshold = 0.03
	cfg.Optimize.FinalPassEpochs = 12
	cfg.Optimize.Levels = 2
	_, set, pos := slabScenario(cfg)

	rc := NewRunContext(1, zap.NewNop())
	r, err := New(cfg, set, pos, rc, Options{ResumeFrom: -1})
	require.NoError(t, err)

	// the override replaces the finest level's budget but leaves the
	// convergence rule armed
	fine := r.geometry(0)
	assert.True(t, fine.auto)
	assert.Equal(t, 12, fine.epochBudget)

	coarse := r.geometry(1)
	assert.True(t, coarse.auto)
	assert.Equal(t, 40, coarse.epochBudget)
}

func TestSimulateShapes(t *testing.T) {
	g := volume.NewGrid(8, 8, 4)
	pr := probe.NewGaussian(8, 8, 2, 2, 0.1)
	set := Simulate(g, pr.Field(), SimulateParams{
		EnergyEV:  5000,
		PsizeCM:   1e-7,
		Thetas:    []float64{0, 0.5},
		Positions: []dataset.Position{{Y: 4, X: 4}},
		FootY:     8,
		FootX:     8,
		MaskRatio: 0.9,
	})
	require.Equal(t, 2, set.NTheta)
	require.Equal(t, 1, set.NPos)
	assert.Equal(t, 8, set.NY)

	// an empty object diffracts the bare probe; the pattern is not zero
	total := 0.0
	for _, a := range amplitudes(set.Pattern(0, 0)) {
		total += a
	}
	assert.Greater(t, total, 0.0)
}
