package recon

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"ptychotomo/internal/physics"
	"ptychotomo/pkg/comm"
	"ptychotomo/pkg/config"
	"ptychotomo/pkg/dataset"
	"ptychotomo/pkg/field"
	"ptychotomo/pkg/loss"
	"ptychotomo/pkg/optics"
	"ptychotomo/pkg/probe"
	"ptychotomo/pkg/volume"
	"ptychotomo/pkg/warp"
)

// probeTVWeight is the fixed smoothness penalty added whenever the probe
// is optimized.
const probeTVWeight = 2e-10

// Options configures the optional collaborators of a Reconstructor.
type Options struct {
	// Sink receives level artifacts; nil disables persistence.
	Sink Sink
	// Source supplies a checkpoint when ResumeFrom >= 0.
	Source Source
	// ResumeFrom is the level index whose persisted output seeds the run;
	// -1 starts from scratch.
	ResumeFrom int
	// Stats overrides the object initializer statistics.
	Stats *InitStats
	// StopFlag, when set, lets an external marker file end the run early.
	StopFlag *comm.StopFlag
	// Phantom, when set, scores every epoch against a ground-truth volume.
	Phantom *volume.Grid
}

// Reconstructor owns the object volume and probe for the duration of a
// run and drives them through the multiscale level loop. The measurement
// set and position list are read-only throughout.
type Reconstructor struct {
	cfg       *config.Config
	set       *dataset.Set
	positions []dataset.Position
	rc        *RunContext
	opts      Options
	stats     InitStats
	reg       loss.Regularizer
}

// New validates the configuration and assembles a reconstructor.
// Configuration errors are fatal here, before any propagation work.
func New(cfg *config.Config, set *dataset.Set, positions []dataset.Position, rc *RunContext, opts Options) (*Reconstructor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("no probe positions supplied")
	}
	if set.NTheta != cfg.Experiment.NTheta {
		return nil, fmt.Errorf("measurement set has %d angles, configuration says %d", set.NTheta, cfg.Experiment.NTheta)
	}
	r := &Reconstructor{
		cfg:       cfg,
		set:       set,
		positions: positions,
		rc:        rc,
		opts:      opts,
		stats:     DefaultInitStats(),
		reg:       regularizerFromConfig(cfg),
	}
	if opts.Stats != nil {
		r.stats = *opts.Stats
	}
	return r, nil
}

func regularizerFromConfig(cfg *config.Config) loss.Regularizer {
	r := loss.Regularizer{}
	if cfg.Regularization.AlphaDelta != 0 || cfg.Regularization.AlphaBeta != 0 {
		r.AlphaDelta = cfg.Regularization.AlphaDelta
		r.AlphaBeta = cfg.Regularization.AlphaBeta
	} else {
		r.AlphaDelta = cfg.Regularization.Alpha
		r.AlphaBeta = cfg.Regularization.Alpha
	}
	switch cfg.Regularization.Form {
	case "l2":
		r.GammaL2 = cfg.Regularization.Gamma
	case "tv3d":
		r.GammaTV3D = cfg.Regularization.Gamma
	default:
		r.GammaTV2D = cfg.Regularization.Gamma
	}
	if probe.Type(cfg.Probe.Type) == probe.Optimizable {
		r.ProbeTV = probeTVWeight
	}
	return r
}

// Process runs every resolution level from coarsest to finest and returns
// the per-level results, finest last.
func (r *Reconstructor) Process() ([]*LevelResult, error) {
	levels := r.cfg.Optimize.Levels
	startLevel := levels - 1
	var carry *volume.Grid

	if r.opts.ResumeFrom >= 0 {
		if r.opts.Source == nil {
			return nil, fmt.Errorf("resume requested but no checkpoint source configured")
		}
		cp, err := r.opts.Source.LoadLevel(r.opts.ResumeFrom)
		if err != nil {
			return nil, err
		}
		carry = cp.Grid
		startLevel = r.opts.ResumeFrom - 1
		r.rc.Log.Infow("resumed from checkpoint", "level", r.opts.ResumeFrom, "epochs", cp.Meta.Epochs)
		if startLevel < 0 {
			return nil, fmt.Errorf("nothing to do: resumed level %d was the finest", r.opts.ResumeFrom)
		}
	}

	var results []*LevelResult
	for lvl := startLevel; lvl >= 0; lvl-- {
		res, err := r.runLevel(lvl, carry)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", lvl, err)
		}
		if r.opts.Sink != nil {
			if err := r.opts.Sink.SaveLevel(r.rc.ID, res); err != nil {
				return nil, err
			}
		}
		results = append(results, res)
		carry = res.Grid
	}
	return results, nil
}

// levelGeometry is the level-scoped derived state shared by all ranks.
type levelGeometry struct {
	lvl, ds     int
	ny, nx, nz  int
	fy, fx      int
	lambda      float64
	voxel       physics.Voxel
	freePropNM  float64
	thetas      []float64
	positions   []dataset.Position
	meas        *dataset.Set
	mask        []float64
	epochBudget int
	auto        bool
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func (r *Reconstructor) geometry(lvl int) *levelGeometry {
	cfg := r.cfg
	ds := 1 << lvl
	g := &levelGeometry{lvl: lvl, ds: ds}
	g.ny = ceilDiv(cfg.Data.Shape[0], ds)
	g.nx = ceilDiv(cfg.Data.Shape[1], ds)
	g.nz = ceilDiv(cfg.Data.Shape[2], ds)
	g.lambda = physics.WavelengthNm(cfg.Experiment.EnergyEV)
	g.voxel = physics.IsotropicVoxel(cfg.Experiment.PsizeCM, ds)
	g.freePropNM = cfg.Experiment.FreePropCM * physics.CmToNm
	g.meas = r.set.Downsample(ds)
	g.fy, g.fx = g.meas.NY, g.meas.NX

	// The scan covers [start, end] negated: positive stage angles rotate
	// the object the opposite way in the beam frame.
	n := cfg.Experiment.NTheta
	g.thetas = make([]float64, n)
	for i := range g.thetas {
		t := cfg.Experiment.ThetaStartDeg
		if n > 1 {
			t += float64(i) * (cfg.Experiment.ThetaEndDeg - cfg.Experiment.ThetaStartDeg) / float64(n-1)
		}
		g.thetas[i] = -t * math.Pi / 180
	}

	g.positions = make([]dataset.Position, len(r.positions))
	for i, p := range r.positions {
		g.positions[i] = dataset.Position{Y: p.Y / ds, X: p.X / ds}
	}

	if cfg.Probe.CircMaskRatio > 0 {
		g.mask = field.CircularMask(g.fy, g.fx, cfg.Probe.CircMaskRatio)
	}

	g.auto = cfg.Optimize.Epochs.Auto
	if g.auto {
		g.epochBudget = cfg.Optimize.MaxEpochs
	} else {
		g.epochBudget = cfg.Optimize.Epochs.Count
	}
	// The final-pass override changes only the budget; convergence
	// stopping stays active when the budget is auto.
	if ds == 1 && cfg.Optimize.FinalPassEpochs > 0 {
		g.epochBudget = cfg.Optimize.FinalPassEpochs
	}
	return g
}

// buildProbe constructs the level's probe at the level footprint.
func (r *Reconstructor) buildProbe(g *levelGeometry) (*probe.Probe, error) {
	cfg := r.cfg
	backDist := g.freePropNM + g.voxel[2]*float64(g.nz)
	pt, err := probe.ParseType(cfg.Probe.Type)
	if err != nil {
		return nil, err
	}
	switch pt {
	case probe.Gaussian:
		return probe.NewGaussian(g.fy, g.fx,
			cfg.Probe.MagSigma/float64(g.ds),
			cfg.Probe.PhaseSigma/float64(g.ds),
			cfg.Probe.PhaseMax), nil
	case probe.Fixed:
		est := probe.NewBackPropagated(g.meas, backDist, g.lambda, g.voxel)
		mag, phase := est.MagPhase()
		return probe.NewFixed(mag, phase, g.fy, g.fx), nil
	default:
		p := probe.NewBackPropagated(g.meas, backDist, g.lambda, g.voxel)
		if cfg.Probe.PupilRatio > 0 {
			p.SetPupil(field.CircularMask(g.fy, g.fx, cfg.Probe.PupilRatio))
		}
		return p, nil
	}
}

// initObject builds the level's starting object: phantom-statistics
// random noise on the coarsest level, the upsampled previous result plus
// noise afterwards.
func (r *Reconstructor) initObject(g *levelGeometry, carry *volume.Grid) (*volume.Grid, error) {
	rng := r.rc.LevelRand(g.lvl)
	if carry == nil {
		return volume.NewRandomGrid(rng, g.ny, g.nx, g.nz,
			r.stats.LocDelta, r.stats.ScaleDelta, r.stats.LocBeta, r.stats.ScaleBeta), nil
	}
	seed := NextLevelSeed(carry, rng, r.stats)
	if seed.NY != g.ny || seed.NX != g.nx || seed.NZ != g.nz {
		return nil, fmt.Errorf("upsampled seed is %dx%dx%d, level needs %dx%dx%d",
			seed.NY, seed.NX, seed.NZ, g.ny, g.nx, g.nz)
	}
	return seed, nil
}

// runLevel executes one resolution level to convergence across the
// configured worker ranks and returns rank 0's result.
func (r *Reconstructor) runLevel(lvl int, carry *volume.Grid) (*LevelResult, error) {
	g := r.geometry(lvl)
	init, err := r.initObject(g, carry)
	if err != nil {
		return nil, err
	}
	levelProbe, err := r.buildProbe(g)
	if err != nil {
		return nil, err
	}
	r.rc.Log.Infow("level start",
		"level", lvl, "downsample", g.ds,
		"grid", fmt.Sprintf("%dx%dx%d", g.ny, g.nx, g.nz),
		"footprint", fmt.Sprintf("%dx%d", g.fy, g.fx),
		"kernel", optics.Select(g.voxel[2], g.lambda, g.voxel, g.fy, g.fx, g.nz).String(),
	)

	workers := r.cfg.Optimize.Workers
	group := comm.NewGroup(workers)
	var result *LevelResult

	var eg errgroup.Group
	for rank := 0; rank < workers; rank++ {
		rank := rank
		eg.Go(func() error {
			rc := r.rc.WithCollective(group.Member(rank))
			res, err := r.runRank(rc, g, init.Clone(), levelProbe.Clone())
			if rank == 0 {
				result = res
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// runRank is one worker's lockstep pass over the level. Every rank holds
// a full replica of the object and probe; identical updates after each
// summed gradient keep the replicas bit-identical, and the LevelInit
// broadcast pins them to rank 0's values to begin with.
func (r *Reconstructor) runRank(rc *RunContext, g *levelGeometry, obj *volume.Grid, pr *probe.Probe) (*LevelResult, error) {
	cfg := r.cfg
	coll := rc.Coll
	learnProbe := pr.Learnable()

	coll.BroadcastFloat64s(0, obj.Delta)
	coll.BroadcastFloat64s(0, obj.Beta)
	coll.BroadcastFloat64s(0, pr.Real)
	coll.BroadcastFloat64s(0, pr.Imag)

	prop := optics.NewPropagator(g.lambda, g.voxel, g.fy, g.fx, g.nz, g.freePropNM)
	diff := Differentiator(NewAdjoint(g.fy, g.fx))
	shuffle := rc.ShuffleRand(g.lvl)

	mb := cfg.Optimize.MinibatchSize
	acc := cfg.Optimize.Accumulation
	workers := coll.Size()
	shardSpan := workers * mb

	adamDelta := NewAdam(cfg.Optimize.LearningRate, len(obj.Delta))
	adamBeta := NewAdam(cfg.Optimize.LearningRate, len(obj.Beta))
	var adamProbeRe, adamProbeIm *Adam
	if learnProbe {
		adamProbeRe = NewAdam(cfg.Probe.LearningRate, len(pr.Real))
		adamProbeIm = NewAdam(cfg.Probe.LearningRate, len(pr.Imag))
	}

	accGrad := volume.NewGrid(g.ny, g.nx, g.nz)
	probeGradRe := make([]float64, len(pr.Real))
	probeGradIm := make([]float64, len(pr.Imag))
	zeroAcc := func() {
		for i := range accGrad.Delta {
			accGrad.Delta[i] = 0
			accGrad.Beta[i] = 0
		}
		for i := range probeGradRe {
			probeGradRe[i] = 0
			probeGradIm[i] = 0
		}
	}

	res := &LevelResult{Level: g.lvl, Downsample: g.ds, ProbeNy: g.fy, ProbeNx: g.fx}
	accCount := 0

	apply := func(modifier float64) {
		coll.AllReduceSum(accGrad.Delta)
		coll.AllReduceSum(accGrad.Beta)
		if learnProbe {
			coll.AllReduceSum(probeGradRe)
			coll.AllReduceSum(probeGradIm)
		}
		// Average the summed pose gradients over the poses they cover,
		// then add the regularizer subgradients.
		norm := 1.0 / float64(shardSpan*accCount)
		for i := range accGrad.Delta {
			accGrad.Delta[i] *= norm
			accGrad.Beta[i] *= norm
		}
		r.reg.Apply(obj, accGrad)
		adamDelta.Step(obj.Delta, accGrad.Delta, modifier)
		adamBeta.Step(obj.Beta, accGrad.Beta, modifier)
		obj.ClampNonNegative()
		if learnProbe {
			for i := range probeGradRe {
				probeGradRe[i] *= norm
				probeGradIm[i] *= norm
			}
			r.reg.ApplyProbe(pr.Real, g.fy, g.fx, probeGradRe)
			adamProbeRe.Step(pr.Real, probeGradRe, 1)
			adamProbeIm.Step(pr.Imag, probeGradIm, 1)
			pr.ApplyPupil()
		}
		zeroAcc()
		accCount = 0
	}

	for epoch := 0; epoch < g.epochBudget; epoch++ {
		epochStart := time.Now()
		modifier := 1.0
		if cfg.Optimize.DynamicRate && acc > 1 {
			modifier = float64(acc-1)*math.Exp(-float64(epoch)) + 1
		}

		// Identical draws on every rank produce the identical padded
		// permutation; rank i then takes the i-th shard of each span.
		perm := shuffle.Perm(len(g.positions))
		for len(perm)%shardSpan != 0 {
			perm = append(perm, perm[shuffle.Intn(len(g.positions))])
		}
		steps := len(perm) / shardSpan

		epochErr := 0.0
		for t, theta := range g.thetas {
			rot := warp.Rotate(obj, theta)
			for step := 0; step < steps; step++ {
				shard := perm[(step*workers+coll.Rank())*mb:]
				shard = shard[:mb]
				rotGrad := volume.NewGrid(g.ny, g.nx, g.nz)
				batchLoss := 0.0
				probeField := pr.Field()
				for _, pi := range shard {
					poseStart := time.Now()
					pos := g.positions[pi]
					sub := warp.Footprint(rot, pos.Y, pos.X, g.fy, g.fx)
					l, pg := diff.PoseGrad(prop, sub, probeField, amplitudes(g.meas.Pattern(t, pi)), g.mask)
					batchLoss += l
					warp.ScatterAdd(rotGrad, &volume.Grid{
						NY: g.fy, NX: g.fx, NZ: g.nz,
						Delta: pg.Delta, Beta: pg.Beta,
					}, pos.Y, pos.X)
					if learnProbe {
						for i := range probeGradRe {
							probeGradRe[i] += pg.ProbeRe[i]
							probeGradIm[i] += pg.ProbeIm[i]
						}
					}
					rc.Log.Debugw("pose",
						"angle", t, "position", pi, "loss", l,
						"elapsed", time.Since(poseStart),
					)
				}
				// Pose gradients live in the rotated frame; the rotation
				// adjoint carries them back to the object frame.
				back := warp.Rotate(rotGrad, -theta)
				for i := range accGrad.Delta {
					accGrad.Delta[i] += back.Delta[i]
					accGrad.Beta[i] += back.Beta[i]
				}
				epochErr += batchLoss
				accCount++
				if accCount == acc {
					apply(modifier)
				}
			}
		}
		if accCount > 0 {
			apply(modifier)
		}

		buf := []float64{epochErr}
		coll.AllReduceSum(buf)
		errTerm := buf[0] / float64(len(g.thetas)*len(perm))
		scratch := volume.NewGrid(g.ny, g.nx, g.nz)
		regTerm := r.reg.Apply(obj, scratch)
		total := errTerm + regTerm
		res.Loss = append(res.Loss, total)
		res.Reg = append(res.Reg, regTerm)
		res.Err = append(res.Err, errTerm)
		res.Epochs = epoch + 1

		if coll.Rank() == 0 {
			fields := []interface{}{
				"level", g.lvl, "epoch", epoch,
				"loss", total, "reg", regTerm,
				"elapsed", time.Since(epochStart),
			}
			if r.opts.Phantom != nil && g.ds == 1 {
				m := CompareVolumes(obj, r.opts.Phantom)
				fields = append(fields, "rmseDelta", m.RMSEDelta)
			}
			rc.Log.Infow("epoch done", fields...)
			if cfg.Output.SaveIntermediate && r.opts.Sink != nil {
				var snapMag, snapPhase []float64
				if cfg.Output.FullIntermediate {
					snapMag, snapPhase = pr.MagPhase()
				}
				if err := r.opts.Sink.SaveEpoch(g.lvl, epoch, obj, snapMag, snapPhase); err != nil {
					rc.Log.Warnw("intermediate save failed", "error", err)
				}
			}
		}

		stop := false
		if coll.Rank() == 0 {
			if g.auto && epoch > 0 && converged(res.Loss[epoch-1], total, cfg.Optimize.ConvergenceThreshold) {
				rc.Log.Infow("level converged", "level", g.lvl, "epoch", epoch,
					"relChange", (total-res.Loss[epoch-1])/res.Loss[epoch-1])
				stop = true
			}
			if r.opts.StopFlag != nil && r.opts.StopFlag.Raised() {
				rc.Log.Infow("stop flag raised, finishing level", "level", g.lvl)
				stop = true
			}
		}
		if coll.BroadcastBool(0, stop) {
			break
		}
	}

	coll.Barrier()
	if coll.Rank() != 0 {
		return nil, nil
	}
	res.Grid = obj
	res.ProbeMag, res.ProbePhase = pr.MagPhase()
	return res, nil
}

// converged is the auto-budget stop rule: the loss is still decreasing,
// but by less than the threshold fraction of its previous value.
func converged(prev, cur, threshold float64) bool {
	rel := (cur - prev) / prev
	return rel > -threshold && rel < 0
}

func amplitudes(pattern []complex128) []float64 {
	out := make([]float64, len(pattern))
	for i, v := range pattern {
		re, im := real(v), imag(v)
		out[i] = math.Sqrt(re*re + im*im)
	}
	return out
}
