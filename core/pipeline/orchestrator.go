// Package pipeline sequences the optimization stages: departure search,
// schedule refresh, hotspot analysis, crossing resolution, the optional
// remote optimizer and the genetic refiner.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fdcrail/railsched/core/conflict"
	"github.com/fdcrail/railsched/core/ctc"
	"github.com/fdcrail/railsched/core/events"
	"github.com/fdcrail/railsched/core/genetic"
	"github.com/fdcrail/railsched/core/logger"
	"github.com/fdcrail/railsched/core/metrics"
	"github.com/fdcrail/railsched/core/model"
	"github.com/fdcrail/railsched/core/remoteopt"
	"github.com/fdcrail/railsched/core/timetable"
	"github.com/fdcrail/railsched/internal/eventbus"
)

// Config tunes the orchestrator. The remote stage runs only when an
// Optimizer is injected and RemoteEnabled is set.
type Config struct {
	RemoteEnabled     bool    `json:"remote_enabled"`
	MinConfidence     float64 `json:"min_confidence"`
	ConflictTolerance int     `json:"conflict_tolerance"`
	RemoteIterations  int     `json:"remote_iterations"`
	RemotePopulation  int     `json:"remote_population"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.15
	}
	if c.ConflictTolerance <= 0 {
		c.ConflictTolerance = 2
	}
	if c.RemoteIterations <= 0 {
		c.RemoteIterations = 250
	}
	if c.RemotePopulation <= 0 {
		c.RemotePopulation = 60
	}
}

// Result is the outcome of one optimization run. Residual conflicts are
// data, not an error: the pipeline always returns a schedule.
type Result struct {
	RunID     string
	Trains    []*model.TrainRun
	Conflicts []model.Conflict
	Hotspots  []conflict.Hotspot
	Resolved  bool
	Cancelled bool
	StagesRun []string
}

// Orchestrator wires the collaborators of the seven-stage pipeline. All of
// them are injected; remote, sink and bus may be nil.
type Orchestrator struct {
	cfg      Config
	net      *model.Network
	calc     *timetable.Calculator
	det      *conflict.Detector
	resolver *ctc.Resolver
	refiner  *genetic.Refiner
	remote   remoteopt.Optimizer
	log      logger.Logger
	sink     metrics.MetricsSink
	bus      eventbus.EventBus
}

// New builds an Orchestrator.
func New(cfg Config, net *model.Network, calc *timetable.Calculator, det *conflict.Detector,
	resolver *ctc.Resolver, refiner *genetic.Refiner, remote remoteopt.Optimizer,
	log logger.Logger, sink metrics.MetricsSink, bus eventbus.EventBus) *Orchestrator {
	cfg.SetDefaults()
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Orchestrator{
		cfg: cfg, net: net, calc: calc, det: det,
		resolver: resolver, refiner: refiner, remote: remote,
		log: log, sink: sink, bus: bus,
	}
}

// departureSteps are tried in order: zero first, then growing steps out to
// an hour in both directions.
var departureSteps = []time.Duration{
	1 * time.Minute, 2 * time.Minute, 3 * time.Minute, 5 * time.Minute,
	10 * time.Minute, 15 * time.Minute, 20 * time.Minute, 30 * time.Minute,
	45 * time.Minute, 60 * time.Minute,
}

// Optimize schedules the new trains against the immutable existing set. It
// returns an error only for invalid input; unresolved conflicts and
// cancellation both yield a best-effort Result.
func (o *Orchestrator) Optimize(ctx context.Context, newTrains, existing []*model.TrainRun) (*Result, error) {
	for _, t := range newTrains {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
	}
	started := time.Now()
	res := &Result{RunID: uuid.NewString()}

	work := model.CloneAll(newTrains)
	fixed := model.CloneAll(existing)
	if err := o.calc.ApplyAll(fixed); err != nil {
		return nil, fmt.Errorf("pipeline: existing schedule: %w", err)
	}
	if err := o.calc.ApplyAll(work); err != nil {
		return nil, fmt.Errorf("pipeline: new schedule: %w", err)
	}
	res.Trains = work

	type stage struct {
		name string
		run  func(context.Context) error
	}
	stages := []stage{
		{"departure_search", func(ctx context.Context) error { return o.departureSearch(ctx, work, fixed) }},
		{"physical_refresh", func(context.Context) error { return o.refresh(work) }},
		{"hotspot_analysis", func(context.Context) error { return o.analyzeHotspots(res, work, fixed) }},
		{"crossing_resolution", func(ctx context.Context) error {
			_, err := o.resolver.Resolve(ctx, work, fixed)
			return err
		}},
		{"physical_refresh_2", func(context.Context) error { return o.refresh(work) }},
		{"remote_optimization", func(ctx context.Context) error {
			next, err := o.remoteStage(ctx, work, fixed)
			if err == nil && next != nil {
				copy(work, next)
			}
			return err
		}},
		{"genetic_refinement", func(ctx context.Context) error { return o.geneticStage(ctx, res.RunID, work, fixed) }},
	}

	for _, st := range stages {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		if st.name == "remote_optimization" && (o.remote == nil || !o.cfg.RemoteEnabled) {
			o.publish(events.StageEvent{RunID: res.RunID, Stage: st.name, Status: events.StageSkipped, Time: time.Now()})
			continue
		}
		stageStart := time.Now()
		o.publish(events.StageEvent{RunID: res.RunID, Stage: st.name, Status: events.StageStarted, Time: stageStart})
		if err := st.run(ctx); err != nil {
			// Stage failures are downgraded: the pipeline carries the best
			// known state forward.
			if o.log != nil {
				o.log.Warnf("pipeline: stage %s: %v", st.name, err)
			}
		}
		res.StagesRun = append(res.StagesRun, st.name)
		conflicts := len(o.det.Detect(combine(fixed, work)))
		o.publish(events.StageEvent{RunID: res.RunID, Stage: st.name, Status: events.StageFinished, Conflicts: conflicts, Time: time.Now()})
		if err := o.sink.RecordStage(metrics.StageResult{
			RunID: res.RunID, Stage: st.name, Conflicts: conflicts,
			Duration: time.Since(stageStart), Time: time.Now(),
		}); err != nil && o.log != nil {
			o.log.Warnf("pipeline: record stage: %v", err)
		}
	}

	// Final physical refresh and residual report.
	if err := o.refresh(work); err != nil && o.log != nil {
		o.log.Warnf("pipeline: final refresh: %v", err)
	}
	res.Trains = work
	res.Conflicts = o.det.Detect(combine(fixed, work))
	res.Resolved = len(res.Conflicts) == 0 && !res.Cancelled

	o.publish(events.RunEvent{
		RunID: res.RunID, Resolved: res.Resolved, Residual: len(res.Conflicts),
		Cancelled: res.Cancelled, Duration: time.Since(started), Time: time.Now(),
	})
	if rec, ok := o.sink.(metrics.RunRecorder); ok {
		if err := rec.RecordRun(metrics.RunResult{
			RunID: res.RunID, Trains: len(work), Residual: len(res.Conflicts),
			Resolved: res.Resolved, Cancelled: res.Cancelled,
			Duration: time.Since(started), Time: time.Now(),
		}); err != nil && o.log != nil {
			o.log.Warnf("pipeline: record run: %v", err)
		}
	}
	if o.log != nil {
		o.log.Infof("pipeline %s: %d trains, %d residual conflicts, resolved=%t",
			res.RunID, len(work), len(res.Conflicts), res.Resolved)
	}
	return res, nil
}

// departureSearch shifts each new train, in order, by the first offset that
// reaches zero conflicts against the already finalized trains, or by the
// offset with the fewest conflicts.
func (o *Orchestrator) departureSearch(ctx context.Context, work, fixed []*model.TrainRun) error {
	finalized := append([]*model.TrainRun{}, fixed...)
	for _, t := range work {
		if ctx.Err() != nil {
			return nil
		}
		base := t.Departure
		bestOffset := time.Duration(0)
		bestCount := -1
		try := func(off time.Duration) (int, error) {
			t.Departure = base.Add(off)
			if err := o.calc.Apply(t); err != nil {
				return -1, err
			}
			return len(o.det.Detect(append(finalized, t))), nil
		}

		count, err := try(0)
		if err != nil {
			return err
		}
		bestCount = count
		if bestCount > 0 {
			for _, step := range departureSteps {
				done := false
				for _, off := range []time.Duration{step, -step} {
					count, err := try(off)
					if err != nil {
						return err
					}
					if count < bestCount {
						bestCount, bestOffset = count, off
					}
					if count == 0 {
						done = true
						break
					}
				}
				if done {
					break
				}
			}
		}
		t.Departure = base.Add(bestOffset)
		if err := o.calc.Apply(t); err != nil {
			return err
		}
		if bestOffset != 0 && o.log != nil {
			o.log.Debugf("pipeline: shifted %s by %s (%d conflicts)", t.ID, bestOffset, bestCount)
		}
		finalized = append(finalized, t)
	}
	return nil
}

func (o *Orchestrator) refresh(work []*model.TrainRun) error {
	return o.calc.ApplyAll(work)
}

// analyzeHotspots ranks bottleneck stations. Informational only.
func (o *Orchestrator) analyzeHotspots(res *Result, work, fixed []*model.TrainRun) error {
	res.Hotspots = conflict.Hotspots(o.det.Detect(combine(fixed, work)))
	for _, h := range res.Hotspots {
		o.publish(events.HotspotEvent{RunID: res.RunID, StationID: h.StationID, Count: h.Count, Severe: h.Severe})
		if h.Severe && o.log != nil {
			o.log.Infof("pipeline: hotspot %s with %d conflicts", h.StationID, h.Count)
		}
	}
	return nil
}

// remoteStage consults the external optimizer and applies its suggestions
// when they are confident enough and do not worsen the schedule. On any
// doubt the pre-call state is restored.
func (o *Orchestrator) remoteStage(ctx context.Context, work, fixed []*model.TrainRun) ([]*model.TrainRun, error) {
	before := o.det.Detect(combine(fixed, work))
	req, refs := remoteopt.BuildRequest(work, fixed, o.net, before, o.cfg.RemoteIterations, o.cfg.RemotePopulation)
	resp, err := o.remote.Optimize(ctx, req)
	if err != nil {
		// Remote failures are always recoverable: proceed without it.
		if o.log != nil {
			o.log.Warnf("pipeline: remote optimizer unavailable: %v", err)
		}
		return nil, nil
	}
	if resp == nil || !resp.Success || resp.Confidence < o.cfg.MinConfidence {
		if o.log != nil && resp != nil {
			o.log.Infof("pipeline: remote suggestions below confidence threshold (%.2f)", resp.Confidence)
		}
		return nil, nil
	}

	snapshot := model.CloneAll(work)
	byID := make(map[string]*model.TrainRun, len(work))
	for _, t := range work {
		byID[t.ID] = t
	}
	applied := remoteopt.ApplySuggestions(resp, refs, byID)
	if applied == 0 {
		return nil, nil
	}
	if err := o.refresh(work); err != nil {
		return snapshot, nil
	}
	after := o.det.Detect(combine(fixed, work))
	if len(after) > len(before)+o.cfg.ConflictTolerance {
		if o.log != nil {
			o.log.Warnf("pipeline: remote suggestions worsened conflicts (%d -> %d), rolling back",
				len(before), len(after))
		}
		return snapshot, nil
	}
	if o.log != nil {
		o.log.Infof("pipeline: applied %d remote suggestions (%d -> %d conflicts)",
			applied, len(before), len(after))
	}
	return nil, nil
}

// geneticStage runs the refiner as the final cleanup pass.
func (o *Orchestrator) geneticStage(ctx context.Context, runID string, work, fixed []*model.TrainRun) error {
	outcome, err := o.refiner.Refine(ctx, work, fixed)
	if err != nil {
		return err
	}
	copy(work, outcome.Trains)
	if rec, ok := o.sink.(metrics.RefinerRecorder); ok && outcome.Best != nil {
		if err := rec.RecordRefiner(metrics.RefinerResult{
			RunID: runID, Generations: outcome.Generations,
			BestFitness: outcome.Best.Fitness, Residual: len(outcome.Conflicts),
			Time: time.Now(),
		}); err != nil && o.log != nil {
			o.log.Warnf("pipeline: record refiner: %v", err)
		}
	}
	return nil
}

func (o *Orchestrator) publish(ev eventbus.Event) {
	if o.bus != nil {
		o.bus.Publish(ev)
	}
}

func combine(fixed, work []*model.TrainRun) []*model.TrainRun {
	return append(append([]*model.TrainRun{}, fixed...), work...)
}
