package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fdcrail/railsched/core/conflict"
	"github.com/fdcrail/railsched/core/ctc"
	"github.com/fdcrail/railsched/core/events"
	"github.com/fdcrail/railsched/core/genetic"
	"github.com/fdcrail/railsched/core/graph"
	"github.com/fdcrail/railsched/core/metrics"
	"github.com/fdcrail/railsched/core/model"
	"github.com/fdcrail/railsched/core/physics"
	"github.com/fdcrail/railsched/core/remoteopt"
	"github.com/fdcrail/railsched/core/timetable"
	"github.com/fdcrail/railsched/infra/logger"
	"github.com/fdcrail/railsched/internal/eventbus"
)

var t0 = time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu       sync.Mutex
	stages   []metrics.StageResult
	runs     []metrics.RunResult
	refiners []metrics.RefinerResult
}

func (s *recordingSink) RecordStage(res metrics.StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, res)
	return nil
}

func (s *recordingSink) RecordRun(res metrics.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, res)
	return nil
}

func (s *recordingSink) RecordRefiner(res metrics.RefinerResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refiners = append(s.refiners, res)
	return nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *recordingBus) Publish(e eventbus.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}
func (b *recordingBus) Subscribe() <-chan eventbus.Event  { return nil }
func (b *recordingBus) Unsubscribe(<-chan eventbus.Event) {}
func (b *recordingBus) Close()                            {}

type fakeRemote struct {
	req  *remoteopt.Request
	resp *remoteopt.Response
	err  error
}

func (f *fakeRemote) Optimize(_ context.Context, req *remoteopt.Request) (*remoteopt.Response, error) {
	f.req = req
	return f.resp, f.err
}

// loopNet is the single-track line A - P - B with a passing loop at P.
func loopNet() *model.Network {
	return model.NewNetwork(
		[]*model.Station{
			{ID: "A", Platforms: 2},
			{ID: "P", Platforms: 2},
			{ID: "B", Platforms: 2},
		},
		[]*model.Track{
			{ID: "ap", From: "A", To: "P", LengthKm: 30, Kind: model.TrackSingle, SpeedLimitKmh: 60},
			{ID: "pb", From: "P", To: "B", LengthKm: 30, Kind: model.TrackSingle, SpeedLimitKmh: 60},
		},
	)
}

type fixture struct {
	orch *Orchestrator
	net  *model.Network
	sink *recordingSink
	bus  *recordingBus
}

func newFixture(cfg Config, net *model.Network, remote remoteopt.Optimizer) *fixture {
	calc := timetable.New(graph.New(net), physics.KinematicEngine{})
	det := conflict.NewDetector(net, calc, logger.NopLogger{})
	resolver := ctc.NewResolver(ctc.Config{}, net, calc, det, logger.NopLogger{})
	refiner := genetic.NewRefiner(genetic.Config{Population: 30, Generations: 40, MinGenerations: 2, Seed: 21},
		net, calc, det, logger.NopLogger{})
	sink := &recordingSink{}
	bus := &recordingBus{}
	orch := New(cfg, net, calc, det, resolver, refiner, remote, logger.NopLogger{}, sink, bus)
	return &fixture{orch: orch, net: net, sink: sink, bus: bus}
}

func run(id string, dep time.Time, stations ...string) *model.TrainRun {
	stops := make([]*model.Stop, len(stations))
	for i, s := range stations {
		stops[i] = &model.Stop{StationID: s}
	}
	return &model.TrainRun{ID: id, Departure: dep, MaxSpeedKmh: 120, Stops: stops}
}

func TestOptimize_ResolvesCrossing(t *testing.T) {
	f := newFixture(Config{}, loopNet(), nil)
	east := run("east", t0, "A", "P", "B")
	west := run("west", t0.Add(10*time.Minute), "B", "P", "A")

	res, err := f.orch.Optimize(context.Background(), []*model.TrainRun{east, west}, nil)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if !res.Resolved || len(res.Conflicts) != 0 {
		t.Fatalf("expected a fully resolved crossing, got resolved=%t conflicts=%v", res.Resolved, res.Conflicts)
	}
	if res.Cancelled {
		t.Error("run must not report cancellation")
	}
	if res.RunID == "" {
		t.Error("run needs an identifier")
	}
	// Inputs stay untouched; the result carries the adjusted copies.
	if !east.Departure.Equal(t0) {
		t.Errorf("input train mutated: %v", east.Departure)
	}
	if len(res.Trains) != 2 {
		t.Fatalf("expected both trains in the result, got %d", len(res.Trains))
	}
}

func TestOptimize_StagesAndTelemetry(t *testing.T) {
	f := newFixture(Config{}, loopNet(), nil)
	east := run("east", t0, "A", "P", "B")
	west := run("west", t0.Add(10*time.Minute), "B", "P", "A")

	res, err := f.orch.Optimize(context.Background(), []*model.TrainRun{east, west}, nil)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}

	want := []string{
		"departure_search", "physical_refresh", "hotspot_analysis",
		"crossing_resolution", "physical_refresh_2", "genetic_refinement",
	}
	if len(res.StagesRun) != len(want) {
		t.Fatalf("stages run: %v", res.StagesRun)
	}
	for i, name := range want {
		if res.StagesRun[i] != name {
			t.Fatalf("stage %d: got %s want %s", i, res.StagesRun[i], name)
		}
	}

	if len(f.sink.stages) != len(want) {
		t.Errorf("expected %d stage records, got %d", len(want), len(f.sink.stages))
	}
	if len(f.sink.runs) != 1 {
		t.Fatalf("expected one run record, got %d", len(f.sink.runs))
	}
	if f.sink.runs[0].RunID != res.RunID || f.sink.runs[0].Resolved != res.Resolved {
		t.Errorf("run record out of sync: %+v vs result %s/%t", f.sink.runs[0], res.RunID, res.Resolved)
	}
	if len(f.sink.refiners) != 1 {
		t.Errorf("expected one refiner record, got %d", len(f.sink.refiners))
	}

	// The disabled remote stage is announced as skipped on the bus.
	skipped := false
	var runEvents int
	for _, e := range f.bus.events {
		switch ev := e.(type) {
		case events.StageEvent:
			if ev.Stage == "remote_optimization" && ev.Status == events.StageSkipped {
				skipped = true
			}
		case events.RunEvent:
			runEvents++
			if ev.RunID != res.RunID {
				t.Errorf("run event for wrong run: %s", ev.RunID)
			}
		}
	}
	if !skipped {
		t.Error("expected a skipped event for the remote stage")
	}
	if runEvents != 1 {
		t.Errorf("expected exactly one run event, got %d", runEvents)
	}
}

func TestOptimize_ConflictFreeInputStaysPut(t *testing.T) {
	f := newFixture(Config{}, loopNet(), nil)
	east := run("east", t0, "A", "P", "B")
	west := run("west", t0.Add(3*time.Hour), "B", "P", "A")

	res, err := f.orch.Optimize(context.Background(), []*model.TrainRun{east, west}, nil)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if !res.Resolved {
		t.Fatalf("conflict-free input must resolve, conflicts %v", res.Conflicts)
	}
	if !res.Trains[0].Departure.Equal(t0) || !res.Trains[1].Departure.Equal(t0.Add(3*time.Hour)) {
		t.Fatalf("departures moved without need: %v / %v", res.Trains[0].Departure, res.Trains[1].Departure)
	}
	if len(res.Hotspots) != 0 {
		t.Errorf("no conflicts means no hotspots, got %v", res.Hotspots)
	}
}

// fleetNet spreads twenty independent three-station single-track branches,
// sixty stations in total.
func fleetNet() *model.Network {
	var stations []*model.Station
	var tracks []*model.Track
	for i := 0; i < 20; i++ {
		a := fmt.Sprintf("s%02da", i)
		b := fmt.Sprintf("s%02db", i)
		c := fmt.Sprintf("s%02dc", i)
		stations = append(stations,
			&model.Station{ID: a, Platforms: 2},
			&model.Station{ID: b, Platforms: 2},
			&model.Station{ID: c, Platforms: 2},
		)
		tracks = append(tracks,
			&model.Track{ID: a + b, From: a, To: b, LengthKm: 30, Kind: model.TrackSingle, SpeedLimitKmh: 60},
			&model.Track{ID: b + c, From: b, To: c, LengthKm: 30, Kind: model.TrackSingle, SpeedLimitKmh: 60},
		)
	}
	return model.NewNetwork(stations, tracks)
}

func TestOptimize_FleetWithoutConflictsKeepsDepartures(t *testing.T) {
	f := newFixture(Config{}, fleetNet(), nil)
	var fleet []*model.TrainRun
	for i := 0; i < 20; i++ {
		a := fmt.Sprintf("s%02da", i)
		b := fmt.Sprintf("s%02db", i)
		c := fmt.Sprintf("s%02dc", i)
		// Two same-direction trains per branch at 80-minute headway on
		// 30-minute legs: every occupancy window stays disjoint.
		fleet = append(fleet,
			run(fmt.Sprintf("t%02dx", i), t0, a, b, c),
			run(fmt.Sprintf("t%02dy", i), t0.Add(80*time.Minute), a, b, c),
		)
	}

	res, err := f.orch.Optimize(context.Background(), fleet, nil)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if !res.Resolved || len(res.Conflicts) != 0 {
		t.Fatalf("fleet must stay conflict-free, got resolved=%t conflicts=%d", res.Resolved, len(res.Conflicts))
	}
	if len(res.Trains) != 40 {
		t.Fatalf("expected 40 trains back, got %d", len(res.Trains))
	}
	for j, tr := range res.Trains {
		want := t0
		if j%2 == 1 {
			want = t0.Add(80 * time.Minute)
		}
		if !tr.Departure.Equal(want) {
			t.Fatalf("train %s departure moved to %v, want %v", tr.ID, tr.Departure, want)
		}
	}
}

func TestOptimize_NewTrainYieldsToExisting(t *testing.T) {
	f := newFixture(Config{}, loopNet(), nil)
	west := run("west", t0.Add(10*time.Minute), "B", "P", "A")
	east := run("east", t0, "A", "P", "B")

	res, err := f.orch.Optimize(context.Background(), []*model.TrainRun{east}, []*model.TrainRun{west})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if !res.Resolved || len(res.Conflicts) != 0 {
		t.Fatalf("expected resolution, got resolved=%t conflicts=%v", res.Resolved, res.Conflicts)
	}
	if !west.Departure.Equal(t0.Add(10 * time.Minute)) {
		t.Fatalf("existing train mutated: %v", west.Departure)
	}
	for i := range west.Stops {
		if west.Stops[i].MinDwell != 0 || west.Stops[i].ExtraDwell != 0 {
			t.Fatalf("existing train dwell mutated at stop %d", i)
		}
	}
}

func TestOptimize_InvalidTrain(t *testing.T) {
	f := newFixture(Config{}, loopNet(), nil)
	bad := &model.TrainRun{ID: "bad", MaxSpeedKmh: 100, Stops: []*model.Stop{{StationID: "A"}}}
	if _, err := f.orch.Optimize(context.Background(), []*model.TrainRun{bad}, nil); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestOptimize_Cancelled(t *testing.T) {
	f := newFixture(Config{}, loopNet(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	east := run("east", t0, "A", "P", "B")
	res, err := f.orch.Optimize(ctx, []*model.TrainRun{east}, nil)
	if err != nil {
		t.Fatalf("cancellation must not be an error: %v", err)
	}
	if !res.Cancelled || res.Resolved {
		t.Fatalf("expected a cancelled, unresolved result: %+v", res)
	}
	if len(res.StagesRun) != 0 {
		t.Fatalf("no stage should run under a cancelled context: %v", res.StagesRun)
	}
	if len(res.Trains) != 1 {
		t.Fatal("even a cancelled run returns a schedule")
	}
}

func TestOptimize_RemoteSuggestionsApplied(t *testing.T) {
	remote := &fakeRemote{resp: &remoteopt.Response{
		Success:    true,
		Confidence: 0.9,
		Suggestions: []remoteopt.Suggestion{
			{TrainRef: 0, TimeAdjustmentMinutes: 10},
		},
	}}
	f := newFixture(Config{RemoteEnabled: true, RemoteIterations: 77, RemotePopulation: 11}, loopNet(), remote)
	east := run("east", t0, "A", "P", "B")
	west := run("west", t0.Add(3*time.Hour), "B", "P", "A")

	res, err := f.orch.Optimize(context.Background(), []*model.TrainRun{east, west}, nil)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if remote.req == nil {
		t.Fatal("remote optimizer was never consulted")
	}
	if remote.req.Iterations != 77 || remote.req.Population != 11 {
		t.Errorf("hyperparameters not forwarded: %d/%d", remote.req.Iterations, remote.req.Population)
	}
	if len(remote.req.Trains) != 2 || remote.req.Trains[0].ID != "east" || remote.req.Trains[0].Existing {
		t.Errorf("request trains malformed: %+v", remote.req.Trains)
	}
	// The harmless ten minute shift survives both the tolerance check and
	// the genetic stage, which anchors on the adjusted schedule.
	if !res.Trains[0].Departure.Equal(t0.Add(10 * time.Minute)) {
		t.Errorf("suggestion not applied: departure %v", res.Trains[0].Departure)
	}
	if !res.Resolved {
		t.Errorf("run should stay resolved, conflicts %v", res.Conflicts)
	}
}

func TestOptimize_RemoteFailureIsRecoverable(t *testing.T) {
	remote := &fakeRemote{err: context.DeadlineExceeded}
	f := newFixture(Config{RemoteEnabled: true}, loopNet(), remote)
	east := run("east", t0, "A", "P", "B")

	res, err := f.orch.Optimize(context.Background(), []*model.TrainRun{east}, nil)
	if err != nil {
		t.Fatalf("remote failure must not abort the run: %v", err)
	}
	if !res.Resolved {
		t.Fatalf("single train must resolve, conflicts %v", res.Conflicts)
	}
	hasRemote := false
	for _, s := range res.StagesRun {
		if s == "remote_optimization" {
			hasRemote = true
		}
	}
	if !hasRemote {
		t.Error("remote stage should have run despite the failure")
	}
}

func TestRemoteStage_LowConfidenceIgnored(t *testing.T) {
	remote := &fakeRemote{resp: &remoteopt.Response{
		Success:     true,
		Confidence:  0.05,
		Suggestions: []remoteopt.Suggestion{{TrainRef: 0, TimeAdjustmentMinutes: 30}},
	}}
	f := newFixture(Config{RemoteEnabled: true}, loopNet(), remote)
	east := run("east", t0, "A", "P", "B")
	work := []*model.TrainRun{east.Clone()}
	if err := f.orch.calc.ApplyAll(work); err != nil {
		t.Fatalf("apply: %v", err)
	}

	next, err := f.orch.remoteStage(context.Background(), work, nil)
	if err != nil {
		t.Fatalf("remote stage: %v", err)
	}
	if next != nil {
		t.Fatal("low confidence must be a silent no-op, not a rollback")
	}
	if !work[0].Departure.Equal(t0) {
		t.Fatalf("low confidence suggestion was applied: %v", work[0].Departure)
	}
}

func TestRemoteStage_WorseningSuggestionRolledBack(t *testing.T) {
	// The suggestion parks the new train at the single-platform loop for
	// four hours, colliding with three staggered existing trains.
	net := model.NewNetwork(
		[]*model.Station{
			{ID: "A", Platforms: 2},
			{ID: "P", Platforms: 1},
			{ID: "B", Platforms: 2},
		},
		[]*model.Track{
			{ID: "ap", From: "A", To: "P", LengthKm: 30, Kind: model.TrackSingle, SpeedLimitKmh: 60},
			{ID: "pb", From: "P", To: "B", LengthKm: 30, Kind: model.TrackSingle, SpeedLimitKmh: 60},
		},
	)
	remote := &fakeRemote{resp: &remoteopt.Response{
		Success:    true,
		Confidence: 0.9,
		Suggestions: []remoteopt.Suggestion{
			{TrainRef: 0, DwellDelays: []remoteopt.DwellDelay{{Station: "P", DelayMinutes: 240}}},
		},
	}}
	f := newFixture(Config{RemoteEnabled: true}, net, remote)

	east := run("east", t0, "A", "P", "B")
	east.Stops[1].MinDwell = 5 * time.Minute
	work := []*model.TrainRun{east}
	var fixed []*model.TrainRun
	for i, dep := range []time.Duration{110, 170, 230} {
		w := run(fmt.Sprintf("west%d", i+1), t0.Add(dep*time.Minute), "B", "P", "A")
		w.Stops[1].MinDwell = 10 * time.Minute
		fixed = append(fixed, w)
	}
	if err := f.orch.calc.ApplyAll(work); err != nil {
		t.Fatalf("apply work: %v", err)
	}
	if err := f.orch.calc.ApplyAll(fixed); err != nil {
		t.Fatalf("apply fixed: %v", err)
	}
	if before := f.orch.det.Detect(combine(fixed, work)); len(before) != 0 {
		t.Fatalf("fixture must start conflict free, got %v", before)
	}

	next, err := f.orch.remoteStage(context.Background(), work, fixed)
	if err != nil {
		t.Fatalf("remote stage: %v", err)
	}
	if next == nil {
		t.Fatal("expected a rollback snapshot")
	}
	copy(work, next)
	if err := f.orch.calc.ApplyAll(work); err != nil {
		t.Fatalf("apply after rollback: %v", err)
	}
	if work[0].Stops[1].ExtraDwell != 0 {
		t.Fatalf("rollback did not restore dwell: %v", work[0].Stops[1].ExtraDwell)
	}
	if after := f.orch.det.Detect(combine(fixed, work)); len(after) != 0 {
		t.Fatalf("rollback left conflicts: %v", after)
	}
}
