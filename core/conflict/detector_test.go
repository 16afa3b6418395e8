package conflict

import (
	"testing"
	"time"

	"github.com/fdcrail/railsched/core/graph"
	"github.com/fdcrail/railsched/core/model"
	"github.com/fdcrail/railsched/infra/logger"
)

var t0 = time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)

func singleTrackNet() *model.Network {
	return model.NewNetwork(
		[]*model.Station{
			{ID: "A", Platforms: 2},
			{ID: "B", Platforms: 1},
			{ID: "C", Platforms: 2},
		},
		[]*model.Track{
			{ID: "ab", From: "A", To: "B", LengthKm: 20, Kind: model.TrackSingle},
			{ID: "bc", From: "B", To: "C", LengthKm: 20, Kind: model.TrackSingle},
		},
	)
}

func newTestDetector(net *model.Network) *Detector {
	return NewDetector(net, graph.New(net), logger.NopLogger{})
}

// scheduledRun builds a two-stop run with explicit computed instants.
func scheduledRun(id, from, to string, dep, arr time.Time, dwell time.Duration) *model.TrainRun {
	return &model.TrainRun{
		ID: id, Departure: dep, MaxSpeedKmh: 100,
		Stops: []*model.Stop{
			{StationID: from, Departure: dep},
			{StationID: to, MinDwell: dwell, Arrival: arr},
		},
	}
}

func TestDetect_DisjointWindows(t *testing.T) {
	det := newTestDetector(singleTrackNet())
	trains := []*model.TrainRun{
		scheduledRun("r1", "A", "B", t0, t0.Add(20*time.Minute), 2*time.Minute),
		scheduledRun("r2", "A", "B", t0.Add(30*time.Minute), t0.Add(50*time.Minute), 2*time.Minute),
	}
	if got := det.Detect(trains); len(got) != 0 {
		t.Fatalf("expected no conflicts, got %v", got)
	}
}

func TestDetect_SingleTrackOverlap(t *testing.T) {
	det := newTestDetector(singleTrackNet())
	trains := []*model.TrainRun{
		scheduledRun("r1", "A", "B", t0, t0.Add(20*time.Minute), 0),
		scheduledRun("r2", "C", "B", t0.Add(5*time.Minute), t0.Add(25*time.Minute), 0),
		// Opposite direction over the same segment as r1.
		scheduledRun("r3", "B", "A", t0.Add(10*time.Minute), t0.Add(30*time.Minute), 0),
	}
	got := det.Detect(trains)

	var ab []model.Conflict
	for _, c := range got {
		if c.Location == model.SegmentKey("A", "B") {
			ab = append(ab, c)
		}
	}
	if len(ab) != 1 {
		t.Fatalf("expected exactly one conflict on A-B, got %v", got)
	}
	c := ab[0]
	if !c.Involves("r1") || !c.Involves("r3") {
		t.Fatalf("conflict pairs wrong trains: %v", c)
	}
	if c.Capacity != 1 || !c.Segment() {
		t.Fatalf("expected capacity-1 segment conflict, got %v", c)
	}
	// Tightest window: later start, earlier end.
	if !c.Start.Equal(t0.Add(10*time.Minute)) || !c.End.Equal(t0.Add(20*time.Minute)) {
		t.Fatalf("window [%v,%v) not the overlap of the two legs", c.Start, c.End)
	}
}

func TestDetect_SegmentWindowCoversWholeLeg(t *testing.T) {
	// A multi-stop leg A->C occupies both physical segments for the full
	// window, so a train on B-C alone still clashes with it.
	det := newTestDetector(singleTrackNet())
	through := &model.TrainRun{
		ID: "thru", Departure: t0, MaxSpeedKmh: 100,
		Stops: []*model.Stop{
			{StationID: "A", Departure: t0},
			{StationID: "C", Arrival: t0.Add(40 * time.Minute)},
		},
	}
	local := scheduledRun("local", "C", "B", t0.Add(10*time.Minute), t0.Add(30*time.Minute), 0)

	got := det.Detect([]*model.TrainRun{through, local})
	found := false
	for _, c := range got {
		if c.Location == model.SegmentKey("B", "C") && c.Involves("thru") && c.Involves("local") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a B-C conflict between thru and local, got %v", got)
	}
}

func TestDetect_PlatformOverflow(t *testing.T) {
	det := newTestDetector(singleTrackNet())
	// Three trains dwelling at B (1 platform) at once: the second and third
	// arrivals each trigger one conflict.
	var trains []*model.TrainRun
	for i, id := range []string{"r1", "r2", "r3"} {
		dep := t0.Add(time.Duration(i) * time.Minute)
		trains = append(trains, scheduledRun(id, "A", "B", dep, dep.Add(20*time.Minute), 10*time.Minute))
	}
	got := det.Detect(trains)

	var atB []model.Conflict
	for _, c := range got {
		if c.Location == "B" {
			atB = append(atB, c)
		}
	}
	if len(atB) != 2 {
		t.Fatalf("expected 2 platform conflicts at B, got %v", got)
	}
	for _, c := range atB {
		if c.Segment() || c.Capacity != 1 {
			t.Fatalf("platform conflict misreported: %v", c)
		}
	}
}

func TestDetect_PlatformCapacityRespected(t *testing.T) {
	net := model.NewNetwork(
		[]*model.Station{
			{ID: "A", Platforms: 3},
			{ID: "B", Platforms: 2},
		},
		[]*model.Track{{ID: "ab", From: "A", To: "B", LengthKm: 20, Kind: model.TrackDouble, Capacity: 3}},
	)
	det := newTestDetector(net)
	trains := []*model.TrainRun{
		scheduledRun("r1", "A", "B", t0, t0.Add(20*time.Minute), 10*time.Minute),
		scheduledRun("r2", "A", "B", t0.Add(time.Minute), t0.Add(21*time.Minute), 10*time.Minute),
	}
	if got := det.Detect(trains); len(got) != 0 {
		t.Fatalf("two dwellers fit two platforms, got %v", got)
	}

	trains = append(trains, scheduledRun("r3", "A", "B", t0.Add(2*time.Minute), t0.Add(22*time.Minute), 10*time.Minute))
	got := det.Detect(trains)
	if len(got) != 1 || got[0].Location != "B" || got[0].Capacity != 2 {
		t.Fatalf("expected one overflow at B with capacity 2, got %v", got)
	}
}

func TestDetect_MorePlatformsNeverAddConflicts(t *testing.T) {
	// Four trains dwell at B simultaneously; the identical schedule is
	// re-checked with one more platform each round. The wide track keeps
	// segment occupancy out of the tally.
	var trains []*model.TrainRun
	for i, id := range []string{"r1", "r2", "r3", "r4"} {
		dep := t0.Add(time.Duration(i) * time.Minute)
		trains = append(trains, scheduledRun(id, "A", "B", dep, dep.Add(20*time.Minute), 30*time.Minute))
	}

	prev := -1
	for n := 1; n <= 4; n++ {
		net := model.NewNetwork(
			[]*model.Station{
				{ID: "A", Platforms: 4},
				{ID: "B", Platforms: n},
			},
			[]*model.Track{{ID: "ab", From: "A", To: "B", LengthKm: 20, Kind: model.TrackDouble, Capacity: 4}},
		)
		got := len(newTestDetector(net).Detect(trains))
		if prev >= 0 && got > prev {
			t.Fatalf("raising platforms %d -> %d increased conflicts %d -> %d", n-1, n, prev, got)
		}
		prev = got
	}
	if prev != 0 {
		t.Fatalf("four platforms must absorb four dwellers, got %d conflicts", prev)
	}
}

func TestDetect_SkippedStopHoldsNoPlatform(t *testing.T) {
	det := newTestDetector(singleTrackNet())
	dweller := scheduledRun("dweller", "A", "B", t0, t0.Add(20*time.Minute), 10*time.Minute)
	pass := scheduledRun("pass", "C", "B", t0, t0.Add(25*time.Minute), 10*time.Minute)
	pass.Stops[1].Skip = true
	got := det.Detect([]*model.TrainRun{dweller, pass})
	for _, c := range got {
		if c.Location == "B" {
			t.Fatalf("skipped stop must not contend for a platform: %v", c)
		}
	}
}

func TestDetect_SortedOutput(t *testing.T) {
	det := newTestDetector(singleTrackNet())
	trains := []*model.TrainRun{
		scheduledRun("r1", "A", "B", t0, t0.Add(20*time.Minute), 10*time.Minute),
		scheduledRun("r2", "B", "A", t0.Add(5*time.Minute), t0.Add(25*time.Minute), 10*time.Minute),
		scheduledRun("r3", "A", "B", t0.Add(6*time.Minute), t0.Add(26*time.Minute), 10*time.Minute),
	}
	got := det.Detect(trains)
	for i := 1; i < len(got); i++ {
		if got[i].Start.Before(got[i-1].Start) {
			t.Fatalf("conflicts not sorted by start: %v", got)
		}
	}
}

func TestSingleTrackFilter(t *testing.T) {
	in := []model.Conflict{
		{TrainA: "a", TrainB: "b", Location: "B", Capacity: 1},
		{TrainA: "a", TrainB: "b", Location: model.SegmentKey("A", "B"), Capacity: 1},
		{TrainA: "a", TrainB: "b", Location: model.SegmentKey("B", "C"), Capacity: 2},
	}
	got := SingleTrack(in)
	if len(got) != 1 || got[0].Location != model.SegmentKey("A", "B") {
		t.Fatalf("expected only the capacity-1 segment, got %v", got)
	}
}

func TestHotspots(t *testing.T) {
	conflicts := []model.Conflict{
		{TrainA: "a", TrainB: "b", Location: model.SegmentKey("A", "B"), Capacity: 1},
		{TrainA: "a", TrainB: "c", Location: model.SegmentKey("A", "B"), Capacity: 1},
		{TrainA: "b", TrainB: "c", Location: "B"},
		{TrainA: "a", TrainB: "b", Location: "B"},
		{TrainA: "a", TrainB: "d", Location: "B"},
		{TrainA: "b", TrainB: "d", Location: "B"},
		{TrainA: "a", TrainB: "c", Location: "C"},
	}
	got := Hotspots(conflicts)
	if len(got) != 3 {
		t.Fatalf("expected 3 stations, got %v", got)
	}
	if got[0].StationID != "B" || got[0].Count != 6 {
		t.Fatalf("B should lead with 6 occurrences, got %v", got[0])
	}
	if got[1].StationID != "A" || got[1].Count != 2 {
		t.Fatalf("A should follow with 2, got %v", got[1])
	}
	if !got[0].Severe {
		t.Errorf("B is more than one deviation above the mean, expected severe")
	}
	if got[2].Severe {
		t.Errorf("C must not be severe: %v", got[2])
	}
}

func TestHotspots_Empty(t *testing.T) {
	if got := Hotspots(nil); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}
