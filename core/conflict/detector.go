// Package conflict detects resource contention between scheduled trains:
// station platform overflow and track-segment mutual exclusion.
package conflict

import (
	"sort"
	"time"

	"github.com/fdcrail/railsched/core/logger"
	"github.com/fdcrail/railsched/core/model"
)

// PathSource resolves the ordered physical tracks between two stations.
// Both graph.Graph and the memoizing timetable.Calculator satisfy it.
type PathSource interface {
	PathEdges(from, to string) ([]*model.Track, error)
}

// Detector reports pairwise conflicts over computed schedules. Every reported
// conflict carries the resource's effective capacity so downstream stages can
// tell single-track segments apart. Safe for concurrent use as long as the
// trains it inspects are not mutated concurrently.
type Detector struct {
	net   *model.Network
	paths PathSource
	log   logger.Logger
}

// NewDetector returns a Detector over the given network.
func NewDetector(net *model.Network, paths PathSource, log logger.Logger) *Detector {
	return &Detector{net: net, paths: paths, log: log}
}

type occupation struct {
	trainID    string
	start, end time.Time
}

// Detect returns every station and segment conflict among the given trains.
// Schedules must already be computed (see timetable.Calculator).
func (d *Detector) Detect(trains []*model.TrainRun) []model.Conflict {
	out := d.stationConflicts(trains)
	out = append(out, d.segmentConflicts(trains)...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Location < out[j].Location
	})
	return out
}

// stationConflicts flags the k+1-th simultaneous dweller beyond a station's
// platform count. The newcomer is paired with the latest-starting occupant it
// overlaps.
func (d *Detector) stationConflicts(trains []*model.TrainRun) []model.Conflict {
	perStation := make(map[string][]occupation)
	for _, t := range trains {
		for _, stop := range t.Stops {
			start, end, ok := dwellWindow(t, stop)
			if !ok {
				continue
			}
			perStation[stop.StationID] = append(perStation[stop.StationID], occupation{t.ID, start, end})
		}
	}

	var out []model.Conflict
	for _, id := range sortedKeys(perStation) {
		st := d.net.Station(id)
		capacity := 1
		if st != nil && st.Platforms > 0 {
			capacity = st.Platforms
		}
		occs := perStation[id]
		sort.Slice(occs, func(i, j int) bool { return occs[i].start.Before(occs[j].start) })

		var active []occupation
		for _, o := range occs {
			kept := active[:0]
			for _, a := range active {
				if a.end.After(o.start) {
					kept = append(kept, a)
				}
			}
			active = kept
			if len(active) >= capacity {
				other := active[len(active)-1]
				if s, e, ok := model.Overlap(o.start, o.end, other.start, other.end); ok && o.trainID != other.trainID {
					out = append(out, model.Conflict{
						TrainA: other.trainID, TrainB: o.trainID,
						Location: id, Start: s, End: e, Capacity: capacity,
					})
				}
			}
			active = append(active, o)
		}
	}
	return out
}

// segmentConflicts checks the occupancy of every physical track segment. A
// train occupies each segment of a leg for the whole window between its
// departure from the previous stop and its arrival at the next one.
func (d *Detector) segmentConflicts(trains []*model.TrainRun) []model.Conflict {
	type segment struct {
		capacity int
		occs     []occupation
	}
	segments := make(map[string]*segment)

	for _, t := range trains {
		for i := 0; i+1 < len(t.Stops); i++ {
			dep := t.Stops[i].Departure
			arr := t.Stops[i+1].Arrival
			if dep.IsZero() || arr.IsZero() || !dep.Before(arr) {
				continue
			}
			edges, err := d.paths.PathEdges(t.Stops[i].StationID, t.Stops[i+1].StationID)
			if err != nil {
				if d.log != nil {
					d.log.Warnf("conflict: no route %s->%s for %s: %v",
						t.Stops[i].StationID, t.Stops[i+1].StationID, t.ID, err)
				}
				continue
			}
			for _, e := range edges {
				key := model.SegmentKey(e.From, e.To)
				seg := segments[key]
				if seg == nil {
					seg = &segment{capacity: e.EffectiveCapacity()}
					segments[key] = seg
				}
				seg.occs = append(seg.occs, occupation{t.ID, dep, arr})
			}
		}
	}

	var out []model.Conflict
	for _, key := range sortedKeys(segments) {
		seg := segments[key]
		sort.Slice(seg.occs, func(i, j int) bool { return seg.occs[i].start.Before(seg.occs[j].start) })
		if seg.capacity <= 1 {
			// Mutually exclusive occupancy: every overlapping pair conflicts.
			for i := 0; i < len(seg.occs); i++ {
				for j := i + 1; j < len(seg.occs); j++ {
					a, b := seg.occs[i], seg.occs[j]
					if a.trainID == b.trainID {
						continue
					}
					if s, e, ok := model.Overlap(a.start, a.end, b.start, b.end); ok {
						out = append(out, model.Conflict{
							TrainA: a.trainID, TrainB: b.trainID,
							Location: key, Start: s, End: e, Capacity: 1,
						})
					}
				}
			}
			continue
		}
		var active []occupation
		for _, o := range seg.occs {
			kept := active[:0]
			for _, a := range active {
				if a.end.After(o.start) {
					kept = append(kept, a)
				}
			}
			active = kept
			if len(active) >= seg.capacity {
				other := active[len(active)-1]
				if s, e, ok := model.Overlap(o.start, o.end, other.start, other.end); ok && o.trainID != other.trainID {
					out = append(out, model.Conflict{
						TrainA: other.trainID, TrainB: o.trainID,
						Location: key, Start: s, End: e, Capacity: seg.capacity,
					})
				}
			}
			active = append(active, o)
		}
	}
	return out
}

// SingleTrack filters conflicts down to capacity-1 segment contention, the
// input of the crossing resolver.
func SingleTrack(conflicts []model.Conflict) []model.Conflict {
	var out []model.Conflict
	for _, c := range conflicts {
		if c.Segment() && c.Capacity <= 1 {
			out = append(out, c)
		}
	}
	return out
}

// dwellWindow returns the platform occupancy interval of a stop. The origin
// occupies its platform from the run's base departure instant; a terminus
// holds its platform for the declared dwell after arrival.
func dwellWindow(t *model.TrainRun, stop *model.Stop) (time.Time, time.Time, bool) {
	if stop.Skip {
		return time.Time{}, time.Time{}, false
	}
	start, end := stop.Arrival, stop.Departure
	if start.IsZero() {
		start = t.Departure
	}
	if end.IsZero() {
		end = start.Add(stop.Dwell())
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
