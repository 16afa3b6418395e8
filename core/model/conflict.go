package model

import (
	"fmt"
	"time"
)

// Conflict records a pairwise resource contention between two trains. The
// window [Start, End) is the strict overlap of the two occupancy intervals at
// the resource named by Location: a station ID for platform conflicts, a
// SegmentKey for track-segment conflicts.
type Conflict struct {
	TrainA   string
	TrainB   string
	Location string
	Start    time.Time
	End      time.Time
	Capacity int
}

// Segment reports whether the conflict is on a track segment.
func (c Conflict) Segment() bool { return IsSegmentKey(c.Location) }

// Involves reports whether the given train is part of the conflict.
func (c Conflict) Involves(trainID string) bool {
	return c.TrainA == trainID || c.TrainB == trainID
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s/%s at %s [%s, %s)", c.TrainA, c.TrainB, c.Location,
		c.Start.Format(time.TimeOnly), c.End.Format(time.TimeOnly))
}

// Overlap reports whether [s1,e1) and [s2,e2) intersect, and returns the
// tightest common window when they do.
func Overlap(s1, e1, s2, e2 time.Time) (time.Time, time.Time, bool) {
	if !s1.Before(e2) || !s2.Before(e1) {
		return time.Time{}, time.Time{}, false
	}
	start, end := s1, e1
	if s2.After(start) {
		start = s2
	}
	if e2.Before(end) {
		end = e2
	}
	return start, end, true
}

// ConflictTrains returns the set of train IDs involved in any conflict.
func ConflictTrains(conflicts []Conflict) map[string]bool {
	set := make(map[string]bool, len(conflicts)*2)
	for _, c := range conflicts {
		set[c.TrainA] = true
		set[c.TrainB] = true
	}
	return set
}
