package conflict

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/fdcrail/railsched/core/model"
)

// Hotspot is a station ranked by how often it appears in conflicts. Segment
// conflicts attribute to both endpoint stations.
type Hotspot struct {
	StationID string
	Count     int
	// Severe marks stations whose count exceeds the mean by more than one
	// standard deviation across all implicated stations.
	Severe bool
}

// Hotspots tallies conflict occurrences per station and returns them sorted
// by descending count, ties broken by station ID. Informational only: it
// never mutates schedules.
func Hotspots(conflicts []model.Conflict) []Hotspot {
	counts := make(map[string]int)
	for _, c := range conflicts {
		if c.Segment() {
			a, b := model.SplitSegmentKey(c.Location)
			counts[a]++
			counts[b]++
		} else {
			counts[c.Location]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	values := make([]float64, 0, len(counts))
	for _, k := range sortedKeys(counts) {
		values = append(values, float64(counts[k]))
	}
	mean, std := stat.MeanStdDev(values, nil)

	out := make([]Hotspot, 0, len(counts))
	for _, id := range sortedKeys(counts) {
		n := counts[id]
		out = append(out, Hotspot{StationID: id, Count: n, Severe: float64(n) > mean+std})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].StationID < out[j].StationID
	})
	return out
}
