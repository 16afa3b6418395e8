package model

import (
	"fmt"
	"sort"
	"strings"
)

// StationKind classifies the operational role of a station.
type StationKind string

const (
	StationStandard    StationKind = "standard"
	StationInterchange StationKind = "interchange"
	StationDepot       StationKind = "depot"
)

// Station is a node of the rail network. Platforms is the number of trains
// that can dwell at the station simultaneously.
type Station struct {
	ID        string
	Name      string
	Platforms int
	Kind      StationKind
}

// Precedence reports whether the station can let one train wait while
// another passes: more than one platform, or interchange status.
func (s *Station) Precedence() bool {
	return s.Platforms > 1 || s.Kind == StationInterchange
}

// TrackKind classifies a track segment.
type TrackKind string

const (
	TrackSingle    TrackKind = "single"
	TrackDouble    TrackKind = "double"
	TrackRegional  TrackKind = "regional"
	TrackHighSpeed TrackKind = "high_speed"
)

// Track is a directed edge of the rail network between two stations.
type Track struct {
	ID            string
	From          string
	To            string
	LengthKm      float64
	Kind          TrackKind
	SpeedLimitKmh float64
	Capacity      int
}

// Bidirectional reports whether the physical track permits travel in both
// directions. Single and regional tracks are one physical pair of rails.
func (t *Track) Bidirectional() bool {
	return t.Kind == TrackSingle || t.Kind == TrackRegional
}

// EffectiveCapacity returns the number of trains that may occupy the segment
// at once. Single and regional tracks always count as capacity 1 regardless
// of the declared Capacity field.
func (t *Track) EffectiveCapacity() int {
	if t.Kind == TrackSingle || t.Kind == TrackRegional {
		return 1
	}
	if t.Capacity >= 2 {
		return t.Capacity
	}
	return 2
}

// SegmentKey returns the canonical identifier for the physical segment
// between two stations, independent of direction of travel. Station IDs must
// not themselves contain '-'.
func SegmentKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "-" + b
}

// SplitSegmentKey returns the two station IDs of a segment key.
func SplitSegmentKey(key string) (string, string) {
	i := strings.Index(key, "-")
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// IsSegmentKey reports whether a conflict location refers to a track segment
// rather than a station.
func IsSegmentKey(location string) bool {
	return strings.Contains(location, "-")
}

// Network bundles the stations and tracks of the infrastructure graph.
type Network struct {
	Stations []*Station
	Tracks   []*Track

	byID map[string]*Station
}

// NewNetwork builds a Network and its station index.
func NewNetwork(stations []*Station, tracks []*Track) *Network {
	n := &Network{Stations: stations, Tracks: tracks, byID: make(map[string]*Station, len(stations))}
	for _, s := range stations {
		n.byID[s.ID] = s
	}
	return n
}

// Station returns the station with the given ID, or nil.
func (n *Network) Station(id string) *Station {
	if n.byID == nil {
		n.byID = make(map[string]*Station, len(n.Stations))
		for _, s := range n.Stations {
			n.byID[s.ID] = s
		}
	}
	return n.byID[id]
}

// StationIDs returns all station identifiers in lexical order.
func (n *Network) StationIDs() []string {
	ids := make([]string, 0, len(n.Stations))
	for _, s := range n.Stations {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

// TracksBetween returns every track joining the two stations in either
// direction, in declaration order.
func (n *Network) TracksBetween(a, b string) []*Track {
	var out []*Track
	for _, t := range n.Tracks {
		if (t.From == a && t.To == b) || (t.From == b && t.To == a) {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks the network for dangling track endpoints and station IDs
// that would break segment keys.
func (n *Network) Validate() error {
	for _, s := range n.Stations {
		if strings.Contains(s.ID, "-") {
			return fmt.Errorf("station ID %q must not contain '-'", s.ID)
		}
	}
	for _, t := range n.Tracks {
		if n.Station(t.From) == nil {
			return fmt.Errorf("track %s references unknown station %s", t.ID, t.From)
		}
		if n.Station(t.To) == nil {
			return fmt.Errorf("track %s references unknown station %s", t.ID, t.To)
		}
		if t.LengthKm < 0 {
			return fmt.Errorf("track %s has negative length", t.ID)
		}
	}
	return nil
}
