// Package remoteopt defines the request/response contract of the external
// optimization service. The core only consumes the Optimizer interface; the
// HTTP implementation lives in infra/remoteopt.
package remoteopt

import (
	"context"
	"sort"
	"time"

	"github.com/fdcrail/railsched/core/model"
)

// Optimizer is the remote suggestion service. Implementations must never
// panic on malformed responses; a degenerate reply is reported as an error or
// an empty Response, both of which callers treat as "no suggestion".
type Optimizer interface {
	Optimize(ctx context.Context, req *Request) (*Response, error)
}

// Train is a train run flattened for the wire, addressed by a dense integer
// reference.
type Train struct {
	Ref       int    `json:"ref"`
	ID        string `json:"id"`
	Existing  bool   `json:"existing"`
	Departure int64  `json:"departure_unix"`
	Priority  int    `json:"priority"`
	Stops     []Stop `json:"stops"`
}

// Stop is one schedule entry of a wire train.
type Stop struct {
	Station      string `json:"station"`
	Arrival      int64  `json:"arrival_unix,omitempty"`
	Departure    int64  `json:"departure_unix,omitempty"`
	DwellSeconds int    `json:"dwell_seconds"`
	Track        string `json:"track,omitempty"`
}

// Track describes a segment with its effective capacity.
type Track struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	LengthKm float64 `json:"length_km"`
	Capacity int     `json:"capacity"`
}

// Station carries the platform capacity of a node.
type Station struct {
	ID        string `json:"id"`
	Platforms int    `json:"platforms"`
}

// Conflict is a detected contention, trains addressed by their refs.
type Conflict struct {
	TrainA   int    `json:"train_a"`
	TrainB   int    `json:"train_b"`
	Location string `json:"location"`
	Start    int64  `json:"start_unix"`
	End      int64  `json:"end_unix"`
	Capacity int    `json:"capacity"`
}

// Request is the full optimization state handed to the service.
type Request struct {
	Trains     []Train    `json:"trains"`
	Tracks     []Track    `json:"tracks"`
	Stations   []Station  `json:"stations"`
	Conflicts  []Conflict `json:"conflicts"`
	Iterations int        `json:"iterations"`
	Population int        `json:"population"`
}

// DwellDelay is a per-stop dwell increase suggestion.
type DwellDelay struct {
	Station      string  `json:"station"`
	DelayMinutes float64 `json:"delay_minutes"`
}

// Suggestion is a per-train adjustment proposed by the service. Any field may
// be absent.
type Suggestion struct {
	TrainRef              int          `json:"train_ref"`
	TimeAdjustmentMinutes float64      `json:"time_adjustment_minutes"`
	Track                 string       `json:"track,omitempty"`
	DwellDelays           []DwellDelay `json:"dwell_delays,omitempty"`
}

// Response is the service's reply. A zero Response means "no suggestion".
type Response struct {
	Success         bool         `json:"success"`
	Suggestions     []Suggestion `json:"suggestions"`
	Confidence      float64      `json:"confidence"`
	ConflictsBefore int          `json:"conflicts_before"`
	ConflictsAfter  int          `json:"conflicts_after"`
}

// BuildRequest flattens the current optimization state. It returns the
// request and the ref→train-ID mapping needed to apply the reply. New trains
// come first, then existing ones, both in input order.
func BuildRequest(newTrains, existing []*model.TrainRun, net *model.Network, conflicts []model.Conflict, iterations, population int) (*Request, map[int]string) {
	req := &Request{Iterations: iterations, Population: population}
	refs := make(map[int]string)
	byID := make(map[string]int)

	add := func(t *model.TrainRun, isExisting bool) {
		ref := len(req.Trains)
		refs[ref] = t.ID
		byID[t.ID] = ref
		wt := Train{Ref: ref, ID: t.ID, Existing: isExisting, Departure: t.Departure.Unix(), Priority: t.Priority}
		for _, s := range t.Stops {
			ws := Stop{Station: s.StationID, DwellSeconds: int(s.Dwell() / time.Second), Track: s.Track}
			if !s.Arrival.IsZero() {
				ws.Arrival = s.Arrival.Unix()
			}
			if !s.Departure.IsZero() {
				ws.Departure = s.Departure.Unix()
			}
			wt.Stops = append(wt.Stops, ws)
		}
		req.Trains = append(req.Trains, wt)
	}
	for _, t := range newTrains {
		add(t, false)
	}
	for _, t := range existing {
		add(t, true)
	}

	for _, t := range net.Tracks {
		req.Tracks = append(req.Tracks, Track{From: t.From, To: t.To, LengthKm: t.LengthKm, Capacity: t.EffectiveCapacity()})
	}
	for _, s := range net.Stations {
		req.Stations = append(req.Stations, Station{ID: s.ID, Platforms: s.Platforms})
	}
	sort.Slice(req.Stations, func(i, j int) bool { return req.Stations[i].ID < req.Stations[j].ID })

	for _, c := range conflicts {
		ra, okA := byID[c.TrainA]
		rb, okB := byID[c.TrainB]
		if !okA || !okB {
			continue
		}
		req.Conflicts = append(req.Conflicts, Conflict{
			TrainA: ra, TrainB: rb, Location: c.Location,
			Start: c.Start.Unix(), End: c.End.Unix(), Capacity: c.Capacity,
		})
	}
	return req, refs
}

// ApplySuggestions mutates the given trains according to the response and
// reports how many suggestions were applied. Unknown refs, suggestions for
// immutable trains and nil input are all skipped silently.
func ApplySuggestions(resp *Response, refs map[int]string, mutable map[string]*model.TrainRun) int {
	if resp == nil || len(resp.Suggestions) == 0 {
		return 0
	}
	applied := 0
	for _, s := range resp.Suggestions {
		id, ok := refs[s.TrainRef]
		if !ok {
			continue
		}
		train, ok := mutable[id]
		if !ok || train == nil {
			continue
		}
		changed := false
		if s.TimeAdjustmentMinutes != 0 {
			train.Departure = train.Departure.Add(time.Duration(s.TimeAdjustmentMinutes * float64(time.Minute)))
			changed = true
		}
		for _, d := range s.DwellDelays {
			if d.DelayMinutes == 0 {
				continue
			}
			if i := train.StopAt(d.Station); i >= 0 {
				train.Stops[i].ExtraDwell += time.Duration(d.DelayMinutes * float64(time.Minute))
				changed = true
			}
		}
		if s.Track != "" {
			for _, stop := range train.Stops {
				if stop.Track == "" {
					stop.Track = s.Track
					changed = true
					break
				}
			}
		}
		if changed {
			applied++
		}
	}
	return applied
}
