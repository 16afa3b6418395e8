// Package ctc resolves single-track crossing conflicts deterministically by
// holding the lower-priority train at an upstream precedence station.
package ctc

import (
	"context"
	"time"

	"github.com/fdcrail/railsched/core/conflict"
	"github.com/fdcrail/railsched/core/logger"
	"github.com/fdcrail/railsched/core/model"
	"github.com/fdcrail/railsched/core/timetable"
)

// Config bounds the resolver. The safety buffer and dwell cap have no
// documented derivation; they are configurable rather than asserted.
type Config struct {
	MaxPasses           int `json:"max_passes"`
	SafetyBufferMinutes int `json:"safety_buffer_minutes"`
	DwellCapMinutes     int `json:"dwell_cap_minutes"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.MaxPasses <= 0 {
		c.MaxPasses = 20
	}
	if c.SafetyBufferMinutes <= 0 {
		c.SafetyBufferMinutes = 5
	}
	if c.DwellCapMinutes <= 0 {
		c.DwellCapMinutes = 45
	}
}

// Resolver iteratively delays trains at precedence stations until
// single-track conflicts disappear or MaxPasses is exhausted. Leftover
// conflicts are never fatal.
type Resolver struct {
	cfg  Config
	net  *model.Network
	calc *timetable.Calculator
	det  *conflict.Detector
	log  logger.Logger
}

// NewResolver builds a Resolver. cfg defaults are applied.
func NewResolver(cfg Config, net *model.Network, calc *timetable.Calculator, det *conflict.Detector, log logger.Logger) *Resolver {
	cfg.SetDefaults()
	return &Resolver{cfg: cfg, net: net, calc: calc, det: det, log: log}
}

// Resolve mutates the mutable trains in place; existing trains are immutable
// constraints. It returns the residual single-track conflicts, empty on full
// success. Cancellation returns the best effort reached so far.
func (r *Resolver) Resolve(ctx context.Context, mutable, existing []*model.TrainRun) ([]model.Conflict, error) {
	all := append(append([]*model.TrainRun{}, existing...), mutable...)
	byID := make(map[string]*model.TrainRun, len(mutable))
	for _, t := range mutable {
		byID[t.ID] = t
	}
	added := make(map[string]time.Duration, len(mutable))
	buffer := time.Duration(r.cfg.SafetyBufferMinutes) * time.Minute
	ceiling := time.Duration(r.cfg.DwellCapMinutes) * time.Minute

	var residual []model.Conflict
	for pass := 0; pass < r.cfg.MaxPasses; pass++ {
		if ctx.Err() != nil {
			return residual, nil
		}
		if err := r.calc.ApplyAll(all); err != nil {
			return residual, err
		}
		residual = conflict.SingleTrack(r.det.Detect(all))
		if len(residual) == 0 {
			return nil, nil
		}

		fixed := false
		for _, c := range residual {
			if r.fix(c, byID, added, buffer, ceiling) {
				fixed = true
				break
			}
		}
		if !fixed {
			// Nothing actionable remains for this mechanism.
			break
		}
	}
	// The loop's tally predates its last applied fix; recount.
	if err := r.calc.ApplyAll(all); err != nil {
		return residual, err
	}
	residual = conflict.SingleTrack(r.det.Detect(all))
	if r.log != nil && len(residual) > 0 {
		r.log.Warnf("ctc: %d single-track conflicts left for later stages", len(residual))
	}
	return residual, nil
}

// fix attempts to resolve one conflict by delaying the losing train. It
// reports whether a dwell increase was applied.
func (r *Resolver) fix(c model.Conflict, byID map[string]*model.TrainRun, added map[string]time.Duration, buffer, ceiling time.Duration) bool {
	loser := r.loser(c, byID)
	if loser == nil {
		return false
	}
	legIdx := r.legOnSegment(loser, c.Location)
	if legIdx < 0 {
		return false
	}

	// Nearest earlier stop where the train can be held.
	var hold *model.Stop
	for i := legIdx; i >= 0; i-- {
		stop := loser.Stops[i]
		if stop.Skip {
			continue
		}
		st := r.net.Station(stop.StationID)
		if st != nil && st.Precedence() {
			hold = stop
			break
		}
	}
	if hold == nil {
		return false
	}

	required := c.End.Add(buffer)
	if !hold.Departure.Before(required) {
		return false
	}
	delta := required.Sub(hold.Departure)
	if added[loser.ID]+delta > ceiling {
		if r.log != nil {
			r.log.Debugf("ctc: dwell cap reached for %s, skipping fix at %s", loser.ID, hold.StationID)
		}
		return false
	}

	hold.MinDwell += delta
	added[loser.ID] += delta
	if hold.PlannedDeparture != nil && hold.PlannedDeparture.Before(required) {
		// The pin is stale: it would keep the departure early and defeat
		// the dwell increase.
		hold.PlannedDeparture = nil
	}
	if r.log != nil {
		r.log.Debugf("ctc: holding %s at %s for extra %s (conflict %s)", loser.ID, hold.StationID, delta, c.Location)
	}
	return true
}

// loser picks the train to delay: a mutable train always loses against an
// immutable one; between two mutable trains the later occupant of the segment
// loses, priority then ID breaking ties.
func (r *Resolver) loser(c model.Conflict, byID map[string]*model.TrainRun) *model.TrainRun {
	a, b := byID[c.TrainA], byID[c.TrainB]
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return b
	case b == nil:
		return a
	}
	sa := r.segmentEntry(a, c.Location)
	sb := r.segmentEntry(b, c.Location)
	if !sa.Equal(sb) {
		if sa.Before(sb) {
			return b
		}
		return a
	}
	if a.Priority != b.Priority {
		if a.Priority < b.Priority {
			return a
		}
		return b
	}
	if a.ID > b.ID {
		return a
	}
	return b
}

// segmentEntry returns when the train starts occupying the segment.
func (r *Resolver) segmentEntry(t *model.TrainRun, segKey string) time.Time {
	i := r.legOnSegment(t, segKey)
	if i < 0 {
		return time.Time{}
	}
	return t.Stops[i].Departure
}

// legOnSegment returns the index of the stop whose outgoing leg traverses the
// given segment, or -1.
func (r *Resolver) legOnSegment(t *model.TrainRun, segKey string) int {
	for i := 0; i+1 < len(t.Stops); i++ {
		edges, err := r.calc.PathEdges(t.Stops[i].StationID, t.Stops[i+1].StationID)
		if err != nil {
			continue
		}
		for _, e := range edges {
			if model.SegmentKey(e.From, e.To) == segKey {
				return i
			}
		}
	}
	return -1
}
