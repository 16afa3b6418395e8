package model

import (
	"fmt"
	"time"
)

// TrainProfile describes the acceleration behaviour of a rolling-stock unit.
// Values are expressed in m/s² and consumed by the physics engine.
type TrainProfile struct {
	AccelMS2 float64
	DecelMS2 float64
}

// Stop is one entry of a train's ordered stop sequence. Arrival and Departure
// are derived values: they are recomputed from the upstream inputs (base
// departure, dwell, track assignments) and must never be treated as a source
// of truth.
type Stop struct {
	StationID string

	// MinDwell is the declared minimum stop time; ExtraDwell is an
	// additional offset owned by the optimizers.
	MinDwell   time.Duration
	ExtraDwell time.Duration

	// Track optionally pins the stop to a named platform track.
	Track string

	// Skip marks a pass-through without stopping; dwell is zero.
	Skip bool

	// PlannedArrival and PlannedDeparture are hard pins honoured by the
	// schedule calculator. Nil means unpinned.
	PlannedArrival   *time.Time
	PlannedDeparture *time.Time

	// Computed instants. Zero for an origin arrival or a terminus departure.
	Arrival   time.Time
	Departure time.Time
}

// Dwell returns the effective stop time: minimum dwell plus the optimizer
// offset, or zero for a pass-through.
func (s *Stop) Dwell() time.Duration {
	if s.Skip {
		return 0
	}
	d := s.MinDwell + s.ExtraDwell
	if d < 0 {
		return 0
	}
	return d
}

// Clone returns a deep copy of the stop.
func (s *Stop) Clone() *Stop {
	c := *s
	if s.PlannedArrival != nil {
		t := *s.PlannedArrival
		c.PlannedArrival = &t
	}
	if s.PlannedDeparture != nil {
		t := *s.PlannedDeparture
		c.PlannedDeparture = &t
	}
	return &c
}

// TrainRun is one scheduled movement over the network. The stop sequence is
// immutable in station order; optimizers may only touch timing, dwell and
// track attributes.
type TrainRun struct {
	ID          string
	Name        string
	Stops       []*Stop
	Departure   time.Time
	MaxSpeedKmh float64
	Priority    int
	Profile     TrainProfile
}

// Clone returns a deep copy of the train, stops included.
func (t *TrainRun) Clone() *TrainRun {
	c := *t
	c.Stops = make([]*Stop, len(t.Stops))
	for i, s := range t.Stops {
		c.Stops[i] = s.Clone()
	}
	return &c
}

// CloneAll deep-copies a train slice.
func CloneAll(trains []*TrainRun) []*TrainRun {
	out := make([]*TrainRun, len(trains))
	for i, t := range trains {
		out[i] = t.Clone()
	}
	return out
}

// StopAt returns the index of the stop at the given station, or -1.
func (t *TrainRun) StopAt(stationID string) int {
	for i, s := range t.Stops {
		if s.StationID == stationID {
			return i
		}
	}
	return -1
}

// Origin returns the first stop's station ID, or "".
func (t *TrainRun) Origin() string {
	if len(t.Stops) == 0 {
		return ""
	}
	return t.Stops[0].StationID
}

// Terminus returns the last stop's station ID, or "".
func (t *TrainRun) Terminus() string {
	if len(t.Stops) == 0 {
		return ""
	}
	return t.Stops[len(t.Stops)-1].StationID
}

// TravelTime returns the span between origin departure and terminus arrival
// of a computed schedule. Zero when the schedule has not been computed.
func (t *TrainRun) TravelTime() time.Duration {
	if len(t.Stops) < 2 {
		return 0
	}
	first, last := t.Stops[0], t.Stops[len(t.Stops)-1]
	if first.Departure.IsZero() || last.Arrival.IsZero() {
		return 0
	}
	return last.Arrival.Sub(first.Departure)
}

// Validate checks that the run is structurally sound.
func (t *TrainRun) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("train has no identifier")
	}
	if len(t.Stops) < 2 {
		return fmt.Errorf("train %s needs at least two stops", t.ID)
	}
	if t.MaxSpeedKmh <= 0 {
		return fmt.Errorf("train %s has no positive max speed", t.ID)
	}
	return nil
}
