// Package timetable turns a train's route and dwell inputs into concrete
// per-stop arrival and departure instants.
package timetable

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fdcrail/railsched/core/graph"
	"github.com/fdcrail/railsched/core/model"
)

// Calculator derives physical schedules from route geometry and the physics
// engine. It is pure with respect to its inputs: applying it twice to
// unchanged trains yields identical instants. Safe for concurrent use.
type Calculator struct {
	graph  *graph.Graph
	engine Engine

	mu    sync.RWMutex
	paths map[string][]*model.Track
}

// Engine is the travel-time primitive consumed by the calculator. It matches
// physics.Engine.
type Engine interface {
	TravelDuration(distanceKm, speedLimitKmh float64, profile model.TrainProfile, initialKmh, finalKmh float64) float64
}

// New returns a Calculator over the given graph and engine.
func New(g *graph.Graph, e Engine) *Calculator {
	return &Calculator{graph: g, engine: e, paths: make(map[string][]*model.Track)}
}

// Apply recomputes every stop's arrival and departure in place. The origin
// has no arrival and the terminus no departure. Pinned planned instants
// override the computed values, but the running clock never moves backward.
func (c *Calculator) Apply(train *model.TrainRun) error {
	if len(train.Stops) == 0 {
		return fmt.Errorf("train %s has no stops", train.ID)
	}
	clock := train.Departure
	last := len(train.Stops) - 1

	for i, stop := range train.Stops {
		if i == 0 {
			stop.Arrival = time.Time{}
		} else {
			travel, err := c.legDuration(train, train.Stops[i-1].StationID, stop.StationID)
			if err != nil {
				return err
			}
			clock = clock.Add(travel)
			arr := clock
			if stop.PlannedArrival != nil {
				arr = *stop.PlannedArrival
				if arr.After(clock) {
					clock = arr
				}
			}
			stop.Arrival = arr
		}

		if i == last {
			stop.Departure = time.Time{}
			break
		}
		dep := clock.Add(stop.Dwell())
		if stop.PlannedDeparture != nil {
			dep = *stop.PlannedDeparture
		}
		stop.Departure = dep
		if dep.After(clock) {
			clock = dep
		}
	}
	return nil
}

// ApplyAll recomputes the schedule of every train, stopping at the first
// routing failure.
func (c *Calculator) ApplyAll(trains []*model.TrainRun) error {
	for _, t := range trains {
		if err := c.Apply(t); err != nil {
			return fmt.Errorf("schedule %s: %w", t.ID, err)
		}
	}
	return nil
}

// legDuration sums the per-edge travel times between two consecutive stops
// and rounds the total to the nearest whole second.
func (c *Calculator) legDuration(train *model.TrainRun, from, to string) (time.Duration, error) {
	edges, err := c.PathEdges(from, to)
	if err != nil {
		return 0, fmt.Errorf("leg %s->%s: %w", from, to, err)
	}
	hours := 0.0
	for _, e := range edges {
		limit := e.SpeedLimitKmh
		if train.MaxSpeedKmh > 0 && (limit <= 0 || train.MaxSpeedKmh < limit) {
			limit = train.MaxSpeedKmh
		}
		hours += c.engine.TravelDuration(e.LengthKm, limit, train.Profile, 0, 0)
	}
	return time.Duration(math.Round(hours*3600)) * time.Second, nil
}

// PathEdges memoizes shortest-path edge lists; the graph is immutable for the
// calculator's lifetime.
func (c *Calculator) PathEdges(from, to string) ([]*model.Track, error) {
	key := from + "|" + to
	c.mu.RLock()
	edges, ok := c.paths[key]
	c.mu.RUnlock()
	if ok {
		return edges, nil
	}
	edges, err := c.graph.PathEdges(from, to)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.paths[key] = edges
	c.mu.Unlock()
	return edges, nil
}

// SegmentWindow returns the occupancy interval of a train over the physical
// segment between two consecutive stops of its computed schedule: departure
// from the first to arrival at the second.
func SegmentWindow(train *model.TrainRun, i int) (time.Time, time.Time, bool) {
	if i < 0 || i+1 >= len(train.Stops) {
		return time.Time{}, time.Time{}, false
	}
	dep := train.Stops[i].Departure
	arr := train.Stops[i+1].Arrival
	if dep.IsZero() || arr.IsZero() || !dep.Before(arr) {
		return time.Time{}, time.Time{}, false
	}
	return dep, arr, true
}
