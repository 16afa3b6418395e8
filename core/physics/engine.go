// Package physics models train travel time over a track segment. The
// scheduling core consumes the Engine interface and never looks inside the
// speed model.
package physics

import (
	"math"

	"github.com/fdcrail/railsched/core/model"
)

// Engine computes the time needed to cover a segment. Speeds are km/h,
// distances km, the result is expressed in hours. Implementations must be
// pure: identical inputs yield identical outputs.
type Engine interface {
	TravelDuration(distanceKm, speedLimitKmh float64, profile model.TrainProfile, initialKmh, finalKmh float64) float64
}

// KinematicEngine is the default Engine: a trapezoidal speed profile with
// constant acceleration and braking, degrading to a triangular profile on
// segments too short to reach the limit, and to plain distance/speed when the
// profile carries no acceleration data.
type KinematicEngine struct{}

// TravelDuration implements Engine.
func (KinematicEngine) TravelDuration(distanceKm, speedLimitKmh float64, profile model.TrainProfile, initialKmh, finalKmh float64) float64 {
	if distanceKm <= 0 {
		return 0
	}
	if speedLimitKmh <= 0 {
		speedLimitKmh = defaultSpeedKmh
	}
	if profile.AccelMS2 <= 0 || profile.DecelMS2 <= 0 {
		return distanceKm / speedLimitKmh
	}

	d := distanceKm * 1000
	v := speedLimitKmh / 3.6
	v0 := math.Min(math.Max(initialKmh, 0)/3.6, v)
	vf := math.Min(math.Max(finalKmh, 0)/3.6, v)
	a := profile.AccelMS2
	b := profile.DecelMS2

	accelDist := (v*v - v0*v0) / (2 * a)
	brakeDist := (v*v - vf*vf) / (2 * b)

	var seconds float64
	if accelDist+brakeDist <= d {
		seconds = (v-v0)/a + (v-vf)/b + (d-accelDist-brakeDist)/v
	} else {
		// Segment too short for the limit: peak speed of the triangular
		// profile that exactly consumes the distance.
		peak := math.Sqrt((2*a*b*d + b*v0*v0 + a*vf*vf) / (a + b))
		if peak < v0 {
			peak = v0
		}
		if peak < vf {
			peak = vf
		}
		seconds = (peak-v0)/a + (peak-vf)/b
	}
	return seconds / 3600
}

// defaultSpeedKmh stands in for tracks declared without a speed limit.
const defaultSpeedKmh = 100
