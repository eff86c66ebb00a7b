// Package units provides shared angle and rate conversions for robot configuration.
package units

import (
	"math"
	"time"
)

// Angle unit constants accepted in configuration files.
const (
	Radians = "rad"
	Degrees = "deg"
)

// ValidAngleUnits contains all valid angle unit values
var ValidAngleUnits = []string{Radians, Degrees}

// IsValidAngleUnit checks if the given unit is in the list of valid units
func IsValidAngleUnit(unit string) bool {
	for _, validUnit := range ValidAngleUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// DegToRad converts degrees to radians. Joint limits and default poses are
// often authored in degrees; everything internal runs in radians.
func DegToRad(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// RadToDeg converts radians to degrees.
func RadToDeg(rad float64) float64 {
	return rad * 180.0 / math.Pi
}

// ToRadians converts a value in the given angle unit to radians.
// Unknown units are passed through unchanged.
func ToRadians(v float64, unit string) float64 {
	switch unit {
	case Degrees:
		return DegToRad(v)
	default:
		return v
	}
}

// WrapAngle wraps an angle in radians to (-pi, pi].
func WrapAngle(rad float64) float64 {
	w := math.Mod(rad, 2*math.Pi)
	if w > math.Pi {
		w -= 2 * math.Pi
	} else if w <= -math.Pi {
		w += 2 * math.Pi
	}
	return w
}

// PeriodFromHz converts a loop rate in Hz to its tick period.
func PeriodFromHz(hz float64) time.Duration {
	if hz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / hz)
}

// HzFromPeriod converts a tick period to its loop rate in Hz.
func HzFromPeriod(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(time.Second) / float64(d)
}
