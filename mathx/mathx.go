// Package mathx provides small numeric helpers for the motion control loops
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
// Halves round away from zero, for negative as well as positive x.
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// Steps converts a distance in controller units to an integer number of
// motor steps, rounding to the nearest step
func Steps(dist, stepsPerUnit float64) int {
	return int(math.Round(dist * stepsPerUnit))
}

// Sign returns -1, 0, or 1
func Sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// Abs returns the absolute value of an int
func Abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}
