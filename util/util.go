// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// Clamp limits the input to the range [low, high]
func Clamp(input, low, high float64) float64 {
	return math.Max(low, math.Min(input, high))
}

// ClampInt limits the input to the range [low, high]
func ClampInt(input, low, high int) int {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// DurationToSecs converts a time.Duration to floating point seconds.
// Non-positive durations map to zero.
func DurationToSecs(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}

// CeilDiv returns ceil(a/b) for positive integers
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}
