package model

import "math"

// Base-asset volumes are tracked at 8 decimal places, quote volumes at 5.
// Negative fractional drift from repeated float adds is clamped to zero.

// RoundBase rounds a base-asset volume to 8 decimal places.
func RoundBase(v float64) float64 {
	r := math.Round(v*1e8) / 1e8
	if r < 0 {
		return 0
	}
	return r
}

// RoundQuote rounds a quote-asset volume to 5 decimal places.
func RoundQuote(v float64) float64 {
	r := math.Round(v*1e5) / 1e5
	if r < 0 {
		return 0
	}
	return r
}
