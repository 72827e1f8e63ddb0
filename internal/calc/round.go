package calc

import "math"

// round2 rounds a currency amount to 2 decimal places. Applied only at
// breakdown and result boundaries, never mid-computation.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// round4 rounds a rate to 4 decimal places.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
