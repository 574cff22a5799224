// Package mathx contains small numeric helpers shared by the encoder and
// sequencing code.
package mathx

import "math"

// Round rounds x to the given number of decimal places.
// Round(12.34567, 3) == 12.346
func Round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}

// WrapDegrees maps an angle onto [0, 360)
func WrapDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
