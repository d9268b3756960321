package main

// remapValue linearly maps v from the span [inLo, inHi] onto [outLo, outHi].
//
// The mapping is not clamped: values outside the input span extrapolate along
// the same line. A degenerate input span (inLo == inHi) maps every value to
// outLo so the function stays total; configuration validation rejects
// degenerate spans before they can reach the router.
func remapValue(v, inLo, inHi, outLo, outHi float64) float64 {
	span := inHi - inLo
	if span == 0 {
		return outLo
	}
	return outLo + (v-inLo)*(outHi-outLo)/span
}

// remapRange maps v from one [lo, hi] pair onto another.
func remapRange(v float64, from, to [2]float64) float64 {
	return remapValue(v, from[0], from[1], to[0], to[1])
}
