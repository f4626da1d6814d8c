package mathx

// Percent maps x in [lo,hi] linearly onto 0..100, truncating toward zero.
// Inputs at or beyond the bounds saturate; a degenerate range yields 0.
func Percent(x, lo, hi float64) int {
	if hi <= lo || x <= lo {
		return 0
	}
	if x >= hi {
		return 100
	}
	return int((x - lo) * 100 / (hi - lo))
}
