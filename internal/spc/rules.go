package spc

const (
	RuleBeyondLimits = 1
	RuleShift        = 2
	RuleTrend        = 3
)

const (
	sigmaMultiplier = 3.0
	shiftRunLength  = 9
	trendRunLength  = 6
)

func beyondLimits(value, ucl, lcl float64) bool {
	return value > ucl || value < lcl
}

// sustainedShift reports whether the last shiftRunLength values all sit
// strictly on one side of mean.
func sustainedShift(values []float64, mean float64) bool {
	if len(values) < shiftRunLength {
		return false
	}
	segment := values[len(values)-shiftRunLength:]
	above := true
	below := true
	for _, v := range segment {
		if !(v > mean) {
			above = false
		}
		if !(v < mean) {
			below = false
		}
	}
	return above || below
}

// monotonicTrend reports whether the last trendRunLength values are strictly
// increasing or strictly decreasing.
func monotonicTrend(values []float64) bool {
	if len(values) < trendRunLength {
		return false
	}
	segment := values[len(values)-trendRunLength:]
	increasing := true
	decreasing := true
	for i := 0; i < len(segment)-1; i++ {
		if !(segment[i+1] > segment[i]) {
			increasing = false
		}
		if !(segment[i+1] < segment[i]) {
			decreasing = false
		}
	}
	return increasing || decreasing
}
