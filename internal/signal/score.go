package signal

import (
	"errors"
	"math"
)

var (
	ErrTooFewPoints = errors.New("need at least two points")
	// ErrFlatSeries is returned when every value is identical and the
	// normalisation is undefined.
	ErrFlatSeries = errors.New("series is flat")
)

// SlopeR2Product scores a series by the slope of its least squares fit
// times R², with x = 1..n and y both min-max normalised to [0,1]. A clean
// uptrend scores 1, a clean downtrend -1 and noise tends to 0.
func SlopeR2Product(values []float64) (float64, error) {
	n := len(values)
	if n < 2 {
		return 0, ErrTooFewPoints
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi == lo {
		return 0, ErrFlatSeries
	}

	span := hi - lo
	fn := float64(n)
	var meanX, meanY float64
	for i, v := range values {
		meanX += float64(i) / (fn - 1)
		meanY += (v - lo) / span
	}
	meanX /= fn
	meanY /= fn

	var cov, varX, varY float64
	for i, v := range values {
		dx := float64(i)/(fn-1) - meanX
		dy := (v-lo)/span - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	cov /= fn
	varX /= fn
	varY /= fn

	slope := cov / varX
	corr := cov / math.Sqrt(varX*varY)
	return slope * corr * corr, nil
}
