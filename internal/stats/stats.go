// Package stats holds the small numeric helpers shared by the analyses.
package stats

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean, or NaN for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// SampleStdDev returns the standard deviation with n-1 degrees of freedom.
// It is NaN for fewer than two values.
func SampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	mean := Mean(values)
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

// Quantile returns the q-quantile of values using linear interpolation between
// closest ranks. It returns NaN for an empty slice.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	q = math.Max(0, math.Min(1, q))
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// LinearFit is an ordinary least squares line over x = 0, 1, 2, ...
type LinearFit struct {
	Slope     float64
	Intercept float64
	RSquared  float64

	// ResidualStdErr uses n-2 degrees of freedom; zero when n <= 2
	ResidualStdErr float64
	N              int
}

// At evaluates the fitted line at x.
func (f LinearFit) At(x float64) float64 {
	return f.Intercept + f.Slope*x
}

// FitLine fits y against its index. It needs at least two points.
func FitLine(points []float64) (LinearFit, bool) {
	n := float64(len(points))
	if len(points) < 2 {
		return LinearFit{}, false
	}
	var sumX, sumY, sumXY, sumX2 float64
	for i, y := range points {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return LinearFit{}, false
	}
	fit := LinearFit{N: len(points)}
	fit.Slope = (n*sumXY - sumX*sumY) / denom
	fit.Intercept = (sumY - fit.Slope*sumX) / n

	meanY := sumY / n
	var ssRes, ssTot float64
	for i, y := range points {
		r := y - fit.At(float64(i))
		ssRes += r * r
		ssTot += (y - meanY) * (y - meanY)
	}
	fit.RSquared = 1
	if ssTot != 0 {
		fit.RSquared = 1 - ssRes/ssTot
	}
	if len(points) > 2 {
		fit.ResidualStdErr = math.Sqrt(ssRes / (n - 2))
	}
	return fit, true
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
