package analyzer

import (
	"math"
	"sort"
)

// #region duration-stats

// DurationStats holds descriptive statistics over execution durations,
// all in milliseconds.
type DurationStats struct {
	Count  int
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
	Median float64
	P25    float64
	P75    float64
	P90    float64
	P95    float64
	P99    float64
	IQR    float64
}

// ComputeDurationStats computes descriptive statistics over a sample.
// An empty sample yields the zero value.
func ComputeDurationStats(durationsMs []float64) DurationStats {
	n := len(durationsMs)
	if n == 0 {
		return DurationStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, durationsMs)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	var variance float64
	for _, v := range sorted {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n)

	stats := DurationStats{
		Count:  n,
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   mean,
		StdDev: math.Sqrt(variance),
		Median: percentile(sorted, 0.50),
		P25:    percentile(sorted, 0.25),
		P75:    percentile(sorted, 0.75),
		P90:    percentile(sorted, 0.90),
		P95:    percentile(sorted, 0.95),
		P99:    percentile(sorted, 0.99),
	}
	stats.IQR = stats.P75 - stats.P25
	return stats
}

// percentile linearly interpolates on a sorted sample.
func percentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// #endregion

// #region outliers

// Outlier flags one execution whose duration falls outside the normal
// band.
type Outlier struct {
	Index      int
	DurationMs float64
	ZScore     float64
}

// DetectOutliers flags points with |z| above the threshold or outside
// the Tukey fences [p25 - 1.5*IQR, p75 + 1.5*IQR].
func DetectOutliers(durationsMs []float64, stats DurationStats, zThreshold float64) []Outlier {
	if stats.Count == 0 {
		return nil
	}
	lowFence := stats.P25 - 1.5*stats.IQR
	highFence := stats.P75 + 1.5*stats.IQR

	var outliers []Outlier
	for i, v := range durationsMs {
		var z float64
		if stats.StdDev > 0 {
			z = (v - stats.Mean) / stats.StdDev
		}
		if math.Abs(z) > zThreshold || v < lowFence || v > highFence {
			outliers = append(outliers, Outlier{Index: i, DurationMs: v, ZScore: z})
		}
	}
	return outliers
}

// #endregion
