package insight

import "sort"

// MetricKeys lists the four per-day derived signals, in emission order.
var MetricKeys = []string{
	"failed_logins",
	"new_listeners",
	"new_processes",
	"suspicious_execs",
}

// Median returns the statistical median of the values, 0 for an empty
// window.
func Median(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return (float64(sorted[mid-1]) + float64(sorted[mid])) / 2
}

// ClassifyRatio buckets today/baseline: <1.5 normal, <3 elevated,
// otherwise anomalous.
func ClassifyRatio(ratio float64) Classification {
	if ratio < 1.5 {
		return ClassNormal
	}
	if ratio < 3.0 {
		return ClassElevated
	}
	return ClassAnomalous
}

// ComputeBaseline measures each signal against the median of the prior
// days (the trailing 14-day window, target day excluded). The divisor is
// floored at 1 so a zero-history device does not divide by zero.
func ComputeBaseline(today map[string]int, prior []map[string]int) map[string]BaselineMetric {
	output := make(map[string]BaselineMetric, len(MetricKeys))
	for _, key := range MetricKeys {
		history := make([]int, 0, len(prior))
		for _, day := range prior {
			history = append(history, day[key])
		}
		baseline := Median(history)
		ratio := float64(today[key]) / maxFloat(1, baseline)
		output[key] = BaselineMetric{
			Metric:         key,
			Today:          today[key],
			Baseline:       baseline,
			Ratio:          round4(ratio),
			Classification: ClassifyRatio(ratio),
		}
	}
	return output
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
