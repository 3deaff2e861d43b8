package workload

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"virtualclient/pkg/metrics"
)

var summaryQuantiles = []struct {
	suffix string
	p      float64
}{
	{"P25", 0.25},
	{"P50", 0.50},
	{"P75", 0.75},
	{"P90", 0.90},
	{"P99", 0.99},
}

// Summarize reduces samples to Min, Max, Avg, Stdev and percentile metrics
// named <name>_<stat>. No samples yields no metrics.
func Summarize(name, unit string, relativity metrics.Relativity, samples []float64) []metrics.Metric {
	if len(samples) == 0 {
		return nil
	}

	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	metric := func(suffix string, v float64) metrics.Metric {
		return metrics.Metric{Name: name + "_" + suffix, Value: v, Unit: unit, Relativity: relativity}
	}

	out := []metrics.Metric{
		metric("Min", floats.Min(sorted)),
		metric("Max", floats.Max(sorted)),
		metric("Avg", stat.Mean(sorted, nil)),
	}
	if len(sorted) > 1 {
		out = append(out, metric("Stdev", stat.StdDev(sorted, nil)))
	}
	for _, q := range summaryQuantiles {
		out = append(out, metric(q.suffix, stat.Quantile(q.p, stat.Empirical, sorted, nil)))
	}
	return out
}
