package sockperf

import (
	"bufio"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"virtualclient/pkg/errs"
	"virtualclient/pkg/metrics"
	"virtualclient/pkg/workload"
)

// Parse reads a ping-pong full log. Data lines are
//
//	packet, txTime(sec), rxTime(sec)
//
// and one-way latency is half the round trip.
func Parse(output string) ([]metrics.Metric, error) {
	var latencies []float64

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ",")
		if len(fields) != 3 {
			continue
		}
		if _, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 64); err != nil {
			continue
		}
		tx, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			continue
		}
		rx, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil || rx < tx {
			continue
		}
		latencies = append(latencies, (rx-tx)*1e6/2)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.WorkloadResultsNotFound, err, "failed to read SockPerf full log")
	}
	if len(latencies) == 0 {
		return nil, errs.New(errs.WorkloadResultsNotFound, "SockPerf full log contains no samples")
	}

	out := workload.Summarize("Latency", "usec", metrics.LowerIsBetter, latencies)

	sorted := append([]float64(nil), latencies...)
	sort.Float64s(sorted)
	out = append(out,
		metrics.Metric{Name: "Latency_P99.9", Value: stat.Quantile(0.999, stat.Empirical, sorted, nil), Unit: "usec", Relativity: metrics.LowerIsBetter},
		metrics.Metric{Name: "Packets", Value: float64(len(latencies)), Relativity: metrics.HigherIsBetter},
	)
	return out, nil
}
