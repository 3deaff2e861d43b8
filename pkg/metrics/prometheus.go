package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusEmitter keeps the latest value of every workload metric as a gauge.
type PrometheusEmitter struct {
	values *prometheus.GaugeVec
	runs   *prometheus.CounterVec
}

// NewPrometheusEmitter creates the collectors and registers them with reg.
func NewPrometheusEmitter(reg prometheus.Registerer) (*PrometheusEmitter, error) {
	e := &PrometheusEmitter{
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "virtualclient",
			Name:      "workload_metric",
			Help:      "Latest value of a metric parsed from a workload run.",
		}, []string{"tool", "scenario", "role", "metric", "unit"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "virtualclient",
			Name:      "workload_runs_total",
			Help:      "Number of workload runs whose results were emitted.",
		}, []string{"tool", "scenario", "role"}),
	}

	for _, c := range []prometheus.Collector{e.values, e.runs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *PrometheusEmitter) Emit(_ context.Context, result Result) error {
	for _, m := range result.Metrics {
		e.values.WithLabelValues(result.Tool, result.Scenario, result.Role, m.Name, m.Unit).Set(m.Value)
	}
	e.runs.WithLabelValues(result.Tool, result.Scenario, result.Role).Inc()
	return nil
}
