package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Relativity says which direction of a metric is better.
type Relativity string

const (
	HigherIsBetter Relativity = "HigherIsBetter"
	LowerIsBetter  Relativity = "LowerIsBetter"
	Undefined      Relativity = "Undefined"
)

// Metric is one named measurement parsed from a tool's output.
type Metric struct {
	Name       string     `json:"name"`
	Value      float64    `json:"value"`
	Unit       string     `json:"unit,omitempty"`
	Relativity Relativity `json:"relativity,omitempty"`
}

// Result is everything emitted for one successful local run.
type Result struct {
	ExperimentID string    `json:"experimentId"`
	Tool         string    `json:"tool"`
	Scenario     string    `json:"scenario"`
	Role         string    `json:"role"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	Metrics      []Metric  `json:"metrics"`
	RawResults   string    `json:"rawResults,omitempty"`
}

// Emitter publishes run results.
type Emitter interface {
	Emit(ctx context.Context, result Result) error
}

// LogEmitter writes each metric as a structured log line.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(_ context.Context, result Result) error {
	for _, m := range result.Metrics {
		e.logger.Info().
			Str("experiment_id", result.ExperimentID).
			Str("tool", result.Tool).
			Str("scenario", result.Scenario).
			Str("role", result.Role).
			Str("metric", m.Name).
			Float64("value", m.Value).
			Str("unit", m.Unit).
			Str("relativity", string(m.Relativity)).
			Time("start_time", result.StartTime).
			Time("end_time", result.EndTime).
			Msg("Workload metric")
	}
	return nil
}

// MultiEmitter fans a result out to several emitters. Every emitter is called;
// the first error is returned.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, result Result) error {
	var first error
	for _, e := range m {
		if err := e.Emit(ctx, result); err != nil && first == nil {
			first = err
		}
	}
	return first
}
