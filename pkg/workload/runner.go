package workload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"virtualclient/pkg/errs"
	"virtualclient/pkg/layout"
	"virtualclient/pkg/metrics"
	"virtualclient/pkg/process"
)

// run is one local execution of a tool in a given role.
type run struct {
	tool         Tool
	params       Parameters
	role         layout.Role
	commandLine  string
	experimentID string
}

// execute launches the tool and waits for it within the parameter timeout.
// A process that outlives the timeout is killed and its results are still
// collected. onStarted, when set, receives the process right after launch.
func execute(ctx context.Context, deps Dependencies, logger zerolog.Logger, r run, onStarted func(process.Process)) (process.Process, error) {
	proc, err := deps.Processes.Create(r.tool.ExecutablePath(), r.commandLine, r.tool.WorkingDirectory())
	if err != nil {
		return nil, errs.Wrap(errs.WorkloadFailed, err, "failed to create %s %s process", r.tool.Name(), r.role)
	}

	logger.Info().
		Str("tool", r.tool.Name()).
		Str("role", string(r.role)).
		Str("command", r.tool.ExecutablePath()+" "+r.commandLine).
		Msg("Starting workload process")

	if err := proc.Start(); err != nil {
		return nil, errs.Wrap(errs.WorkloadFailed, err, "failed to start %s %s process", r.tool.Name(), r.role)
	}
	if onStarted != nil {
		onStarted(proc)
	}

	timeout := r.params.Timeout()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = proc.Wait(waitCtx)
	switch {
	case err == nil:
		if code := proc.ExitCode(); code != 0 {
			return proc, errs.New(errs.WorkloadFailed, "%s %s process exited with code %d: %s",
				r.tool.Name(), r.role, code, strings.TrimSpace(proc.StandardError()))
		}
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		logger.Warn().
			Str("tool", r.tool.Name()).
			Str("role", string(r.role)).
			Dur("timeout", timeout).
			Msg("Workload process did not exit in time and was killed; collecting results")
	default:
		return proc, err
	}

	logger.Info().
		Str("tool", r.tool.Name()).
		Str("role", string(r.role)).
		Int("pid", proc.ID()).
		Dur("elapsed", proc.ExitTime().Sub(proc.StartTime())).
		Msg("Workload process finished")
	return proc, nil
}

// collect parses what proc produced and emits it as metrics.
func collect(ctx context.Context, deps Dependencies, logger zerolog.Logger, r run, proc process.Process) error {
	if rp, ok := r.tool.(ResultsProducer); ok && !rp.ProducesResults(r.role) {
		return nil
	}

	output, err := readResults(r, proc)
	if err != nil {
		return err
	}

	parsed, err := r.tool.ParseResults(output, r.params)
	if err != nil {
		return errs.Wrap(errs.WorkloadFailed, err, "failed to parse %s %s results", r.tool.Name(), r.role)
	}

	result := metrics.Result{
		ExperimentID: r.experimentID,
		Tool:         r.tool.Name(),
		Scenario:     r.params.Scenario,
		Role:         string(r.role),
		StartTime:    proc.StartTime(),
		EndTime:      proc.ExitTime(),
		Metrics:      parsed,
		RawResults:   output,
	}
	if deps.Emitter == nil {
		return nil
	}
	if err := deps.Emitter.Emit(ctx, result); err != nil {
		logger.Warn().Err(err).Str("tool", r.tool.Name()).Msg("Failed to emit workload metrics")
	}
	return nil
}

func readResults(r run, proc process.Process) (string, error) {
	file := resultsPath(r.tool, r.role)
	if file == "" {
		output := proc.StandardOutput()
		if strings.TrimSpace(output) == "" {
			return "", errs.New(errs.WorkloadResultsNotFound, "%s %s produced no output", r.tool.Name(), r.role)
		}
		return output, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return "", errs.Wrap(errs.WorkloadResultsNotFound, err, "%s %s results file not found", r.tool.Name(), r.role)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errs.New(errs.WorkloadResultsNotFound, "%s %s results file %s is empty", r.tool.Name(), r.role, file)
	}
	return string(data), nil
}

// removeResults deletes results left over from an earlier run.
func removeResults(logger zerolog.Logger, t Tool, role layout.Role) {
	file := resultsPath(t, role)
	if file == "" {
		return
	}
	if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Str("file", file).Msg("Failed to remove previous results")
	}
}

func resultsPath(t Tool, role layout.Role) string {
	file := t.ResultsFile(role)
	if file == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(t.WorkingDirectory(), file)
}

func enableInbound(ctx context.Context, deps Dependencies, logger zerolog.Logger, t Tool) {
	if deps.Firewall == nil {
		return
	}
	if err := deps.Firewall.EnableInboundAccess(ctx, t.Name(), t.ExecutablePath()); err != nil {
		logger.Warn().Err(err).Str("tool", t.Name()).Msg("Failed to open inbound firewall access")
	}
}
