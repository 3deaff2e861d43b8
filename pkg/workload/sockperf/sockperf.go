// Package sockperf runs the SockPerf ping-pong latency benchmark.
package sockperf

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"virtualclient/pkg/errs"
	"virtualclient/pkg/layout"
	"virtualclient/pkg/metrics"
	"virtualclient/pkg/process"
	"virtualclient/pkg/workload"
)

const (
	Name = "SockPerf"

	DefaultPort              = 6100
	DefaultProtocol          = "TCP"
	DefaultMessageSize       = 64
	DefaultMessagesPerSecond = "max"

	clientLog = "sockperf-client-full-log.csv"
)

// Tool is SockPerf built from source under a package directory.
type Tool struct {
	packageDir string
}

// New returns the SockPerf tool rooted at packageDir.
func New(packageDir string) *Tool {
	return &Tool{packageDir: packageDir}
}

func (t *Tool) Name() string             { return Name }
func (t *Tool) ExecutablePath() string   { return filepath.Join(t.packageDir, "sockperf") }
func (t *Tool) WorkingDirectory() string { return t.packageDir }

func (t *Tool) ResultsFile(role layout.Role) string {
	if role == layout.Client {
		return filepath.Join(t.packageDir, clientLog)
	}
	return ""
}

// Only the ping-pong client measures latency.
func (t *Tool) ProducesResults(role layout.Role) bool {
	return role == layout.Client
}

func (t *Tool) RequiresClientInboundAccess() bool { return false }

func (t *Tool) Validate(p workload.Parameters) error {
	p = withDefaults(p)
	if p.Port <= 0 {
		return errs.New(errs.InstructionsNotValid, "the SockPerf port must be greater than zero (port=%d)", p.Port)
	}
	if p.MessageSize <= 0 {
		return errs.New(errs.InstructionsNotValid, "the SockPerf message size must be greater than zero (messageSize=%d)", p.MessageSize)
	}
	switch strings.ToUpper(p.Protocol) {
	case "TCP", "UDP":
	default:
		return errs.New(errs.InstructionsNotValid, "unsupported SockPerf protocol %q", p.Protocol)
	}
	if p.MessagesPerSecond != DefaultMessagesPerSecond {
		if mps, err := strconv.Atoi(p.MessagesPerSecond); err != nil || mps <= 0 {
			return errs.New(errs.InstructionsNotValid, "messagesPerSecond must be 'max' or a positive integer (messagesPerSecond=%s)", p.MessagesPerSecond)
		}
	}
	return nil
}

func (t *Tool) ClientCommandLine(p workload.Parameters, _, serverIP string) string {
	p = withDefaults(p)
	var b strings.Builder
	fmt.Fprintf(&b, "ping-pong -i %s -p %d", serverIP, p.Port)
	if isTCP(p) {
		b.WriteString(" --tcp")
	}
	fmt.Fprintf(&b, " -t %d -m %d --mps %s --full-log %s",
		p.TestDuration, p.MessageSize, p.MessagesPerSecond, process.QuoteArg(t.ResultsFile(layout.Client)))
	return b.String()
}

func (t *Tool) ServerCommandLine(p workload.Parameters, serverIP string) string {
	p = withDefaults(p)
	cmd := fmt.Sprintf("server -i %s -p %d", serverIP, p.Port)
	if isTCP(p) {
		cmd += " --tcp"
	}
	return cmd
}

func (t *Tool) ParseResults(output string, _ workload.Parameters) ([]metrics.Metric, error) {
	return Parse(output)
}

// Install builds SockPerf from the sources in the package directory.
func (t *Tool) Install(ctx context.Context, processes process.Manager) error {
	steps := []struct {
		path string
		args string
	}{
		{filepath.Join(t.packageDir, "autogen.sh"), ""},
		{filepath.Join(t.packageDir, "configure"), process.QuoteArg("--prefix=" + t.packageDir)},
		{"make", "-C " + process.QuoteArg(t.packageDir)},
	}
	for _, step := range steps {
		proc, err := processes.Create(step.path, step.args, t.packageDir)
		if err != nil {
			return err
		}
		if err := proc.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", process.NameOf(step.path), err)
		}
		if err := proc.Wait(ctx); err != nil {
			return err
		}
		if code := proc.ExitCode(); code != 0 {
			return fmt.Errorf("%s exited with code %d: %s", process.NameOf(step.path), code, strings.TrimSpace(proc.StandardError()))
		}
	}
	return nil
}

func isTCP(p workload.Parameters) bool {
	return strings.EqualFold(p.Protocol, "TCP")
}

func withDefaults(p workload.Parameters) workload.Parameters {
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.Protocol == "" {
		p.Protocol = DefaultProtocol
	}
	if p.MessageSize == 0 {
		p.MessageSize = DefaultMessageSize
	}
	if p.MessagesPerSecond == "" {
		p.MessagesPerSecond = DefaultMessagesPerSecond
	}
	return p
}
