// Package cps runs the CPS connections-per-second benchmark in client and
// server roles.
package cps

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"virtualclient/pkg/errs"
	"virtualclient/pkg/layout"
	"virtualclient/pkg/metrics"
	"virtualclient/pkg/workload"
)

const (
	Name = "CPS"

	DefaultPort                        = 7201
	DefaultConnections                 = 16
	DefaultConnectionsPerThread        = 100
	DefaultMaxPendingRequestsPerThread = 100
	DefaultDataTransferMode            = 1
	DefaultDisplayInterval             = 10
)

// Tool is the CPS benchmark installed under a package directory.
type Tool struct {
	packageDir string
}

// New returns the CPS tool whose binary lives in packageDir.
func New(packageDir string) *Tool {
	return &Tool{packageDir: packageDir}
}

func (t *Tool) Name() string { return Name }

func (t *Tool) ExecutablePath() string {
	binary := "cps"
	if runtime.GOOS == "windows" {
		binary = "cps.exe"
	}
	return filepath.Join(t.packageDir, binary)
}

func (t *Tool) WorkingDirectory() string { return t.packageDir }

// CPS prints interval rows to standard output.
func (t *Tool) ResultsFile(layout.Role) string { return "" }

// The client does not listen.
func (t *Tool) RequiresClientInboundAccess() bool { return false }

func (t *Tool) Validate(p workload.Parameters) error {
	p = withDefaults(p)
	if p.Port <= 0 {
		return errs.New(errs.InstructionsNotValid, "the CPS port must be greater than zero (port=%d)", p.Port)
	}
	if p.Connections <= 0 {
		return errs.New(errs.InstructionsNotValid, "the CPS connection count must be greater than zero (connections=%d)", p.Connections)
	}
	if p.ConnectionDuration < 0 || p.DisplayInterval <= 0 {
		return errs.New(errs.InstructionsNotValid, "the CPS connection duration and display interval must not be negative")
	}
	return nil
}

// ClientCommandLine builds the arguments for the connecting side, e.g.
//
//	-c -r 16 10.0.0.1,0,10.0.0.2,7201,100,100,0,1 -i 10 -wt 8 -t 60
func (t *Tool) ClientCommandLine(p workload.Parameters, clientIP, serverIP string) string {
	p = withDefaults(p)
	var b strings.Builder
	fmt.Fprintf(&b, "-c -r %d %s,0,%s,%d,%d,%d,%d,%d -i %d -wt %d -t %d",
		p.Connections, clientIP, serverIP, p.Port,
		p.ConnectionsPerThread, p.MaxPendingRequestsPerThread, p.ConnectionDuration, p.DataTransferMode,
		p.DisplayInterval, p.WarmupTime, p.TestDuration)
	writeOptional(&b, p)
	return b.String()
}

// ServerCommandLine builds the arguments for the listening side.
func (t *Tool) ServerCommandLine(p workload.Parameters, serverIP string) string {
	p = withDefaults(p)
	var b strings.Builder
	fmt.Fprintf(&b, "-s -r %d %s,%d -i %d -wt %d -t %d",
		p.Connections, serverIP, p.Port, p.DisplayInterval, p.WarmupTime, p.TestDuration)
	writeOptional(&b, p)
	return b.String()
}

func (t *Tool) ParseResults(output string, p workload.Parameters) ([]metrics.Metric, error) {
	return Parse(output, withDefaults(p).WarmupTime)
}

func writeOptional(b *strings.Builder, p workload.Parameters) {
	if p.DelayTime > 0 {
		fmt.Fprintf(b, " -ds %d", p.DelayTime)
	}
	if p.IPv6 {
		b.WriteString(" -ipv6")
	}
}

func withDefaults(p workload.Parameters) workload.Parameters {
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.Connections == 0 {
		p.Connections = DefaultConnections
	}
	if p.ConnectionsPerThread == 0 {
		p.ConnectionsPerThread = DefaultConnectionsPerThread
	}
	if p.MaxPendingRequestsPerThread == 0 {
		p.MaxPendingRequestsPerThread = DefaultMaxPendingRequestsPerThread
	}
	if p.DataTransferMode == 0 {
		p.DataTransferMode = DefaultDataTransferMode
	}
	if p.DisplayInterval == 0 {
		p.DisplayInterval = DefaultDisplayInterval
	}
	return p
}
