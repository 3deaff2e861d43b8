package workload

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"virtualclient/pkg/api"
	"virtualclient/pkg/errs"
	"virtualclient/pkg/layout"
	"virtualclient/pkg/metrics"
	"virtualclient/pkg/process"
)

// Status is the server-owned lifecycle of a tool instance.
type Status string

const (
	Ready            Status = "Ready"
	ExecutionStarted Status = "ExecutionStarted"
)

// WorkloadState is persisted by the server under StateKey and polled by the client.
type WorkloadState struct {
	Status Status `json:"status"`
}

// Tool describes one client/server benchmark.
type Tool interface {
	Name() string
	ExecutablePath() string
	WorkingDirectory() string
	// Validate checks tool specific parameters on top of Parameters.Validate.
	Validate(p Parameters) error
	ClientCommandLine(p Parameters, clientIP, serverIP string) string
	ServerCommandLine(p Parameters, serverIP string) string
	// ResultsFile is where the tool writes results for role, or "" when
	// results are read from standard output.
	ResultsFile(role layout.Role) string
	ParseResults(output string, p Parameters) ([]metrics.Metric, error)
	// RequiresClientInboundAccess reports whether the client side listens too.
	RequiresClientInboundAccess() bool
}

// ResultsProducer is implemented by tools where some roles produce no results.
type ResultsProducer interface {
	ProducesResults(role layout.Role) bool
}

// Installer is implemented by tools that must be built or set up once per machine.
type Installer interface {
	Install(ctx context.Context, processes process.Manager) error
}

// StateKey is the state store key holding t's WorkloadState.
func StateKey(t Tool) string {
	return t.Name() + "WorkloadState"
}

// BuildStateKey is the state store key marking t's one-time setup as done.
func BuildStateKey(t Tool) string {
	return t.Name() + "BuildState"
}

// Dependencies are the collaborators coordinators need to run a tool.
type Dependencies struct {
	Processes process.Manager
	Checker   process.Checker
	Firewall  process.Firewall
	Emitter   metrics.Emitter
	// LocalState holds machine-local markers such as one-time setup state.
	LocalState api.StateClient
}

// Registry looks tools up by name, case-insensitively.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry registers tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.tools[strings.ToLower(t.Name())] = t
	}
	return r
}

// Lookup returns the tool named name.
func (r *Registry) Lookup(name string) (Tool, error) {
	t, ok := r.tools[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q (supported: %s)", name, strings.Join(r.Names(), ", "))
	}
	return t, nil
}

// Names lists registered tool names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		names = append(names, t.Name())
	}
	sort.Strings(names)
	return names
}

func validate(t Tool, p Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if !strings.EqualFold(p.Tool, t.Name()) {
		return errs.New(errs.InstructionsNotValid, "parameters for tool %q cannot run %s", p.Tool, t.Name())
	}
	if err := t.Validate(p); err != nil {
		if errs.ReasonOf(err) == "" {
			return errs.Wrap(errs.InstructionsNotValid, err, "invalid %s parameters", t.Name())
		}
		return err
	}
	return nil
}
