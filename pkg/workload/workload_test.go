package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"virtualclient/pkg/api"
	"virtualclient/pkg/errs"
	"virtualclient/pkg/layout"
	"virtualclient/pkg/metrics"
	"virtualclient/pkg/process"
	"virtualclient/pkg/state"
)

type fakeTool struct {
	name    string
	inbound bool

	mu       sync.Mutex
	installs int
}

func newFakeTool() *fakeTool {
	return &fakeTool{name: "Echo"}
}

func (t *fakeTool) Name() string             { return t.name }
func (t *fakeTool) ExecutablePath() string   { return "/opt/echo/bin/echo-bench" }
func (t *fakeTool) WorkingDirectory() string { return "/opt/echo" }

func (t *fakeTool) Validate(p Parameters) error {
	if p.Port <= 0 {
		return errs.New(errs.InstructionsNotValid, "port must be positive")
	}
	return nil
}

func (t *fakeTool) ClientCommandLine(p Parameters, clientIP, serverIP string) string {
	return fmt.Sprintf("client %s %s %d", clientIP, serverIP, p.Port)
}

func (t *fakeTool) ServerCommandLine(p Parameters, serverIP string) string {
	return fmt.Sprintf("server %s %d", serverIP, p.Port)
}

func (t *fakeTool) ResultsFile(layout.Role) string { return "" }

func (t *fakeTool) ParseResults(output string, _ Parameters) ([]metrics.Metric, error) {
	if !strings.Contains(output, "ok") {
		return nil, fmt.Errorf("unexpected output %q", output)
	}
	return []metrics.Metric{{Name: "throughput", Value: 1, Relativity: metrics.HigherIsBetter}}, nil
}

func (t *fakeTool) RequiresClientInboundAccess() bool { return t.inbound }

type installingTool struct {
	*fakeTool
}

func (t installingTool) Install(context.Context, process.Manager) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.installs++
	return nil
}

func testParameters() Parameters {
	return Parameters{
		Tool:         "Echo",
		Scenario:     "echo_smoke",
		Port:         7201,
		TestDuration: 60,
		WarmupTime:   8,
	}
}

// fakeServer is a scripted ServerAPI that records the calls it receives.
type fakeServer struct {
	mu    sync.Mutex
	calls []string
	sent  []api.Instructions

	heartbeatErr   error
	blockHeartbeat bool
	sendErr        error
	startedErr     error
}

func (s *fakeServer) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeServer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeServer) count(call string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (s *fakeServer) PollForHeartbeat(ctx context.Context, _ time.Duration) error {
	s.record("heartbeat")
	if s.blockHeartbeat {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.heartbeatErr
}

func (s *fakeServer) PollForServerOnline(context.Context, time.Duration) error {
	s.record("online")
	return nil
}

func (s *fakeServer) SendInstructions(_ context.Context, instructions api.Instructions) error {
	s.record("send:" + string(instructions.Type))
	s.mu.Lock()
	s.sent = append(s.sent, instructions)
	s.mu.Unlock()
	return s.sendErr
}

func (s *fakeServer) PollForStateDeleted(context.Context, string, time.Duration) error {
	s.record("deleted")
	return nil
}

func (s *fakeServer) PollForExpectedState(_ context.Context, key string, expected func(*state.Document) (bool, error), _ time.Duration) (*state.Document, error) {
	s.record("started")
	if s.startedErr != nil {
		return nil, s.startedErr
	}
	doc := &state.Document{ID: key, Definition: json.RawMessage(`{"status":"ExecutionStarted"}`)}
	ok, err := expected(doc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.WaitTimeout, "state %s not as expected", key)
	}
	return doc, nil
}
