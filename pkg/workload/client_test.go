package workload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtualclient/pkg/api"
	"virtualclient/pkg/errs"
	"virtualclient/pkg/layout"
	"virtualclient/pkg/state"
	"virtualclient/pkg/workload/workloadtest"
)

type clientEnv struct {
	tool     *fakeTool
	server   *fakeServer
	manager  *workloadtest.Manager
	firewall *workloadtest.Firewall
	emitter  *workloadtest.Emitter

	mu          sync.Mutex
	transitions []ClientState
}

func newClientEnv() *clientEnv {
	env := &clientEnv{
		tool:     newFakeTool(),
		server:   &fakeServer{},
		manager:  workloadtest.NewManager(10 * time.Millisecond),
		firewall: &workloadtest.Firewall{},
		emitter:  &workloadtest.Emitter{},
	}
	env.manager.Configure = func(p *workloadtest.Process) {
		p.Stdout = "ok"
		env.server.record("process")
	}
	return env
}

func (e *clientEnv) deps() Dependencies {
	return Dependencies{
		Processes:  e.manager,
		Checker:    &workloadtest.Checker{Manager: e.manager},
		Firewall:   e.firewall,
		Emitter:    e.emitter,
		LocalState: api.NewLocalStateClient(state.NewMemoryStore()),
	}
}

func (e *clientEnv) coordinator(tool Tool, params Parameters, opts ClientOptions) *ClientCoordinator {
	opts.ServerIP = "10.0.0.2"
	opts.ClientIP = "10.0.0.1"
	opts.RetryDelay = time.Millisecond
	opts.Observer = func(_, to ClientState) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.transitions = append(e.transitions, to)
	}
	return NewClientCoordinator(tool, params, e.server, e.deps(), opts, zerolog.Nop())
}

func (e *clientEnv) Transitions() []ClientState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ClientState(nil), e.transitions...)
}

func TestClientCoordinator_Ordering(t *testing.T) {
	env := newClientEnv()
	c := env.coordinator(env.tool, testParameters(), ClientOptions{})

	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []string{
		"heartbeat",
		"online",
		"send:" + string(api.ClientServerReset),
		"deleted",
		"send:" + string(api.ClientServerStartExecution),
		"started",
		"process",
		"deleted",
	}, env.server.Calls())

	assert.Equal(t, []ClientState{
		WaitingForServerOnline,
		RequestingReset,
		WaitingForResetConfirmed,
		RequestingStart,
		WaitingForStartConfirmed,
		RunningLocalWorkload,
		Completed,
	}, env.Transitions())
	assert.Equal(t, Completed, c.State())

	procs := env.manager.Processes()
	require.Len(t, procs, 1)
	assert.Equal(t, "client 10.0.0.1 10.0.0.2 7201", procs[0].Arguments())

	results := env.emitter.Results()
	require.Len(t, results, 1)
	assert.Equal(t, string(layout.Client), results[0].Role)
	assert.Equal(t, "echo_smoke", results[0].Scenario)
	assert.NotEmpty(t, results[0].ExperimentID)
}

func TestClientCoordinator_InstructionsEchoParameters(t *testing.T) {
	env := newClientEnv()
	params := testParameters()
	c := env.coordinator(env.tool, params, ClientOptions{})

	require.NoError(t, c.Run(context.Background()))

	require.Len(t, env.server.sent, 2)
	for _, instructions := range env.server.sent {
		decoded, err := ParseParameters(instructions.Properties)
		require.NoError(t, err)
		assert.Equal(t, params, decoded)
	}
}

func TestClientCoordinator_HeartbeatTimeout(t *testing.T) {
	env := newClientEnv()
	env.server.heartbeatErr = errs.New(errs.WaitTimeout, "no heartbeat")
	c := env.coordinator(env.tool, testParameters(), ClientOptions{})

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrWaitTimeout)
	assert.Equal(t, []string{"heartbeat"}, env.server.Calls())
	assert.Empty(t, env.manager.Processes())
	assert.Equal(t, Failed, c.State())
}

func TestClientCoordinator_ValidationPrecedesNetwork(t *testing.T) {
	env := newClientEnv()
	params := testParameters()
	params.TestDuration = 0
	c := env.coordinator(env.tool, params, ClientOptions{})

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrInstructionsNotValid)
	assert.Empty(t, env.server.Calls())
}

func TestClientCoordinator_TeardownAfterFailure(t *testing.T) {
	env := newClientEnv()
	env.manager.Configure = func(p *workloadtest.Process) {
		p.Code = 1
		p.Stderr = "bind failed"
		env.server.record("process")
	}
	c := env.coordinator(env.tool, testParameters(), ClientOptions{RetryAttempts: 1})

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrWorkloadFailed)
	assert.ErrorContains(t, err, "bind failed")

	calls := env.server.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "process", calls[len(calls)-2])
	assert.Equal(t, "deleted", calls[len(calls)-1])
	assert.Empty(t, env.emitter.Results())
}

func TestClientCoordinator_RetriesTransientFailures(t *testing.T) {
	env := newClientEnv()
	env.server.startedErr = errs.New(errs.WaitTimeout, "server never started")
	c := env.coordinator(env.tool, testParameters(), ClientOptions{RetryAttempts: 3})

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrWaitTimeout)
	assert.Equal(t, 3, env.server.count("send:"+string(api.ClientServerReset)))
	assert.Equal(t, 3, env.server.count("send:"+string(api.ClientServerStartExecution)))
	assert.Empty(t, env.manager.Processes())
}

func TestClientCoordinator_DoesNotRetryInvalidInstructions(t *testing.T) {
	env := newClientEnv()
	env.server.sendErr = errs.New(errs.InstructionsNotValid, "rejected")
	c := env.coordinator(env.tool, testParameters(), ClientOptions{RetryAttempts: 3})

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrInstructionsNotValid)
	assert.Equal(t, 1, env.server.count("send:"+string(api.ClientServerReset)))
}

func TestClientCoordinator_CancellationIsNotAnError(t *testing.T) {
	env := newClientEnv()
	env.server.blockHeartbeat = true
	c := env.coordinator(env.tool, testParameters(), ClientOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	assert.NoError(t, c.Run(ctx))
	assert.Equal(t, []string{"heartbeat"}, env.server.Calls())
}

func TestClientCoordinator_OpensInboundAccessWhenNeeded(t *testing.T) {
	env := newClientEnv()
	env.tool.inbound = true
	c := env.coordinator(env.tool, testParameters(), ClientOptions{})

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []string{"Echo=echo-bench"}, env.firewall.Rules())
}

func TestClientCoordinator_KillsProcessAtTimeoutAndCollects(t *testing.T) {
	env := newClientEnv()
	env.manager.RunFor = time.Hour
	params := testParameters()
	params.TestDuration = 1
	params.WarmupTime = 0
	c := env.coordinator(env.tool, params, ClientOptions{})

	require.NoError(t, c.Run(context.Background()))

	procs := env.manager.Processes()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].Killed())
	assert.Len(t, env.emitter.Results(), 1)
}
