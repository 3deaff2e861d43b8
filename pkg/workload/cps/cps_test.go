package cps_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtualclient/pkg/api"
	"virtualclient/pkg/errs"
	"virtualclient/pkg/state"
	"virtualclient/pkg/workload"
	"virtualclient/pkg/workload/cps"
	"virtualclient/pkg/workload/workloadtest"
)

const sampleOutput = `Starting CPS...
T(sec)       N    Pend   Failed  IOFail  Conn/s  Close/s   RXkbyte/s   TXkbyte/s
    10    1600      10        0       0  1000.0   990.0       12.5       12.5
    20    1600       8        1       0  2000.0  1990.0       25.0       25.0
    30    1600       6        1       0  3000.0  2990.0       37.5       37.5
    40    1600       4        2       1  4000.0  3990.0       50.0       50.0
###ENDING_STATS###
`

func init() {
	gin.SetMode(gin.TestMode)
}

func scenarioParameters() workload.Parameters {
	return workload.Parameters{
		Tool:         cps.Name,
		Connections:  16,
		Port:         7201,
		WarmupTime:   8,
		TestDuration: 60,
	}
}

func TestClientCommandLine(t *testing.T) {
	tool := cps.New("/opt/cps")
	cmd := tool.ClientCommandLine(scenarioParameters(), "10.1.0.5", "10.1.0.6")

	assert.Equal(t, "-c -r 16 10.1.0.5,0,10.1.0.6,7201,100,100,0,1 -i 10 -wt 8 -t 60", cmd)
}

func TestCommandLines_Optional(t *testing.T) {
	tool := cps.New("/opt/cps")
	p := scenarioParameters()
	p.DelayTime = 5
	p.IPv6 = true

	assert.True(t, strings.HasSuffix(tool.ClientCommandLine(p, "::1", "::2"), "-t 60 -ds 5 -ipv6"))
	assert.Equal(t, "-s -r 16 10.1.0.6,7201 -i 10 -wt 8 -t 60 -ds 5 -ipv6", tool.ServerCommandLine(p, "10.1.0.6"))
}

func TestValidate(t *testing.T) {
	tool := cps.New("/opt/cps")
	p := scenarioParameters()
	require.NoError(t, tool.Validate(p))

	p.Connections = -1
	assert.ErrorIs(t, tool.Validate(p), errs.ErrInstructionsNotValid)

	p = scenarioParameters()
	p.Port = -5
	assert.ErrorIs(t, tool.Validate(p), errs.ErrInstructionsNotValid)
}

func TestParse(t *testing.T) {
	out, err := cps.Parse(sampleOutput, 10)
	require.NoError(t, err)

	byName := map[string]float64{}
	for _, m := range out {
		byName[m.Name] = m.Value
	}
	// The first row falls inside the warmup window.
	assert.Equal(t, 2000.0, byName["ConnectsPerSec_Min"])
	assert.Equal(t, 4000.0, byName["ConnectsPerSec_Max"])
	assert.Equal(t, 3000.0, byName["ConnectsPerSec_Avg"])
	assert.Equal(t, 2990.0, byName["DisconnectsPerSec_Avg"])
	assert.Equal(t, 37.5, byName["RxKBytesPerSec_Avg"])
	assert.Equal(t, 2.0, byName["SyncFailures"])
	assert.Equal(t, 1.0, byName["IOFailures"])
	assert.Equal(t, 1600.0, byName["ActiveConnections"])
}

func TestParse_NoRows(t *testing.T) {
	_, err := cps.Parse("Starting CPS...\nerror: bind failed\n", 0)
	assert.ErrorIs(t, err, errs.ErrWorkloadResultsNotFound)
}

// A client with a fixed server counterpart sends exactly one Reset and one
// Start and launches CPS with the expected command line.
func TestClientServerRendezvous(t *testing.T) {
	store := state.NewMemoryStore()
	server, err := api.NewServer(store, zerolog.Nop(), api.WithGatherer(prometheus.NewRegistry()))
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	var mu sync.Mutex
	received := map[api.InstructionsType]int{}
	defer server.Subscribe(api.InstructionsHandlerFunc(func(_ context.Context, i api.Instructions) error {
		mu.Lock()
		defer mu.Unlock()
		received[i.Type]++
		return nil
	}))()

	manager := workloadtest.NewManager(200 * time.Millisecond)
	manager.Configure = func(p *workloadtest.Process) { p.Stdout = sampleOutput }
	emitter := &workloadtest.Emitter{}
	deps := workload.Dependencies{
		Processes: manager,
		Checker:   &workloadtest.Checker{Manager: manager},
		Firewall:  &workloadtest.Firewall{},
		Emitter:   emitter,
	}
	tool := cps.New("/opt/cps")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := workload.NewServerCoordinator(tool, api.NewLocalStateClient(store), deps, workload.ServerOptions{
		IPAddress:        "10.1.0.6",
		LivenessInterval: 20 * time.Millisecond,
	}, zerolog.Nop())
	serverDone := make(chan error, 1)
	go func() { serverDone <- coordinator.Run(ctx, server) }()
	<-coordinator.Ready()
	server.SetOnline(true)

	client, err := api.NewClientForURL(ts.URL, api.WithPollingInterval(20*time.Millisecond))
	require.NoError(t, err)
	c := workload.NewClientCoordinator(tool, scenarioParameters(), client, deps, workload.ClientOptions{
		ClientIP: "10.1.0.5",
		ServerIP: "10.1.0.6",
	}, zerolog.Nop())
	require.NoError(t, c.Run(ctx))

	mu.Lock()
	assert.Equal(t, 1, received[api.ClientServerReset])
	assert.Equal(t, 1, received[api.ClientServerStartExecution])
	mu.Unlock()

	clientProc := manager.Find("-c -r")
	require.NotNil(t, clientProc)
	assert.Contains(t, clientProc.Arguments(), "-c -r 16 10.1.0.5,0,10.1.0.6,7201,")
	assert.Contains(t, clientProc.Arguments(), "-wt 8 -t 60")
	assert.Equal(t, tool.ExecutablePath(), clientProc.Path())

	serverProc := manager.Find("-s -r")
	require.NotNil(t, serverProc)
	assert.Contains(t, serverProc.Arguments(), "10.1.0.6,7201")

	require.Eventually(t, func() bool { return len(emitter.Results()) == 2 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-serverDone)
}
