package workload

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtualclient/pkg/api"
	"virtualclient/pkg/layout"
	"virtualclient/pkg/state"
	"virtualclient/pkg/workload/workloadtest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRendezvous_ClientAndServerOverHTTP(t *testing.T) {
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

	tool := newFakeTool()
	manager := workloadtest.NewManager(300 * time.Millisecond)
	manager.Configure = func(p *workloadtest.Process) { p.Stdout = "ok" }
	emitter := &workloadtest.Emitter{}
	deps := Dependencies{
		Processes: manager,
		Checker:   &workloadtest.Checker{Manager: manager},
		Firewall:  &workloadtest.Firewall{},
		Emitter:   emitter,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := NewServerCoordinator(tool, api.NewLocalStateClient(store), deps, ServerOptions{
		LivenessInterval: 20 * time.Millisecond,
	}, zerolog.Nop())
	serverDone := make(chan error, 1)
	go func() { serverDone <- coordinator.Run(ctx, server) }()
	<-coordinator.Ready()
	server.SetOnline(true)

	client, err := api.NewClientForURL(ts.URL, api.WithPollingInterval(20*time.Millisecond))
	require.NoError(t, err)

	c := NewClientCoordinator(tool, testParameters(), client, deps, ClientOptions{
		ConfirmationTimeout: 10 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, c.Run(ctx))

	mu.Lock()
	assert.Equal(t, 1, received[api.ClientServerReset])
	assert.Equal(t, 1, received[api.ClientServerStartExecution])
	mu.Unlock()

	require.Eventually(t, func() bool { return len(emitter.Results()) == 2 }, 5*time.Second, 20*time.Millisecond)
	roles := map[string]bool{}
	for _, r := range emitter.Results() {
		roles[r.Role] = true
	}
	assert.True(t, roles[string(layout.Client)])
	assert.True(t, roles[string(layout.Server)])

	_, err = store.Get(context.Background(), StateKey(tool))
	assert.ErrorIs(t, err, state.ErrNotFound)

	cancel()
	assert.NoError(t, <-serverDone)
}
