package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtualclient/pkg/config"
	"virtualclient/pkg/errs"
	"virtualclient/pkg/workload"
)

func TestProfileTools_Deduplicates(t *testing.T) {
	registry := newRegistry(t.TempDir())

	tools, err := profileTools(registry, []workload.Parameters{
		{Tool: "CPS", Scenario: "a"},
		{Tool: "cps", Scenario: "b"},
		{Tool: "SockPerf"},
	})
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "CPS", tools[0].Name())
	assert.Equal(t, "SockPerf", tools[1].Name())

	_, err = profileTools(registry, []workload.Parameters{{Tool: "NTttcp"}})
	assert.Error(t, err)
}

func TestApplyFlags_OverrideProfile(t *testing.T) {
	cmd := newRootCommand()
	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	require.NoError(t, run.Flags().Parse([]string{"--port", "4700", "--agent-id", "vm-2"}))

	cfg := config.Default()
	cfg.StateDir = "/var/lib/vc"
	applyFlags(run, &options{port: 4700, agentID: "vm-2"}, cfg)

	assert.Equal(t, 4700, cfg.API.Port)
	assert.Equal(t, "vm-2", cfg.AgentID)
	assert.Equal(t, "/var/lib/vc", cfg.StateDir, "unset flags keep profile values")
}

func TestRunAgent_RequiresLayout(t *testing.T) {
	cfg := config.Default()
	cfg.AgentID = "vc-client-01"
	cfg.StateDir = t.TempDir()
	cfg.RequireLayout = true
	cfg.Workloads = []workload.Parameters{{Tool: "CPS"}}

	err := runAgent(context.Background(), cfg, zerolog.Nop())
	assert.ErrorIs(t, err, errs.ErrLayoutNotDefined)
}

func TestToolsCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"tools"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "CPS\nSockPerf\n", out.String())
}
