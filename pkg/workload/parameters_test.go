package workload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtualclient/pkg/api"
	"virtualclient/pkg/errs"
)

func TestParameters_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Parameters)
		wantErr bool
	}{
		{name: "valid", modify: func(*Parameters) {}},
		{name: "zero duration", modify: func(p *Parameters) { p.TestDuration = 0 }, wantErr: true},
		{name: "missing tool", modify: func(p *Parameters) { p.Tool = "" }, wantErr: true},
		{name: "warmup equals duration", modify: func(p *Parameters) { p.WarmupTime = 60 }, wantErr: true},
		{name: "delay exceeds duration", modify: func(p *Parameters) { p.DelayTime = 61 }, wantErr: true},
		{name: "delay plus warmup reaches duration", modify: func(p *Parameters) { p.WarmupTime = 30; p.DelayTime = 30 }, wantErr: true},
		{name: "negative delay", modify: func(p *Parameters) { p.DelayTime = -1 }, wantErr: true},
		{name: "delay plus warmup below duration", modify: func(p *Parameters) { p.WarmupTime = 30; p.DelayTime = 29 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParameters()
			tt.modify(&p)
			err := p.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrInstructionsNotValid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParameters_Timeout(t *testing.T) {
	p := testParameters()
	assert.Equal(t, 128*time.Second, p.Timeout())
}

func TestInstructionsRoundTrip(t *testing.T) {
	p := testParameters()
	instructions, err := NewInstructions(api.ClientServerStartExecution, p)
	require.NoError(t, err)
	assert.NotEmpty(t, instructions.ID)
	assert.Equal(t, api.ClientServerStartExecution, instructions.Type)

	decoded, err := ParseParameters(instructions.Properties)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestParseParameters_IgnoresUnknownKeys(t *testing.T) {
	p, err := ParseParameters([]byte(`{"tool":"CPS","port":7201,"testDuration":60,"futureKnob":true}`))
	require.NoError(t, err)
	assert.Equal(t, "CPS", p.Tool)
	assert.Equal(t, 7201, p.Port)
}

func TestParseParameters_Malformed(t *testing.T) {
	_, err := ParseParameters([]byte(`{"tool":`))
	assert.ErrorIs(t, err, errs.ErrInstructionsNotValid)

	_, err = ParseParameters(nil)
	assert.ErrorIs(t, err, errs.ErrInstructionsNotValid)
}

func TestValidate_ToolMismatch(t *testing.T) {
	p := testParameters()
	p.Tool = "Other"
	assert.ErrorIs(t, validate(newFakeTool(), p), errs.ErrInstructionsNotValid)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(newFakeTool())

	tool, err := r.Lookup("echo")
	require.NoError(t, err)
	assert.Equal(t, "Echo", tool.Name())

	_, err = r.Lookup("missing")
	assert.ErrorContains(t, err, "Echo")
}
