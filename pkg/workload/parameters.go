package workload

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"virtualclient/pkg/api"
	"virtualclient/pkg/errs"
)

// Parameters configures one client/server tool run. The same structure is
// echoed to the server inside every Instructions envelope so it can rebuild
// the matching configuration. Durations are in seconds.
type Parameters struct {
	Tool     string `json:"tool" yaml:"tool"`
	Scenario string `json:"scenario,omitempty" yaml:"scenario"`

	Port         int `json:"port,omitempty" yaml:"port"`
	Connections  int `json:"connections,omitempty" yaml:"connections"`
	TestDuration int `json:"testDuration" yaml:"testDuration"`
	WarmupTime   int `json:"warmupTime,omitempty" yaml:"warmupTime"`
	DelayTime    int `json:"delayTime,omitempty" yaml:"delayTime"`

	// CPS
	ConnectionsPerThread        int  `json:"connectionsPerThread,omitempty" yaml:"connectionsPerThread"`
	MaxPendingRequestsPerThread int  `json:"maxPendingRequestsPerThread,omitempty" yaml:"maxPendingRequestsPerThread"`
	ConnectionDuration          int  `json:"connectionDuration,omitempty" yaml:"connectionDuration"`
	DataTransferMode            int  `json:"dataTransferMode,omitempty" yaml:"dataTransferMode"`
	DisplayInterval             int  `json:"displayInterval,omitempty" yaml:"displayInterval"`
	IPv6                        bool `json:"ipv6,omitempty" yaml:"ipv6"`

	// SockPerf
	Protocol          string `json:"protocol,omitempty" yaml:"protocol"`
	MessageSize       int    `json:"messageSize,omitempty" yaml:"messageSize"`
	MessagesPerSecond string `json:"messagesPerSecond,omitempty" yaml:"messagesPerSecond"`
}

// Validate checks the timing invariants shared by every tool.
func (p Parameters) Validate() error {
	if p.Tool == "" {
		return errs.New(errs.InstructionsNotValid, "the 'tool' parameter is required")
	}
	if p.TestDuration <= 0 {
		return errs.New(errs.InstructionsNotValid, "the test duration must be greater than zero (testDuration=%d)", p.TestDuration)
	}
	if p.WarmupTime < 0 || p.DelayTime < 0 {
		return errs.New(errs.InstructionsNotValid, "warmup and delay times must not be negative")
	}
	if p.WarmupTime >= p.TestDuration {
		return errs.New(errs.InstructionsNotValid,
			"the warmup time must be less than the test duration (warmupTime=%d, testDuration=%d)", p.WarmupTime, p.TestDuration)
	}
	if p.DelayTime >= p.TestDuration {
		return errs.New(errs.InstructionsNotValid,
			"the delay time must be less than the test duration (delayTime=%d, testDuration=%d)", p.DelayTime, p.TestDuration)
	}
	if p.DelayTime+p.WarmupTime >= p.TestDuration {
		return errs.New(errs.InstructionsNotValid,
			"the delay and warmup times together must be less than the test duration (delayTime=%d, warmupTime=%d, testDuration=%d)",
			p.DelayTime, p.WarmupTime, p.TestDuration)
	}
	return nil
}

// Timeout is the absolute wall-clock bound for one tool process. Some tools
// do not reliably exit on their own, hence twice the test duration.
func (p Parameters) Timeout() time.Duration {
	return time.Duration(p.WarmupTime+2*p.TestDuration) * time.Second
}

// NewInstructions wraps p in an envelope of the given type.
func NewInstructions(t api.InstructionsType, p Parameters) (api.Instructions, error) {
	props, err := json.Marshal(p)
	if err != nil {
		return api.Instructions{}, fmt.Errorf("failed to encode parameters: %w", err)
	}
	return api.Instructions{
		ID:         uuid.NewString(),
		Type:       t,
		Properties: props,
	}, nil
}

// ParseParameters decodes envelope properties. Unknown keys are ignored so
// newer clients can talk to older servers.
func ParseParameters(raw json.RawMessage) (Parameters, error) {
	var p Parameters
	if len(raw) == 0 {
		return p, errs.New(errs.InstructionsNotValid, "instructions carry no properties")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, errs.Wrap(errs.InstructionsNotValid, err, "instructions properties are malformed")
	}
	return p, nil
}
