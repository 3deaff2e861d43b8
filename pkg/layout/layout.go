package layout

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role is the half of a client/server protocol an instance executes.
type Role string

const (
	Client Role = "Client"
	Server Role = "Server"
)

// Loopback is the counterpart address used when no layout is defined.
const Loopback = "127.0.0.1"

// Instance is one machine participating in a run.
type Instance struct {
	Name      string `json:"name" yaml:"name"`
	IPAddress string `json:"ipAddress" yaml:"ipAddress"`
	Role      Role   `json:"role" yaml:"role"`
}

// EnvironmentLayout is the set of instances taking part in a run.
type EnvironmentLayout struct {
	Clients []Instance `json:"clients" yaml:"clients"`
}

// Load reads a layout file. JSON files are valid YAML, so one decoder serves both.
func Load(path string) (*EnvironmentLayout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read environment layout: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a layout document.
func Parse(data []byte) (*EnvironmentLayout, error) {
	var l EnvironmentLayout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse environment layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Validate checks every instance is addressable and tagged with a known role.
func (l *EnvironmentLayout) Validate() error {
	if len(l.Clients) == 0 {
		return fmt.Errorf("environment layout defines no instances")
	}
	for i, c := range l.Clients {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("environment layout instance %d has no name", i)
		}
		if strings.TrimSpace(c.IPAddress) == "" {
			return fmt.Errorf("environment layout instance %q has no IP address", c.Name)
		}
		switch c.Role {
		case Client, Server:
		default:
			return fmt.Errorf("environment layout instance %q has unsupported role %q", c.Name, c.Role)
		}
	}
	return nil
}
