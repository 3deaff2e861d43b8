package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"virtualclient/pkg/api"
	"virtualclient/pkg/process"
	"virtualclient/pkg/workload"
)

const (
	defaultStateDir    = "./state"
	defaultPackagesDir = "./packages"
)

// Config is a runtime profile: where state lives, how the control plane is
// reached, coordination timeouts and the workloads to run.
type Config struct {
	AgentID     string `yaml:"agentId"`
	LayoutPath  string `yaml:"layout"`
	StateDir    string `yaml:"stateDir"`
	PackagesDir string `yaml:"packagesDir"`
	LogLevel    string `yaml:"logLevel"`

	// RequireLayout rejects single-machine mode for profiles that only make
	// sense across machines.
	RequireLayout bool `yaml:"requireLayout"`

	API     APIConfig     `yaml:"api"`
	Client  ClientConfig  `yaml:"client"`
	Server  ServerConfig  `yaml:"server"`
	Process ProcessConfig `yaml:"process"`

	Workloads []workload.Parameters `yaml:"workloads"`
}

type APIConfig struct {
	Port            int           `yaml:"port"`
	PollingInterval time.Duration `yaml:"pollingInterval"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type ClientConfig struct {
	ServerOnlineTimeout time.Duration `yaml:"serverOnlineTimeout"`
	ConfirmationTimeout time.Duration `yaml:"confirmationTimeout"`
	RetryAttempts       int           `yaml:"retryAttempts"`
	RetryDelay          time.Duration `yaml:"retryDelay"`
}

type ServerConfig struct {
	LivenessInterval time.Duration `yaml:"livenessInterval"`
	LivenessTimeout  time.Duration `yaml:"livenessTimeout"`
	CleanupTimeout   time.Duration `yaml:"cleanupTimeout"`
}

type ProcessConfig struct {
	WaitDelay       time.Duration `yaml:"waitDelay"`
	FirewallTimeout time.Duration `yaml:"firewallTimeout"`
}

// Default returns the built-in profile without workloads.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		AgentID:     hostname,
		StateDir:    defaultStateDir,
		PackagesDir: defaultPackagesDir,
		LogLevel:    "info",
		API: APIConfig{
			Port:            api.DefaultPort,
			PollingInterval: time.Second,
			RequestTimeout:  2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Client: ClientConfig{
			ServerOnlineTimeout: time.Hour,
			ConfirmationTimeout: 5 * time.Minute,
			RetryAttempts:       3,
			RetryDelay:          5 * time.Second,
		},
		Server: ServerConfig{
			LivenessInterval: 500 * time.Millisecond,
			LivenessTimeout:  2 * time.Minute,
			CleanupTimeout:   30 * time.Second,
		},
		Process: ProcessConfig{
			WaitDelay:       process.DefaultWaitDelay,
			FirewallTimeout: time.Minute,
		},
	}
}

// Load reads the profile at path over the defaults, then applies environment
// overrides. An empty path yields the defaults with overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read profile: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode profile %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from VC_AGENT_ID, VC_API_PORT, VC_STATE_DIR and VC_LAYOUT.
func (c *Config) ApplyEnv() error {
	c.AgentID = getEnv("VC_AGENT_ID", c.AgentID)
	c.StateDir = getEnv("VC_STATE_DIR", c.StateDir)
	c.LayoutPath = getEnv("VC_LAYOUT", c.LayoutPath)

	if port := getEnv("VC_API_PORT", ""); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid VC_API_PORT %q: %w", port, err)
		}
		c.API.Port = p
	}
	return nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("agent id is required")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api port %d is out of range", c.API.Port)
	}
	if c.API.PollingInterval <= 0 {
		return fmt.Errorf("api polling interval must be positive")
	}
	if c.Client.RetryAttempts < 1 {
		return fmt.Errorf("client retry attempts must be at least 1")
	}
	if len(c.Workloads) == 0 {
		return fmt.Errorf("profile defines no workloads")
	}
	for i, w := range c.Workloads {
		if w.Tool == "" {
			return fmt.Errorf("workload %d has no tool", i)
		}
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
