package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"virtualclient/pkg/config"
)

type options struct {
	profile     string
	layout      string
	agentID     string
	port        int
	stateDir    string
	packagesDir string
	logLevel    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "virtualclient",
		Short:         "Run client/server benchmark workloads across machines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the workloads of a profile in the roles this agent plays",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.profile)
			if err != nil {
				return err
			}
			applyFlags(cmd, opts, cfg)

			logger := newLogger(cfg.LogLevel)
			if err := cfg.Validate(); err != nil {
				logger.Error().Err(err).Msg("Invalid profile")
				return err
			}
			if err := runAgent(cmd.Context(), cfg, logger); err != nil {
				logger.Error().Err(err).Msg("Virtual client run failed")
				return err
			}
			return nil
		},
	}

	flags := run.Flags()
	flags.StringVar(&opts.profile, "profile", "", "path to the YAML profile")
	flags.StringVar(&opts.layout, "layout", "", "path to the environment layout (YAML or JSON); omit for single-machine mode")
	flags.StringVar(&opts.agentID, "agent-id", "", "name of this agent in the environment layout")
	flags.IntVar(&opts.port, "port", 0, "control-plane API port")
	flags.StringVar(&opts.stateDir, "state-dir", "", "directory for persisted state")
	flags.StringVar(&opts.packagesDir, "packages-dir", "", "directory holding workload packages")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	_ = run.MarkFlagRequired("profile")

	tools := &cobra.Command{
		Use:   "tools",
		Short: "List the supported workload tools",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range newRegistry(config.Default().PackagesDir).Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}

	root.AddCommand(run, tools)
	return root
}

// applyFlags lets explicitly set flags win over the profile and environment.
func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("layout") {
		cfg.LayoutPath = opts.layout
	}
	if flags.Changed("agent-id") {
		cfg.AgentID = opts.agentID
	}
	if flags.Changed("port") {
		cfg.API.Port = opts.port
	}
	if flags.Changed("state-dir") {
		cfg.StateDir = opts.stateDir
	}
	if flags.Changed("packages-dir") {
		cfg.PackagesDir = opts.packagesDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
