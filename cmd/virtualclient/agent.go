package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"virtualclient/pkg/api"
	"virtualclient/pkg/config"
	"virtualclient/pkg/layout"
	"virtualclient/pkg/metrics"
	"virtualclient/pkg/process"
	"virtualclient/pkg/state"
	"virtualclient/pkg/workload"
	"virtualclient/pkg/workload/cps"
	"virtualclient/pkg/workload/sockperf"
)

func newRegistry(packagesDir string) *workload.Registry {
	return workload.NewRegistry(
		cps.New(filepath.Join(packagesDir, "cps")),
		sockperf.New(filepath.Join(packagesDir, "sockperf")),
	)
}

// runAgent hosts the control-plane API, the server coordinators when this
// agent plays Server (or runs alone), and runs the profile's workloads when it
// plays Client. A client run ends once its workloads finish; a server runs
// until interrupted.
func runAgent(parent context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var envLayout *layout.EnvironmentLayout
	if cfg.LayoutPath != "" {
		l, err := layout.Load(cfg.LayoutPath)
		if err != nil {
			return err
		}
		envLayout = l
	}
	resolver := layout.NewResolver(envLayout, cfg.AgentID)
	if cfg.RequireLayout {
		if err := resolver.RequireLayout(); err != nil {
			return err
		}
	}
	self, err := resolver.Self()
	if err != nil {
		return err
	}
	isClient := resolver.PlaysRole(layout.Client)
	isServer := resolver.PlaysRole(layout.Server) || resolver.IsSingleMachine()

	logger = logger.With().Str("agent", resolver.AgentID()).Logger()
	logger.Info().
		Bool("single_machine", resolver.IsSingleMachine()).
		Bool("client", isClient).
		Bool("server", isServer).
		Str("ip", self.IPAddress).
		Msg("Resolved roles")

	store, err := state.NewFileStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open state directory: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promEmitter, err := metrics.NewPrometheusEmitter(reg)
	if err != nil {
		return err
	}

	server, err := api.NewServer(store, logger,
		api.WithGatherer(reg),
		api.WithShutdownTimeout(cfg.API.ShutdownTimeout))
	if err != nil {
		return err
	}

	processes := process.NewManager(process.WithWaitDelay(cfg.Process.WaitDelay))
	deps := workload.Dependencies{
		Processes:  processes,
		Checker:    process.NewChecker(),
		Firewall:   process.NewFirewall(processes, cfg.Process.FirewallTimeout, logger),
		Emitter:    metrics.MultiEmitter{metrics.NewLogEmitter(logger), promEmitter},
		LocalState: api.NewLocalStateClient(store),
	}

	registry := newRegistry(cfg.PackagesDir)
	tools, err := profileTools(registry, cfg.Workloads)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return server.ListenAndServe(gctx, ":"+strconv.Itoa(cfg.API.Port))
	})

	var coordinators []*workload.ServerCoordinator
	if isServer {
		for _, tool := range tools {
			coordinator := workload.NewServerCoordinator(tool, api.NewLocalStateClient(store), deps, workload.ServerOptions{
				IPAddress:        self.IPAddress,
				LivenessInterval: cfg.Server.LivenessInterval,
				LivenessTimeout:  cfg.Server.LivenessTimeout,
				CleanupTimeout:   cfg.Server.CleanupTimeout,
			}, logger)
			coordinators = append(coordinators, coordinator)
			g.Go(func() error { return coordinator.Run(gctx, server) })
		}
	}

	g.Go(func() error {
		for _, c := range coordinators {
			select {
			case <-c.Ready():
			case <-gctx.Done():
				return nil
			}
		}
		server.SetOnline(true)
		logger.Info().Int("tools", len(coordinators)).Msg("Eventing API online")
		return nil
	})

	if isClient {
		g.Go(func() error {
			defer cancel()
			return runClient(gctx, cfg, resolver, self, registry, deps, logger)
		})
	}

	err = g.Wait()
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info().Msg("Interrupted")
		return nil
	}
	return err
}

// runClient runs every profile workload in order against the first server
// counterpart. Failed workloads do not stop later ones.
func runClient(ctx context.Context, cfg *config.Config, resolver *layout.Resolver, self layout.Instance,
	registry *workload.Registry, deps workload.Dependencies, logger zerolog.Logger) error {
	counterpart, err := resolver.Counterpart(layout.Server)
	if err != nil {
		return err
	}

	client, err := api.NewClient(counterpart.IPAddress, cfg.API.Port,
		api.WithPollingInterval(cfg.API.PollingInterval),
		api.WithRequestTimeout(cfg.API.RequestTimeout),
		api.WithLogger(logger))
	if err != nil {
		return err
	}

	logger.Info().Str("server", counterpart.Name).Str("url", client.BaseURL()).Msg("Coordinating with server")

	var failures []error
	for _, params := range cfg.Workloads {
		tool, err := registry.Lookup(params.Tool)
		if err != nil {
			return err
		}
		coordinator := workload.NewClientCoordinator(tool, params, client, deps, workload.ClientOptions{
			ClientIP:            self.IPAddress,
			ServerIP:            counterpart.IPAddress,
			ServerOnlineTimeout: cfg.Client.ServerOnlineTimeout,
			ConfirmationTimeout: cfg.Client.ConfirmationTimeout,
			RetryAttempts:       cfg.Client.RetryAttempts,
			RetryDelay:          cfg.Client.RetryDelay,
		}, logger)
		if err := coordinator.Run(ctx); err != nil {
			failures = append(failures, fmt.Errorf("%s (%s): %w", params.Tool, params.Scenario, err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(failures...)
}

// profileTools returns each distinct tool the profile names.
func profileTools(registry *workload.Registry, workloads []workload.Parameters) ([]workload.Tool, error) {
	seen := map[string]bool{}
	var tools []workload.Tool
	for _, w := range workloads {
		tool, err := registry.Lookup(w.Tool)
		if err != nil {
			return nil, err
		}
		if seen[tool.Name()] {
			continue
		}
		seen[tool.Name()] = true
		tools = append(tools, tool)
	}
	return tools, nil
}
