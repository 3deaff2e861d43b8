package workload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"virtualclient/pkg/api"
	"virtualclient/pkg/background"
	"virtualclient/pkg/errs"
	"virtualclient/pkg/layout"
	"virtualclient/pkg/process"
)

// Subscriber delivers inbound instructions. *api.Server implements it.
type Subscriber interface {
	Subscribe(h api.InstructionsHandler) (unsubscribe func())
}

// ServerOptions tunes a ServerCoordinator.
type ServerOptions struct {
	IPAddress        string
	LivenessInterval time.Duration
	LivenessTimeout  time.Duration
	CleanupTimeout   time.Duration
}

func (o *ServerOptions) setDefaults() {
	if o.IPAddress == "" {
		o.IPAddress = layout.Loopback
	}
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = 500 * time.Millisecond
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = 2 * time.Minute
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = 30 * time.Second
	}
}

// ServerCoordinator runs the server side of one tool. Instructions are
// handled one at a time and at most one workload runs in the background.
type ServerCoordinator struct {
	tool       Tool
	states     api.StateClient
	deps       Dependencies
	opts       ServerOptions
	logger     zerolog.Logger
	supervisor *background.Supervisor

	// mu serializes instruction dispatch.
	mu sync.Mutex

	ctxMu   sync.RWMutex
	ambient context.Context

	ready chan struct{}
}

// NewServerCoordinator creates a coordinator that publishes workload state
// through states.
func NewServerCoordinator(tool Tool, states api.StateClient, deps Dependencies, opts ServerOptions, logger zerolog.Logger) *ServerCoordinator {
	opts.setDefaults()
	logger = logger.With().Str("component", "server-coordinator").Str("tool", tool.Name()).Logger()
	return &ServerCoordinator{
		tool:       tool,
		states:     states,
		deps:       deps,
		opts:       opts,
		logger:     logger,
		supervisor: background.NewSupervisor(logger),
		ambient:    context.Background(),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the coordinator accepts instructions.
func (s *ServerCoordinator) Ready() <-chan struct{} {
	return s.ready
}

// Run sets the tool up, subscribes to instructions and blocks until ctx is
// done. Any background workload is stopped before Run returns.
func (s *ServerCoordinator) Run(ctx context.Context, subscriber Subscriber) error {
	if err := setupTool(ctx, s.deps, s.tool); err != nil {
		return err
	}

	s.ctxMu.Lock()
	s.ambient = ctx
	s.ctxMu.Unlock()

	unsubscribe := subscriber.Subscribe(s)
	close(s.ready)

	s.logger.Info().Str("ip", s.opts.IPAddress).Msg("Server coordinator accepting instructions")
	<-ctx.Done()
	unsubscribe()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.supervisor.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("Background workload ended with error during shutdown")
	}
	s.logger.Info().Msg("Server coordinator stopped")
	return nil
}

func (s *ServerCoordinator) ambientContext() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.ambient
}

// HandleInstructions applies inbound instructions. Failures are logged, never
// returned, so a bad request cannot affect other subscribers.
func (s *ServerCoordinator) HandleInstructions(_ context.Context, instructions api.Instructions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.logger.With().Str("instructions", string(instructions.Type)).Str("id", instructions.ID).Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Instructions handling panicked")
		}
	}()

	params, err := ParseParameters(instructions.Properties)
	if err != nil {
		logger.Error().Err(err).Msg("Ignoring instructions")
		return nil
	}
	if !strings.EqualFold(params.Tool, s.tool.Name()) {
		logger.Debug().Str("target", params.Tool).Msg("Instructions are for another tool")
		return nil
	}

	if err := s.dispatch(s.ambientContext(), instructions.Type, params); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("Instructions handling cancelled")
			return nil
		}
		logger.Error().Err(err).Str("reason", string(errs.ReasonOf(err))).Msg("Instructions handling failed")
	}
	return nil
}

func (s *ServerCoordinator) dispatch(ctx context.Context, t api.InstructionsType, params Parameters) error {
	switch t {
	case api.ClientServerReset:
		s.logger.Info().Msg("Reset requested")
		return s.reset(ctx)
	case api.ClientServerStartExecution:
		return s.start(ctx, params)
	default:
		return errs.New(errs.InstructionsNotValid, "unsupported instructions type %q", t)
	}
}

func (s *ServerCoordinator) reset(ctx context.Context) error {
	if err := s.supervisor.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("Previous background workload ended with error")
	}
	if err := s.states.DeleteState(ctx, StateKey(s.tool)); err != nil {
		if errs.ReasonOf(err) == "" {
			return errs.Wrap(errs.HttpNonSuccessResponse, err, "failed to delete %s", StateKey(s.tool))
		}
		return err
	}
	return nil
}

func (s *ServerCoordinator) start(ctx context.Context, params Parameters) error {
	if err := validate(s.tool, params); err != nil {
		return err
	}

	s.logger.Info().Msg("Start requested; performing implicit reset")
	if err := s.reset(ctx); err != nil {
		return err
	}

	key := StateKey(s.tool)
	if _, err := s.states.CreateState(ctx, key, WorkloadState{Status: Ready}); err != nil {
		return fmt.Errorf("failed to create %s: %w", key, err)
	}

	_, err := s.supervisor.Start(ctx, s.tool.Name()+"-server", func(taskCtx context.Context) error {
		err := s.runWorkload(taskCtx, params)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			s.logger.Info().Msg("Server workload cancelled")
		default:
			s.logger.Error().Err(err).Str("reason", string(errs.ReasonOf(err))).Msg("Server workload failed")
		}
		return err
	})
	return err
}

func (s *ServerCoordinator) runWorkload(ctx context.Context, params Parameters) error {
	key := StateKey(s.tool)
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CleanupTimeout)
		defer cancel()
		if err := s.states.DeleteState(cleanupCtx, key); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to delete workload state")
		}
	}()

	_, doc, err := api.GetStateAs[WorkloadState](ctx, s.states, key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}

	enableInbound(ctx, s.deps, s.logger, s.tool)
	removeResults(s.logger, s.tool, layout.Server)

	r := run{
		tool:        s.tool,
		params:      params,
		role:        layout.Server,
		commandLine: s.tool.ServerCommandLine(params, s.opts.IPAddress),
	}

	launched := make(chan process.Process, 1)
	exited := make(chan struct{})
	var proc process.Process

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.confirmStarted(gctx, key, doc.ETag, launched, exited)
	})
	g.Go(func() error {
		defer close(exited)
		p, err := execute(gctx, s.deps, s.logger, r, func(p process.Process) { launched <- p })
		proc = p
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	return collect(ctx, s.deps, s.logger, r, proc)
}

// confirmStarted flips the workload state to ExecutionStarted once the
// launched process is observed running.
func (s *ServerCoordinator) confirmStarted(ctx context.Context, key, eTag string, launched <-chan process.Process, exited <-chan struct{}) error {
	var proc process.Process
	select {
	case proc = <-launched:
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	deadline := time.NewTimer(s.opts.LivenessTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.LivenessInterval)
	defer ticker.Stop()

	for {
		running, err := s.deps.Checker.IsRunning(ctx, proc.ID(), proc.Name())
		if err != nil {
			s.logger.Debug().Err(err).Int("pid", proc.ID()).Msg("Liveness check failed")
		}
		if running {
			if _, err := s.states.UpdateState(ctx, key, WorkloadState{Status: ExecutionStarted}, eTag); err != nil {
				return fmt.Errorf("failed to mark %s as started: %w", key, err)
			}
			s.logger.Info().Int("pid", proc.ID()).Msg("Workload process confirmed running")
			return nil
		}

		select {
		case <-ticker.C:
		case <-exited:
			s.logger.Warn().Int("pid", proc.ID()).Msg("Workload process exited before it was observed running")
			return nil
		case <-deadline.C:
			return errs.New(errs.WaitTimeout, "%s process %d was not observed running within %s",
				s.tool.Name(), proc.ID(), s.opts.LivenessTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
