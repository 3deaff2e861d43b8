package workload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"virtualclient/pkg/api"
	"virtualclient/pkg/errs"
	"virtualclient/pkg/layout"
)

// ClientState is a step of the client side rendezvous.
type ClientState string

const (
	Idle                     ClientState = "Idle"
	WaitingForServerOnline   ClientState = "WaitingForServerOnline"
	RequestingReset          ClientState = "RequestingReset"
	WaitingForResetConfirmed ClientState = "WaitingForResetConfirmed"
	RequestingStart          ClientState = "RequestingStart"
	WaitingForStartConfirmed ClientState = "WaitingForStartConfirmed"
	RunningLocalWorkload     ClientState = "RunningLocalWorkload"
	Completed                ClientState = "Completed"
	Failed                   ClientState = "Failed"
)

// ServerAPI is the view of the server counterpart a client coordinator needs.
// *api.Client implements it.
type ServerAPI interface {
	api.StatePoller
	PollForHeartbeat(ctx context.Context, timeout time.Duration) error
	PollForServerOnline(ctx context.Context, timeout time.Duration) error
	PollForStateDeleted(ctx context.Context, key string, timeout time.Duration) error
	SendInstructions(ctx context.Context, instructions api.Instructions) error
}

// ClientOptions tunes a ClientCoordinator.
type ClientOptions struct {
	ClientIP            string
	ServerIP            string
	ExperimentID        string
	ServerOnlineTimeout time.Duration
	ConfirmationTimeout time.Duration
	RetryAttempts       int
	RetryDelay          time.Duration
	// Observer is told about every state transition.
	Observer func(from, to ClientState)
}

func (o *ClientOptions) setDefaults() {
	if o.ClientIP == "" {
		o.ClientIP = layout.Loopback
	}
	if o.ServerIP == "" {
		o.ServerIP = layout.Loopback
	}
	if o.ExperimentID == "" {
		o.ExperimentID = uuid.NewString()
	}
	if o.ServerOnlineTimeout <= 0 {
		o.ServerOnlineTimeout = time.Hour
	}
	if o.ConfirmationTimeout <= 0 {
		o.ConfirmationTimeout = 5 * time.Minute
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
}

// ClientCoordinator drives one tool run against a server counterpart.
type ClientCoordinator struct {
	tool   Tool
	params Parameters
	server ServerAPI
	deps   Dependencies
	opts   ClientOptions
	logger zerolog.Logger

	mu    sync.Mutex
	state ClientState
}

// NewClientCoordinator creates an idle coordinator.
func NewClientCoordinator(tool Tool, params Parameters, server ServerAPI, deps Dependencies, opts ClientOptions, logger zerolog.Logger) *ClientCoordinator {
	opts.setDefaults()
	return &ClientCoordinator{
		tool:   tool,
		params: params,
		server: server,
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "client-coordinator").Str("tool", tool.Name()).Logger(),
		state:  Idle,
	}
}

// State returns the current step.
func (c *ClientCoordinator) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ClientCoordinator) transition(to ClientState) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	c.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("Client state transition")
	if c.opts.Observer != nil {
		c.opts.Observer(from, to)
	}
}

// Run performs the rendezvous and the local run. Cancellation of ctx ends
// Run without an error.
func (c *ClientCoordinator) Run(ctx context.Context) error {
	err := c.run(ctx)
	switch {
	case err == nil:
		c.transition(Completed)
		c.logger.Info().Str("experiment_id", c.opts.ExperimentID).Msg("Client workload completed")
		return nil
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		c.transition(Completed)
		c.logger.Info().Msg("Client workload cancelled")
		return nil
	default:
		c.transition(Failed)
		c.logger.Error().Err(err).Str("reason", string(errs.ReasonOf(err))).Msg("Client workload failed")
		return err
	}
}

func (c *ClientCoordinator) run(ctx context.Context) error {
	if err := validate(c.tool, c.params); err != nil {
		return err
	}
	if err := setupTool(ctx, c.deps, c.tool); err != nil {
		return err
	}

	c.transition(WaitingForServerOnline)
	if err := c.server.PollForHeartbeat(ctx, c.opts.ServerOnlineTimeout); err != nil {
		return err
	}
	if err := c.server.PollForServerOnline(ctx, c.opts.ServerOnlineTimeout); err != nil {
		return err
	}
	c.logger.Info().Str("server", c.opts.ServerIP).Msg("Server is online")

	var attempt int
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.RetryDelay), uint64(c.opts.RetryAttempts-1)),
		ctx,
	)
	operation := func() error {
		attempt++
		err := c.attempt(ctx)
		if err != nil && !errs.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("next", next).Msg("Client workload attempt failed; retrying")
	}
	return backoff.RetryNotify(operation, policy, notify)
}

func (c *ClientCoordinator) attempt(ctx context.Context) error {
	key := StateKey(c.tool)

	c.transition(RequestingReset)
	if err := c.send(ctx, api.ClientServerReset); err != nil {
		return err
	}

	c.transition(WaitingForResetConfirmed)
	if err := c.server.PollForStateDeleted(ctx, key, c.opts.ConfirmationTimeout); err != nil {
		return err
	}

	c.transition(RequestingStart)
	if err := c.send(ctx, api.ClientServerStartExecution); err != nil {
		return err
	}

	c.transition(WaitingForStartConfirmed)
	_, err := api.PollForExpectedStateAs(ctx, c.server, key, func(s WorkloadState) bool {
		return s.Status == ExecutionStarted
	}, c.opts.ConfirmationTimeout)
	if err != nil {
		return err
	}

	c.transition(RunningLocalWorkload)
	return c.runLocal(ctx)
}

func (c *ClientCoordinator) send(ctx context.Context, t api.InstructionsType) error {
	instructions, err := NewInstructions(t, c.params)
	if err != nil {
		return err
	}
	c.logger.Info().Str("instructions", string(t)).Str("id", instructions.ID).Msg("Sending instructions to server")
	return c.server.SendInstructions(ctx, instructions)
}

func (c *ClientCoordinator) runLocal(ctx context.Context) (err error) {
	removeResults(c.logger, c.tool, layout.Client)
	defer func() {
		removeResults(c.logger, c.tool, layout.Client)
		perr := c.server.PollForStateDeleted(ctx, StateKey(c.tool), c.opts.ConfirmationTimeout)
		if perr == nil {
			return
		}
		if err == nil {
			err = perr
			return
		}
		c.logger.Warn().Err(perr).Msg("Server did not release workload state during teardown")
	}()

	if c.tool.RequiresClientInboundAccess() {
		enableInbound(ctx, c.deps, c.logger, c.tool)
	}

	r := run{
		tool:         c.tool,
		params:       c.params,
		role:         layout.Client,
		commandLine:  c.tool.ClientCommandLine(c.params, c.opts.ClientIP, c.opts.ServerIP),
		experimentID: c.opts.ExperimentID,
	}
	proc, err := execute(ctx, c.deps, c.logger, r, nil)
	if err != nil {
		return err
	}
	return collect(ctx, c.deps, c.logger, r, proc)
}
