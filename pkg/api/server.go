package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"virtualclient/pkg/state"
)

// Server hosts the control-plane API: heartbeat, online status, state and
// the eventing endpoint that delivers instructions to subscribers.
type Server struct {
	store    state.Store
	logger   zerolog.Logger
	gatherer prometheus.Gatherer
	started  time.Time

	shutdownTimeout time.Duration

	online atomic.Bool

	mu       sync.RWMutex
	handlers map[int]InstructionsHandler
	nextID   int

	engine *gin.Engine
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithGatherer exposes gatherer on /metrics.
func WithGatherer(gatherer prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

// WithShutdownTimeout bounds graceful shutdown in ListenAndServe.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer builds the API over store.
func NewServer(store state.Store, logger zerolog.Logger, opts ...ServerOption) (*Server, error) {
	s := &Server{
		store:    store,
		logger:   logger,
		started:  time.Now(),
		handlers: make(map[int]InstructionsHandler),

		shutdownTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	router, err := loadRouter()
	if err != nil {
		return nil, err
	}

	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), validateRequests(router))

	engine.GET("/api/heartbeat", s.getHeartbeat)
	engine.GET("/api/online", s.getOnline)
	engine.GET("/api/state", s.listStates)
	engine.GET("/api/state/:id", s.getState)
	engine.POST("/api/state/:id", s.createState)
	engine.PUT("/api/state/:id", s.updateState)
	engine.DELETE("/api/state/:id", s.deleteState)
	engine.POST("/api/eventing/events", s.postInstructions)
	if s.gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	s.engine = engine
	return s, nil
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// SetOnline marks whether instructions are being accepted.
func (s *Server) SetOnline(online bool) {
	s.online.Store(online)
}

// Subscribe registers h for every instructions delivery. The returned func
// removes it.
func (s *Server) Subscribe(h InstructionsHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.handlers[id] = h

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

// Dispatch delivers instructions to every subscriber in turn.
func (s *Server) Dispatch(ctx context.Context, instructions Instructions) error {
	s.mu.RLock()
	handlers := make([]InstructionsHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h.HandleInstructions(ctx, instructions); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.SetOnline(false)
	s.logger.Info().Msg("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server forced to shutdown: %w", err)
	}
	return nil
}

func (s *Server) getHeartbeat(c *gin.Context) {
	c.JSON(http.StatusOK, HeartbeatResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) getOnline(c *gin.Context) {
	online := s.online.Load()
	status := http.StatusOK
	if !online {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, OnlineResponse{Online: online, Timestamp: time.Now()})
}

func (s *Server) listStates(c *gin.Context) {
	summaries, err := s.store.List(c.Request.Context())
	if err != nil {
		s.stateError(c, err)
		return
	}
	c.JSON(http.StatusOK, StateListResponse{States: summaries, Count: len(summaries)})
}

func (s *Server) getState(c *gin.Context) {
	doc, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.stateError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) createState(c *gin.Context) {
	var request StateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		s.badRequest(c, err)
		return
	}

	doc, err := s.store.Create(c.Request.Context(), c.Param("id"), request.Definition)
	if err != nil {
		s.stateError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (s *Server) updateState(c *gin.Context) {
	var request StateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		s.badRequest(c, err)
		return
	}

	doc, err := s.store.Update(c.Request.Context(), c.Param("id"), request.Definition, request.ETag)
	if err != nil {
		s.stateError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) deleteState(c *gin.Context) {
	err := s.store.Delete(c.Request.Context(), c.Param("id"))
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		s.stateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) postInstructions(c *gin.Context) {
	var instructions Instructions
	if err := c.ShouldBindJSON(&instructions); err != nil {
		s.badRequest(c, err)
		return
	}

	s.logger.Info().
		Str("instructions_id", instructions.ID).
		Str("type", string(instructions.Type)).
		Msg("Instructions received")

	// Subscribers own their failures; a misbehaving one must not fail delivery.
	if err := s.Dispatch(c.Request.Context(), instructions); err != nil {
		s.logger.Warn().Err(err).Str("type", string(instructions.Type)).Msg("Instructions handler failed")
	}
	c.Status(http.StatusOK)
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     "invalid_request",
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

func (s *Server) stateError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	errorType := "internal_error"

	switch {
	case errors.Is(err, state.ErrNotFound):
		status, errorType = http.StatusNotFound, "state_not_found"
	case errors.Is(err, state.ErrConflict):
		status, errorType = http.StatusConflict, "state_exists"
	case errors.Is(err, state.ErrPreconditionFailed):
		status, errorType = http.StatusPreconditionFailed, "etag_mismatch"
	}

	c.JSON(status, ErrorResponse{
		Error:     errorType,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}
