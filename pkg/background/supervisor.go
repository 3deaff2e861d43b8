package background

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// WorkFunc is the body of a background task. It must return once ctx is done.
type WorkFunc func(ctx context.Context) error

// Task is a running background operation.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Name returns the name the task was started with.
func (t *Task) Name() string {
	return t.name
}

// Done is closed when the task's work function has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the work function's result. Only valid after Done is closed.
func (t *Task) Err() error {
	return t.err
}

// Supervisor owns at most one running background task.
type Supervisor struct {
	logger zerolog.Logger

	mu      sync.Mutex
	current *Task
}

// NewSupervisor creates an idle supervisor.
func NewSupervisor(logger zerolog.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Start runs work in the background under a context derived from ctx. Any task
// already running is stopped first.
func (s *Supervisor) Start(ctx context.Context, name string, work WorkFunc) (*Task, error) {
	if work == nil {
		return nil, fmt.Errorf("no work function provided")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.logger.Warn().Str("task", s.current.name).Msg("Stopping previous background task before start")
		s.stopLocked()
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &Task{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(task.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				task.err = fmt.Errorf("background task %s panicked: %v", name, r)
			}
		}()
		task.err = work(taskCtx)
	}()

	s.current = task
	s.logger.Info().Str("task", name).Msg("Background task started")
	return task, nil
}

// Stop cancels the running task and blocks until it has returned. It is a
// no-op when nothing runs and safe to call more than once. Cancellation is not
// reported as an error.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	task := s.current
	if task == nil {
		return nil
	}

	task.cancel()
	<-task.done
	s.current = nil

	s.logger.Info().Str("task", task.name).Msg("Background task stopped")
	if task.err != nil && !errors.Is(task.err, context.Canceled) {
		return task.err
	}
	return nil
}

// Active returns the name of the current task while it is still running.
func (s *Supervisor) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return "", false
	}
	select {
	case <-s.current.done:
		return "", false
	default:
		return s.current.name, true
	}
}

// Current returns the task most recently started and not yet stopped.
func (s *Supervisor) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current
}
