// Package workloadtest provides in-memory process, liveness, firewall and
// metrics doubles for exercising coordinators without launching binaries.
package workloadtest

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"virtualclient/pkg/metrics"
	"virtualclient/pkg/process"
)

var nextPID atomic.Int32

// Process is a scripted process. It runs until Finish is called, RunFor
// elapses, or its Wait context ends (which kills it).
type Process struct {
	pid       int
	path      string
	arguments string

	RunFor   time.Duration
	Code     int
	Stdout   string
	Stderr   string
	StartErr error

	mu       sync.Mutex
	started  time.Time
	exited   time.Time
	killed   bool
	finished chan struct{}
	once     sync.Once
}

// NewProcess creates a process that exits with code 0 after runFor.
func NewProcess(path, arguments string, runFor time.Duration) *Process {
	return &Process{
		pid:       int(nextPID.Add(1)) + 10000,
		path:      path,
		arguments: arguments,
		RunFor:    runFor,
		finished:  make(chan struct{}),
	}
}

func (p *Process) ID() int           { return p.pid }
func (p *Process) Name() string      { return process.NameOf(p.path) }
func (p *Process) Path() string      { return p.path }
func (p *Process) Arguments() string { return p.arguments }

func (p *Process) Start() error {
	if p.StartErr != nil {
		return p.StartErr
	}
	p.mu.Lock()
	p.started = time.Now()
	p.mu.Unlock()
	if p.RunFor > 0 {
		time.AfterFunc(p.RunFor, p.Finish)
	}
	return nil
}

// Finish makes the process exit normally.
func (p *Process) Finish() {
	p.once.Do(func() {
		p.mu.Lock()
		p.exited = time.Now()
		p.mu.Unlock()
		close(p.finished)
	})
}

func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.finished:
		return nil
	case <-ctx.Done():
		_ = p.Kill()
		return ctx.Err()
	}
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Finish()
	return nil
}

// Killed reports whether the process was killed.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Running reports whether the process started and has not exited.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.started.IsZero() && p.exited.IsZero()
}

// Exited is closed when the process exits.
func (p *Process) Exited() <-chan struct{} {
	return p.finished
}

func (p *Process) ExitCode() int {
	if p.Killed() {
		return -1
	}
	return p.Code
}

func (p *Process) StandardOutput() string { return p.Stdout }
func (p *Process) StandardError() string  { return p.Stderr }

func (p *Process) StartTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Process) ExitTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Manager records every process it creates. Configure, when set, adjusts a
// process before it is handed out.
type Manager struct {
	RunFor    time.Duration
	Configure func(*Process)

	mu        sync.Mutex
	processes []*Process
	created   chan *Process
}

// NewManager returns a Manager whose processes run for runFor.
func NewManager(runFor time.Duration) *Manager {
	return &Manager{RunFor: runFor, created: make(chan *Process, 64)}
}

func (m *Manager) Create(path, arguments, _ string) (process.Process, error) {
	p := NewProcess(path, arguments, m.RunFor)
	if m.Configure != nil {
		m.Configure(p)
	}
	m.mu.Lock()
	m.processes = append(m.processes, p)
	m.mu.Unlock()
	select {
	case m.created <- p:
	default:
	}
	return p, nil
}

// Processes returns the processes created so far.
func (m *Manager) Processes() []*Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Process(nil), m.processes...)
}

// Created delivers processes as they are created.
func (m *Manager) Created() <-chan *Process {
	return m.created
}

// Find returns the first process whose arguments contain substr.
func (m *Manager) Find(substr string) *Process {
	for _, p := range m.Processes() {
		if strings.Contains(p.arguments, substr) {
			return p
		}
	}
	return nil
}

// Checker reports processes of a Manager as running once they have been
// running for Delay.
type Checker struct {
	Manager *Manager
	Delay   time.Duration
	Err     error
}

func (c *Checker) IsRunning(_ context.Context, pid int, _ string) (bool, error) {
	if c.Err != nil {
		return false, c.Err
	}
	for _, p := range c.Manager.Processes() {
		if p.ID() != pid {
			continue
		}
		return p.Running() && time.Since(p.StartTime()) >= c.Delay, nil
	}
	return false, nil
}

// Firewall records inbound rules.
type Firewall struct {
	mu    sync.Mutex
	rules []string
}

func (f *Firewall) EnableInboundAccess(_ context.Context, name, executablePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, name+"="+filepath.Base(executablePath))
	return nil
}

// Rules returns the rules enabled so far.
func (f *Firewall) Rules() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rules...)
}

// Emitter records emitted results.
type Emitter struct {
	mu      sync.Mutex
	results []metrics.Result
}

func (e *Emitter) Emit(_ context.Context, result metrics.Result) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, result)
	return nil
}

// Results returns the results emitted so far.
func (e *Emitter) Results() []metrics.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]metrics.Result(nil), e.results...)
}
