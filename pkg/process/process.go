package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// Process is a handle to an external OS process.
type Process interface {
	ID() int
	Name() string
	Path() string
	Arguments() string
	Start() error
	// Wait blocks until the process exits. When ctx ends first the process is
	// killed and ctx.Err() is returned.
	Wait(ctx context.Context) error
	Kill() error
	ExitCode() int
	StandardOutput() string
	StandardError() string
	StartTime() time.Time
	ExitTime() time.Time
}

// Manager creates processes.
type Manager interface {
	Create(path, arguments, workingDir string) (Process, error)
}

// DefaultWaitDelay bounds how long Wait keeps reading output after the
// process exits while descendants still hold its pipes.
const DefaultWaitDelay = 5 * time.Second

// ExecManager creates processes backed by os/exec. Each process leads its own
// process group so that Kill takes down everything it spawned.
type ExecManager struct {
	waitDelay time.Duration
}

// ManagerOption customizes an ExecManager.
type ManagerOption func(*ExecManager)

// WithWaitDelay overrides DefaultWaitDelay.
func WithWaitDelay(d time.Duration) ManagerOption {
	return func(m *ExecManager) {
		if d > 0 {
			m.waitDelay = d
		}
	}
}

// NewManager returns the os/exec backed Manager.
func NewManager(opts ...ManagerOption) *ExecManager {
	m := &ExecManager{waitDelay: DefaultWaitDelay}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create prepares a process; arguments are split with shell quoting rules.
func (m *ExecManager) Create(path, arguments, workingDir string) (Process, error) {
	args, err := shellwords.Parse(arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to parse arguments for %s: %w", path, err)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = workingDir
	cmd.WaitDelay = m.waitDelay
	isolate(cmd)

	p := &execProcess{
		cmd:       cmd,
		path:      path,
		arguments: arguments,
		exited:    make(chan struct{}),
		exitCode:  -1,
	}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr
	return p, nil
}

type execProcess struct {
	cmd       *exec.Cmd
	path      string
	arguments string

	stdout syncBuffer
	stderr syncBuffer

	mu        sync.Mutex
	started   bool
	startTime time.Time
	exitTime  time.Time
	exitCode  int
	waitErr   error
	exited    chan struct{}
}

func (p *execProcess) ID() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Name() string {
	return NameOf(p.path)
}

func (p *execProcess) Path() string      { return p.path }
func (p *execProcess) Arguments() string { return p.arguments }

func (p *execProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("process %s already started", p.Name())
	}
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.path, err)
	}
	p.started = true
	p.startTime = time.Now()

	go func() {
		err := p.cmd.Wait()
		if errors.Is(err, exec.ErrWaitDelay) {
			// The process exited but left descendants holding its output.
			_ = killTree(p.cmd)
			err = nil
		}

		p.mu.Lock()
		p.exitTime = time.Now()
		p.waitErr = err
		if p.cmd.ProcessState != nil {
			p.exitCode = p.cmd.ProcessState.ExitCode()
		}
		p.mu.Unlock()

		close(p.exited)
	}()
	return nil
}

func (p *execProcess) Wait(ctx context.Context) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return fmt.Errorf("process %s has not been started", p.Name())
	}

	select {
	case <-p.exited:
		p.mu.Lock()
		defer p.mu.Unlock()

		var exitErr *exec.ExitError
		if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) {
			return p.waitErr
		}
		return nil
	case <-ctx.Done():
		_ = p.Kill()
		<-p.exited
		return ctx.Err()
	}
}

func (p *execProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd.Process == nil {
		return nil
	}
	select {
	case <-p.exited:
		return nil
	default:
	}
	return killTree(p.cmd)
}

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *execProcess) StandardOutput() string { return p.stdout.String() }
func (p *execProcess) StandardError() string  { return p.stderr.String() }

func (p *execProcess) StartTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startTime
}

func (p *execProcess) ExitTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitTime
}

// NameOf returns the process name for an executable path: the base name
// without extension.
func NameOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// QuoteArg quotes arg so that Create passes it through as a single argument.
func QuoteArg(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\n'\"\\$`&|;<>()*?#~") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'"'"'`) + "'"
}

// syncBuffer lets output be read while the process is still writing it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
