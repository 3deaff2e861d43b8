package process

import (
	"context"
	"errors"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Checker observes the OS process table.
type Checker interface {
	// IsRunning reports whether pid is alive. With pid 0 any process whose
	// name contains name counts.
	IsRunning(ctx context.Context, pid int, name string) (bool, error)
}

// SystemChecker is the gopsutil backed Checker.
type SystemChecker struct{}

// NewChecker returns the gopsutil backed Checker.
func NewChecker() *SystemChecker {
	return &SystemChecker{}
}

func (c *SystemChecker) IsRunning(ctx context.Context, pid int, name string) (bool, error) {
	if pid > 0 {
		proc, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			if errors.Is(err, process.ErrorProcessNotRunning) {
				return false, nil
			}
			return false, err
		}
		return isAlive(ctx, proc), nil
	}

	if name == "" {
		return false, nil
	}

	processes, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, err
	}

	for _, proc := range processes {
		procName, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.Contains(procName, name) && isAlive(ctx, proc) {
			return true, nil
		}
	}
	return false, nil
}

// isAlive treats running, sleeping, idle and waiting processes as alive;
// zombies and stopped processes are not.
func isAlive(ctx context.Context, proc *process.Process) bool {
	running, err := proc.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}

	status, err := proc.StatusWithContext(ctx)
	if err != nil || len(status) == 0 {
		// Status is unsupported on some platforms; existence is enough there.
		return true
	}
	switch status[0] {
	case process.Running, process.Sleep, process.Idle, process.Wait, process.Blocked:
		return true
	}
	return false
}
