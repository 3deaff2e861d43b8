package process

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// Firewall opens inbound access for benchmark binaries.
type Firewall interface {
	EnableInboundAccess(ctx context.Context, name, executablePath string) error
}

// SystemFirewall adds program rules with netsh on Windows. Linux images used
// for these workloads accept inbound traffic by default, so it only logs there.
type SystemFirewall struct {
	manager Manager
	logger  zerolog.Logger
	goos    string
	timeout time.Duration
}

// NewFirewall returns a Firewall for the running platform. timeout bounds each
// rule change and defaults to a minute.
func NewFirewall(manager Manager, timeout time.Duration, logger zerolog.Logger) *SystemFirewall {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &SystemFirewall{
		manager: manager,
		logger:  logger,
		goos:    runtime.GOOS,
		timeout: timeout,
	}
}

func (f *SystemFirewall) EnableInboundAccess(ctx context.Context, name, executablePath string) error {
	if f.goos != "windows" {
		f.logger.Debug().
			Str("rule", name).
			Str("program", executablePath).
			Msg("Inbound firewall rule not required on this platform")
		return nil
	}

	args := fmt.Sprintf(`advfirewall firewall add rule name="%s" dir=in action=allow program="%s" enable=yes`, name, executablePath)
	proc, err := f.manager.Create("netsh", args, "")
	if err != nil {
		return err
	}
	if err := proc.Start(); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := proc.Wait(waitCtx); err != nil {
		return fmt.Errorf("netsh did not complete: %w", err)
	}
	if proc.ExitCode() != 0 {
		return fmt.Errorf("netsh exited with code %d: %s", proc.ExitCode(), proc.StandardError())
	}

	f.logger.Info().Str("rule", name).Str("program", executablePath).Msg("Inbound firewall rule added")
	return nil
}
