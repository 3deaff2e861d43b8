package workload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"virtualclient/pkg/api"
	"virtualclient/pkg/errs"
	"virtualclient/pkg/state"
)

// BuildState marks a one-time setup step as done on this machine.
type BuildState struct {
	Completed bool      `json:"completed"`
	Timestamp time.Time `json:"timestamp"`
}

// EnsureSetup runs setup unless a marker under key says it already ran. It
// reports whether setup ran now.
func EnsureSetup(ctx context.Context, states api.StateClient, key string, setup func(context.Context) error) (bool, error) {
	_, err := states.GetState(ctx, key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return false, fmt.Errorf("failed to read setup marker %s: %w", key, err)
	}

	if err := setup(ctx); err != nil {
		return false, errs.Wrap(errs.DependencyInstallationFailed, err, "setup for %s failed", key)
	}

	marker := BuildState{Completed: true, Timestamp: time.Now().UTC()}
	if _, err := states.CreateState(ctx, key, marker); err != nil && !errors.Is(err, state.ErrConflict) {
		return true, fmt.Errorf("failed to record setup marker %s: %w", key, err)
	}
	return true, nil
}

// setupTool installs t once per machine when it needs installation.
func setupTool(ctx context.Context, deps Dependencies, t Tool) error {
	installer, ok := t.(Installer)
	if !ok || deps.LocalState == nil {
		return nil
	}
	_, err := EnsureSetup(ctx, deps.LocalState, BuildStateKey(t), func(ctx context.Context) error {
		return installer.Install(ctx, deps.Processes)
	})
	return err
}
