package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"virtualclient/pkg/errs"
	"virtualclient/pkg/state"
)

var errNotYet = errors.New("expected condition not yet observed")

// PollForHeartbeat waits until the target answers its heartbeat.
func (c *Client) PollForHeartbeat(ctx context.Context, timeout time.Duration) error {
	return c.poll(ctx, timeout, "heartbeat", c.Heartbeat)
}

// PollForServerOnline waits until the target's eventing API is online. A
// target can answer heartbeats before it accepts instructions.
func (c *Client) PollForServerOnline(ctx context.Context, timeout time.Duration) error {
	return c.poll(ctx, timeout, "server online", func(ctx context.Context) error {
		online, err := c.ServerOnline(ctx)
		if err != nil {
			return err
		}
		if !online {
			return errNotYet
		}
		return nil
	})
}

// PollForStateDeleted waits until key no longer exists on the target.
func (c *Client) PollForStateDeleted(ctx context.Context, key string, timeout time.Duration) error {
	return c.poll(ctx, timeout, "state "+key+" deleted", func(ctx context.Context) error {
		_, err := c.GetState(ctx, key)
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return errNotYet
	})
}

// PollForExpectedState waits until key exists and expected returns true for
// it. An error from expected ends polling immediately.
func (c *Client) PollForExpectedState(ctx context.Context, key string, expected func(*state.Document) (bool, error), timeout time.Duration) (*state.Document, error) {
	var found *state.Document
	err := c.poll(ctx, timeout, "expected state "+key, func(ctx context.Context) error {
		doc, err := c.GetState(ctx, key)
		if err != nil {
			return err
		}
		ok, err := expected(doc)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotYet
		}
		found = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// StatePoller polls a target for state.
type StatePoller interface {
	PollForExpectedState(ctx context.Context, key string, expected func(*state.Document) (bool, error), timeout time.Duration) (*state.Document, error)
}

// PollForExpectedStateAs decodes the polled definition into T before testing it.
func PollForExpectedStateAs[T any](ctx context.Context, p StatePoller, key string, expected func(T) bool, timeout time.Duration) (T, error) {
	var value T
	_, err := p.PollForExpectedState(ctx, key, func(doc *state.Document) (bool, error) {
		var v T
		if err := doc.Decode(&v); err != nil {
			return false, fmt.Errorf("failed to decode state %s: %w", key, err)
		}
		if !expected(v) {
			return false, nil
		}
		value = v
		return true, nil
	}, timeout)
	return value, err
}

// poll runs check at the polling interval until it succeeds, fails
// permanently, or timeout elapses. Exceeding timeout yields a WaitTimeout
// error carrying the last check failure, including when ctx's own deadline
// comes first. Cancellation of ctx returns ctx.Err().
func (c *Client) poll(ctx context.Context, timeout time.Duration, what string, check func(context.Context) error) error {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		last      error
		permanent bool
	)
	operation := func() error {
		err := check(pollCtx)
		if err == nil {
			return nil
		}
		last = err

		var permanentErr *backoff.PermanentError
		if errors.As(err, &permanentErr) {
			permanent = true
			return err
		}
		if !transient(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		c.logger.Debug().Err(err).Str("target", c.baseURL).Str("waiting_for", what).Dur("next", next).Msg("Polling")
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(c.pollingInterval), pollCtx)
	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return nil
	}
	if permanent {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if pollCtx.Err() != nil {
		if last == nil {
			last = pollCtx.Err()
		}
		return errs.Wrap(errs.WaitTimeout, last, "timed out after %s waiting for %s on %s", timeout, what, c.baseURL)
	}
	return err
}
