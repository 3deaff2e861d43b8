package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"virtualclient/pkg/state"
)

// LocalStateClient is a StateClient over an in-process store.
type LocalStateClient struct {
	store state.Store
}

// NewLocalStateClient wraps store.
func NewLocalStateClient(store state.Store) *LocalStateClient {
	return &LocalStateClient{store: store}
}

func (c *LocalStateClient) GetState(ctx context.Context, key string) (*state.Document, error) {
	return c.store.Get(ctx, key)
}

func (c *LocalStateClient) CreateState(ctx context.Context, key string, value any) (*state.Document, error) {
	def, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state %s: %w", key, err)
	}
	return c.store.Create(ctx, key, def)
}

func (c *LocalStateClient) UpdateState(ctx context.Context, key string, value any, eTag string) (*state.Document, error) {
	def, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state %s: %w", key, err)
	}
	return c.store.Update(ctx, key, def, eTag)
}

func (c *LocalStateClient) DeleteState(ctx context.Context, key string) error {
	err := c.store.Delete(ctx, key)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	return err
}
