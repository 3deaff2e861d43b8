package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"virtualclient/pkg/state"
)

// DefaultPort is the port the control-plane API listens on.
const DefaultPort = 4500

// InstructionsType names a directive a client sends to its server.
type InstructionsType string

const (
	ClientServerReset          InstructionsType = "ClientServerReset"
	ClientServerStartExecution InstructionsType = "ClientServerStartExecution"
)

// Instructions is the envelope delivered to /api/eventing/events. Properties
// carries the sender's workload parameters.
type Instructions struct {
	ID         string           `json:"id,omitempty"`
	Type       InstructionsType `json:"type"`
	Properties json.RawMessage  `json:"properties,omitempty"`
}

// InstructionsHandler consumes instructions delivered to this instance.
type InstructionsHandler interface {
	HandleInstructions(ctx context.Context, instructions Instructions) error
}

// InstructionsHandlerFunc adapts a function to InstructionsHandler.
type InstructionsHandlerFunc func(ctx context.Context, instructions Instructions) error

func (f InstructionsHandlerFunc) HandleInstructions(ctx context.Context, instructions Instructions) error {
	return f(ctx, instructions)
}

// StateClient performs state CRUD against some state store.
type StateClient interface {
	GetState(ctx context.Context, key string) (*state.Document, error)
	CreateState(ctx context.Context, key string, value any) (*state.Document, error)
	UpdateState(ctx context.Context, key string, value any, eTag string) (*state.Document, error)
	// DeleteState succeeds when the key is absent.
	DeleteState(ctx context.Context, key string) error
}

// StateRequest is the body of state create and update calls.
type StateRequest struct {
	ETag       string          `json:"eTag,omitempty"`
	Definition json.RawMessage `json:"definition"`
}

// StateListResponse answers GET /api/state.
type StateListResponse struct {
	States []state.Summary `json:"states"`
	Count  int             `json:"count"`
}

// HeartbeatResponse answers /api/heartbeat.
type HeartbeatResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    int       `json:"uptime"`
}

// OnlineResponse answers /api/online.
type OnlineResponse struct {
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the body of every non-success answer.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusError is a non-success HTTP answer.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// GetStateAs fetches key and decodes its definition into T.
func GetStateAs[T any](ctx context.Context, c StateClient, key string) (T, *state.Document, error) {
	var zero T
	doc, err := c.GetState(ctx, key)
	if err != nil {
		return zero, nil, err
	}

	var v T
	if err := doc.Decode(&v); err != nil {
		return zero, doc, fmt.Errorf("failed to decode state %s: %w", key, err)
	}
	return v, doc, nil
}
