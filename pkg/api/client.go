package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/oapi-codegen/runtime"
	"github.com/rs/zerolog"

	"virtualclient/pkg/errs"
	"virtualclient/pkg/state"
)

const (
	defaultPollingInterval = time.Second
	defaultRequestTimeout  = 2 * time.Minute
)

// Client calls the control-plane API of one target instance.
type Client struct {
	baseURL         string
	http            *http.Client
	logger          zerolog.Logger
	pollingInterval time.Duration
	requestTimeout  time.Duration
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithPollingInterval sets the delay between polling attempts.
func WithPollingInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pollingInterval = d
	}
}

// WithRequestTimeout bounds each individual HTTP call.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the API at ipAddress:port.
func NewClient(ipAddress string, port int, opts ...ClientOption) (*Client, error) {
	if ipAddress == "" {
		return nil, fmt.Errorf("target IP address must not be empty")
	}
	return NewClientForURL("http://"+net.JoinHostPort(ipAddress, strconv.Itoa(port)), opts...)
}

// NewClientForURL creates a client for the API rooted at serverURL.
func NewClientForURL(serverURL string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		baseURL:         serverURL,
		http:            &http.Client{},
		logger:          zerolog.Nop(),
		pollingInterval: defaultPollingInterval,
		requestTimeout:  defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the root of the target API.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Heartbeat succeeds when the target answers 200 on /api/heartbeat.
func (c *Client) Heartbeat(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/heartbeat", nil, nil, http.StatusOK)
	return err
}

// ServerOnline reports whether the target's eventing API accepts instructions.
func (c *Client) ServerOnline(ctx context.Context) (bool, error) {
	status, err := c.do(ctx, http.MethodGet, "/api/online", nil, nil, http.StatusOK, http.StatusServiceUnavailable)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// GetState returns state.ErrNotFound when the key does not exist.
func (c *Client) GetState(ctx context.Context, key string) (*state.Document, error) {
	path, err := statePath(key)
	if err != nil {
		return nil, err
	}

	var doc state.Document
	status, err := c.do(ctx, http.MethodGet, path, nil, &doc, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, state.ErrNotFound
	}
	return &doc, nil
}

func (c *Client) CreateState(ctx context.Context, key string, value any) (*state.Document, error) {
	path, err := statePath(key)
	if err != nil {
		return nil, err
	}
	def, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state %s: %w", key, err)
	}

	var doc state.Document
	if _, err := c.do(ctx, http.MethodPost, path, StateRequest{Definition: def}, &doc, http.StatusCreated); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) UpdateState(ctx context.Context, key string, value any, eTag string) (*state.Document, error) {
	path, err := statePath(key)
	if err != nil {
		return nil, err
	}
	def, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state %s: %w", key, err)
	}

	var doc state.Document
	if _, err := c.do(ctx, http.MethodPut, path, StateRequest{ETag: eTag, Definition: def}, &doc, http.StatusOK); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteState fails with HttpNonSuccessResponse unless the target answers 204.
func (c *Client) DeleteState(ctx context.Context, key string) error {
	path, err := statePath(key)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodDelete, path, nil, nil, http.StatusNoContent)
	return err
}

// SendInstructions delivers instructions once. Success means the target
// accepted the request, nothing more.
func (c *Client) SendInstructions(ctx context.Context, instructions Instructions) error {
	_, err := c.do(ctx, http.MethodPost, "/api/eventing/events", instructions, nil, http.StatusOK)
	return err
}

func statePath(key string) (string, error) {
	id, err := runtime.StyleParamWithLocation("simple", false, "id", runtime.ParamLocationPath, key)
	if err != nil {
		return "", fmt.Errorf("invalid state key %q: %w", key, err)
	}
	return "/api/state/" + id, nil
}

// do performs one request. A status outside expected becomes an
// HttpNonSuccessResponse error wrapping a *StatusError.
func (c *Client) do(ctx context.Context, method, path string, body, out any, expected ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response from %s: %w", url, err)
	}

	for _, code := range expected {
		if resp.StatusCode != code {
			continue
		}
		if out != nil && code >= 200 && code < 300 && len(payload) > 0 {
			if err := json.Unmarshal(payload, out); err != nil {
				return resp.StatusCode, fmt.Errorf("failed to decode response from %s: %w", url, err)
			}
		}
		return resp.StatusCode, nil
	}

	statusErr := &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: string(payload)}
	return resp.StatusCode, errs.Wrap(errs.HttpNonSuccessResponse, statusErr, "unexpected response status")
}

// transient reports whether a failed call may succeed if repeated.
func transient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusNotFound, http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		}
		return statusErr.StatusCode >= 500
	}
	return true
}
