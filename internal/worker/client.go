package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Status is the runtime state a worker reports for one session. Counter
// values are passed through untouched; the console never derives its own.
type Status struct {
	SessionID         string `json:"session_id"`
	IsRunning         bool   `json:"is_running"`
	BidCounter        int    `json:"bid_counter"`
	ProcessedProjects int    `json:"processed_projects"`
}

// TransientError marks a fetch or command failure caused by the network or
// the worker itself. Callers retain cached state and may retry explicitly.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("worker %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err originated from a worker fault rather
// than bad input on the console side.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Client is the worker collaborator consumed by the poller and dispatcher.
type Client interface {
	GetStatus(ctx context.Context, sessionID string) (Status, error)
	Start(ctx context.Context, sessionID string, bidLimit int) (Status, error)
	Stop(ctx context.Context, sessionID string) (Status, error)
}

// HTTPClient talks to a worker daemon over its HTTP control API.
type HTTPClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

func NewHTTPClient(baseURL, authToken string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:   baseURL,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) GetStatus(ctx context.Context, sessionID string) (Status, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID+"/status", nil, "get status")
}

func (c *HTTPClient) Start(ctx context.Context, sessionID string, bidLimit int) (Status, error) {
	payload := map[string]int{"bid_limit": bidLimit}
	return c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/start", payload, "start")
}

func (c *HTTPClient) Stop(ctx context.Context, sessionID string) (Status, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/stop", nil, "stop")
}

// Version returns the protocol version the worker daemon advertises.
func (c *HTTPClient) Version(ctx context.Context) (string, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/v1/version", nil, "version")
	if err != nil {
		return "", err
	}

	var resp struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode worker version: %w", err)
	}
	return resp.Version, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload interface{}, op string) (Status, error) {
	body, err := c.request(ctx, method, path, payload, op)
	if err != nil {
		return Status{}, err
	}

	var status Status
	if err := json.Unmarshal(body, &status); err != nil {
		return Status{}, &TransientError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return status, nil
}

func (c *HTTPClient) request(ctx context.Context, method, path string, payload interface{}, op string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(op, resp.StatusCode, body)
	}

	return body, nil
}

func (c *HTTPClient) statusError(op string, statusCode int, body []byte) error {
	var apiErr struct {
		Error string `json:"error"`
	}
	msg := ""
	if err := json.Unmarshal(body, &apiErr); err == nil {
		msg = apiErr.Error
	}
	if msg == "" {
		msg = fmt.Sprintf("status %d", statusCode)
	}

	// 4xx means the worker understood and refused; everything else is a
	// worker-side fault the operator may retry.
	if statusCode >= 400 && statusCode < 500 {
		return fmt.Errorf("worker %s rejected: %s", op, msg)
	}
	return &TransientError{Op: op, Err: errors.New(msg)}
}
