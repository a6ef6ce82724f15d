// Package client provides a Go client for a remote Loom instance over
// its HTTP API.
//
// Usage:
//
//	c := client.New("https://loom.example.com",
//	    client.WithToken("lk_..."),
//	)
//
//	// Start a transaction.
//	txn, err := c.StartTransaction(ctx, "order-fulfillment", input)
//
//	// Report an external outcome for a parked transaction.
//	txn, err = c.ReportStepOutcome(ctx, txn.ID, "await-approval", client.Outcome{
//	    Success: true,
//	})
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a remote Loom server over HTTP.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	logger  *slog.Logger
}

// New creates a client for the Loom server at baseURL. The URL should
// not include the /v1 prefix.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("loom/client: %s (status %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the server, e.g. a
// duplicate transaction id or an illegal state transition.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Health checks the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil, nil)
}

// ListWorkflows returns the ids of the workflows registered on the server.
func (c *Client) ListWorkflows(ctx context.Context) ([]string, error) {
	var resp listWorkflowsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/workflows", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.WorkflowIDs, nil
}

// listWorkflowsResponse mirrors the server's workflow list shape.
type listWorkflowsResponse struct {
	WorkflowIDs []string `json:"workflow_ids"`
}

// errorResponse mirrors the server's error shape.
type errorResponse struct {
	Error string `json:"error"`
}

// do performs a request against the server. A non-nil body is encoded
// as JSON; a non-nil out receives the decoded response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("loom/client: encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("loom/client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("loom/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // nothing useful to do with a close error here

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("loom/client: decode response: %w", err)
		}
	}
	return nil
}

// decodeError turns a non-2xx response into an *APIError, falling back
// to the raw body when it is not the standard error shape.
func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}

	var er errorResponse
	if jsonErr := json.Unmarshal(data, &er); jsonErr == nil && er.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
	}

	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
