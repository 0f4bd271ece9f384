// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend implements the HTTP client for the task store.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jeranaias/tasksync/internal/model"
)

// Configuration constants for the task store API.
const (
	// DefaultTimeout is the default timeout for non-streaming requests.
	DefaultTimeout = 15 * time.Second

	// DefaultMaxRetries is the default number of retry attempts for
	// transient errors.
	DefaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxResponseSize is the maximum allowed response body size (4MB).
	MaxResponseSize = 4 * 1024 * 1024
)

// Shared HTTP clients with connection pooling. The streaming client has no
// timeout: the change-feed connection is long-lived and controlled via
// context.
var (
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Timeout: DefaultTimeout,
	}

	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
)

// Error variables for common task store errors.
var (
	// ErrNotConfigured indicates the base URL is not set.
	ErrNotConfigured = errors.New("task store base URL not configured")

	// ErrAuthFailed indicates authentication failed.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict indicates the mutation lost to a newer revision.
	ErrConflict = errors.New("revision conflict")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrPresenceUnavailable indicates the presence store could not be
	// reached or is unprovisioned. Callers treat this as "no presence
	// data"; it must never surface to the user.
	ErrPresenceUnavailable = errors.New("presence store unavailable")
)

// APIError represents an error response from the task store API.
type APIError struct {
	Code    string
	Message string
	Status  int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("task store error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("task store error (HTTP %d): %s", e.Status, e.Message)
}

// apiErrorResponse is the wire shape of an error response.
type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is a client for the task store HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	userAgent  string
}

// NewClient creates a task store client for the given base URL. The API key
// may be empty for unauthenticated deployments.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		maxRetries: DefaultMaxRetries,
		userAgent:  "tasksync/0.3.0",
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func (c *Client) WithMaxRetries(n int) *Client {
	c.maxRetries = n
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// IsConfigured returns true if the client has a base URL configured.
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// setHeaders sets the required headers for task store requests.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// =============================================================================
// MUTATION RPCS
// =============================================================================

// CreateTask persists a new task record and returns it as stored, with the
// backend-assigned revision.
func (c *Client) CreateTask(ctx context.Context, task *model.Task) (*model.Task, error) {
	var out model.Task
	if err := c.doJSON(ctx, http.MethodPost, "/v1/tasks", task, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StatusMutation is the full side-effect payload of a lifecycle transition,
// sent to the backend so every client converges on the same derived fields.
type StatusMutation struct {
	Status              model.Status    `json:"status"`
	Progress            int             `json:"progress"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	ApprovalRequestedAt *time.Time      `json:"approval_requested_at,omitempty"`
	ApprovedAt          *time.Time      `json:"approved_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	ApprovedBy          *string         `json:"approved_by,omitempty"`
	ClearApproval       bool            `json:"clear_approval,omitempty"`
	Actor               model.Actor     `json:"actor"`
	BaseRevision        int64           `json:"base_revision"`
}

// UpdateTaskStatus persists a status mutation and returns the stored record.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID string, mut StatusMutation) (*model.Task, error) {
	var out model.Task
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/tasks/"+url.PathEscape(taskID), mut, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTask removes a task record.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/tasks/"+url.PathEscape(taskID), nil, nil)
}

// AddComment appends a comment to a task and returns it as stored.
func (c *Client) AddComment(ctx context.Context, comment *model.Comment) (*model.Comment, error) {
	var out model.Comment
	path := "/v1/tasks/" + url.PathEscape(comment.TaskID) + "/comments"
	if err := c.doJSON(ctx, http.MethodPost, path, comment, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// READ RPCS
// =============================================================================

// FetchTask reloads a single task from the source of truth.
func (c *Client) FetchTask(ctx context.Context, taskID string) (*model.Task, error) {
	var out model.Task
	if err := c.doJSON(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks fetches the full task projection, used to prime the cache.
func (c *Client) ListTasks(ctx context.Context) ([]*model.Task, error) {
	var out []*model.Task
	if err := c.doJSON(ctx, http.MethodGet, "/v1/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// PRESENCE RPCS
// =============================================================================

// UpsertPresence writes a presence record. The boolean result reports
// whether the write landed; callers on the heartbeat path ignore failures
// rather than surfacing them.
func (c *Client) UpsertPresence(ctx context.Context, rec model.PresenceRecord) (bool, error) {
	if err := c.doJSON(ctx, http.MethodPut, "/v1/presence", rec, nil); err != nil {
		return false, fmt.Errorf("%w: %v", ErrPresenceUnavailable, err)
	}
	return true, nil
}

// QueryPresence reads all presence records for a task. Staleness filtering
// is the caller's concern; this returns whatever the store has.
func (c *Client) QueryPresence(ctx context.Context, taskID string) ([]model.PresenceRecord, error) {
	var out []model.PresenceRecord
	path := "/v1/presence?task_id=" + url.QueryEscape(taskID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPresenceUnavailable, err)
	}
	return out, nil
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

// doJSON performs a JSON request with retry for transient failures and
// decodes the response into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}

	var bodyBytes []byte
	if in != nil {
		var err error
		bodyBytes, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(calculateBackoff(attempt)):
			}
		}

		body, err := c.doOnce(ctx, method, path, bodyBytes)
		if err != nil {
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return err
		}

		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// doOnce performs a single HTTP request and returns the response body.
func (c *Client) doOnce(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, handleErrorResponse(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// readResponse reads the response body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, MaxResponseSize)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse converts HTTP error responses to typed Go errors.
func handleErrorResponse(statusCode int, body []byte) error {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		e := &APIError{
			Code:    apiErr.Error.Code,
			Message: apiErr.Error.Message,
			Status:  statusCode,
		}
		switch statusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrAuthFailed, e.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, e.Message)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrConflict, e.Message)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrRateLimited, e.Message)
		default:
			return e
		}
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthFailed
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return &APIError{Message: strings.TrimSpace(string(body)), Status: statusCode}
	}
}

// isRetryable determines if an error should trigger a retry.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 && apiErr.Status < 600
	}
	// Plain transport errors (connection refused, reset) are retryable.
	var wrapped *url.Error
	if errors.As(err, &wrapped) {
		return true
	}
	return strings.Contains(err.Error(), "request failed")
}

// calculateBackoff returns the delay to wait before the next retry.
func calculateBackoff(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
