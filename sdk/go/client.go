// Package taskbridgesdk is a minimal client for a locally running
// Taskbridge API.
package taskbridgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Taskbridge HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. "http://127.0.0.1:8787/v0".
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// OutboxEvent represents a recorded action awaiting delivery.
type OutboxEvent struct {
	Seq          int64  `json:"seq"`
	ID           string `json:"id"`
	TaskRef      string `json:"task_ref"`
	Kind         string `json:"kind"`
	PayloadJSON  string `json:"payload_json"`
	Profile      string `json:"profile,omitempty"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	SentAt       string `json:"sent_at,omitempty"`
}

// EventResponse wraps a recorded event with its creation flag.
type EventResponse struct {
	Event   OutboxEvent `json:"event"`
	Created bool        `json:"created"`
}

// SyncFailure describes one event that could not be delivered.
type SyncFailure struct {
	EventID   string `json:"event_id"`
	TaskRef   string `json:"task_ref"`
	Error     string `json:"error"`
	Permanent bool   `json:"permanent"`
}

// SyncResult summarizes a sync run.
type SyncResult struct {
	DryRun   bool          `json:"dry_run"`
	Sent     int           `json:"sent"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Failures []SyncFailure `json:"failures,omitempty"`
}

// OutboxList is the outbox listing with per-status counts.
type OutboxList struct {
	Events []OutboxEvent  `json:"events"`
	Counts map[string]int `json:"counts"`
}

// Account is a remote identity bound to a profile.
type Account struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health checks the bridge is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// RecordComment records a comment for later delivery. Recording the same
// comment twice returns the original event with Created false.
func (c *Client) RecordComment(ctx context.Context, taskRef, text, profile string) (EventResponse, error) {
	body := map[string]any{"task_ref": taskRef, "text": text}
	if profile != "" {
		body["profile"] = profile
	}
	var resp EventResponse
	err := c.do(ctx, http.MethodPost, "events/comment", body, &resp)
	return resp, err
}

// RecordStatus records a status change for later delivery.
func (c *Client) RecordStatus(ctx context.Context, taskRef, to, profile string) (EventResponse, error) {
	body := map[string]any{"task_ref": taskRef, "to": to}
	if profile != "" {
		body["profile"] = profile
	}
	var resp EventResponse
	err := c.do(ctx, http.MethodPost, "events/status", body, &resp)
	return resp, err
}

// Sync drains the outbox. With dryRun set, nothing is sent.
func (c *Client) Sync(ctx context.Context, dryRun bool) (SyncResult, error) {
	endpoint := "sync"
	if dryRun {
		endpoint += "?dry_run=true"
	}
	var resp SyncResult
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Outbox lists recorded events, optionally filtered by status.
func (c *Client) Outbox(ctx context.Context, status string, limit int) (OutboxList, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "outbox"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp OutboxList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Whoami resolves each profile's stored credential against the remote.
func (c *Client) Whoami(ctx context.Context) (map[string]Account, error) {
	var resp map[string]Account
	err := c.do(ctx, http.MethodGet, "whoami", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
