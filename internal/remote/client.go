// Package remote is a minimal client for the task-tracking backend's REST
// API. The bridge treats task-event endpoints opaquely: post the event,
// succeed, or fail with a classifiable status.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskbridge/internal/domain"
)

// Client talks to one backend with at most one bearer token.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WithToken returns a copy of the client authenticated with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.Token = token
	return &cp
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Transient reports whether the response class is worth retrying.
func (e *APIError) Transient() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	}
	return false
}

// IsTransient classifies an error as retryable (connectivity or server
// class) versus permanent (validation or permission class).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Transient()
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

type authRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	AuthToken string `json:"auth_token"`
}

// Auth exchanges credentials for a bearer token.
func (c *Client) Auth(ctx context.Context, authType, username, password string) (string, error) {
	if authType == "" {
		authType = "normal"
	}
	var resp authResponse
	err := c.do(ctx, http.MethodPost, "api/v1/auth", authRequest{Type: authType, Username: username, Password: password}, &resp)
	if err != nil {
		return "", err
	}
	if resp.AuthToken == "" {
		return "", fmt.Errorf("auth response missing token")
	}
	return resp.AuthToken, nil
}

// Me resolves the client's token to its canonical account.
func (c *Client) Me(ctx context.Context) (domain.Account, error) {
	var acc domain.Account
	err := c.do(ctx, http.MethodGet, "api/v1/users/me", nil, &acc)
	return acc, err
}

type ensureUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	IsActive bool   `json:"is_active"`
}

// EnsureUser upserts an account using the client's (administrative) token.
func (c *Client) EnsureUser(ctx context.Context, username, email, password string) error {
	endpoint := "api/v1/users/" + url.PathEscape(username)
	return c.do(ctx, http.MethodPut, endpoint, ensureUserRequest{Email: email, Password: password, IsActive: true}, nil)
}

// PostComment records a comment on a task.
func (c *Client) PostComment(ctx context.Context, taskRef, text string) error {
	endpoint := fmt.Sprintf("api/v1/tasks/%s/comments", url.PathEscape(taskRef))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"text": text}, nil)
}

// SetStatus moves a task to a new status.
func (c *Client) SetStatus(ctx context.Context, taskRef, to string) error {
	endpoint := fmt.Sprintf("api/v1/tasks/%s/status", url.PathEscape(taskRef))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"to": to}, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
