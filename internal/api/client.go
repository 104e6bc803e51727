// Package api is the HTTP client for the persisted-notification endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/markb/rentrt/internal/log"
	"github.com/markb/rentrt/internal/notification"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 15 * time.Second

// Error is a non-2xx response.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() string
}

// ListResponse is the body of GET /api/notifications.
type ListResponse struct {
	Notifications []notification.Notification `json:"notifications"`
	UnreadCount   int                         `json:"unread_count"`
}

// Client talks to the notification REST endpoints. It implements
// notification.API.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client

	// ReadRetries is how many times idempotent reads are attempted.
	ReadRetries uint
}

// New creates a client for baseURL, e.g. "http://localhost:8080".
func New(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		tokens:      tokens,
		http:        &http.Client{Timeout: DefaultTimeout},
		ReadRetries: 3,
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

var _ notification.API = (*Client)(nil)

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// get retries transport failures and 5xx responses; 4xx are final.
func (c *Client) get(ctx context.Context, path string, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(max(c.ReadRetries, 1)),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Debug("api: retrying read", "path", path, "in", d.String(), "error", err.Error())
		}),
	)
	return err
}

// List fetches notifications and the server's unread count.
func (c *Client) List(ctx context.Context, opts notification.ListOptions) (ListResponse, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.UnreadOnly {
		q.Set("unread", "true")
	}
	path := "/api/notifications"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp ListResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return ListResponse{}, err
	}
	return resp, nil
}

func (c *Client) ListNotifications(ctx context.Context, opts notification.ListOptions) ([]notification.Notification, error) {
	resp, err := c.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPatch, "/api/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/api/notifications/read-all", nil, nil)
}

func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/notifications/"+url.PathEscape(id), nil, nil)
}

func (c *Client) DeleteAll(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/notifications", nil, nil)
}

func (c *Client) Preferences(ctx context.Context) (notification.Preferences, error) {
	var p notification.Preferences
	if err := c.get(ctx, "/api/notifications/preferences", &p); err != nil {
		return notification.Preferences{}, err
	}
	return p, nil
}

func (c *Client) UpdatePreferences(ctx context.Context, p notification.Preferences) (notification.Preferences, error) {
	var out notification.Preferences
	if err := c.do(ctx, http.MethodPut, "/api/notifications/preferences", p, &out); err != nil {
		return notification.Preferences{}, err
	}
	return out, nil
}

func (c *Client) CreateNotification(ctx context.Context, req notification.CreateRequest) (notification.Notification, error) {
	var n notification.Notification
	if err := c.do(ctx, http.MethodPost, "/api/notifications", req, &n); err != nil {
		return notification.Notification{}, err
	}
	return n, nil
}

func (c *Client) SendTest(ctx context.Context) (notification.Notification, error) {
	var n notification.Notification
	if err := c.do(ctx, http.MethodPost, "/api/notifications/test", nil, &n); err != nil {
		return notification.Notification{}, err
	}
	return n, nil
}
