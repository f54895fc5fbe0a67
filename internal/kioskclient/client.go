// Package kioskclient talks to the presence service's kiosk API. It is the
// writer behind heartbeat.Client when the kiosk runs out of process.
package kioskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"kioskwatch/internal/heartbeat"
	"kioskwatch/pkg/types"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 10 * time.Second

var _ heartbeat.Writer = (*Client)(nil)

// Client is an HTTP client for /api/kiosks.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default traced client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client for the service at baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type openRequest struct {
	AccountID string `json:"accountId"`
	UserName  string `json:"userName"`
	UserEmail string `json:"userEmail"`
}

type endRequest struct {
	Reason types.DisconnectReason `json:"reason"`
}

type errorBody struct {
	Message string `json:"message"`
}

// Open starts (or restarts) the account's kiosk session.
func (c *Client) Open(ctx context.Context, accountID, userName, userEmail string) (*types.KioskSession, error) {
	var sess types.KioskSession
	err := c.do(ctx, http.MethodPost, "/api/kiosks/sessions",
		openRequest{AccountID: accountID, UserName: userName, UserEmail: userEmail}, &sess)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Heartbeat records liveness for kioskID.
func (c *Client) Heartbeat(ctx context.Context, kioskID string) error {
	return c.do(ctx, http.MethodPost, "/api/kiosks/"+url.PathEscape(kioskID)+"/heartbeat", nil, nil)
}

// EndSession disconnects kioskID with reason.
func (c *Client) EndSession(ctx context.Context, kioskID string, reason types.DisconnectReason) error {
	return c.do(ctx, http.MethodPost, "/api/kiosks/"+url.PathEscape(kioskID)+"/end", endRequest{Reason: reason}, nil)
}

// Get fetches one session.
func (c *Client) Get(ctx context.Context, kioskID string) (*types.KioskSession, error) {
	var sess types.KioskSession
	if err := c.do(ctx, http.MethodGet, "/api/kiosks/"+url.PathEscape(kioskID), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, eb.Message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrSessionAlreadyEnded, eb.Message)
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return &StatusError{Code: resp.StatusCode, Message: eb.Message}
	}
}
