// Package client talks to a chatquota server.
package client

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

	"github.com/gorilla/websocket"

	"github.com/ineyio/chatquota"
	"github.com/ineyio/chatquota/source"
)

// DeniedError is returned when the server refuses a turn on quota grounds.
type DeniedError = chatquota.DeniedError

// APIError is a non-quota error response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatquota: server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Is maps response codes onto chatquota sentinels.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return target == chatquota.ErrInvalidRequest
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return target == chatquota.ErrUpstreamUnavailable
	}
	return false
}

// Client is a chatquota API client.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(cl *Client) { cl.dialer = d }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		dialer:  websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession provisions an anonymous session and returns its ID.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions", http.NoBody)
	if err != nil {
		return "", fmt.Errorf("chatquota: create request: %w", err)
	}

	var out chatquota.SessionResponse
	if err := c.doJSON(req, http.StatusCreated, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// Usage returns the session's quota.
func (c *Client) Usage(ctx context.Context, sessionID string) (chatquota.Usage, error) {
	u := c.baseURL + "/api/usage/" + url.PathEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return chatquota.Usage{}, fmt.Errorf("chatquota: create request: %w", err)
	}

	var out chatquota.Usage
	if err := c.doJSON(req, http.StatusOK, &out); err != nil {
		return chatquota.Usage{}, err
	}
	return out, nil
}

// Chat sends a turn and returns the reply stream read over server-sent
// events. ctx bounds the whole reply. A refused turn returns *DeniedError.
func (c *Client) Chat(ctx context.Context, in chatquota.ChatRequest) (*source.Events, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("chatquota: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chatquota: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chatquota.ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return source.SSE(resp.Body), nil
}

// ChatWS sends a turn over a WebSocket and returns the reply stream. A
// refused turn surfaces as *DeniedError from the stream's first Next.
func (c *Client) ChatWS(ctx context.Context, in chatquota.ChatRequest) (*source.Events, error) {
	u, err := url.Parse(c.baseURL + "/api/chat/ws")
	if err != nil {
		return nil, fmt.Errorf("chatquota: parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, decodeError(resp)
			}
		}
		return nil, fmt.Errorf("%w: %v", chatquota.ErrUpstreamUnavailable, err)
	}
	if err := conn.WriteJSON(in); err != nil {
		conn.Close()
		return nil, fmt.Errorf("chatquota: send request: %w", err)
	}
	return source.WebSocket(conn), nil
}

func (c *Client) doJSON(req *http.Request, want int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chatquota: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("chatquota: decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var e chatquota.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Code: "unknown", Message: strings.TrimSpace(string(body))}
	}
	if e.Denial != nil {
		return &DeniedError{Denial: *e.Denial}
	}
	if e.Code == "" && e.Message == "" {
		return &APIError{StatusCode: resp.StatusCode, Code: "unknown", Message: http.StatusText(resp.StatusCode)}
	}
	return &APIError{StatusCode: resp.StatusCode, Code: e.Code, Message: e.Message}
}

// IsDenied reports whether err is a quota denial and returns it.
func IsDenied(err error) (*DeniedError, bool) {
	var d *DeniedError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
