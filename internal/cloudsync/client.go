package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tasksync/internal/models"
	"tasksync/internal/wire"
)

const NamespaceHeader = "X-Sync-Namespace"

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	namespace  string
}

type Change struct {
	Type string        `json:"type"`
	Task wire.WireTask `json:"task"`
}

type PushRequest struct {
	DeviceID string   `json:"deviceId"`
	Changes  []Change `json:"changes"`
}

type PushResponse struct {
	OK      bool `json:"ok"`
	Applied int  `json:"applied"`
}

type PullResponse struct {
	Tasks []wire.WireTask `json:"tasks"`
}

type ConflictReport struct {
	DeviceID string          `json:"deviceId"`
	SyncID   string          `json:"syncId"`
	Local    *wire.WireTask  `json:"local,omitempty"`
	Remote   *wire.WireTask  `json:"remote,omitempty"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func NewClient(httpClient *http.Client, baseURL, token, namespace string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		namespace:  strings.TrimSpace(namespace),
	}
}

func (c *Client) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	var out PushResponse
	if err := c.do(ctx, "push", http.MethodPost, "/sync/push", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pull fetches every record effectively newer than since; an absent since
// means everything.
func (c *Client) Pull(ctx context.Context, since models.Optional[time.Time]) (*PullResponse, error) {
	path := "/sync/pull"
	if t, ok := since.Get(); ok {
		path += "?since=" + url.QueryEscape(wire.FormatTime(t))
	}
	var out PullResponse
	if err := c.do(ctx, "pull", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReportConflict(ctx context.Context, report ConflictReport) error {
	return c.do(ctx, "conflict", http.MethodPost, "/sync/conflict", report, nil)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/healthz", nil, nil)
}

// EventsURL is the websocket address of the change feed.
func (c *Client) EventsURL() string {
	u := c.baseURL + "/sync/events"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	if c.token != "" {
		token := c.token
		if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		h.Set("Authorization", token)
	}
	if c.namespace != "" {
		h.Set(NamespaceHeader, c.namespace)
	}
	return h
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Op: op, Err: err}
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header = c.headers()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
		}
		return nil
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	msg := strings.TrimSpace(eb.Error)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode, Message: msg}
	case http.StatusBadRequest:
		return &ValidationError{Message: msg}
	default:
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
}
