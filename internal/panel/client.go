// Package panel is the network boundary to the game-server panel's
// application API. It performs exactly one call per request and never
// retries; attempt accounting belongs to the queue worker.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	createServerPath = "/api/application/servers"
	defaultTimeout   = 30 * time.Second
	maxBodyBytes     = 1 << 20
	maxEchoedBody    = 2048
)

// Outcome is the result of one create-server call. Success is true only
// when the panel answered 2xx with a parseable body carrying an id.
type Outcome struct {
	Success    bool
	RemoteID   string
	Response   json.RawMessage
	StatusCode int
	Err        error
}

// Client talks to the panel application API.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient creates a panel client for the given panel URL and application API key.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

// CreateServer asks the panel to create a server from the given attributes,
// sent verbatim as the request body.
func (c *Client) CreateServer(ctx context.Context, attributes json.RawMessage) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if len(attributes) == 0 {
		attributes = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+createServerPath, bytes.NewReader(attributes))
	if err != nil {
		return Outcome{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{Err: &Error{Op: "create server", Err: err, Timeout: isTimeout(ctx, err)}}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Outcome{
			StatusCode: resp.StatusCode,
			Err:        &Error{Op: "read response", StatusCode: resp.StatusCode, Err: err, Timeout: isTimeout(ctx, err)},
		}
	}

	out := Outcome{StatusCode: resp.StatusCode, Response: captureResponse(resp.StatusCode, body)}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out.Err = newStatusError(resp.StatusCode, body)
		return out
	}

	remoteID, err := extractServerID(body)
	if err != nil {
		out.Err = &Error{Op: "decode response", StatusCode: resp.StatusCode, Err: err}
		return out
	}

	out.Success = true
	out.RemoteID = remoteID
	return out
}

// serverEnvelope is the panel's object wrapper: {"object":"server","attributes":{...}}.
type serverEnvelope struct {
	Object     string `json:"object"`
	Attributes struct {
		ID json.RawMessage `json:"id"`
	} `json:"attributes"`
}

func extractServerID(body []byte) (string, error) {
	if !json.Valid(body) {
		return "", errors.New("response body is not valid JSON")
	}
	var env serverEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("unexpected response shape: %w", err)
	}

	raw := bytes.TrimSpace(env.Attributes.ID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("response carries no attributes.id")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", errors.New("response carries an empty attributes.id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("attributes.id has unsupported type: %s", raw)
}

// captureResponse keeps JSON bodies verbatim and wraps anything else so the
// stored diagnostic is always valid JSON.
func captureResponse(status int, body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	text := string(trimmed)
	if len(text) > maxEchoedBody {
		text = text[:maxEchoedBody]
	}
	wrapped, err := json.Marshal(map[string]any{"status": status, "body": text})
	if err != nil {
		return nil
	}
	return wrapped
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
