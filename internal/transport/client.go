package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"sensorwatch/internal/observability/metrics"
)

const (
	// DefaultTimeout is the per-request deadline.
	DefaultTimeout = 10 * time.Second

	maxMessageLen = 256
)

// Client is a JSON-over-HTTP client that never returns Go errors for HTTP
// outcomes: every call produces a tagged Result.
type Client struct {
	client    *http.Client
	timeout   time.Duration
	requestID func() string
}

// Option configures the client.
type Option func(*Client)

// WithTimeout overrides the per-request deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithRequestIDs overrides the X-Request-ID generator. A nil generator disables the header.
func WithRequestIDs(gen func() string) Option {
	return func(c *Client) {
		c.requestID = gen
	}
}

// NewClient constructs a transport client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		client:    &http.Client{},
		timeout:   DefaultTimeout,
		requestID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawURL, token string) Result {
	return c.Do(ctx, http.MethodGet, rawURL, nil, token)
}

// Post issues a POST request.
func (c *Client) Post(ctx context.Context, rawURL string, body any, token string) Result {
	return c.Do(ctx, http.MethodPost, rawURL, body, token)
}

// Put issues a PUT request.
func (c *Client) Put(ctx context.Context, rawURL string, body any, token string) Result {
	return c.Do(ctx, http.MethodPut, rawURL, body, token)
}

// Patch issues a PATCH request.
func (c *Client) Patch(ctx context.Context, rawURL string, body any, token string) Result {
	return c.Do(ctx, http.MethodPatch, rawURL, body, token)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, rawURL, token string) Result {
	return c.Do(ctx, http.MethodDelete, rawURL, nil, token)
}

// Do performs one request with the configured deadline and classifies the outcome.
func (c *Client) Do(ctx context.Context, method, rawURL string, body any, token string) Result {
	start := time.Now()
	res := c.do(ctx, method, rawURL, body, token)
	metrics.ObserveHTTPRequest(endpointLabel(rawURL), string(res.Tag), time.Since(start))
	return res
}

func (c *Client) do(ctx context.Context, method, rawURL string, body any, token string) Result {
	if c == nil || c.client == nil {
		return Result{Tag: TagNetwork, cause: errors.New("transport: nil client")}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return Result{Tag: TagBadRequest, Message: err.Error(), cause: err}
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return Result{Tag: TagBadRequest, Message: err.Error(), cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.requestID != nil {
		if id := c.requestID(); id != "" {
			req.Header.Set("X-Request-ID", id)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{Tag: classifyTransportError(ctx, err), cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Tag: classifyTransportError(ctx, err), Status: resp.StatusCode, cause: err}
	}

	res := Result{Tag: TagForStatus(resp.StatusCode), Status: resp.StatusCode}
	if isJSON(resp.Header.Get("Content-Type")) && json.Valid(raw) {
		res.Body = json.RawMessage(raw)
	} else {
		res.Text = string(raw)
	}
	if res.Tag != TagOK {
		res.Message = serverMessage(res)
	}
	return res
}

func classifyTransportError(ctx context.Context, err error) Tag {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return TagTimeout
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TagTimeout
	}
	return TagNetwork
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// serverMessage pulls a human-readable message out of an error body.
func serverMessage(res Result) string {
	if len(res.Body) > 0 {
		var envelope struct {
			Message string `json:"message"`
			Error   any    `json:"error"`
		}
		if err := json.Unmarshal(res.Body, &envelope); err == nil {
			if envelope.Message != "" {
				return envelope.Message
			}
			if msg, ok := envelope.Error.(string); ok && msg != "" {
				return msg
			}
		}
		return ""
	}
	text := strings.TrimSpace(res.Text)
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	return text
}

// endpointLabel keeps the first two path segments to bound metric cardinality.
func endpointLabel(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "invalid"
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}
