package anomalyapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	anomaly "sensorwatch/internal/anomaly/domain"
	"sensorwatch/internal/endpoints"
	"sensorwatch/internal/observability/metrics"
	"sensorwatch/internal/transport"
)

// Transport is the subset of the HTTP client the anomaly calls use.
type Transport interface {
	Get(ctx context.Context, rawURL, token string) transport.Result
	Post(ctx context.Context, rawURL string, body any, token string) transport.Result
	Put(ctx context.Context, rawURL string, body any, token string) transport.Result
}

// Clock provides time for health timestamps.
type Clock interface {
	Now() time.Time
}

// History is one page of anomaly history.
type History struct {
	Anomalies  []anomaly.Record     `json:"anomalies"`
	Pagination endpoints.Pagination `json:"pagination"`
}

// Recommendation is a suggested follow-up from the detection service.
type Recommendation struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	Action        string `json:"action"`
	Priority      string `json:"priority"`
	EstimatedTime string `json:"estimated_time,omitempty"`
}

// Detection is the outcome of /api/detect and device checks.
type Detection struct {
	RuleHits        []anomaly.Record `json:"rule_hits"`
	MLHits          []anomaly.Record `json:"ml_hits"`
	Recommendations []Recommendation `json:"recommendations"`
}

// ItemOutcome is the per-id result of a batch resolve.
type ItemOutcome struct {
	ID      string        `json:"id"`
	Tag     transport.Tag `json:"tag"`
	Message string        `json:"message,omitempty"`
}

// Client calls the anomaly endpoints and substitutes fallbacks on recoverable failures.
type Client struct {
	http     Transport
	registry *endpoints.Registry
	clock    Clock
	logger   *log.Logger

	mu        sync.Mutex
	lastStats map[int]anomaly.Stats
}

// Option configures the client.
type Option func(*Client)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets a logger for fallback diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient constructs an anomaly service client.
func NewClient(http Transport, registry *endpoints.Registry, opts ...Option) (*Client, error) {
	if http == nil {
		return nil, errors.New("anomalyapi: nil transport")
	}
	if registry == nil {
		return nil, errors.New("anomalyapi: nil registry")
	}
	c := &Client{
		http:      http,
		registry:  registry,
		clock:     systemClock{},
		lastStats: make(map[int]anomaly.Stats),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// History fetches anomaly history. Not-found, network, timeout and server errors
// yield an empty page; bad requests are surfaced.
func (c *Client) History(ctx context.Context, token string, filter endpoints.HistoryFilter) Result[History] {
	res := c.http.Get(ctx, c.registry.Anomalies(filter), token)
	empty := History{Anomalies: []anomaly.Record{}}
	if !res.OK() {
		switch res.Tag {
		case transport.TagNotFound, transport.TagNetwork, transport.TagTimeout, transport.TagServerError:
			c.fallback("history", res)
			return recovered(empty, res)
		default:
			return surfaced(empty, res)
		}
	}
	page, err := decodeHistory(res.Body)
	if err != nil {
		c.logf("anomalyapi history decode error: %v", err)
		return recovered(empty, transport.Result{Tag: transport.TagUnknown, Message: err.Error()})
	}
	return ok(page)
}

// Stats fetches aggregates for the trailing number of days. Any failure other
// than an expired session yields the last known value or zeros.
func (c *Client) Stats(ctx context.Context, token string, days int) Result[anomaly.Stats] {
	res := c.http.Get(ctx, c.registry.AnomalyStats(days), token)
	if res.OK() {
		stats, err := decodeStats(res.Body)
		if err == nil {
			c.mu.Lock()
			c.lastStats[days] = stats
			c.mu.Unlock()
			return ok(stats)
		}
		c.logf("anomalyapi stats decode error: %v", err)
		res = transport.Result{Tag: transport.TagUnknown, Message: err.Error()}
	}
	fallback := c.lastKnownStats(days)
	if res.Tag == transport.TagUnauthenticated {
		return surfaced(fallback, res)
	}
	c.fallback("stats", res)
	return recovered(fallback, res)
}

// Detect submits sensor data for server-side detection. Failures yield empty
// hits; a missing endpoint is treated as an older deployment and absorbed.
func (c *Client) Detect(ctx context.Context, token, deviceID string, sensorData any, options endpoints.DetectOptions) Result[Detection] {
	raw, err := json.Marshal(sensorData)
	if err != nil {
		return surfaced(emptyDetection(), transport.Result{Tag: transport.TagBadRequest, Message: err.Error()})
	}
	body := endpoints.DetectRequest{DeviceID: deviceID, SensorData: raw, Options: options}
	res := c.http.Post(ctx, c.registry.Detect(), body, token)
	return c.detection("detect", res)
}

// CheckDevice asks the service to evaluate a device's recent data.
func (c *Client) CheckDevice(ctx context.Context, token, deviceID string) Result[Detection] {
	res := c.http.Post(ctx, c.registry.CheckDevice(deviceID), nil, token)
	return c.detection("check_device", res)
}

func (c *Client) detection(operation string, res transport.Result) Result[Detection] {
	if !res.OK() {
		if res.Tag == transport.TagNotFound {
			c.fallback(operation, res)
			return recovered(emptyDetection(), res)
		}
		return surfaced(emptyDetection(), res)
	}
	det, err := decodeDetection(res.Body)
	if err != nil {
		c.logf("anomalyapi %s decode error: %v", operation, err)
		return surfaced(emptyDetection(), transport.Result{Tag: transport.TagUnknown, Message: err.Error()})
	}
	return ok(det)
}

// Resolve marks one anomaly resolved. The tag is always surfaced: ok, not_found, or a failure.
func (c *Client) Resolve(ctx context.Context, token, anomalyID, notes string) Result[struct{}] {
	if anomalyID == "" {
		return surfaced(struct{}{}, transport.Result{Tag: transport.TagBadRequest, Message: "empty anomaly id"})
	}
	res := c.http.Put(ctx, c.registry.Resolve(anomalyID), endpoints.ResolveRequest{Notes: notes}, token)
	if res.OK() {
		return ok(struct{}{})
	}
	return surfaced(struct{}{}, res)
}

// BatchResolve resolves several anomalies and reports an outcome per id, in input order.
func (c *Client) BatchResolve(ctx context.Context, token string, ids []string, notes string) Result[[]ItemOutcome] {
	if len(ids) == 0 {
		return ok([]ItemOutcome{})
	}
	res := c.http.Put(ctx, c.registry.BatchResolve(), endpoints.BatchResolveRequest{AnomalyIDs: ids, Notes: notes}, token)
	if !res.OK() {
		out := make([]ItemOutcome, 0, len(ids))
		for _, id := range ids {
			out = append(out, ItemOutcome{ID: id, Tag: res.Tag, Message: res.Message})
		}
		return surfaced(out, res)
	}
	outcomes, err := decodeBatchOutcome(res.Body, ids)
	if err == nil && len(res.Body) == 0 && strings.TrimSpace(res.Text) != "" {
		err = errors.New("body is not json")
	}
	if err != nil {
		c.logf("anomalyapi batch_resolve decode error: ids=%d err=%v", len(ids), err)
	}
	return ok(outcomes)
}

// Health reports the service status. Any failure yields an offline status with
// the model marked ready.
func (c *Client) Health(ctx context.Context, token string) Result[anomaly.ServiceHealth] {
	res := c.http.Get(ctx, c.registry.AnomalyHealth(), token)
	if res.OK() {
		health, err := decodeHealth(res.Body, c.clock.Now().UTC())
		if err == nil {
			return ok(health)
		}
		c.logf("anomalyapi health decode error: %v", err)
		res = transport.Result{Tag: transport.TagUnknown, Message: err.Error()}
	}
	fallback := anomaly.OfflineHealth()
	fallback.LastCheck = c.clock.Now().UTC()
	if res.Tag == transport.TagUnauthenticated {
		return surfaced(fallback, res)
	}
	c.fallback("health", res)
	return recovered(fallback, res)
}

// Types returns the label catalog, merging server entries over the built-in table.
func (c *Client) Types(ctx context.Context, token string) Result[anomaly.Catalog] {
	base := anomaly.DefaultTypeCatalog()
	res := c.http.Get(ctx, c.registry.AnomalyTypes(), token)
	if res.OK() {
		server, err := decodeCatalog(res.Body)
		if err == nil {
			return ok(base.Merge(server))
		}
		res = transport.Result{Tag: transport.TagUnknown, Message: err.Error()}
	}
	if res.Tag == transport.TagUnauthenticated {
		return surfaced(base, res)
	}
	c.fallback("types", res)
	return recovered(base, res)
}

func (c *Client) lastKnownStats(days int) anomaly.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stats, ok := c.lastStats[days]; ok {
		return stats
	}
	return anomaly.EmptyStats()
}

func (c *Client) fallback(operation string, res transport.Result) {
	metrics.IncAnomalyFallback(operation, string(res.Tag))
	c.logf("anomalyapi %s fallback: tag=%s message=%q", operation, res.Tag, res.Message)
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func emptyDetection() Detection {
	return Detection{RuleHits: []anomaly.Record{}, MLHits: []anomaly.Record{}, Recommendations: []Recommendation{}}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
