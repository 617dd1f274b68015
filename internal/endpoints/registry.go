package endpoints

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Registry builds every backend URL. Nothing else in the module concatenates paths.
type Registry struct {
	base *url.URL
}

// New constructs a registry rooted at baseURL.
func New(baseURL string) (*Registry, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("endpoints: empty base url")
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("endpoints: base url must be absolute")
	}
	return &Registry{base: parsed}, nil
}

// HistoryFilter narrows GET /api/anomalies.
type HistoryFilter struct {
	DeviceID   string
	Resolved   *bool
	Limit      int
	Page       int
	AlertLevel string
	StartDate  time.Time
	EndDate    time.Time
}

// Unresolved returns a filter for the unresolved history of one device.
func Unresolved(deviceID string, limit int) HistoryFilter {
	resolved := false
	return HistoryFilter{DeviceID: deviceID, Resolved: &resolved, Limit: limit}
}

func (r *Registry) build(query url.Values, segments ...string) string {
	u := *r.base
	escaped := make([]string, 0, len(segments))
	for _, seg := range segments {
		escaped = append(escaped, url.PathEscape(seg))
	}
	u.Path = strings.TrimRight(r.base.Path, "/") + "/" + strings.Join(segments, "/")
	u.RawPath = strings.TrimRight(r.base.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (r *Registry) SignIn() string         { return r.build(nil, "api", "signin") }
func (r *Registry) SignUp() string         { return r.build(nil, "api", "signup") }
func (r *Registry) ChangePassword() string { return r.build(nil, "api", "users", "change-password") }

// Devices lists devices, optionally scoped to a zone.
func (r *Registry) Devices(zoneID string) string {
	var q url.Values
	if zoneID != "" {
		q = url.Values{"zoneId": {zoneID}}
	}
	return r.build(q, "api", "devices")
}

func (r *Registry) Device(id string) string { return r.build(nil, "api", "devices", id) }

// DeviceData returns the sensor readings URL for a device.
func (r *Registry) DeviceData(id string, limit int) string {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	return r.build(q, "api", "devices", id, "data")
}

func (r *Registry) DeviceToggle() string        { return r.build(nil, "api", "devices", "toggle") }
func (r *Registry) Zones() string               { return r.build(nil, "api", "zones") }
func (r *Registry) Zone(id string) string       { return r.build(nil, "api", "zones", id) }
func (r *Registry) SwitchZone(id string) string { return r.build(nil, "api", "zones", id, "switch") }

// Anomalies returns the history URL with the filter's query parameters.
func (r *Registry) Anomalies(filter HistoryFilter) string {
	q := url.Values{}
	if filter.DeviceID != "" {
		q.Set("deviceId", filter.DeviceID)
	}
	if filter.Resolved != nil {
		q.Set("resolved", strconv.FormatBool(*filter.Resolved))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Page > 0 {
		q.Set("page", strconv.Itoa(filter.Page))
	}
	if filter.AlertLevel != "" {
		q.Set("alertLevel", filter.AlertLevel)
	}
	if !filter.StartDate.IsZero() {
		q.Set("startDate", filter.StartDate.UTC().Format(time.RFC3339))
	}
	if !filter.EndDate.IsZero() {
		q.Set("endDate", filter.EndDate.UTC().Format(time.RFC3339))
	}
	return r.build(q, "api", "anomalies")
}

// AnomalyStats returns the stats URL for the trailing number of days.
func (r *Registry) AnomalyStats(days int) string {
	var q url.Values
	if days > 0 {
		q = url.Values{"days": {strconv.Itoa(days)}}
	}
	return r.build(q, "api", "anomalies", "stats")
}

func (r *Registry) Detect() string { return r.build(nil, "api", "detect") }

func (r *Registry) CheckDevice(deviceID string) string {
	return r.build(nil, "api", "devices", deviceID, "check-anomalies")
}

func (r *Registry) Resolve(anomalyID string) string {
	return r.build(nil, "api", "anomalies", anomalyID, "resolve")
}

func (r *Registry) BatchResolve() string  { return r.build(nil, "api", "anomalies", "batch-resolve") }
func (r *Registry) AnomalyHealth() string { return r.build(nil, "api", "anomalies", "health") }
func (r *Registry) AnomalyTypes() string  { return r.build(nil, "api", "anomalies", "types") }

// Notifications addresses the push registration endpoints, e.g. Notifications("register").
func (r *Registry) Notifications(sub ...string) string {
	return r.build(nil, append([]string{"api", "notifications"}, sub...)...)
}
