package anomalyapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	anomaly "sensorwatch/internal/anomaly/domain"
	"sensorwatch/internal/endpoints"
	"sensorwatch/internal/transport"
)

// Response shapes differ between backend versions: {data:{anomalies}},
// {data:{data}}, {data:[...]}, {anomalies:[...]} or a bare array. Everything is
// folded into one shape here.

var errNoPayload = errors.New("anomalyapi: empty payload")

// unwrapData strips a {success, data} envelope when present.
func unwrapData(raw json.RawMessage) json.RawMessage {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	if err := json.Unmarshal(trimmed, &envelope); err == nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		return envelope.Data
	}
	return trimmed
}

func decodeHistory(raw json.RawMessage) (History, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return History{}, errNoPayload
	}
	payload := unwrapData(raw)

	var wires []endpoints.AnomalyWire
	var pagination endpoints.Pagination
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &wires); err != nil {
			return History{}, err
		}
	} else {
		var page struct {
			Anomalies  []endpoints.AnomalyWire `json:"anomalies"`
			Data       []endpoints.AnomalyWire `json:"data"`
			Pagination endpoints.Pagination    `json:"pagination"`
		}
		if err := json.Unmarshal(payload, &page); err != nil {
			return History{}, err
		}
		wires = page.Anomalies
		if len(wires) == 0 {
			wires = page.Data
		}
		pagination = page.Pagination
	}

	records := make([]anomaly.Record, 0, len(wires))
	for _, w := range wires {
		rec, ok := recordFromWire(w)
		if ok {
			records = append(records, rec)
		}
	}
	return History{Anomalies: records, Pagination: pagination}, nil
}

// recordFromWire converts a server document. Records without a usable
// timestamp are dropped.
func recordFromWire(w endpoints.AnomalyWire) (anomaly.Record, bool) {
	ts, ok := anomaly.ParseTimestamp(w.Timestamp)
	if !ok {
		return anomaly.Record{}, false
	}
	id := w.ID
	if id == "" {
		id = w.AltID
	}
	typ := w.Type
	if typ == "" {
		typ = w.AnomalyType
	}
	method := anomaly.MethodRuleBased
	if w.DetectionMethod != "" {
		method = anomaly.ParseDetectionMethod(w.DetectionMethod)
	}
	levelRaw := w.AlertLevel
	if levelRaw == "" {
		levelRaw = w.AlertLevelSnake
	}
	level, hasLevel := anomaly.ParseAlertLevel(levelRaw)
	severity := anomaly.ParseSeverity(w.Severity)
	if severity == anomaly.SeverityUnknown && hasLevel {
		severity = severityForLevel(level)
	}
	if !hasLevel {
		level = anomaly.AlertLevelFor(severity)
	}
	confidence := w.Confidence
	if confidence == nil {
		confidence = w.ConfidenceAlt
	}
	if confidence != nil {
		confidence = anomaly.Confidence(clamp01(*confidence))
	}
	details := w.Details
	if details == "" {
		details = w.Message
	}
	return anomaly.Record{
		ID:              id,
		DeviceID:        w.DeviceID,
		Timestamp:       ts,
		Type:            anomaly.ParseType(typ),
		DetectionMethod: method,
		Severity:        severity,
		AlertLevel:      level,
		Confidence:      confidence,
		Details:         details,
		Resolved:        w.Resolved,
		ResolutionNotes: w.ResolutionNotes,
	}, true
}

func severityForLevel(level anomaly.AlertLevel) anomaly.Severity {
	switch level {
	case anomaly.AlertRed:
		return anomaly.SeverityHigh
	case anomaly.AlertYellow:
		return anomaly.SeverityMedium
	default:
		return anomaly.SeverityLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type statsWire struct {
	TotalAnomalies  *int           `json:"totalAnomalies"`
	Total           *int           `json:"total"`
	UnresolvedCount *int           `json:"unresolvedCount"`
	Unresolved      *int           `json:"unresolved"`
	ResolvedCount   *int           `json:"resolvedCount"`
	Resolved        *int           `json:"resolved"`
	ResolutionRate  float64        `json:"resolutionRate"`
	AccuracyRate    float64        `json:"accuracyRate"`
	AlertLevels     map[string]int `json:"alertLevels"`
	ByAlertLevel    map[string]int `json:"byAlertLevel"`
}

func decodeStats(raw json.RawMessage) (anomaly.Stats, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return anomaly.Stats{}, errNoPayload
	}
	var w statsWire
	if err := json.Unmarshal(unwrapData(raw), &w); err != nil {
		return anomaly.Stats{}, err
	}
	stats := anomaly.EmptyStats()
	stats.TotalAnomalies = firstInt(w.TotalAnomalies, w.Total)
	stats.UnresolvedCount = firstInt(w.UnresolvedCount, w.Unresolved)
	stats.ResolvedCount = firstInt(w.ResolvedCount, w.Resolved)
	stats.ResolutionRate = w.ResolutionRate
	stats.AccuracyRate = w.AccuracyRate
	levels := w.AlertLevels
	if len(levels) == 0 {
		levels = w.ByAlertLevel
	}
	for key, count := range levels {
		if level, ok := anomaly.ParseAlertLevel(key); ok {
			stats.PerAlertLevel[level] += count
		}
	}
	if stats.ResolutionRate == 0 && stats.TotalAnomalies > 0 {
		stats.ResolutionRate = float64(stats.ResolvedCount) / float64(stats.TotalAnomalies)
	}
	return stats, nil
}

func firstInt(values ...*int) int {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

type healthService struct {
	Status       string   `json:"status"`
	ModelReady   *bool    `json:"modelReady"`
	Ready        *bool    `json:"ready"`
	ModelsLoaded *bool    `json:"models_loaded"`
	ActiveModel  string   `json:"activeModel"`
	LoadedModels []string `json:"loaded_models"`
}

type healthWire struct {
	Status        string                   `json:"status"`
	ServiceStatus string                   `json:"service_status"`
	ModelReady    *bool                    `json:"modelReady"`
	ModelsLoaded  *bool                    `json:"models_loaded"`
	ActiveModel   string                   `json:"activeModel"`
	ActiveModelSn string                   `json:"active_model"`
	LoadedModels  []string                 `json:"loaded_models"`
	Services      map[string]healthService `json:"services"`
	Timestamp     string                   `json:"timestamp"`
	LastCheck     string                   `json:"lastCheck"`
}

func decodeHealth(raw json.RawMessage, now time.Time) (anomaly.ServiceHealth, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return anomaly.ServiceHealth{}, errNoPayload
	}
	var w healthWire
	if err := json.Unmarshal(unwrapData(raw), &w); err != nil {
		return anomaly.ServiceHealth{}, err
	}
	statusRaw := w.Status
	if statusRaw == "" {
		statusRaw = w.ServiceStatus
	}
	health := anomaly.ServiceHealth{
		OverallStatus: normaliseHealthStatus(statusRaw),
		LastCheck:     now,
	}

	ready := firstBool(w.ModelReady, w.ModelsLoaded)
	model := firstString(w.ActiveModel, w.ActiveModelSn, firstOf(w.LoadedModels))
	for _, svc := range w.Services {
		if ready == nil {
			ready = firstBool(svc.ModelReady, svc.Ready, svc.ModelsLoaded)
		}
		if model == "" {
			model = firstString(svc.ActiveModel, firstOf(svc.LoadedModels))
		}
	}
	if ready != nil {
		health.ModelReady = *ready
	} else {
		health.ModelReady = health.OverallStatus != anomaly.HealthOffline
	}
	health.ActiveModelName = model
	if ts, ok := anomaly.ParseTimestamp(firstString(w.LastCheck, w.Timestamp)); ok {
		health.LastCheck = ts
	}
	return health, nil
}

func normaliseHealthStatus(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "healthy", "ok", "up", "running", "online":
		return anomaly.HealthHealthy
	case "degraded", "partial", "warning", "limited":
		return anomaly.HealthDegraded
	default:
		return anomaly.HealthOffline
	}
}

func firstBool(values ...*bool) *bool {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstOf(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

type detectionWire struct {
	RuleHits        []endpoints.AnomalyWire `json:"ruleHits"`
	RuleAnomalies   []endpoints.AnomalyWire `json:"rule_anomalies"`
	MLHits          []endpoints.AnomalyWire `json:"mlHits"`
	MLAnomalies     []endpoints.AnomalyWire `json:"ml_anomalies"`
	Recommendations []recommendationWire    `json:"recommendations"`
}

type recommendationWire struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	Action        string `json:"action"`
	Priority      string `json:"priority"`
	EstimatedTime string `json:"estimated_time"`
}

func decodeDetection(raw json.RawMessage) (Detection, error) {
	det := emptyDetection()
	if len(bytes.TrimSpace(raw)) == 0 {
		return det, nil
	}
	var w detectionWire
	if err := json.Unmarshal(unwrapData(raw), &w); err != nil {
		return det, err
	}
	for _, hit := range append(w.RuleHits, w.RuleAnomalies...) {
		if rec, ok := recordFromWire(hit); ok {
			det.RuleHits = append(det.RuleHits, rec)
		}
	}
	for _, hit := range append(w.MLHits, w.MLAnomalies...) {
		if hit.Type == "" && hit.AnomalyType == "" {
			hit.Type = string(anomaly.TypeMLDetected)
		}
		if hit.DetectionMethod == "" {
			hit.DetectionMethod = string(anomaly.MethodMLBased)
		}
		if rec, ok := recordFromWire(hit); ok {
			det.MLHits = append(det.MLHits, rec)
		}
	}
	for _, r := range w.Recommendations {
		det.Recommendations = append(det.Recommendations, Recommendation(r))
	}
	return det, nil
}

type batchWire struct {
	Resolved []string `json:"resolved"`
	Failed   []struct {
		ID      string `json:"id"`
		Status  int    `json:"status"`
		Message string `json:"message"`
		Error   string `json:"error"`
	} `json:"failed"`
}

// decodeBatchOutcome maps the server's per-id report onto the requested ids.
// Without a per-id report every id is considered resolved; ids the report
// does not mention are not_found. A body that is not a report is returned as
// an error next to the all-resolved outcome.
func decodeBatchOutcome(raw json.RawMessage, ids []string) ([]ItemOutcome, error) {
	out := make([]ItemOutcome, 0, len(ids))
	var w batchWire
	var decodeErr error
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(unwrapData(raw), &w); err != nil {
			decodeErr = err
			w = batchWire{}
		}
	}
	if len(w.Resolved) == 0 && len(w.Failed) == 0 {
		for _, id := range ids {
			out = append(out, ItemOutcome{ID: id, Tag: transport.TagOK})
		}
		return out, decodeErr
	}
	resolved := make(map[string]bool, len(w.Resolved))
	for _, id := range w.Resolved {
		resolved[id] = true
	}
	failed := make(map[string]ItemOutcome, len(w.Failed))
	for _, f := range w.Failed {
		tag := transport.TagServerError
		if f.Status > 0 {
			tag = transport.TagForStatus(f.Status)
		}
		failed[f.ID] = ItemOutcome{ID: f.ID, Tag: tag, Message: firstString(f.Message, f.Error)}
	}
	for _, id := range ids {
		switch {
		case resolved[id]:
			out = append(out, ItemOutcome{ID: id, Tag: transport.TagOK})
		case failed[id].ID != "":
			out = append(out, failed[id])
		default:
			out = append(out, ItemOutcome{ID: id, Tag: transport.TagNotFound})
		}
	}
	return out, nil
}

type typeWire struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	Label         string `json:"label"`
	DisplayName   string `json:"displayName"`
	Action        string `json:"action"`
	EstimatedTime string `json:"estimatedTime"`
	Impact        string `json:"impact"`
}

func decodeCatalog(raw json.RawMessage) (anomaly.Catalog, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errNoPayload
	}
	payload := unwrapData(raw)
	var list []typeWire
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &list); err != nil {
			return nil, err
		}
	} else {
		var wrapped struct {
			Types []typeWire `json:"types"`
		}
		if err := json.Unmarshal(payload, &wrapped); err != nil {
			return nil, err
		}
		list = wrapped.Types
	}
	out := make(anomaly.Catalog, len(list))
	for _, w := range list {
		typ := anomaly.ParseType(firstString(w.Type, w.Name))
		if typ == anomaly.TypeUnknown {
			continue
		}
		out[typ] = anomaly.TypeInfo{
			Type:          typ,
			Label:         firstString(w.Label, w.DisplayName),
			Action:        w.Action,
			EstimatedTime: w.EstimatedTime,
			Impact:        w.Impact,
		}
	}
	return out, nil
}
