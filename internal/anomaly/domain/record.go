package anomaly

import (
	"strings"
	"time"
)

// Type is the closed anomaly taxonomy. Unrecognised strings map to TypeUnknown.
type Type string

const (
	TypeSuddenDrop        Type = "sudden_drop"
	TypeSuddenSpike       Type = "sudden_spike"
	TypeConstantValue     Type = "constant_value"
	TypeMissingData       Type = "missing_data"
	TypeLowVoltage        Type = "low_voltage"
	TypeHighFluctuation   Type = "high_fluctuation"
	TypeVPDTooLow         Type = "vpd_too_low"
	TypeDewPointClose     Type = "dew_point_close"
	TypeBatteryDepleted   Type = "battery_depleted"
	TypeMLDetected        Type = "ml_detected"
	TypePowerOutage       Type = "power_outage"
	TypeSensorMalfunction Type = "sensor_malfunction"
	TypeTemperatureHigh   Type = "temperature_high"
	TypeTemperatureLow    Type = "temperature_low"
	TypeHumidityHigh      Type = "humidity_high"
	TypeHumidityLow       Type = "humidity_low"
	TypeUnknown           Type = "unknown"
)

var knownTypes = map[Type]struct{}{
	TypeSuddenDrop: {}, TypeSuddenSpike: {}, TypeConstantValue: {}, TypeMissingData: {},
	TypeLowVoltage: {}, TypeHighFluctuation: {}, TypeVPDTooLow: {}, TypeDewPointClose: {},
	TypeBatteryDepleted: {}, TypeMLDetected: {}, TypePowerOutage: {}, TypeSensorMalfunction: {},
	TypeTemperatureHigh: {}, TypeTemperatureLow: {}, TypeHumidityHigh: {}, TypeHumidityLow: {},
}

// ParseType normalises a wire string into the taxonomy.
func ParseType(value string) Type {
	t := Type(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := knownTypes[t]; ok {
		return t
	}
	return TypeUnknown
}

// Basic reports whether t is produced by the client's blank/missing-field pass.
func (t Type) Basic() bool {
	return t == TypePowerOutage || t == TypeSensorMalfunction
}

// DetectionMethod records where a finding came from.
type DetectionMethod string

const (
	MethodRuleBased   DetectionMethod = "rule_based"
	MethodMLBased     DetectionMethod = "ml_based"
	MethodHybrid      DetectionMethod = "hybrid"
	MethodClientBasic DetectionMethod = "client_basic"
	MethodClientRule  DetectionMethod = "client_rule"
	MethodUnknown     DetectionMethod = "unknown"
)

// ParseDetectionMethod normalises a wire string.
func ParseDetectionMethod(value string) DetectionMethod {
	switch m := DetectionMethod(strings.ToLower(strings.TrimSpace(value))); m {
	case MethodRuleBased, MethodMLBased, MethodHybrid, MethodClientBasic, MethodClientRule:
		return m
	case "ml", "machine_learning":
		return MethodMLBased
	case "rule", "rules":
		return MethodRuleBased
	default:
		return MethodUnknown
	}
}

// Severity orders findings.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
	SeverityUnknown  Severity = "unknown"
)

// ParseSeverity normalises a wire string.
func ParseSeverity(value string) Severity {
	switch s := Severity(strings.ToLower(strings.TrimSpace(value))); s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return s
	default:
		return SeverityUnknown
	}
}

// Rank returns critical=4, high=3, medium=2, low=1, anything else 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s ranks at or above target.
func (s Severity) AtLeast(target Severity) bool {
	return s.Rank() >= target.Rank()
}

// AlertLevel is the display colour of a finding.
type AlertLevel string

const (
	AlertGreen  AlertLevel = "green"
	AlertYellow AlertLevel = "yellow"
	AlertRed    AlertLevel = "red"
)

// ParseAlertLevel returns the level and whether value named one.
func ParseAlertLevel(value string) (AlertLevel, bool) {
	switch l := AlertLevel(strings.ToLower(strings.TrimSpace(value))); l {
	case AlertGreen, AlertYellow, AlertRed:
		return l, true
	default:
		return "", false
	}
}

// AlertLevelFor maps low to green, medium to yellow, and high or critical to red.
func AlertLevelFor(s Severity) AlertLevel {
	switch s {
	case SeverityHigh, SeverityCritical:
		return AlertRed
	case SeverityMedium:
		return AlertYellow
	default:
		return AlertGreen
	}
}

const (
	rulePrefix  = "rule:"
	basicPrefix = "basic:"
)

// Record is one finding about a device reading.
type Record struct {
	ID              string          `json:"id"`
	DeviceID        string          `json:"device_id"`
	Timestamp       time.Time       `json:"timestamp"`
	Type            Type            `json:"type"`
	DetectionMethod DetectionMethod `json:"detection_method"`
	Severity        Severity        `json:"severity"`
	AlertLevel      AlertLevel      `json:"alert_level,omitempty"`
	Confidence      *float64        `json:"confidence_score,omitempty"`
	Details         string          `json:"details"`
	Resolved        bool            `json:"resolved"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
}

// RecordKey identifies "the same finding" regardless of id.
type RecordKey struct {
	Timestamp int64
	Type      Type
	DeviceID  string
	Details   string
}

// Key returns the composite identity (timestamp, type, deviceId, details).
func (r Record) Key() RecordKey {
	return RecordKey{
		Timestamp: r.Timestamp.UnixNano(),
		Type:      r.Type,
		DeviceID:  r.DeviceID,
		Details:   r.Details,
	}
}

// ServerIssued reports whether the id came from the backend rather than a client pass.
func (r Record) ServerIssued() bool {
	return r.ID != "" && !strings.HasPrefix(r.ID, rulePrefix) && !strings.HasPrefix(r.ID, basicPrefix)
}

// EffectiveAlertLevel returns the explicit level or derives one from severity.
func (r Record) EffectiveAlertLevel() AlertLevel {
	if r.AlertLevel != "" {
		return r.AlertLevel
	}
	return AlertLevelFor(r.Severity)
}

// RuleID builds the synthetic id of a client rule finding.
func RuleID(ts time.Time, t Type) string {
	return rulePrefix + FormatTimestamp(ts) + ":" + string(t)
}

// BasicID builds the synthetic id of a basic-pass finding.
func BasicID(ts time.Time, t Type) string {
	return basicPrefix + FormatTimestamp(ts) + ":" + string(t)
}

// FormatTimestamp renders an instant the way synthetic ids embed it.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

// Confidence returns a pointer to v, for literal records.
func Confidence(v float64) *float64 {
	return &v
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts the RFC3339 variants the backend emits. Values without
// a zone are read as UTC.
func ParseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
