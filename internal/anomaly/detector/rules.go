package detector

import (
	"fmt"

	anomaly "sensorwatch/internal/anomaly/domain"
)

type operator string

const (
	opGreater operator = ">"
	opLess    operator = "<"
)

type axis int

const (
	axisTemperature axis = iota
	axisHumidity
)

// thresholdRule raises typ when the axis value crosses threshold, escalating
// to a higher severity past escalateAt.
type thresholdRule struct {
	axis       axis
	typ        anomaly.Type
	op         operator
	threshold  float64
	severity   anomaly.Severity
	escalateAt float64
	escalated  anomaly.Severity
	confidence float64
	label      string
	unit       string
}

// Rules are evaluated in order; the first match on an axis wins that axis.
var rules = []thresholdRule{
	{axisTemperature, anomaly.TypeTemperatureHigh, opGreater, 35, anomaly.SeverityHigh, 40, anomaly.SeverityCritical, 0.87, "Temperature", "°C"},
	{axisTemperature, anomaly.TypeTemperatureLow, opLess, 15, anomaly.SeverityMedium, 10, anomaly.SeverityHigh, 0.82, "Temperature", "°C"},
	{axisHumidity, anomaly.TypeHumidityHigh, opGreater, 85, anomaly.SeverityMedium, 90, anomaly.SeverityHigh, 0.75, "Humidity", "%"},
	{axisHumidity, anomaly.TypeHumidityLow, opLess, 25, anomaly.SeverityMedium, 0, "", 0.73, "Humidity", "%"},
}

const (
	outageConfidence      = 1.0
	malfunctionConfidence = 1.0

	outageDetails      = "Power outage: temperature and humidity both read 0"
	malfunctionDetails = "Sensor malfunction: temperature or humidity missing"
)

// Detect runs the threshold rules on one reading. It is pure: the same reading
// always yields the same records with the same ids.
func Detect(r anomaly.Reading) []anomaly.Record {
	var out []anomaly.Record
	if r.Blank() {
		return append(out, outageRecord(r, anomaly.RuleID(r.Timestamp, anomaly.TypePowerOutage), anomaly.MethodClientRule))
	}
	if r.MissingField() {
		out = append(out, malfunctionRecord(r, anomaly.RuleID(r.Timestamp, anomaly.TypeSensorMalfunction), anomaly.MethodClientRule))
	}

	matched := map[axis]bool{}
	for _, rule := range rules {
		if matched[rule.axis] {
			continue
		}
		value, ok := axisValue(r, rule.axis)
		if !ok || !crosses(rule.op, value, rule.threshold) {
			continue
		}
		matched[rule.axis] = true
		out = append(out, rule.record(r, value))
	}
	return out
}

// BasicIssues scans readings for blank and missing-field samples.
func BasicIssues(readings []anomaly.Reading) []anomaly.Record {
	var out []anomaly.Record
	for _, r := range readings {
		switch {
		case r.Blank():
			out = append(out, outageRecord(r, anomaly.BasicID(r.Timestamp, anomaly.TypePowerOutage), anomaly.MethodClientBasic))
		case r.MissingField():
			out = append(out, malfunctionRecord(r, anomaly.BasicID(r.Timestamp, anomaly.TypeSensorMalfunction), anomaly.MethodClientBasic))
		}
	}
	return out
}

func (rule thresholdRule) record(r anomaly.Reading, value float64) anomaly.Record {
	severity := rule.severity
	if rule.escalated != "" && crosses(rule.op, value, rule.escalateAt) {
		severity = rule.escalated
	}
	relation := "above"
	if rule.op == opLess {
		relation = "below"
	}
	return anomaly.Record{
		ID:              anomaly.RuleID(r.Timestamp, rule.typ),
		DeviceID:        r.DeviceID,
		Timestamp:       r.Timestamp,
		Type:            rule.typ,
		DetectionMethod: anomaly.MethodClientRule,
		Severity:        severity,
		AlertLevel:      anomaly.AlertLevelFor(severity),
		Confidence:      anomaly.Confidence(rule.confidence),
		Details:         fmt.Sprintf("%s %.1f%s %s %.0f%s", rule.label, value, rule.unit, relation, rule.threshold, rule.unit),
	}
}

func outageRecord(r anomaly.Reading, id string, method anomaly.DetectionMethod) anomaly.Record {
	return anomaly.Record{
		ID:              id,
		DeviceID:        r.DeviceID,
		Timestamp:       r.Timestamp,
		Type:            anomaly.TypePowerOutage,
		DetectionMethod: method,
		Severity:        anomaly.SeverityHigh,
		AlertLevel:      anomaly.AlertRed,
		Confidence:      anomaly.Confidence(outageConfidence),
		Details:         outageDetails,
	}
}

func malfunctionRecord(r anomaly.Reading, id string, method anomaly.DetectionMethod) anomaly.Record {
	return anomaly.Record{
		ID:              id,
		DeviceID:        r.DeviceID,
		Timestamp:       r.Timestamp,
		Type:            anomaly.TypeSensorMalfunction,
		DetectionMethod: method,
		Severity:        anomaly.SeverityHigh,
		AlertLevel:      anomaly.AlertRed,
		Confidence:      anomaly.Confidence(malfunctionConfidence),
		Details:         malfunctionDetails,
	}
}

func axisValue(r anomaly.Reading, a axis) (float64, bool) {
	switch a {
	case axisTemperature:
		if r.Temperature == nil {
			return 0, false
		}
		return *r.Temperature, true
	case axisHumidity:
		if r.Humidity == nil {
			return 0, false
		}
		return *r.Humidity, true
	default:
		return 0, false
	}
}

func crosses(op operator, value, threshold float64) bool {
	switch op {
	case opGreater:
		return value > threshold
	case opLess:
		return value < threshold
	default:
		return false
	}
}
