package reconcile

import (
	"fmt"
	"sort"
	"time"

	anomaly "sensorwatch/internal/anomaly/domain"
)

// DeviceHealth is the worst-case summary of a device's open issues.
type DeviceHealth string

const (
	HealthNormal   DeviceHealth = "Normal"
	HealthWarning  DeviceHealth = "Warning"
	HealthCritical DeviceHealth = "Critical"
)

// DataStatus reports whether any detector flagged the data itself.
type DataStatus string

const (
	DataNormal          DataStatus = "Normal"
	DataAnomalyDetected DataStatus = "Anomaly Detected"
)

// WifiStatus is derived from the age of the freshest reading.
type WifiStatus string

const (
	WifiConnected    WifiStatus = "Connected"
	WifiDisconnected WifiStatus = "Disconnected"
)

const (
	// BatteryUnknown is shown when the latest reading carries no battery level.
	BatteryUnknown = "unknown"

	// ConnectedWindow is how old the freshest reading may be for the device to count as online.
	ConnectedWindow = 60 * time.Minute
)

// Input is the bag of findings plus the context needed to derive statuses.
// Records are taken in the order Realtime, Basic, History; on duplicate keys
// the earlier record is kept.
type Input struct {
	Realtime []anomaly.Record
	Basic    []anomaly.Record
	History  []anomaly.Record
	Readings []anomaly.Reading
	// Resolutions maps ids resolved during the session to their notes. It is
	// applied after deduplication so it also catches records that were re-created
	// by the detector.
	Resolutions map[string]string
	Now         time.Time
}

// Output is the canonical issue list and derived statuses.
type Output struct {
	// Issues holds unresolved records, newest first, most severe first within a timestamp.
	Issues []anomaly.Record
	// Records holds every deduplicated record, resolved ones included, in input order.
	Records       []anomaly.Record
	DeviceHealth  DeviceHealth
	DataStatus    DataStatus
	WifiStatus    WifiStatus
	BatteryStatus string
	Summary       Summary
}

// Empty is the output for a device with nothing known about it.
func Empty() Output {
	return Output{
		Issues:        []anomaly.Record{},
		Records:       []anomaly.Record{},
		DeviceHealth:  HealthNormal,
		DataStatus:    DataNormal,
		WifiStatus:    WifiDisconnected,
		BatteryStatus: BatteryUnknown,
		Summary:       Summarize(nil),
	}
}

// Reconcile merges the input bag into one de-duplicated, ordered issue list.
// It is pure: equal inputs give equal outputs.
func Reconcile(in Input) Output {
	records := merge(in)
	applyResolutions(records, in.Resolutions)

	out := Empty()
	for _, m := range records {
		out.Records = append(out.Records, m.record)
		if !m.record.Resolved {
			out.Issues = append(out.Issues, m.record)
		}
	}
	Order(out.Issues)

	out.DeviceHealth = deviceHealth(out.Issues)
	out.DataStatus = dataStatus(out.Issues)
	out.WifiStatus = wifiStatus(in.Readings, in.Now)
	out.BatteryStatus = batteryStatus(in.Readings)
	out.Summary = Summarize(out.Issues)
	return out
}

type merged struct {
	record  anomaly.Record
	aliases []string
}

func merge(in Input) []*merged {
	total := len(in.Realtime) + len(in.Basic) + len(in.History)
	out := make([]*merged, 0, total)
	byKey := make(map[anomaly.RecordKey]*merged, total)
	byServerID := make(map[string]*merged, total)

	for _, group := range [][]anomaly.Record{in.Realtime, in.Basic, in.History} {
		for _, rec := range group {
			if kept, ok := byKey[rec.Key()]; ok {
				if rec.ServerIssued() && !kept.record.ServerIssued() {
					if _, taken := byServerID[rec.ID]; !taken {
						kept.aliases = append(kept.aliases, rec.ID)
						kept.record.ID = rec.ID
						kept.record.Resolved = rec.Resolved
						kept.record.ResolutionNotes = rec.ResolutionNotes
						byServerID[rec.ID] = kept
					}
				}
				continue
			}
			if rec.ServerIssued() {
				if _, dup := byServerID[rec.ID]; dup {
					continue
				}
			}
			m := &merged{record: rec, aliases: []string{rec.ID}}
			out = append(out, m)
			byKey[rec.Key()] = m
			if rec.ServerIssued() {
				byServerID[rec.ID] = m
			}
		}
	}
	return out
}

func applyResolutions(records []*merged, resolutions map[string]string) {
	if len(resolutions) == 0 {
		return
	}
	for _, m := range records {
		for _, id := range m.aliases {
			notes, ok := resolutions[id]
			if !ok {
				continue
			}
			m.record.Resolved = true
			if notes != "" && m.record.ResolutionNotes == "" {
				m.record.ResolutionNotes = notes
			}
			break
		}
	}
}

// Order sorts records newest first and, within one timestamp, most severe first.
func Order(records []anomaly.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.Severity.Rank() > b.Severity.Rank()
	})
}

func deviceHealth(issues []anomaly.Record) DeviceHealth {
	if len(issues) == 0 {
		return HealthNormal
	}
	for _, rec := range issues {
		if rec.Severity.AtLeast(anomaly.SeverityHigh) {
			return HealthCritical
		}
	}
	return HealthWarning
}

func dataStatus(issues []anomaly.Record) DataStatus {
	for _, rec := range issues {
		switch rec.DetectionMethod {
		case anomaly.MethodMLBased, anomaly.MethodHybrid, anomaly.MethodClientRule:
			return DataAnomalyDetected
		case anomaly.MethodRuleBased:
			if !rec.Type.Basic() {
				return DataAnomalyDetected
			}
		}
	}
	return DataNormal
}

func wifiStatus(readings []anomaly.Reading, now time.Time) WifiStatus {
	latest, ok := anomaly.Latest(readings)
	if !ok {
		return WifiDisconnected
	}
	if now.Sub(latest.Timestamp) <= ConnectedWindow {
		return WifiConnected
	}
	return WifiDisconnected
}

func batteryStatus(readings []anomaly.Reading) string {
	latest, ok := anomaly.Latest(readings)
	if !ok || latest.BatteryLevel == nil {
		return BatteryUnknown
	}
	return fmt.Sprintf("%.0f%%", *latest.BatteryLevel)
}
