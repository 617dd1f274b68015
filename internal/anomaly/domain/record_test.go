package anomaly

import (
	"testing"
	"time"
)

func TestParseTypeCatchAll(t *testing.T) {
	if got := ParseType(" Temperature_High "); got != TypeTemperatureHigh {
		t.Fatalf("expected temperature_high, got %s", got)
	}
	if got := ParseType("gradual_drift"); got != TypeUnknown {
		t.Fatalf("expected unknown, got %s", got)
	}
}

func TestAlertLevelDerivedFromSeverity(t *testing.T) {
	cases := map[Severity]AlertLevel{
		SeverityLow:      AlertGreen,
		SeverityMedium:   AlertYellow,
		SeverityHigh:     AlertRed,
		SeverityCritical: AlertRed,
	}
	for sev, want := range cases {
		rec := Record{Severity: sev}
		if got := rec.EffectiveAlertLevel(); got != want {
			t.Fatalf("severity %s: expected %s, got %s", sev, want, got)
		}
	}
	explicit := Record{Severity: SeverityLow, AlertLevel: AlertRed}
	if explicit.EffectiveAlertLevel() != AlertRed {
		t.Fatalf("expected explicit alert level to win")
	}
}

func TestSeverityRank(t *testing.T) {
	if !SeverityCritical.AtLeast(SeverityHigh) || SeverityMedium.AtLeast(SeverityHigh) {
		t.Fatalf("unexpected severity ordering")
	}
	if ParseSeverity("extreme").Rank() != 0 {
		t.Fatalf("expected unknown severity to rank 0")
	}
}

func TestSyntheticIDs(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.FixedZone("ICT", 7*3600))
	if got := RuleID(ts, TypeTemperatureHigh); got != "rule:2025-06-01T05:00:00Z:temperature_high" {
		t.Fatalf("unexpected rule id %s", got)
	}
	if got := BasicID(ts, TypePowerOutage); got != "basic:2025-06-01T05:00:00Z:power_outage" {
		t.Fatalf("unexpected basic id %s", got)
	}
	if (Record{ID: RuleID(ts, TypeHumidityLow)}).ServerIssued() {
		t.Fatalf("rule id must not be server issued")
	}
	if !(Record{ID: "srv-1"}).ServerIssued() {
		t.Fatalf("expected srv-1 to be server issued")
	}
}

func TestRecordKeyIgnoresID(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := Record{ID: "a", DeviceID: "d1", Timestamp: ts, Type: TypePowerOutage, Details: "x"}
	b := Record{ID: "b", DeviceID: "d1", Timestamp: ts.In(time.FixedZone("X", 3600)), Type: TypePowerOutage, Details: "x"}
	if a.Key() != b.Key() {
		t.Fatalf("expected keys to match across ids and zones")
	}
}

func TestReadingBlankAndMissing(t *testing.T) {
	blank := Reading{Temperature: Value(0), Humidity: Value(0)}
	if !blank.Blank() || blank.MissingField() {
		t.Fatalf("expected blank reading")
	}
	missing := Reading{Temperature: Value(20)}
	if missing.Blank() || !missing.MissingField() {
		t.Fatalf("expected missing-field reading")
	}
}

func TestMarkCurrent(t *testing.T) {
	zones := []Zone{{ID: "a"}, {ID: "b", IsDefault: true}, {ID: "c"}}
	got := MarkCurrent(zones, "c")
	if cur, _ := CurrentZone(got); cur.ID != "c" {
		t.Fatalf("expected c current, got %s", cur.ID)
	}
	got = MarkCurrent(zones, "missing")
	if cur, _ := CurrentZone(got); cur.ID != "b" {
		t.Fatalf("expected default zone current, got %s", cur.ID)
	}
	count := 0
	for _, z := range got {
		if z.Current {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one current zone, got %d", count)
	}
	if _, ok := CurrentZone(MarkCurrent(nil, "")); ok {
		t.Fatalf("expected no current zone without zones")
	}
}

func TestCatalogMerge(t *testing.T) {
	base := DefaultTypeCatalog()
	merged := base.Merge(Catalog{TypeLowVoltage: {Type: TypeLowVoltage, Label: "Voltage low"}})
	info := merged.Lookup(TypeLowVoltage)
	if info.Label != "Voltage low" || info.Action == "" {
		t.Fatalf("expected merged label with kept action, got %+v", info)
	}
	if base.Lookup(TypeLowVoltage).Label != "Low voltage" {
		t.Fatalf("merge must not mutate receiver")
	}
	if merged.Lookup(TypeUnknown).Label != "unknown" {
		t.Fatalf("expected generic fallback entry")
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 6, 1, 11, 55, 0, 0, time.UTC)
	for _, value := range []string{"2025-06-01T11:55Z", "2025-06-01T11:55:00Z", "2025-06-01T13:55:00+02:00", "2025-06-01T11:55:00", "2025-06-01 11:55:00"} {
		got, ok := ParseTimestamp(value)
		if !ok || !got.Equal(want) {
			t.Fatalf("%s: expected %v, got %v ok=%v", value, want, got, ok)
		}
	}
	if _, ok := ParseTimestamp("yesterday"); ok {
		t.Fatalf("expected failure for free text")
	}
}
