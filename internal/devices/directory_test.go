package devices

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sensorwatch/internal/endpoints"
	"sensorwatch/internal/transport"
)

func newDirectory(t *testing.T, handler http.HandlerFunc) *Directory {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	reg, err := endpoints.New(srv.URL)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	dir, err := NewDirectory(transport.NewClient(), reg, nil)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	return dir
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestListZonesMarksCurrent(t *testing.T) {
	dir := newDirectory(t, jsonHandler(200, `{"zones":[{"_id":"z1","name":"Greenhouse","isDefault":true},{"_id":"z2","name":"Shed"}],"currentZoneId":"z2"}`))
	zones, err := dir.ListZones(context.Background(), "tok")
	if err != nil {
		t.Fatalf("list zones: %v", err)
	}
	if len(zones) != 2 || zones[0].Current || !zones[1].Current {
		t.Fatalf("expected z2 current, got %+v", zones)
	}

	fallback := newDirectory(t, jsonHandler(200, `{"zones":[{"_id":"z1","name":"A"},{"_id":"z2","name":"B","isDefault":true}]}`))
	zones, err = fallback.ListZones(context.Background(), "tok")
	if err != nil {
		t.Fatalf("list zones: %v", err)
	}
	if !zones[1].Current || zones[0].Current {
		t.Fatalf("expected default zone current, got %+v", zones)
	}

	empty := newDirectory(t, jsonHandler(200, `{"zones":[]}`))
	zones, err = empty.ListZones(context.Background(), "tok")
	if err != nil || len(zones) != 0 {
		t.Fatalf("expected no zones, got %+v err=%v", zones, err)
	}
}

func TestListDevicesNormalisesWire(t *testing.T) {
	var gotQuery string
	dir := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		jsonHandler(200, `[{"_id":"d1","name":"North","image":"sensor_a","type":"th","status":"online","battery":77},{"name":"no id"}]`)(w, r)
	})
	devices, err := dir.ListDevices(context.Background(), "tok", "z1")
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if gotQuery != "zoneId=z1" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if len(devices) != 1 {
		t.Fatalf("expected devices without id dropped, got %d", len(devices))
	}
	d := devices[0]
	if d.ID != "d1" || d.ImageKey != "sensor_a" || d.ZoneID != "z1" || d.StatusHint != "online" || d.Battery == nil || *d.Battery != 77 {
		t.Fatalf("unexpected device %+v", d)
	}
}

func TestReadingsSortedAndSparse(t *testing.T) {
	body := `{"data":[
		{"timestamp":"2025-06-01T12:00:00Z","temperature":22,"humidity":54,"battery_level":83},
		{"timestamp":"2025-06-01T10:00:00Z","temperature":22,"humidity":55},
		{"timestamp":"bogus","temperature":1},
		{"timestamp":"2025-06-01T11:00:00Z","temperature":36}
	]}`
	dir := newDirectory(t, jsonHandler(200, body))
	readings, err := dir.Readings(context.Background(), "tok", "d1", 20)
	if err != nil {
		t.Fatalf("readings: %v", err)
	}
	if len(readings) != 3 {
		t.Fatalf("expected unparseable timestamp dropped, got %d", len(readings))
	}
	for i := 1; i < len(readings); i++ {
		if readings[i].Timestamp.Before(readings[i-1].Timestamp) {
			t.Fatalf("expected ascending order")
		}
	}
	if readings[0].DeviceID != "d1" {
		t.Fatalf("expected device id filled in, got %q", readings[0].DeviceID)
	}
	if readings[1].Humidity != nil || !readings[1].MissingField() {
		t.Fatalf("expected absent humidity to stay nil")
	}
	latest := readings[2]
	if !latest.Timestamp.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)) || *latest.BatteryLevel != 83 {
		t.Fatalf("unexpected latest reading %+v", latest)
	}
}

func TestDirectoryErrorsCarryTags(t *testing.T) {
	dir := newDirectory(t, jsonHandler(401, `{"message":"expired"}`))
	_, err := dir.Readings(context.Background(), "tok", "d1", 20)
	if transport.TagOf(err) != transport.TagUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, err := dir.ListDevices(context.Background(), "tok", ""); transport.TagOf(err) != transport.TagUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestToggleAndSwitch(t *testing.T) {
	var paths []string
	var toggle endpoints.ToggleRequest
	dir := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/api/devices/toggle" {
			_ = json.NewDecoder(r.Body).Decode(&toggle)
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := dir.Toggle(context.Background(), "tok", "d1", false); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if err := dir.SwitchZone(context.Background(), "tok", "z2"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if toggle.DeviceID != "d1" || toggle.Enabled {
		t.Fatalf("unexpected toggle body %+v", toggle)
	}
	if len(paths) != 2 || paths[0] != "POST /api/devices/toggle" || paths[1] != "POST /api/zones/z2/switch" {
		t.Fatalf("unexpected calls %v", paths)
	}
	if err := dir.Toggle(context.Background(), "tok", "", true); transport.TagOf(err) != transport.TagBadRequest {
		t.Fatalf("expected bad_request for empty device, got %v", err)
	}
}
