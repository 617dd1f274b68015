package devices

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"

	anomaly "sensorwatch/internal/anomaly/domain"
	"sensorwatch/internal/endpoints"
	"sensorwatch/internal/transport"
)

// Transport is the subset of the HTTP client the directory uses.
type Transport interface {
	Get(ctx context.Context, rawURL, token string) transport.Result
	Post(ctx context.Context, rawURL string, body any, token string) transport.Result
}

// Directory reads zones, devices and sensor data from the backend.
// Failures are returned as *transport.Error; use transport.TagOf to classify them.
type Directory struct {
	http     Transport
	registry *endpoints.Registry
	logger   *log.Logger
}

// NewDirectory constructs a device directory.
func NewDirectory(http Transport, registry *endpoints.Registry, logger *log.Logger) (*Directory, error) {
	if http == nil {
		return nil, errors.New("devices: nil transport")
	}
	if registry == nil {
		return nil, errors.New("devices: nil registry")
	}
	return &Directory{http: http, registry: registry, logger: logger}, nil
}

// ListZones returns the user's zones with exactly one flagged current, or none
// when the user has no zones.
func (d *Directory) ListZones(ctx context.Context, token string) ([]anomaly.Zone, error) {
	res := d.http.Get(ctx, d.registry.Zones(), token)
	if err := res.Err(); err != nil {
		return nil, err
	}
	var wire endpoints.ZonesResponse
	payload := bytes.TrimSpace(res.Body)
	if len(payload) > 0 && payload[0] == '[' {
		if err := json.Unmarshal(payload, &wire.Zones); err != nil {
			return nil, decodeError("zones", err)
		}
	} else if err := res.Decode(&wire); err != nil {
		return nil, decodeError("zones", err)
	}
	zones := make([]anomaly.Zone, 0, len(wire.Zones))
	for _, z := range wire.Zones {
		if z.ID == "" {
			continue
		}
		zones = append(zones, anomaly.Zone{ID: z.ID, Name: z.Name, IsDefault: z.IsDefault})
	}
	return anomaly.MarkCurrent(zones, wire.CurrentZoneID), nil
}

// ListDevices returns the devices of a zone; an empty zoneID lists all devices.
func (d *Directory) ListDevices(ctx context.Context, token, zoneID string) ([]anomaly.Device, error) {
	res := d.http.Get(ctx, d.registry.Devices(zoneID), token)
	if err := res.Err(); err != nil {
		return nil, err
	}
	var wires []endpoints.DeviceWire
	if err := decodeList(res.Body, &wires, "devices"); err != nil {
		return nil, decodeError("devices", err)
	}
	out := make([]anomaly.Device, 0, len(wires))
	for _, w := range wires {
		if w.ID == "" {
			continue
		}
		zone := w.ZoneID
		if zone == "" {
			zone = zoneID
		}
		out = append(out, anomaly.Device{
			ID:         w.ID,
			Name:       w.Name,
			ImageKey:   w.Image,
			Type:       w.Type,
			ZoneID:     zone,
			StatusHint: w.Status,
			Battery:    w.Battery,
		})
	}
	return out, nil
}

// SwitchZone makes zoneID the user's current zone on the server.
func (d *Directory) SwitchZone(ctx context.Context, token, zoneID string) error {
	if zoneID == "" {
		return &transport.Error{Tag: transport.TagBadRequest, Message: "empty zone id"}
	}
	return d.http.Post(ctx, d.registry.SwitchZone(zoneID), nil, token).Err()
}

// Readings returns up to limit samples for a device, oldest first.
func (d *Directory) Readings(ctx context.Context, token, deviceID string, limit int) ([]anomaly.Reading, error) {
	res := d.http.Get(ctx, d.registry.DeviceData(deviceID, limit), token)
	if err := res.Err(); err != nil {
		return nil, err
	}
	var wires []endpoints.ReadingWire
	if err := decodeList(res.Body, &wires, "data"); err != nil {
		return nil, decodeError("readings", err)
	}
	out := make([]anomaly.Reading, 0, len(wires))
	for _, w := range wires {
		ts, ok := anomaly.ParseTimestamp(w.Timestamp)
		if !ok {
			if d.logger != nil {
				d.logger.Printf("devices readings skip: device=%s timestamp=%q", deviceID, w.Timestamp)
			}
			continue
		}
		id := w.DeviceID
		if id == "" {
			id = deviceID
		}
		out = append(out, anomaly.Reading{
			DeviceID:     id,
			Timestamp:    ts,
			Temperature:  w.Temperature,
			Humidity:     w.Humidity,
			DewPoint:     w.DewPoint,
			VPD:          w.VPD,
			CO2:          w.CO2,
			EC:           w.EC,
			PH:           w.PH,
			BatteryLevel: w.BatteryLevel,
			Voltage:      w.Voltage,
		})
	}
	anomaly.SortReadings(out)
	return out, nil
}

// Toggle enables or disables a device's sensor.
func (d *Directory) Toggle(ctx context.Context, token, deviceID string, enabled bool) error {
	if deviceID == "" {
		return &transport.Error{Tag: transport.TagBadRequest, Message: "empty device id"}
	}
	body := endpoints.ToggleRequest{DeviceID: deviceID, Enabled: enabled}
	return d.http.Post(ctx, d.registry.DeviceToggle(), body, token).Err()
}

// decodeList accepts a bare array, {data:[...]} or {<key>:[...]}.
func decodeList(raw json.RawMessage, out any, key string) error {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil
	}
	if payload[0] == '[' {
		return json.Unmarshal(payload, out)
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	for _, k := range []string{key, "data"} {
		inner := bytes.TrimSpace(envelope[k])
		if len(inner) == 0 || string(inner) == "null" {
			continue
		}
		if inner[0] == '{' {
			return decodeList(inner, out, key)
		}
		return json.Unmarshal(inner, out)
	}
	return nil
}

func decodeError(what string, err error) error {
	return &transport.Error{Tag: transport.TagUnknown, Message: "decode " + what + ": " + err.Error()}
}
