package anomaly

import (
	"sort"
	"time"
)

// Reading is one sample from one device at one instant. Absent measurements are nil.
type Reading struct {
	DeviceID     string    `json:"device_id"`
	Timestamp    time.Time `json:"timestamp"`
	Temperature  *float64  `json:"temperature,omitempty"`
	Humidity     *float64  `json:"humidity,omitempty"`
	DewPoint     *float64  `json:"dew_point,omitempty"`
	VPD          *float64  `json:"vpd,omitempty"`
	CO2          *float64  `json:"co2,omitempty"`
	EC           *float64  `json:"ec,omitempty"`
	PH           *float64  `json:"ph,omitempty"`
	BatteryLevel *float64  `json:"battery_level,omitempty"`
	Voltage      *float64  `json:"voltage,omitempty"`
}

// Blank reports an outage sample: temperature and humidity both present and zero.
func (r Reading) Blank() bool {
	return r.Temperature != nil && r.Humidity != nil && *r.Temperature == 0 && *r.Humidity == 0
}

// MissingField reports a malfunction marker: temperature or humidity absent.
func (r Reading) MissingField() bool {
	return r.Temperature == nil || r.Humidity == nil
}

// SortReadings orders readings by timestamp ascending, in place.
func SortReadings(readings []Reading) {
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})
}

// Latest returns the most recent reading.
func Latest(readings []Reading) (Reading, bool) {
	if len(readings) == 0 {
		return Reading{}, false
	}
	latest := readings[0]
	for _, r := range readings[1:] {
		if r.Timestamp.After(latest.Timestamp) {
			latest = r
		}
	}
	return latest, true
}

// Value returns a pointer to v, for literal readings.
func Value(v float64) *float64 {
	return &v
}

// Device is a sensor unit placed in a zone.
type Device struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	ImageKey   string   `json:"image_key,omitempty"`
	Type       string   `json:"type,omitempty"`
	ZoneID     string   `json:"zone_id,omitempty"`
	StatusHint string   `json:"status_hint,omitempty"`
	Battery    *float64 `json:"battery,omitempty"`
}

// Zone groups devices owned by a user.
type Zone struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
	Current   bool   `json:"current"`
}

// MarkCurrent enforces the single-current-zone invariant: currentID wins when
// present, otherwise the default zone, otherwise the first zone.
func MarkCurrent(zones []Zone, currentID string) []Zone {
	out := make([]Zone, len(zones))
	copy(out, zones)
	if len(out) == 0 {
		return out
	}
	chosen := -1
	for i, z := range out {
		if currentID != "" && z.ID == currentID {
			chosen = i
			break
		}
	}
	if chosen < 0 {
		for i, z := range out {
			if z.IsDefault {
				chosen = i
				break
			}
		}
	}
	if chosen < 0 {
		chosen = 0
	}
	for i := range out {
		out[i].Current = i == chosen
	}
	return out
}

// CurrentZone returns the zone flagged current.
func CurrentZone(zones []Zone) (Zone, bool) {
	for _, z := range zones {
		if z.Current {
			return z, true
		}
	}
	return Zone{}, false
}
