package endpoints

import "encoding/json"

// SignInRequest is the body of POST /api/signin and /api/signup.
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInResponse carries the bearer token.
type SignInResponse struct {
	Token string `json:"token"`
}

// ChangePasswordRequest is the body of PATCH /api/users/change-password.
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// DeviceWire is one entry of GET /api/devices.
type DeviceWire struct {
	ID      string   `json:"_id"`
	Name    string   `json:"name"`
	Image   string   `json:"image"`
	Type    string   `json:"type"`
	Status  string   `json:"status"`
	Battery *float64 `json:"battery"`
	ZoneID  string   `json:"zoneId"`
}

// ZoneWire is one zone of GET /api/zones.
type ZoneWire struct {
	ID        string `json:"_id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// ZonesResponse is the body of GET /api/zones.
type ZonesResponse struct {
	Zones         []ZoneWire `json:"zones"`
	CurrentZoneID string     `json:"currentZoneId"`
}

// ReadingWire is one sample of GET /api/devices/{id}/data. Numbers are
// pointers so that absent fields stay distinguishable from zero.
type ReadingWire struct {
	DeviceID     string   `json:"deviceId"`
	Timestamp    string   `json:"timestamp"`
	Temperature  *float64 `json:"temperature"`
	Humidity     *float64 `json:"humidity"`
	DewPoint     *float64 `json:"dew_point"`
	VPD          *float64 `json:"vpd"`
	CO2          *float64 `json:"co2"`
	EC           *float64 `json:"ec"`
	PH           *float64 `json:"ph"`
	BatteryLevel *float64 `json:"battery_level"`
	Voltage      *float64 `json:"voltage"`
}

// DeviceDataResponse is the body of GET /api/devices/{id}/data.
type DeviceDataResponse struct {
	Data []ReadingWire `json:"data"`
}

// ToggleRequest is the body of POST /api/devices/toggle.
type ToggleRequest struct {
	DeviceID string `json:"deviceId"`
	Enabled  bool   `json:"enabled"`
}

// DetectOptions tunes POST /api/detect.
type DetectOptions struct {
	Method         string `json:"method"`
	Model          string `json:"model"`
	UseCache       bool   `json:"useCache"`
	IncludeHistory bool   `json:"includeHistory"`
}

// DetectRequest is the body of POST /api/detect.
type DetectRequest struct {
	DeviceID   string          `json:"deviceId"`
	SensorData json.RawMessage `json:"sensorData"`
	Options    DetectOptions   `json:"options"`
}

// ResolveRequest is the body of PUT /api/anomalies/{id}/resolve.
type ResolveRequest struct {
	Notes string `json:"notes"`
}

// BatchResolveRequest is the body of PUT /api/anomalies/batch-resolve.
type BatchResolveRequest struct {
	AnomalyIDs []string `json:"anomalyIds"`
	Notes      string   `json:"notes"`
}

// AnomalyWire is the server's anomaly document. Several field spellings are
// accepted because deployments disagree.
type AnomalyWire struct {
	ID              string   `json:"_id"`
	AltID           string   `json:"id"`
	DeviceID        string   `json:"deviceId"`
	Timestamp       string   `json:"timestamp"`
	Type            string   `json:"type"`
	AnomalyType     string   `json:"anomaly_type"`
	DetectionMethod string   `json:"detectionMethod"`
	Severity        string   `json:"severity"`
	AlertLevel      string   `json:"alertLevel"`
	AlertLevelSnake string   `json:"alert_level"`
	Confidence      *float64 `json:"confidenceScore"`
	ConfidenceAlt   *float64 `json:"confidence"`
	Details         string   `json:"details"`
	Message         string   `json:"message"`
	Resolved        bool     `json:"resolved"`
	ResolutionNotes string   `json:"resolutionNotes"`
}

// Pagination is the paging block of history responses.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}
