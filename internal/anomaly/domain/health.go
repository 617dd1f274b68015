package anomaly

import "time"

const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthOffline  = "offline"
)

// ServiceHealth is the remote anomaly service status as the client sees it.
type ServiceHealth struct {
	OverallStatus   string    `json:"overall_status"`
	ModelReady      bool      `json:"model_ready"`
	ActiveModelName string    `json:"active_model_name,omitempty"`
	LastCheck       time.Time `json:"last_check,omitempty"`
}

// OfflineHealth is the fallback used when the health endpoint cannot be reached.
// ModelReady stays true so the screen proceeds with a degraded banner.
func OfflineHealth() ServiceHealth {
	return ServiceHealth{OverallStatus: HealthOffline, ModelReady: true}
}

// Offline reports whether the service is unreachable.
func (h ServiceHealth) Offline() bool {
	return h.OverallStatus == HealthOffline
}

// Stats aggregates anomaly counts over a trailing window.
type Stats struct {
	TotalAnomalies  int                `json:"total_anomalies"`
	UnresolvedCount int                `json:"unresolved_count"`
	ResolvedCount   int                `json:"resolved_count"`
	ResolutionRate  float64            `json:"resolution_rate"`
	AccuracyRate    float64            `json:"accuracy_rate"`
	PerAlertLevel   map[AlertLevel]int `json:"per_alert_level"`
}

// EmptyStats is the zero-valued fallback with an initialised map.
func EmptyStats() Stats {
	return Stats{PerAlertLevel: map[AlertLevel]int{}}
}
