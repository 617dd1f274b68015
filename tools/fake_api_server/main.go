package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"sensorwatch/internal/endpoints"
)

// fakeAPIServer emulates the sensor backend for local runs of sensorwatch.
type fakeAPIServer struct {
	start    time.Time
	latency  time.Duration
	failRate float64
	health   string
	tokenTTL time.Duration
	secret   []byte

	mu         sync.Mutex
	byPath     map[string]int64
	byStatus   map[int]int64
	totalCalls int64

	users     map[string]string
	anomalies map[string]*endpoints.AnomalyWire
	enabled   map[string]bool
	zones     []endpoints.ZoneWire
	devices   []endpoints.DeviceWire
	current   string
}

func main() {
	addr := getenvDefault("FAKE_API_ADDR", ":18090")
	latencyMs := getenvIntDefault("FAKE_API_LATENCY_MS", 0)
	failRate := getenvFloatDefault("FAKE_API_FAIL_RATE", 0)
	health := getenvDefault("FAKE_API_HEALTH", "healthy")
	ttl := time.Duration(getenvIntDefault("FAKE_API_TOKEN_TTL_MINUTES", 60)) * time.Minute

	srv := newFakeAPIServer(time.Duration(latencyMs)*time.Millisecond, failRate, health, ttl)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/metrics", srv.handleMetrics)
	mux.HandleFunc("/api/signin", srv.handleSignIn)
	mux.HandleFunc("/api/signup", srv.handleSignUp)
	mux.HandleFunc("/api/zones", srv.authed(srv.handleZones))
	mux.HandleFunc("/api/zones/", srv.authed(srv.handleZoneSwitch))
	mux.HandleFunc("/api/devices", srv.authed(srv.handleDevices))
	mux.HandleFunc("/api/devices/", srv.authed(srv.handleDeviceSub))
	mux.HandleFunc("/api/anomalies", srv.authed(srv.flaky(srv.handleAnomalies)))
	mux.HandleFunc("/api/anomalies/", srv.authed(srv.flaky(srv.handleAnomalySub)))
	mux.HandleFunc("/api/detect", srv.authed(srv.flaky(srv.handleDetect)))

	log.Printf("fake sensor api listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

func newFakeAPIServer(latency time.Duration, failRate float64, health string, ttl time.Duration) *fakeAPIServer {
	s := &fakeAPIServer{
		start:     time.Now().UTC(),
		latency:   latency,
		failRate:  failRate,
		health:    health,
		tokenTTL:  ttl,
		secret:    []byte(uuid.NewString()),
		byPath:    make(map[string]int64),
		byStatus:  make(map[int]int64),
		users:     map[string]string{"grower@example.com": "grower"},
		anomalies: make(map[string]*endpoints.AnomalyWire),
		enabled:   make(map[string]bool),
		zones: []endpoints.ZoneWire{
			{ID: "zone-1", Name: "Greenhouse", IsDefault: true},
			{ID: "zone-2", Name: "Nursery"},
		},
		current: "zone-1",
	}
	battery := 64.0
	s.devices = []endpoints.DeviceWire{
		{ID: "dev-1", Name: "Bench A", Image: "sensor", Type: "climate", Status: "online", Battery: &battery, ZoneID: "zone-1"},
		{ID: "dev-2", Name: "Bench B", Image: "sensor", Type: "climate", Status: "online", ZoneID: "zone-1"},
		{ID: "dev-3", Name: "Seedlings", Image: "sensor", Type: "climate", Status: "offline", ZoneID: "zone-2"},
	}
	seed := s.start.Add(-20 * time.Minute).Format(time.RFC3339)
	s.anomalies["srv-1"] = &endpoints.AnomalyWire{
		ID: "srv-1", DeviceID: "dev-1", Timestamp: seed, Type: "low_voltage",
		DetectionMethod: "rule_based", Severity: "high", Details: "Supply voltage below 3.3V",
	}
	s.anomalies["srv-2"] = &endpoints.AnomalyWire{
		ID: "srv-2", DeviceID: "dev-1", Timestamp: seed, Type: "ml_detected",
		DetectionMethod: "ml_based", Severity: "medium", Details: "Unusual humidity pattern",
	}
	return s
}

func (s *fakeAPIServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *fakeAPIServer) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"started_at": s.start.Format(time.RFC3339),
		"total":      atomic.LoadInt64(&s.totalCalls),
		"by_path":    s.byPath,
		"by_status":  s.byStatus,
	})
}

func (s *fakeAPIServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req endpoints.SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	password, ok := s.users[strings.ToLower(req.Email)]
	s.mu.Unlock()
	if !ok || password != req.Password {
		s.record(r.URL.Path, http.StatusUnauthorized)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid credentials"})
		return
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"userId": "user-" + strings.SplitN(req.Email, "@", 2)[0],
		"email":  req.Email,
		"iat":    now.Unix(),
		"exp":    now.Add(s.tokenTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.record(r.URL.Path, http.StatusOK)
	writeJSON(w, http.StatusOK, endpoints.SignInResponse{Token: token})
}

func (s *fakeAPIServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req endpoints.SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "email and password required"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(req.Email)
	if _, exists := s.users[key]; exists {
		writeJSON(w, http.StatusConflict, map[string]string{"message": "email already registered"})
		return
	}
	s.users[key] = req.Password
	w.WriteHeader(http.StatusCreated)
}

func (s *fakeAPIServer) handleZones(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, endpoints.ZonesResponse{Zones: s.zones, CurrentZoneID: s.current})
}

func (s *fakeAPIServer) handleZoneSwitch(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/zones/"), "/")
	if r.Method != http.MethodPost || len(parts) != 2 || parts[1] != "switch" {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, zone := range s.zones {
		if zone.ID == parts[0] {
			s.current = zone.ID
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "currentZoneId": zone.ID})
			return
		}
	}
	http.NotFound(w, r)
}

func (s *fakeAPIServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	zoneID := r.URL.Query().Get("zoneId")
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]endpoints.DeviceWire, 0, len(s.devices))
	for _, device := range s.devices {
		if zoneID == "" || device.ZoneID == zoneID {
			out = append(out, device)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *fakeAPIServer) handleDeviceSub(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	if rest == "toggle" && r.Method == http.MethodPost {
		var req endpoints.ToggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.enabled[req.DeviceID] = req.Enabled
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "enabled": req.Enabled})
		return
	}
	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[1] == "data" && r.Method == http.MethodGet {
		limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
		if err != nil || limit <= 0 {
			limit = 20
		}
		writeJSON(w, http.StatusOK, endpoints.DeviceDataResponse{Data: s.readings(parts[0], limit)})
		return
	}
	if len(parts) == 2 && parts[1] == "check-anomalies" && r.Method == http.MethodPost {
		if s.failRate > 0 && rand.Float64() < s.failRate {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": "check limit reached"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"ruleHits": []any{}, "mlHits": []any{}}})
		return
	}
	http.NotFound(w, r)
}

// readings returns limit samples, most recent first, one every five minutes.
// Bench B goes blank on its latest sample.
func (s *fakeAPIServer) readings(deviceID string, limit int) []endpoints.ReadingWire {
	now := time.Now().UTC().Truncate(time.Minute)
	out := make([]endpoints.ReadingWire, 0, limit)
	for i := 0; i < limit; i++ {
		ts := now.Add(-time.Duration(i*5) * time.Minute)
		temp := 22 + 3*float64(i%4)
		hum := 55 + float64(i%6)
		battery := 80 - float64(i)/2
		if deviceID == "dev-2" && i == 0 {
			temp, hum = 0, 0
		}
		out = append(out, endpoints.ReadingWire{
			DeviceID:     deviceID,
			Timestamp:    ts.Format(time.RFC3339),
			Temperature:  &temp,
			Humidity:     &hum,
			BatteryLevel: &battery,
		})
	}
	return out
}

func (s *fakeAPIServer) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	deviceID := query.Get("deviceId")
	resolved := query.Get("resolved")
	limit, err := strconv.Atoi(query.Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]endpoints.AnomalyWire, 0, len(s.anomalies))
	for _, a := range s.anomalies {
		if deviceID != "" && a.DeviceID != deviceID {
			continue
		}
		if resolved != "" && strconv.FormatBool(a.Resolved) != resolved {
			continue
		}
		out = append(out, *a)
		if len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"anomalies":  out,
			"pagination": endpoints.Pagination{Page: 1, Limit: limit, Total: len(out), Pages: 1},
		},
	})
}

func (s *fakeAPIServer) handleAnomalySub(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/anomalies/")
	switch {
	case rest == "health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      s.health,
			"modelReady":  s.health != "offline",
			"activeModel": "isolation-forest",
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		})
	case rest == "stats" && r.Method == http.MethodGet:
		s.mu.Lock()
		total, open := len(s.anomalies), 0
		for _, a := range s.anomalies {
			if !a.Resolved {
				open++
			}
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{
			"totalAnomalies":  total,
			"unresolvedCount": open,
			"resolvedCount":   total - open,
		}})
	case rest == "types" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": []map[string]string{
			{"type": "low_voltage", "label": "Low Voltage"},
			{"type": "ml_detected", "label": "Model Finding"},
		}})
	case rest == "batch-resolve" && r.Method == http.MethodPut:
		var req endpoints.BatchResolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		resolved := make([]string, 0, len(req.AnomalyIDs))
		failed := make([]map[string]any, 0)
		s.mu.Lock()
		for _, id := range req.AnomalyIDs {
			if a, ok := s.anomalies[id]; ok && !a.Resolved {
				a.Resolved, a.ResolutionNotes = true, req.Notes
				resolved = append(resolved, id)
				continue
			}
			failed = append(failed, map[string]any{"id": id, "status": http.StatusNotFound, "message": "not found"})
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"resolved": resolved, "failed": failed}})
	case strings.HasSuffix(rest, "/resolve") && r.Method == http.MethodPut:
		id := strings.TrimSuffix(rest, "/resolve")
		var req endpoints.ResolveRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		a, ok := s.anomalies[id]
		fresh := ok && !a.Resolved
		if fresh {
			a.Resolved, a.ResolutionNotes = true, req.Notes
		}
		s.mu.Unlock()
		if !fresh {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": fmt.Sprintf("anomaly %s not found or already resolved", id)})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		http.NotFound(w, r)
	}
}

func (s *fakeAPIServer) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{
		"ruleHits":        []any{},
		"mlHits":          []any{},
		"recommendations": []any{},
	}})
}

// authed rejects requests without a bearer token issued by this server.
func (s *fakeAPIServer) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.latency > 0 {
			time.Sleep(s.latency)
		}
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		_, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return s.secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			s.record(r.URL.Path, http.StatusUnauthorized)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token invalid"})
			return
		}
		s.record(r.URL.Path, http.StatusOK)
		next(w, r)
	}
}

// flaky fails a share of anomaly-service calls with 503.
func (s *fakeAPIServer) flaky(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.failRate > 0 && rand.Float64() < s.failRate {
			s.record(r.URL.Path, http.StatusServiceUnavailable)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "anomaly service unavailable"})
			return
		}
		next(w, r)
	}
}

func (s *fakeAPIServer) record(path string, status int) {
	atomic.AddInt64(&s.totalCalls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPath[path]++
	s.byStatus[status]++
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
