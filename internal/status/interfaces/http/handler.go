package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"sensorwatch/internal/anomaly/anomalyapi"
	"sensorwatch/internal/endpoints"
	"sensorwatch/internal/status/application"
	"sensorwatch/internal/transport"
)

const maxBodyBytes = 1 << 20

// StatusService is the view-model as the HTTP facade drives it.
type StatusService interface {
	State() application.State
	Refresh(ctx context.Context) error
	Resolve(ctx context.Context, issueID, notes string) (application.Outcome, error)
	BatchResolve(ctx context.Context, ids []string, notes string) (application.BatchSummary, error)
	ToggleSensor(ctx context.Context, enabled bool) error
	CheckDevice(ctx context.Context) (anomalyapi.Detection, error)
	DetectLatest(ctx context.Context, options endpoints.DetectOptions) (anomalyapi.Detection, error)
	Unauthenticated() bool
}

// Visibility pauses and resumes background refreshes.
type Visibility interface {
	Suspend()
	Resume()
	Suspended() bool
}

// Handler provides status HTTP endpoints.
type Handler struct {
	service    StatusService
	visibility Visibility
	logger     *log.Logger
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithVisibility enables POST /api/v1/status/visibility.
func WithVisibility(v Visibility) HandlerOption {
	return func(h *Handler) {
		h.visibility = v
	}
}

// NewHandler constructs a handler.
func NewHandler(service StatusService, logger *log.Logger, opts ...HandlerOption) (*Handler, error) {
	if service == nil {
		return nil, errors.New("status handler: nil service")
	}
	h := &Handler{service: service, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

type batchResolveRequest struct {
	IDs   []string `json:"ids"`
	Notes string   `json:"notes"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

type visibilityRequest struct {
	Visible *bool `json:"visible"`
}

type detectRequest struct {
	Method         string `json:"method"`
	Model          string `json:"model"`
	UseCache       bool   `json:"use_cache"`
	IncludeHistory bool   `json:"include_history"`
}

type detectionResponse struct {
	Detection anomalyapi.Detection `json:"detection"`
	State     application.State    `json:"state"`
}

// ServeHTTP handles /api/v1/status, /api/v1/issues and /api/v1/sensor subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.service.Unauthenticated() {
		writeJSON(w, http.StatusUnauthorized, h.service.State())
		return
	}
	switch path := r.URL.Path; {
	case path == "/api/v1/status":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, h.service.State())
	case path == "/api/v1/status/refresh":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleRefresh(w, r)
	case path == "/api/v1/status/check", path == "/api/v1/status/detect":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleDetection(w, r, path == "/api/v1/status/check")
	case path == "/api/v1/status/visibility":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleVisibility(w, r)
	case path == "/api/v1/issues/batch-resolve":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleBatchResolve(w, r)
	case path == "/api/v1/issues/export.xlsx":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleExport(w)
	case strings.HasPrefix(path, "/api/v1/issues/"):
		h.handleIssueAction(w, r)
	case path == "/api/v1/sensor/toggle":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleToggle(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := h.service.Refresh(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.service.State())
	case errors.Is(err, application.ErrSuperseded):
		writeJSON(w, http.StatusAccepted, h.service.State())
	default:
		h.respondError(w, err)
	}
}

func (h *Handler) handleDetection(w http.ResponseWriter, r *http.Request, check bool) {
	var (
		det anomalyapi.Detection
		err error
	)
	if check {
		det, err = h.service.CheckDevice(r.Context())
	} else {
		var req detectRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Method == "" {
			req.Method = "hybrid"
		}
		det, err = h.service.DetectLatest(r.Context(), endpoints.DetectOptions{
			Method:         req.Method,
			Model:          req.Model,
			UseCache:       req.UseCache,
			IncludeHistory: req.IncludeHistory,
		})
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detectionResponse{Detection: det, State: h.service.State()})
}

func (h *Handler) handleVisibility(w http.ResponseWriter, r *http.Request) {
	if h.visibility == nil {
		http.Error(w, "visibility control disabled", http.StatusNotImplemented)
		return
	}
	var req visibilityRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Visible == nil {
		http.Error(w, "visible is required", http.StatusBadRequest)
		return
	}
	if *req.Visible {
		h.visibility.Resume()
	} else {
		h.visibility.Suspend()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"suspended": h.visibility.Suspended()})
}

func (h *Handler) handleIssueAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/issues/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "resolve" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	outcome, err := h.service.Resolve(r.Context(), parts[0], req.Notes)
	if err != nil {
		if outcome.RolledBack && !errors.Is(err, application.ErrUnauthenticated) {
			writeJSON(w, statusForTag(outcome.Tag), outcome)
			return
		}
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) handleBatchResolve(w http.ResponseWriter, r *http.Request) {
	var req batchResolveRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids is required", http.StatusBadRequest)
		return
	}
	summary, err := h.service.BatchResolve(r.Context(), req.IDs, req.Notes)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Enabled == nil {
		http.Error(w, "enabled is required", http.StatusBadRequest)
		return
	}
	if err := h.service.ToggleSensor(r.Context(), *req.Enabled); err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.service.State())
}

func (h *Handler) handleExport(w http.ResponseWriter) {
	data, err := BuildIssuesXLSX(h.service.State())
	if err != nil {
		h.logf("status export error: %v", err)
		http.Error(w, "export xlsx error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="issues.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, application.ErrUnauthenticated):
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
	case errors.Is(err, application.ErrIssueNotFound):
		http.Error(w, "issue not found", http.StatusNotFound)
	case errors.Is(err, application.ErrNoDevice):
		http.Error(w, "no device selected", http.StatusConflict)
	case errors.Is(err, application.ErrNoReadings):
		http.Error(w, "no readings yet", http.StatusConflict)
	case errors.Is(err, application.ErrTokenUnavailable):
		h.logf("status handler error: %v", err)
		http.Error(w, "credential store unavailable", http.StatusServiceUnavailable)
	default:
		var terr *transport.Error
		if errors.As(err, &terr) {
			http.Error(w, err.Error(), statusForTag(terr.Tag))
			return
		}
		h.logf("status handler error: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func statusForTag(tag transport.Tag) int {
	switch tag {
	case transport.TagUnauthenticated:
		return http.StatusUnauthorized
	case transport.TagNotFound:
		return http.StatusNotFound
	case transport.TagBadRequest:
		return http.StatusBadRequest
	case transport.TagConflict:
		return http.StatusConflict
	case transport.TagRateLimited:
		return http.StatusTooManyRequests
	case transport.TagTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func decodeBody(r *http.Request, out any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid json body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}
