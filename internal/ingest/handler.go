// Package ingest is the HTTP surface of the activity service.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"watchdesk/internal/activity"
	"watchdesk/internal/schema"
)

// Handler handles HTTP activity intake.
type Handler struct {
	service    *activity.Service
	metrics    http.Handler
	logger     *slog.Logger
	maxPayload int
	startTime  time.Time
}

// NewHandler creates a new ingest Handler. metricsHandler serves
// GET /metrics; pass nil to disable the endpoint.
func NewHandler(service *activity.Service, metricsHandler http.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:    service,
		metrics:    metricsHandler,
		logger:     logger.With("component", "ingest"),
		maxPayload: 1 * 1024 * 1024, // 1MB default
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum request payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// Routes returns the service mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/activities", h.HandleCreateActivity)
	mux.HandleFunc("GET /health", h.HealthCheck)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	return mux
}

// CreateActivityResponse is the response body for a created activity.
type CreateActivityResponse struct {
	Activity  *schema.Activity `json:"activity"`
	Anomalies []schema.Anomaly `json:"anomalies"`
	RequestID string           `json:"request_id"`
}

// HandleCreateActivity handles POST /v1/activities. The 201 response
// means the activity, its anomalies and their outbox envelopes are
// committed; publication to the broker follows asynchronously.
func (h *Handler) HandleCreateActivity(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var input schema.ActivityInput
	if err := json.Unmarshal(body, &input); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	created, anomalies, err := h.service.Create(r.Context(), &input)
	if err != nil {
		if errors.Is(err, schema.ErrValidation) {
			respondError(w, http.StatusBadRequest, err.Error(), requestID)
			return
		}
		h.logger.Error("activity create failed", "request_id", requestID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error", requestID)
		return
	}

	if anomalies == nil {
		anomalies = []schema.Anomaly{}
	}

	respondJSON(w, http.StatusCreated, CreateActivityResponse{
		Activity:  created,
		Anomalies: anomalies,
		RequestID: requestID,
	})
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
