package api

import (
	"encoding/json"
	"net/http"
	"time"

	"commonroom/internal/version"
	"commonroom/pkg/eventlog"
	"commonroom/pkg/mailbox"
	"commonroom/pkg/supervisor"

	"github.com/rs/zerolog"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	registry *supervisor.Registry
	mb       *mailbox.Mailbox
	events   EventQuerier
	log      zerolog.Logger
	started  time.Time
}

// NewHandler creates a Handler over deps.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		registry: deps.Registry,
		mb:       deps.Mailbox,
		events:   deps.Events,
		log:      deps.Logger,
		started:  time.Now(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Warn().Err(err).Msg("encode response")
	}
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// Check is the status of one health check.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Message string `json:"message,omitempty"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string           `json:"status"` // "healthy" or "degraded"
	Version string           `json:"version"`
	Uptime  string           `json:"uptime"`
	Checks  map[string]Check `json:"checks"`
}

// Health reports whether the mailbox root and event log are usable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]Check)
	healthy := true

	if h.mb == nil {
		checks["mailbox"] = Check{Status: "fail", Message: "not configured"}
		healthy = false
	} else if _, err := h.mb.Agents(); err != nil {
		checks["mailbox"] = Check{Status: "fail", Message: err.Error()}
		healthy = false
	} else {
		checks["mailbox"] = Check{Status: "pass"}
	}

	if h.events != nil {
		if _, err := h.events.Query(r.Context(), eventlog.QueryOpts{Limit: 1}); err != nil {
			checks["eventlog"] = Check{Status: "fail", Message: err.Error()}
			healthy = false
		} else {
			checks["eventlog"] = Check{Status: "pass"}
		}
	}

	resp := HealthResponse{
		Status:  "healthy",
		Version: version.String(),
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Checks:  checks,
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	h.JSON(w, status, resp)
}

// ServerStatus answers the dashboard's liveness poll.
func (h *Handler) ServerStatus(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{"status": "online"})
}
