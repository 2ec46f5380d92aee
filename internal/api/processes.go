package api

import (
	"context"
	"errors"
	"net/http"

	"commonroom/pkg/protocol"
	"commonroom/pkg/supervisor"

	"github.com/go-chi/chi/v5"
)

// processError is the body returned when a lifecycle operation fails.
type processError struct {
	Error  string                 `json:"error"`
	ID     string                 `json:"id"`
	Status protocol.ProcessStatus `json:"status,omitempty"`
}

// ListProcesses returns every configured process with its status.
func (h *Handler) ListProcesses(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, h.registry.List(r.Context()))
}

// GetProcess returns one process.
func (h *Handler) GetProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := h.registry.Info(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusNotFound, err.Error())
		return
	}
	h.JSON(w, http.StatusOK, info)
}

// StartProcess starts a process, or reports it already running.
func (h *Handler) StartProcess(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.registry.Start)
}

// StopProcess stops a tracked process.
func (h *Handler) StopProcess(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.registry.Stop)
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (supervisor.Result, error)) {
	id := chi.URLParam(r, "id")
	// Detach from the request: a client hanging up must not abort a
	// half-finished start or stop.
	res, err := op(context.WithoutCancel(r.Context()), id)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownProcess) {
			h.Error(w, http.StatusNotFound, err.Error())
			return
		}
		h.log.Error().Err(err).Str("process", id).Msg("process control failed")
		h.JSON(w, http.StatusInternalServerError, processError{Error: err.Error(), ID: id, Status: res.Status})
		return
	}
	h.JSON(w, http.StatusOK, res)
}
