package api

import (
	"errors"
	"io/fs"
	"net/http"
	"strings"

	"commonroom/pkg/mailbox"
	"commonroom/pkg/protocol"

	"github.com/go-chi/chi/v5"
)

// AddHelperRequest is the body of POST /api/helpers.
type AddHelperRequest struct {
	Name string `json:"name"`
}

// PostMessageRequest is the body of POST /api/helpers/{helper}/messages.
type PostMessageRequest struct {
	Sender  string            `json:"sender"`
	Message *protocol.Payload `json:"message"`
}

// ListHelpers returns every agent in the room.
func (h *Handler) ListHelpers(w http.ResponseWriter, _ *http.Request) {
	agents, err := h.mb.Agents()
	if err != nil {
		h.log.Error().Err(err).Msg("list helpers")
		h.Error(w, http.StatusInternalServerError, "failed to list helpers")
		return
	}
	if agents == nil {
		agents = []string{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"helpers": agents})
}

// AddHelper creates a helper's inbox.
func (h *Handler) AddHelper(w http.ResponseWriter, r *http.Request) {
	var req AddHelperRequest
	if err := decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := h.mb.Register(req.Name); err != nil {
		h.agentError(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

// RemoveHelper deletes a helper and all of its messages.
func (h *Handler) RemoveHelper(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.mb.Remove(name); err != nil {
		h.agentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenameHelper moves a helper's directory to a new name.
func (h *Handler) RenameHelper(w http.ResponseWriter, r *http.Request) {
	oldName, newName := chi.URLParam(r, "old"), chi.URLParam(r, "new")
	if err := h.mb.Rename(oldName, newName); err != nil {
		h.agentError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"name": newName})
}

// ListMessages returns a helper's pending messages without consuming them.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	helper := chi.URLParam(r, "helper")
	if !h.mb.Exists(helper) {
		h.Error(w, http.StatusNotFound, "unknown helper: "+helper)
		return
	}
	msgs, err := h.mb.Peek(r.Context(), helper)
	if err != nil {
		h.agentError(w, err)
		return
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// GetMessage returns one pending message.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	helper, id := chi.URLParam(r, "helper"), chi.URLParam(r, "id")
	msg, err := h.mb.Read(helper, id)
	if err != nil {
		var malformed *protocol.MalformedMessageError
		if errors.As(err, &malformed) {
			h.Error(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.agentError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, msg)
}

// PostMessage drops a message into a helper's inbox.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	helper := chi.URLParam(r, "helper")
	var req PostMessageRequest
	if err := decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Sender = strings.TrimSpace(req.Sender)
	if req.Sender == "" {
		h.Error(w, http.StatusBadRequest, "sender is required")
		return
	}
	if req.Message == nil {
		h.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	id, err := h.mb.Send(r.Context(), helper, req.Sender, *req.Message)
	if err != nil {
		h.agentError(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, map[string]string{"id": id})
}

// agentError maps mailbox failures onto HTTP statuses.
func (h *Handler) agentError(w http.ResponseWriter, err error) {
	var unknown *protocol.UnknownRecipientError
	switch {
	case errors.Is(err, protocol.ErrInvalidAgent):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &unknown), errors.Is(err, fs.ErrNotExist):
		h.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, mailbox.ErrAgentExists):
		h.Error(w, http.StatusConflict, err.Error())
	default:
		h.log.Error().Err(err).Msg("mailbox operation failed")
		h.Error(w, http.StatusInternalServerError, err.Error())
	}
}
