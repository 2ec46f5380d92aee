package api

import (
	"net/http"
	"strconv"
	"time"

	"commonroom/pkg/eventlog"
)

// defaultEventLimit caps /api/events when no limit is given.
const defaultEventLimit = 100

// ListEvents returns recent event log entries, newest first.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.Error(w, http.StatusServiceUnavailable, "event log not configured")
		return
	}

	q := r.URL.Query()
	opts := eventlog.QueryOpts{
		Subject:   q.Get("subject"),
		EventType: q.Get("type"),
		Limit:     defaultEventLimit,
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	if s := q.Get("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "invalid since")
			return
		}
		after := time.Now().Add(-d)
		opts.After = &after
	}

	events, err := h.events.Query(r.Context(), opts)
	if err != nil {
		h.log.Error().Err(err).Msg("query events")
		h.Error(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"events": events})
}
