package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/anchorpipe/anchorpipe-sub000/internal/db"
)

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		writeError(w, http.StatusNotImplemented, "audit history is not available")
		return
	}
	params := r.URL.Query()
	q := db.AuditQuery{
		ActorType: params.Get("actor_type"),
		ActorID:   params.Get("actor_id"),
		Action:    params.Get("action"),
		Resource:  params.Get("resource"),
		Outcome:   params.Get("outcome"),
	}
	if v := params.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		q.Since = since
	}
	// Malformed paging values fall back to the store defaults.
	q.Limit, _ = strconv.Atoi(params.Get("limit"))
	q.Offset, _ = strconv.Atoi(params.Get("offset"))

	events, err := s.auditLog.ListAuditEvents(r.Context(), q)
	if err != nil {
		s.log.Error("listing audit events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []db.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
