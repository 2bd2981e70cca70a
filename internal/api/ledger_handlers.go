package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/anchorpipe/anchorpipe-sub000/internal/audit"
	"github.com/anchorpipe/anchorpipe-sub000/internal/idempotency"
)

const (
	defaultIngestionLimit = 50
	maxIngestionLimit     = 500
)

func (s *Server) handlePurgeIdempotency(w http.ResponseWriter, r *http.Request) {
	n, err := s.ledger.PurgeExpired(r.Context())
	if err != nil {
		s.log.Error("purging idempotency entries failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to purge entries")
		return
	}
	s.auditAdmin(r, "idempotency.purge", "idempotency", audit.OutcomeSuccess, map[string]any{"purged": n})
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// handleRemoveIdempotency drops one entry so the next identical submission is
// processed again.
func (s *Server) handleRemoveIdempotency(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c := idempotency.Coordinates{
		RepoID:    q.Get("repo_id"),
		CommitSHA: q.Get("commit_sha"),
		RunID:     q.Get("run_id"),
		Framework: q.Get("framework"),
	}
	if c.RepoID == "" || c.CommitSHA == "" || c.Framework == "" {
		writeError(w, http.StatusBadRequest, "repo_id, commit_sha and framework are required")
		return
	}

	if err := s.ledger.Remove(r.Context(), c); err != nil {
		s.log.Error("removing idempotency entry failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to remove entry")
		return
	}
	key := idempotency.Key(c)
	s.auditAdmin(r, "idempotency.remove", "idempotency/"+key, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "key": key})
}

func (s *Server) handleListIngestions(w http.ResponseWriter, r *http.Request) {
	repoID, ok := repoParam(w, r)
	if !ok {
		return
	}
	if s.ingestions == nil {
		writeError(w, http.StatusNotImplemented, "ingestion history is not available")
		return
	}

	limit := defaultIngestionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxIngestionLimit)
	}

	list, err := s.ingestions.ListIngestions(r.Context(), repoID, limit)
	if err != nil {
		s.log.Error("listing ingestions failed", zap.String("repo_id", repoID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list ingestions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ingestions": list})
}
