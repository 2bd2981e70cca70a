package api

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/anchorpipe/anchorpipe-sub000/internal/ingest"
)

// headerReplayed marks responses served from the idempotency ledger.
const headerReplayed = "Idempotent-Replayed"

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	// One byte past the limit is enough for the service to reject the body
	// as too large without buffering the rest of it.
	body, err := io.ReadAll(io.LimitReader(r.Body, s.ingest.MaxBodyBytes()+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	result, err := s.ingest.Ingest(r.Context(), ingest.Request{
		Headers:  r.Header,
		Body:     body,
		ClientIP: clientIP(r),
	})
	if err != nil {
		var ierr *ingest.Error
		if !errors.As(err, &ierr) {
			s.log.Error("ingestion failed", zap.String("request_id", getRequestID(r.Context())), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if ierr.Kind == ingest.Internal {
			s.log.Error("ingestion failed", zap.String("request_id", getRequestID(r.Context())), zap.Error(err))
		}
		writeError(w, statusForKind(ierr.Kind), ierr.Message)
		return
	}

	if result.IsDuplicate {
		w.Header().Set(headerReplayed, "true")
	}
	writeRaw(w, http.StatusOK, result.Body())
}

func statusForKind(k ingest.Kind) int {
	switch k {
	case ingest.BadRequest:
		return http.StatusBadRequest
	case ingest.Unauthorized:
		return http.StatusUnauthorized
	case ingest.Forbidden:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
