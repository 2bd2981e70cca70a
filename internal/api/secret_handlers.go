package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anchorpipe/anchorpipe-sub000/internal/audit"
	"github.com/anchorpipe/anchorpipe-sub000/internal/secrets"
)

type createSecretRequest struct {
	Name      string     `json:"name"`
	Secret    string     `json:"secret,omitempty"` // generated when empty
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type rotateSecretRequest struct {
	Name      string     `json:"name,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// minSecretLength applies to caller supplied secret values.
const minSecretLength = 32

func (s *Server) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	repoID, ok := repoParam(w, r)
	if !ok {
		return
	}

	var req createSecretRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Secret != "" && len(req.Secret) < minSecretLength {
		writeError(w, http.StatusBadRequest, "secret must be at least 32 characters")
		return
	}

	created, err := s.secrets.Create(r.Context(), secrets.CreateRequest{
		RepoID:    repoID,
		Name:      req.Name,
		Plaintext: req.Secret,
		CreatedBy: getActorID(r.Context()),
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		s.log.Error("creating secret failed", zap.String("repo_id", repoID), zap.Error(err))
		s.auditAdmin(r, "secret.create", "repo/"+repoID, audit.OutcomeError, nil)
		writeError(w, http.StatusInternalServerError, "failed to create secret")
		return
	}

	s.auditAdmin(r, "secret.create", "repo/"+repoID, audit.OutcomeSuccess, map[string]any{
		"secret_id": created.ID,
		"name":      created.Name,
	})
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	repoID, ok := repoParam(w, r)
	if !ok {
		return
	}
	list, err := s.secrets.List(r.Context(), repoID)
	if err != nil {
		s.log.Error("listing secrets failed", zap.String("repo_id", repoID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list secrets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": list})
}

func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	repoID, ok := repoParam(w, r)
	if !ok {
		return
	}
	oldID, ok := secretIDParam(w, r)
	if !ok {
		return
	}

	var req rotateSecretRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := s.secrets.Rotate(r.Context(), secrets.RotateRequest{
		OldID:     oldID,
		RepoID:    repoID,
		Name:      req.Name,
		CreatedBy: getActorID(r.Context()),
		ExpiresAt: req.ExpiresAt,
	})
	switch {
	case errors.Is(err, secrets.ErrNotFound):
		writeError(w, http.StatusNotFound, "secret not found")
		return
	case errors.Is(err, secrets.ErrAlreadyRevoked):
		writeError(w, http.StatusConflict, "secret already revoked")
		return
	case err != nil:
		s.log.Error("rotating secret failed", zap.String("secret_id", oldID), zap.Error(err))
		s.auditAdmin(r, "secret.rotate", "repo/"+repoID, audit.OutcomeError, map[string]any{"secret_id": oldID})
		writeError(w, http.StatusInternalServerError, "failed to rotate secret")
		return
	}

	s.auditAdmin(r, "secret.rotate", "repo/"+repoID, audit.OutcomeSuccess, map[string]any{
		"secret_id":    created.ID,
		"rotated_from": oldID,
	})
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRevokeSecret(w http.ResponseWriter, r *http.Request) {
	id, ok := secretIDParam(w, r)
	if !ok {
		return
	}

	err := s.secrets.Revoke(r.Context(), id)
	switch {
	case errors.Is(err, secrets.ErrNotFound):
		writeError(w, http.StatusNotFound, "secret not found")
		return
	case err != nil:
		s.log.Error("revoking secret failed", zap.String("secret_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to revoke secret")
		return
	}

	s.auditAdmin(r, "secret.revoke", "secret/"+id, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func secretIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid secret id")
		return "", false
	}
	return id, true
}

func repoParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	repoID := r.PathValue("repo")
	if _, err := uuid.Parse(repoID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid repository id")
		return "", false
	}
	return repoID, true
}
