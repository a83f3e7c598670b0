package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dartcloud/dartcloud/internal/domain"
)

var generateKeySchema = map[string]any{
	"type":     "object",
	"required": []any{"function_id", "validity"},
	"properties": map[string]any{
		"function_id": map[string]any{"type": "string", "minLength": float64(1)},
		"validity": map[string]any{
			"type": "string",
			"enum": []any{"1h", "1d", "1w", "1m", "forever"},
		},
		"name": map[string]any{"type": "string", "maxLength": float64(128)},
	},
}

// GenerateAPIKey handles POST /api/auth/apikey/generate. The cleartext
// secret appears in this response and nowhere else, ever.
func (s *Server) GenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, fmt.Errorf("read body: %w", err))
		return
	}
	if errs := validateBody(generateKeySchema, body); len(errs) > 0 {
		writeValidationErrors(w, errs)
		return
	}

	var req struct {
		FunctionID string `json:"function_id"`
		Validity   string `json:"validity"`
		Name       string `json:"name"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, err)
		return
	}

	fn, err := s.ownedFunctionByID(r, req.FunctionID)
	if err != nil {
		writeError(w, err)
		return
	}

	issued, err := s.keys.Issue(r.Context(), fn.ID, domain.KeyValidity(req.Validity), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"key_id":     issued.Key.ID,
		"secret_key": issued.Secret,
		"validity":   issued.Key.Validity,
		"expires_at": issued.Key.ExpiresAt,
		"name":       issued.Key.Name,
		"created_at": issued.Key.CreatedAt,
	})
}

// ListAPIKeys handles GET /api/auth/apikey/{function_id}/list. Ordered by
// derived state (active, disabled, expired), newest first within a state.
func (s *Server) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	fn, err := s.ownedFunctionByID(r, r.PathValue("function_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	keys, err := s.store.ListAPIKeys(r.Context(), fn.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now()
	out := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		out = append(out, map[string]any{
			"key":   key,
			"state": key.State(now),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

// RevokeAPIKey handles DELETE /api/auth/apikey/{key_id}/revoke.
func (s *Server) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.ownedKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.RevokeAPIKey(r.Context(), key.ID, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "id": key.ID})
}

// EnableAPIKey handles PUT /api/auth/apikey/{key_id}/enable. Re-enabling
// never extends a lifetime; an expired key stays expired.
func (s *Server) EnableAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.ownedKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if key.Expired(time.Now()) {
		writeError(w, fmt.Errorf("%w: key %s has expired", domain.ErrConflict, key.ID))
		return
	}
	if err := s.store.EnableAPIKey(r.Context(), key.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled", "id": key.ID})
}

// ownedFunctionByID enforces owner scoping for a function referenced by id
// in a body or a key path.
func (s *Server) ownedFunctionByID(r *http.Request, functionID string) (*domain.Function, error) {
	fn, err := s.store.GetFunction(r.Context(), functionID)
	if err != nil {
		return nil, err
	}
	owner, ok := ownerOf(r)
	if !ok || fn.OwnerID != owner || fn.Status == domain.FunctionDeleted {
		return nil, fmt.Errorf("%w: function %s", domain.ErrNotFound, functionID)
	}
	return fn, nil
}

// ownedKey loads the path key and checks that its function belongs to the
// caller.
func (s *Server) ownedKey(r *http.Request) (*domain.APIKey, error) {
	key, err := s.store.GetAPIKey(r.Context(), r.PathValue("key_id"))
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedFunctionByID(r, key.FunctionID); err != nil {
		return nil, fmt.Errorf("%w: api key %s", domain.ErrNotFound, key.ID)
	}
	return key, nil
}
