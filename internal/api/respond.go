package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dartcloud/dartcloud/internal/auth"
	"github.com/dartcloud/dartcloud/internal/domain"
	"github.com/dartcloud/dartcloud/internal/logging"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Error("encode response", "error", err)
	}
}

// writeError maps the error chain to a status code and a structured body.
// Unexpected internals are logged and masked; function failures keep their
// message so callers see what their code reported.
func writeError(w http.ResponseWriter, err error) {
	status := domain.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError && !errors.Is(err, domain.ErrFunctionFailed) {
		logging.Op().Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeValidationErrors(w http.ResponseWriter, errs []string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "validation failed",
		"details": errs,
	})
}

func decodeJSON(body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidInput)
	}
	return nil
}

func ownerOf(r *http.Request) (string, bool) {
	return auth.OwnerFromContext(r.Context())
}
