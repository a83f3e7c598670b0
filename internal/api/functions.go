package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/dartcloud/dartcloud/internal/auth"
	"github.com/dartcloud/dartcloud/internal/domain"
	"github.com/dartcloud/dartcloud/internal/logging"
)

// DeployFunction handles POST /api/functions/deploy. Multipart form with
// fields "name", "archive" (tar.gz), and optional "skip_signing".
func (s *Server) DeployFunction(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())

	maxBytes := int64(s.cfg.Function.MaxRequestSizeMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, fmt.Errorf("%w: multipart form too large or malformed", domain.ErrInvalidInput))
		return
	}

	name := r.FormValue("name")
	if err := domain.ValidateFunctionName(name); err != nil {
		writeError(w, err)
		return
	}
	skipSigning, _ := strconv.ParseBool(r.FormValue("skip_signing"))

	file, _, err := r.FormFile("archive")
	if err != nil {
		writeError(w, fmt.Errorf("%w: missing archive file", domain.ErrInvalidInput))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, fmt.Errorf("read archive: %w", err))
		return
	}

	fn, dep, err := s.deployer.Deploy(r.Context(), owner, name, data, skipSigning)
	if err != nil {
		writeError(w, err)
		return
	}

	logging.Op().Info("deployed", "function", fn.Name, "version", dep.Version)
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id": dep.ID,
		"version":       dep.Version,
		"function":      fn,
		"deployment":    dep,
	})
}

// ListFunctions handles GET /api/functions.
func (s *Server) ListFunctions(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())
	fns, err := s.store.ListFunctions(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	if fns == nil {
		fns = []*domain.Function{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"functions": fns})
}

// DeleteFunction handles DELETE /api/functions/{id}. Soft delete: the status
// flips and the name frees up, history rows stay.
func (s *Server) DeleteFunction(w http.ResponseWriter, r *http.Request) {
	fn, err := s.ownedFunction(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.SetFunctionStatus(r.Context(), fn.ID, domain.FunctionDeleted); err != nil {
		writeError(w, err)
		return
	}

	// Reclaim the active image; deleted functions cannot be invoked again.
	if dep, err := s.store.GetActiveDeployment(r.Context(), fn.ID); err == nil {
		if err := s.rt.RemoveImage(r.Context(), dep.ImageTag); err != nil {
			logging.Op().Warn("remove image of deleted function", "image_tag", dep.ImageTag, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": fn.ID})
}

// ListDeployments handles GET /api/functions/{id}/deployments.
func (s *Server) ListDeployments(w http.ResponseWriter, r *http.Request) {
	fn, err := s.ownedFunction(r)
	if err != nil {
		writeError(w, err)
		return
	}
	deps, err := s.store.ListDeployments(r.Context(), fn.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if deps == nil {
		deps = []*domain.Deployment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": deps})
}

var rollbackSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"deployment_uuid": map[string]any{"type": "string", "minLength": float64(1)},
		"version":         map[string]any{"type": "integer", "minimum": float64(1)},
	},
}

// RollbackFunction handles POST /api/functions/{id}/rollback. The target is
// named by deployment_uuid or by version; an empty body selects the previous
// ready version.
func (s *Server) RollbackFunction(w http.ResponseWriter, r *http.Request) {
	fn, err := s.ownedFunction(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		DeploymentUUID string `json:"deployment_uuid"`
		Version        int    `json:"version"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, fmt.Errorf("read body: %w", err))
		return
	}
	if len(body) > 0 {
		if errs := validateBody(rollbackSchema, body); len(errs) > 0 {
			writeValidationErrors(w, errs)
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidInput))
			return
		}
	}

	version := req.Version
	if req.DeploymentUUID != "" {
		target, err := s.store.GetDeployment(r.Context(), req.DeploymentUUID)
		if err != nil {
			writeError(w, err)
			return
		}
		if target.FunctionID != fn.ID {
			writeError(w, fmt.Errorf("%w: deployment %s", domain.ErrNotFound, req.DeploymentUUID))
			return
		}
		version = target.Version
	}

	dep, err := s.deployer.Rollback(r.Context(), fn.ID, version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployment": dep})
}

// ListInvocations handles GET /api/functions/{id}/invocations.
func (s *Server) ListInvocations(w http.ResponseWriter, r *http.Request) {
	fn, err := s.ownedFunction(r)
	if err != nil {
		writeError(w, err)
		return
	}
	invs, err := s.store.ListInvocations(r.Context(), fn.ID, queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if invs == nil {
		invs = []*domain.Invocation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"invocations": invs})
}

// ListFunctionLogs handles GET /api/functions/{id}/logs.
func (s *Server) ListFunctionLogs(w http.ResponseWriter, r *http.Request) {
	fn, err := s.ownedFunction(r)
	if err != nil {
		writeError(w, err)
		return
	}
	logs, err := s.store.ListFunctionLogs(r.Context(), fn.ID, queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*domain.FunctionLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// ownedFunction loads the path function and enforces owner scoping. Deleted
// functions and other owners' functions both read as not found.
func (s *Server) ownedFunction(r *http.Request) (*domain.Function, error) {
	id := r.PathValue("id")
	fn, err := s.store.GetFunction(r.Context(), id)
	if err != nil {
		return nil, err
	}
	owner, _ := auth.OwnerFromContext(r.Context())
	if fn.OwnerID != owner || fn.Status == domain.FunctionDeleted {
		return nil, fmt.Errorf("%w: function %s", domain.ErrNotFound, id)
	}
	return fn, nil
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}
