package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/dartcloud/dartcloud/internal/auth"
	"github.com/dartcloud/dartcloud/internal/domain"
)

// InvokeFunction handles POST /api/functions/{id}/invoke. Authorization is
// the signature scheme (X-Api-Key, X-Timestamp, X-Signature) unless the
// function opted out with skip_signing. The function's response passes
// through verbatim: its status code, its headers, its body.
func (s *Server) InvokeFunction(w http.ResponseWriter, r *http.Request) {
	functionID := r.PathValue("id")

	fn, err := s.store.GetFunction(r.Context(), functionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if fn.Status == domain.FunctionDeleted {
		writeError(w, fmt.Errorf("%w: function %s", domain.ErrNotFound, functionID))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.Function.MaxRequestSizeMB)<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, fmt.Errorf("%w: request body too large", domain.ErrInvalidInput))
		return
	}

	var verification *auth.Verification
	if !fn.SkipSigning {
		verification, err = s.verifySignature(r, functionID, body)
		if err != nil {
			writeError(w, err)
			return
		}
		r = r.WithContext(auth.WithVerification(r.Context(), verification))
	}

	envelope, err := buildEnvelope(r, body)
	if err != nil {
		writeError(w, err)
		return
	}

	outcome, err := s.engine.Invoke(r.Context(), functionID, envelope, verification != nil)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := outcome.Response
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("X-Invocation-Id", outcome.InvocationID)
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// verifySignature checks the three signature headers against the canonical
// payload: the compact re-encoding of the JSON body, "null" when empty. The
// returned verification record is stamped onto the request context.
func (s *Server) verifySignature(r *http.Request, functionID string, body []byte) (*auth.Verification, error) {
	keyID := r.Header.Get("X-Api-Key")
	signature := r.Header.Get("X-Signature")
	tsRaw := r.Header.Get("X-Timestamp")
	if keyID == "" || signature == "" || tsRaw == "" {
		return nil, fmt.Errorf("%w: missing signature headers", domain.ErrSignatureInvalid)
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed timestamp", domain.ErrSignatureInvalid)
	}

	payload, err := canonicalPayload(body)
	if err != nil {
		return nil, err
	}
	return s.keys.Verify(r.Context(), functionID, keyID, signature, ts, payload)
}

// canonicalPayload normalizes the request body for signing so clients and
// server agree byte for byte regardless of whitespace.
func canonicalPayload(body []byte) ([]byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return []byte("null"), nil
	}
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return nil, fmt.Errorf("%w: body is not valid JSON", domain.ErrInvalidInput)
	}
	return json.Marshal(value)
}

// buildEnvelope assembles the request handed to function code. Hop-by-hop
// and signature headers are dropped; single-valued headers and query
// parameters keep their first value.
func buildEnvelope(r *http.Request, body []byte) (*domain.Envelope, error) {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		switch k {
		case "X-Signature", "X-Api-Key", "X-Timestamp", "Authorization", "Connection", "Content-Length":
			continue
		}
		headers[k] = r.Header.Get(k)
	}

	query := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}

	env := &domain.Envelope{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: headers,
		Query:   query,
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if !json.Valid(body) {
			return nil, fmt.Errorf("%w: body is not valid JSON", domain.ErrInvalidInput)
		}
		env.Body = json.RawMessage(body)
	}
	return env, nil
}
