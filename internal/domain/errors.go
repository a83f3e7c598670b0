package domain

import (
	"errors"
	"net/http"
)

// Sentinel errors. Layers wrap these with context via fmt.Errorf("...: %w");
// the HTTP layer maps them to status codes with HTTPStatus.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidArchive      = errors.New("invalid archive")
	ErrBuildFailed         = errors.New("build failed")
	ErrFunctionFailed      = errors.New("function failed")
	ErrFunctionUnavailable = errors.New("function unavailable")
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrSignatureInvalid    = errors.New("signature invalid")
	ErrOverloaded          = errors.New("overloaded")
	ErrTimeout             = errors.New("timeout")
	ErrRuntimeUnavailable  = errors.New("runtime unavailable")
	ErrConflict            = errors.New("conflict")
)

// HTTPStatus maps an error chain to the response status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidArchive):
		return http.StatusBadRequest
	case errors.Is(err, ErrSignatureInvalid), errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrFunctionUnavailable):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrBuildFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrOverloaded), errors.Is(err, ErrRuntimeUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrFunctionFailed):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
