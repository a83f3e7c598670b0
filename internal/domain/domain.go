// Package domain holds the core entities shared by the store, the build
// pipeline, and the invocation engine.
package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// AnonymousOwner is the owner assigned when bearer authentication is
// disabled (single-user installs).
const AnonymousOwner = "anonymous"

// FunctionStatus is the lifecycle state of a function.
type FunctionStatus string

const (
	FunctionActive   FunctionStatus = "active"
	FunctionDisabled FunctionStatus = "disabled"
	FunctionDeleted  FunctionStatus = "deleted"
)

// Function is a deployable unit owned by a user. Deleted functions keep their
// row (status flip) so their name frees up while history survives.
type Function struct {
	ID                 string         `json:"id"`
	OwnerID            string         `json:"owner_id"`
	Name               string         `json:"name"`
	Status             FunctionStatus `json:"status"`
	ActiveDeploymentID string         `json:"active_deployment_id,omitempty"`
	SkipSigning        bool           `json:"skip_signing"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Invocable reports whether the function can serve invocations.
func (f *Function) Invocable() bool {
	return f.Status == FunctionActive && f.ActiveDeploymentID != ""
}

// DeploymentStatus is the build state of a deployment.
type DeploymentStatus string

const (
	DeploymentBuilding DeploymentStatus = "building"
	DeploymentReady    DeploymentStatus = "ready"
	DeploymentFailed   DeploymentStatus = "failed"
)

// Deployment is one immutable build of a function. Versions count up from 1
// per function and are never reused, failed builds included.
type Deployment struct {
	ID         string           `json:"id"`
	FunctionID string           `json:"function_id"`
	Version    int              `json:"version"`
	ImageTag   string           `json:"image_tag"`
	ArchiveKey string           `json:"archive_key"`
	Status     DeploymentStatus `json:"status"`
	IsActive   bool             `json:"is_active"`
	BuildLogs  string           `json:"build_logs,omitempty"`
	DeployedAt time.Time        `json:"deployed_at"`
}

// ImageTag derives the container image tag for a function version.
func ImageTag(functionID string, version int) string {
	return fmt.Sprintf("func-%s:v%d", functionID, version)
}

// KeyValidity is the lifetime class chosen at key creation.
type KeyValidity string

const (
	Validity1Hour   KeyValidity = "1h"
	Validity1Day    KeyValidity = "1d"
	Validity1Week   KeyValidity = "1w"
	Validity1Month  KeyValidity = "1m"
	ValidityForever KeyValidity = "forever"
)

// IsValid reports whether v is a known validity class.
func (v KeyValidity) IsValid() bool {
	switch v {
	case Validity1Hour, Validity1Day, Validity1Week, Validity1Month, ValidityForever:
		return true
	}
	return false
}

// Duration returns the lifetime for the class. ok is false for forever.
func (v KeyValidity) Duration() (time.Duration, bool) {
	switch v {
	case Validity1Hour:
		return time.Hour, true
	case Validity1Day:
		return 24 * time.Hour, true
	case Validity1Week:
		return 7 * 24 * time.Hour, true
	case Validity1Month:
		return 30 * 24 * time.Hour, true
	}
	return 0, false
}

// APIKey authorizes signed invocations of one function. Only the SHA-256
// digest of the secret is stored; the cleartext leaves the server once, in
// the creation response.
type APIKey struct {
	ID         string      `json:"id"`
	FunctionID string      `json:"function_id"`
	SecretHash string      `json:"-"`
	Validity   KeyValidity `json:"validity"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
	IsActive   bool        `json:"is_active"`
	Name       string      `json:"name,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	RevokedAt  *time.Time  `json:"revoked_at,omitempty"`
}

// Expired reports whether the key's lifetime has elapsed.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Usable reports whether the key verifies signatures right now. Expiry wins
// over the active flag: re-enabling never extends a lifetime.
func (k *APIKey) Usable(now time.Time) bool {
	return k.IsActive && !k.Expired(now)
}

// State derives the display state: expired beats disabled beats active.
func (k *APIKey) State(now time.Time) string {
	switch {
	case k.Expired(now):
		return "expired"
	case !k.IsActive:
		return "disabled"
	}
	return "active"
}

// InvocationStatus is the outcome class of one invocation.
type InvocationStatus string

const (
	InvocationOK      InvocationStatus = "ok"
	InvocationFail    InvocationStatus = "fail"
	InvocationTimeout InvocationStatus = "timeout"
)

// RequestInfo is the persisted slice of an invocation request. The body is
// deliberately absent and must never be added.
type RequestInfo struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
}

// Invocation is one append-only execution record.
type Invocation struct {
	ID          string           `json:"id"`
	FunctionID  string           `json:"function_id"`
	Status      InvocationStatus `json:"status"`
	DurationMS  int64            `json:"duration_ms"`
	Error       string           `json:"error,omitempty"`
	Logs        json.RawMessage  `json:"logs,omitempty"`
	RequestInfo RequestInfo      `json:"request_info"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Success     bool             `json:"success"`
	Timestamp   time.Time        `json:"timestamp"`
}

// FunctionLog is one log line emitted by function code during an invocation.
type FunctionLog struct {
	ID         string    `json:"id"`
	FunctionID string    `json:"function_id"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Envelope is the request handed to function code through request.json.
type Envelope struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Response is what function code writes to result.json.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

// LogEntry is one line of the logs.json bundle.
type LogEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

var functionNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ValidateFunctionName enforces the naming rule: lowercase alphanumerics,
// hyphens, and underscores, 1 to 63 characters, leading alphanumeric.
func ValidateFunctionName(name string) error {
	if !functionNameRe.MatchString(name) {
		return fmt.Errorf("%w: invalid function name %q", ErrInvalidInput, name)
	}
	return nil
}
