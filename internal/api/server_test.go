package api

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dartcloud/dartcloud/internal/auth"
	"github.com/dartcloud/dartcloud/internal/config"
	"github.com/dartcloud/dartcloud/internal/deploy"
	"github.com/dartcloud/dartcloud/internal/domain"
	"github.com/dartcloud/dartcloud/internal/fsx"
	"github.com/dartcloud/dartcloud/internal/invoke"
	"github.com/dartcloud/dartcloud/internal/logging"
	"github.com/dartcloud/dartcloud/internal/metrics"
	"github.com/dartcloud/dartcloud/internal/runtime"
	"github.com/dartcloud/dartcloud/internal/store"
)

const testJWTSecret = "test-secret"

// memStore is an in-memory store.Store covering everything the HTTP surface
// touches.
type memStore struct {
	store.Store
	mu sync.Mutex

	pingErr error

	fns         map[string]*domain.Function
	deployments map[string]*domain.Deployment
	apiKeys     map[string]*domain.APIKey
	invocations []*domain.Invocation
	logs        []*domain.FunctionLog
	nextDep     int
}

func newMemStore() *memStore {
	return &memStore{
		fns:         make(map[string]*domain.Function),
		deployments: make(map[string]*domain.Deployment),
		apiKeys:     make(map[string]*domain.APIKey),
	}
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) CreateFunction(_ context.Context, fn *domain.Function) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fns[fn.ID] = fn
	return nil
}

func (m *memStore) GetFunction(_ context.Context, id string) (*domain.Function, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.fns[id]
	if !ok {
		return nil, fmt.Errorf("%w: function %s", domain.ErrNotFound, id)
	}
	return fn, nil
}

func (m *memStore) GetFunctionByName(_ context.Context, ownerID, name string) (*domain.Function, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fn := range m.fns {
		if fn.OwnerID == ownerID && fn.Name == name && fn.Status != domain.FunctionDeleted {
			return fn, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) ListFunctions(_ context.Context, ownerID string) ([]*domain.Function, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Function
	for _, fn := range m.fns {
		if fn.OwnerID == ownerID && fn.Status != domain.FunctionDeleted {
			out = append(out, fn)
		}
	}
	return out, nil
}

func (m *memStore) SetFunctionStatus(_ context.Context, id string, status domain.FunctionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.fns[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn.Status = status
	return nil
}

func (m *memStore) CreateDeployment(_ context.Context, functionID, archiveKey string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version := 0
	for _, dep := range m.deployments {
		if dep.FunctionID == functionID && dep.Version > version {
			version = dep.Version
		}
	}
	version++
	m.nextDep++
	dep := &domain.Deployment{
		ID:         fmt.Sprintf("dep-%d", m.nextDep),
		FunctionID: functionID,
		Version:    version,
		ImageTag:   domain.ImageTag(functionID, version),
		ArchiveKey: archiveKey,
		Status:     domain.DeploymentBuilding,
	}
	m.deployments[dep.ID] = dep
	return dep, nil
}

func (m *memStore) GetDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deployments[id]
	if !ok {
		return nil, fmt.Errorf("%w: deployment %s", domain.ErrNotFound, id)
	}
	return dep, nil
}

func (m *memStore) GetActiveDeployment(_ context.Context, functionID string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dep := range m.deployments {
		if dep.FunctionID == functionID && dep.IsActive {
			return dep, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) ListDeployments(_ context.Context, functionID string) ([]*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Deployment
	for _, dep := range m.deployments {
		if dep.FunctionID == functionID {
			out = append(out, dep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *memStore) SetDeploymentStatus(_ context.Context, id string, status domain.DeploymentStatus, buildLogs string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deployments[id]
	if !ok {
		return domain.ErrNotFound
	}
	dep.Status = status
	dep.BuildLogs = buildLogs
	return nil
}

func (m *memStore) ActivateDeployment(_ context.Context, functionID, deploymentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous := ""
	for _, dep := range m.deployments {
		if dep.FunctionID == functionID && dep.IsActive {
			previous = dep.ImageTag
			dep.IsActive = false
		}
	}
	dep, ok := m.deployments[deploymentID]
	if !ok {
		return "", domain.ErrNotFound
	}
	dep.IsActive = true
	if fn, ok := m.fns[functionID]; ok {
		fn.ActiveDeploymentID = deploymentID
	}
	return previous, nil
}

func (m *memStore) CreateAPIKey(_ context.Context, key *domain.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[key.ID] = key
	return nil
}

func (m *memStore) GetAPIKey(_ context.Context, id string) (*domain.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.apiKeys[id]
	if !ok {
		return nil, fmt.Errorf("%w: api key %s", domain.ErrNotFound, id)
	}
	return key, nil
}

func (m *memStore) ListAPIKeys(_ context.Context, functionID string) ([]*domain.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.APIKey
	for _, key := range m.apiKeys {
		if key.FunctionID == functionID {
			out = append(out, key)
		}
	}
	return out, nil
}

func (m *memStore) RevokeAPIKey(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.apiKeys[id]
	if !ok {
		return domain.ErrNotFound
	}
	key.IsActive = false
	key.RevokedAt = &at
	return nil
}

func (m *memStore) EnableAPIKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.apiKeys[id]
	if !ok {
		return domain.ErrNotFound
	}
	key.IsActive = true
	key.RevokedAt = nil
	return nil
}

func (m *memStore) RecordInvocation(_ context.Context, inv *domain.Invocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invocations = append(m.invocations, inv)
	return nil
}

func (m *memStore) ListInvocations(_ context.Context, functionID string, limit int) ([]*domain.Invocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Invocation
	for _, inv := range m.invocations {
		if inv.FunctionID == functionID {
			out = append(out, inv)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) AppendFunctionLogs(_ context.Context, logs []*domain.FunctionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, logs...)
	return nil
}

func (m *memStore) ListFunctionLogs(_ context.Context, functionID string, limit int) ([]*domain.FunctionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.FunctionLog
	for _, l := range m.logs {
		if l.FunctionID == functionID {
			out = append(out, l)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// httpRuntime builds instantly and answers invocations with a scripted
// result.json, playing the container side of the filesystem contract.
type httpRuntime struct {
	hostRoot  string
	result    string
	exitCode  int
	available bool

	mu      sync.Mutex
	removed []string
}

func (h *httpRuntime) Build(context.Context, string, string, string) (*runtime.Result, error) {
	return &runtime.Result{}, nil
}

func (h *httpRuntime) Run(_ context.Context, spec *runtime.RunSpec) (*runtime.Result, error) {
	dir := filepath.Join(h.hostRoot, strings.TrimPrefix(spec.WorkingDir, "/functions_data/"))
	if err := os.WriteFile(filepath.Join(dir, "result.json"), []byte(h.result), 0644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "logs.json"), []byte(`{"logs":[]}`), 0644); err != nil {
		return nil, err
	}
	return &runtime.Result{ExitCode: h.exitCode}, nil
}

func (h *httpRuntime) RemoveImage(_ context.Context, imageTag string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, imageTag)
	return nil
}

func (h *httpRuntime) Available(context.Context) bool { return h.available }

type testEnv struct {
	handler http.Handler
	st      *memStore
	rt      *httpRuntime
	token   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.JWTSecret = testJWTSecret
	cfg.Paths.FunctionsDir = t.TempDir()
	cfg.Function.MaxConcurrent = 4

	st := newMemStore()
	rt := &httpRuntime{
		hostRoot:  cfg.Paths.FunctionsDir,
		result:    `{"statusCode":200,"body":{"ok":true}}`,
		available: true,
	}
	m := metrics.New()
	reqlog := logging.Default()
	reqlog.SetConsole(false)

	deployer := deploy.New(st, rt, fsx.NewOS(), cfg, m)
	engine := invoke.New(st, rt, fsx.NewOS(), cfg, m, reqlog)
	keys := auth.NewKeys(st, nil)

	token, err := auth.IssueBearer(testJWTSecret, "owner-1", nil)
	require.NoError(t, err)

	srv := New(cfg, st, deployer, engine, keys, rt, m)
	return &testEnv{handler: srv.Handler(), st: st, rt: rt, token: token}
}

func (e *testEnv) do(method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+e.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func functionArchive(t *testing.T) []byte {
	t.Helper()
	files := map[string]string{
		"pubspec.yaml": "name: hello\ndependencies:\n  dart_cloud: ^1.0.0\n",
		"lib/hello.dart": `import 'package:dart_cloud/dart_cloud.dart';

@CloudFunction()
class Hello extends CloudFunction {
  @override
  Future<CloudResponse> handle(CloudRequest request) async {
    return CloudResponse.json({'greeting': 'hi'});
  }
}
`,
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// deployFunction uploads a function through the HTTP surface and returns its
// ID.
func deployFunction(t *testing.T, e *testEnv, name string, skipSigning bool) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", name))
	require.NoError(t, mw.WriteField("skip_signing", strconv.FormatBool(skipSigning)))
	fw, err := mw.CreateFormFile("archive", "function.tar.gz")
	require.NoError(t, err)
	_, err = fw.Write(functionArchive(t))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := e.do(http.MethodPost, "/api/functions/deploy", &buf,
		map[string]string{"Content-Type": mw.FormDataContentType()})
	require.Equal(t, http.StatusOK, rec.Code, "deploy: %s", rec.Body.String())

	body := decodeBody(t, rec)
	require.NotEmpty(t, body["deployment_id"])
	fn, ok := body["function"].(map[string]any)
	require.True(t, ok)
	id, _ := fn["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	rec = e.do(http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthDegradedWhenRuntimeDown(t *testing.T) {
	e := newTestEnv(t)
	e.rt.available = false

	rec := e.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, false, body["runtime"])
	assert.Equal(t, true, body["database"])

	// Readiness only needs the store.
	rec = e.do(http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadinessFailsWithoutStore(t *testing.T) {
	e := newTestEnv(t)
	e.st.pingErr = fmt.Errorf("connection refused")

	rec := e.do(http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestManagementRequiresBearer(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/functions", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	authed := e.do(http.MethodGet, "/api/functions", nil, nil)
	assert.Equal(t, http.StatusOK, authed.Code)
}

func TestDeployAndListFunctions(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodGet, "/api/functions", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"functions":[]}`, rec.Body.String())

	id := deployFunction(t, e, "hello", false)

	rec = e.do(http.MethodGet, "/api/functions", nil, nil)
	body := decodeBody(t, rec)
	fns, ok := body["functions"].([]any)
	require.True(t, ok)
	require.Len(t, fns, 1)
	assert.Equal(t, id, fns[0].(map[string]any)["id"])

	rec = e.do(http.MethodGet, "/api/functions/"+id+"/deployments", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	deps := decodeBody(t, rec)["deployments"].([]any)
	require.Len(t, deps, 1)
	assert.Equal(t, float64(1), deps[0].(map[string]any)["version"])
}

func TestDeployRejectsBadName(t *testing.T) {
	e := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", "Not A Valid Name!"))
	fw, err := mw.CreateFormFile("archive", "function.tar.gz")
	require.NoError(t, err)
	_, err = fw.Write(functionArchive(t))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := e.do(http.MethodPost, "/api/functions/deploy", &buf,
		map[string]string{"Content-Type": mw.FormDataContentType()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployRejectsMissingArchive(t *testing.T) {
	e := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", "hello"))
	require.NoError(t, mw.Close())

	rec := e.do(http.MethodPost, "/api/functions/deploy", &buf,
		map[string]string{"Content-Type": mw.FormDataContentType()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "archive")
}

func TestInvokeSkipSigning(t *testing.T) {
	e := newTestEnv(t)
	id := deployFunction(t, e, "hello", true)
	e.rt.result = `{"statusCode":201,"headers":{"X-Fn":"yes"},"body":{"greeting":"hi"}}`

	rec := e.do(http.MethodPost, "/api/functions/"+id+"/invoke",
		strings.NewReader(`{"city":"berlin"}`), nil)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"greeting":"hi"}`, rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Fn"))
	assert.NotEmpty(t, rec.Header().Get("X-Invocation-Id"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestInvokeRequiresSignature(t *testing.T) {
	e := newTestEnv(t)
	id := deployFunction(t, e, "hello", false)

	rec := e.do(http.MethodPost, "/api/functions/"+id+"/invoke",
		strings.NewReader(`{}`), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "signature")
}

func TestInvokeWithSignature(t *testing.T) {
	e := newTestEnv(t)
	id := deployFunction(t, e, "hello", false)

	rec := e.do(http.MethodPost, "/api/auth/apikey/generate",
		strings.NewReader(`{"function_id":"`+id+`","validity":"1h"}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	secret := created["secret_key"].(string)
	keyID := created["key_id"].(string)

	body := `{"city":"berlin"}`
	ts := time.Now().Unix()
	sig := auth.Sign(secret, []byte(body), ts)

	rec = e.do(http.MethodPost, "/api/functions/"+id+"/invoke",
		strings.NewReader(body), map[string]string{
			"X-Api-Key":   keyID,
			"X-Timestamp": strconv.FormatInt(ts, 10),
			"X-Signature": sig,
		})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The signature binds the payload; a different body is rejected.
	rec = e.do(http.MethodPost, "/api/functions/"+id+"/invoke",
		strings.NewReader(`{"city":"paris"}`), map[string]string{
			"X-Api-Key":   keyID,
			"X-Timestamp": strconv.FormatInt(ts, 10),
			"X-Signature": sig,
		})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInvokeUnknownFunction(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(http.MethodPost, "/api/functions/ghost/invoke",
		strings.NewReader(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvokeRejectsNonJSONBody(t *testing.T) {
	e := newTestEnv(t)
	id := deployFunction(t, e, "hello", true)

	rec := e.do(http.MethodPost, "/api/functions/"+id+"/invoke",
		strings.NewReader("not json"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteFunction(t *testing.T) {
	e := newTestEnv(t)
	id := deployFunction(t, e, "hello", true)

	rec := e.do(http.MethodDelete, "/api/functions/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deleted", decodeBody(t, rec)["status"])

	// The active image is reclaimed.
	assert.Contains(t, e.rt.removed, domain.ImageTag(id, 1))

	// Deleted functions read as gone everywhere.
	rec = e.do(http.MethodGet, "/api/functions/"+id+"/deployments", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(http.MethodPost, "/api/functions/"+id+"/invoke",
		strings.NewReader(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForeignFunctionReadsAsNotFound(t *testing.T) {
	e := newTestEnv(t)
	id := deployFunction(t, e, "hello", true)

	other, err := auth.IssueBearer(testJWTSecret, "owner-2", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/functions/"+id+"/deployments", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRollbackEndpoint(t *testing.T) {
	e := newTestEnv(t)
	id := deployFunction(t, e, "hello", true)
	deployFunction(t, e, "hello", true)

	rec := e.do(http.MethodPost, "/api/functions/"+id+"/rollback",
		strings.NewReader(`{}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dep := decodeBody(t, rec)["deployment"].(map[string]any)
	assert.Equal(t, float64(1), dep["version"])

	// Schema catches a non-integer version before the pipeline runs.
	rec = e.do(http.MethodPost, "/api/functions/"+id+"/rollback",
		strings.NewReader(`{"version":"one"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation failed")
}

func TestRollbackByDeploymentUUID(t *testing.T) {
	e := newTestEnv(t)
	id := deployFunction(t, e, "hello", true)
	deployFunction(t, e, "hello", true)

	deps, err := e.st.ListDeployments(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, deps, 2)
	var v1ID string
	for _, dep := range deps {
		if dep.Version == 1 {
			v1ID = dep.ID
		}
	}
	require.NotEmpty(t, v1ID)

	rec := e.do(http.MethodPost, "/api/functions/"+id+"/rollback",
		strings.NewReader(`{"deployment_uuid":"`+v1ID+`"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dep := decodeBody(t, rec)["deployment"].(map[string]any)
	assert.Equal(t, v1ID, dep["id"])

	// A deployment of another function is invisible.
	rec = e.do(http.MethodPost, "/api/functions/"+id+"/rollback",
		strings.NewReader(`{"deployment_uuid":"nope"}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvokeFunctionFailure(t *testing.T) {
	e := newTestEnv(t)
	id := deployFunction(t, e, "hello", true)
	e.rt.exitCode = 1
	e.rt.result = `{"statusCode":500,"body":{"error":"boom in handler"}}`

	rec := e.do(http.MethodPost, "/api/functions/"+id+"/invoke",
		strings.NewReader(`{}`), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	// The function's own error is surfaced, not masked.
	assert.Contains(t, rec.Body.String(), "boom in handler")
}

func TestRollbackWithoutTarget(t *testing.T) {
	e := newTestEnv(t)
	id := deployFunction(t, e, "hello", true)

	rec := e.do(http.MethodPost, "/api/functions/"+id+"/rollback", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyLifecycle(t *testing.T) {
	e := newTestEnv(t)
	id := deployFunction(t, e, "hello", false)

	rec := e.do(http.MethodPost, "/api/auth/apikey/generate",
		strings.NewReader(`{"function_id":"`+id+`","validity":"1d","name":"ci"}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	assert.True(t, strings.HasPrefix(created["secret_key"].(string), "fk_"))
	assert.Equal(t, "1d", created["validity"])
	assert.Equal(t, "ci", created["name"])
	assert.NotEmpty(t, created["expires_at"])
	assert.NotEmpty(t, created["created_at"])
	// The response is flat; the key row itself is not echoed.
	assert.NotContains(t, created, "key")
	keyID := created["key_id"].(string)

	rec = e.do(http.MethodGet, "/api/auth/apikey/"+id+"/list", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	keys := decodeBody(t, rec)["keys"].([]any)
	require.Len(t, keys, 1)
	entry := keys[0].(map[string]any)
	assert.Equal(t, "active", entry["state"])
	// The cleartext secret never appears again.
	assert.NotContains(t, rec.Body.String(), created["secret_key"])

	rec = e.do(http.MethodDelete, "/api/auth/apikey/"+keyID+"/revoke", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodGet, "/api/auth/apikey/"+id+"/list", nil, nil)
	keys = decodeBody(t, rec)["keys"].([]any)
	assert.Equal(t, "disabled", keys[0].(map[string]any)["state"])

	rec = e.do(http.MethodPut, "/api/auth/apikey/"+keyID+"/enable", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodGet, "/api/auth/apikey/"+id+"/list", nil, nil)
	keys = decodeBody(t, rec)["keys"].([]any)
	assert.Equal(t, "active", keys[0].(map[string]any)["state"])
}

func TestEnableExpiredKeyFails(t *testing.T) {
	e := newTestEnv(t)
	id := deployFunction(t, e, "hello", false)

	past := time.Now().Add(-time.Hour)
	key := &domain.APIKey{
		ID: "key-old", FunctionID: id, Validity: domain.Validity1Hour,
		ExpiresAt: &past, IsActive: false, CreatedAt: past.Add(-time.Hour),
	}
	require.NoError(t, e.st.CreateAPIKey(context.Background(), key))

	rec := e.do(http.MethodPut, "/api/auth/apikey/key-old/enable", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "expired")
}

func TestGenerateKeyValidation(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodPost, "/api/auth/apikey/generate",
		strings.NewReader(`{"function_id":"f1"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "validation failed", body["error"])
	assert.NotEmpty(t, body["details"])

	rec = e.do(http.MethodPost, "/api/auth/apikey/generate",
		strings.NewReader(`{"function_id":"f1","validity":"2h"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvocationHistoryEndpoints(t *testing.T) {
	e := newTestEnv(t)
	id := deployFunction(t, e, "hello", true)

	rec := e.do(http.MethodPost, "/api/functions/"+id+"/invoke",
		strings.NewReader(`{"city":"berlin"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(http.MethodGet, "/api/functions/"+id+"/invocations", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	invs := decodeBody(t, rec)["invocations"].([]any)
	require.Len(t, invs, 1)
	entry := invs[0].(map[string]any)
	assert.Equal(t, "ok", entry["status"])
	// Request metadata is recorded; the body never is.
	assert.NotContains(t, rec.Body.String(), "berlin")

	rec = e.do(http.MethodGet, "/api/functions/"+id+"/logs", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
