// Package invoke executes function invocations in short-lived containers
// over the shared-filesystem contract.
package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dartcloud/dartcloud/internal/config"
	"github.com/dartcloud/dartcloud/internal/domain"
	"github.com/dartcloud/dartcloud/internal/fsx"
	"github.com/dartcloud/dartcloud/internal/logging"
	"github.com/dartcloud/dartcloud/internal/metrics"
	"github.com/dartcloud/dartcloud/internal/observability"
	"github.com/dartcloud/dartcloud/internal/runtime"
	"github.com/dartcloud/dartcloud/internal/store"
)

// containerDataRoot is where the shared volume appears inside function
// containers.
const containerDataRoot = "/functions_data"

// minMemoryMB is the floor handed to the container engine; below this the
// Dart VM cannot start.
const minMemoryMB = 20

// Outcome is the result of one invocation, returned to the HTTP layer.
type Outcome struct {
	InvocationID string
	Response     *domain.Response
	Record       *domain.Invocation
}

// Engine runs invocations. Concurrency is bounded fail-fast: when every slot
// is taken the request is shed immediately rather than queued.
type Engine struct {
	store   store.Store
	rt      runtime.Runtime
	fs      fsx.FS
	cfg     *config.Config
	metrics *metrics.Metrics
	reqlog  *logging.Logger

	slots    *semaphore.Weighted
	degraded atomic.Bool
	probing  atomic.Bool
}

// New returns an Engine.
func New(s store.Store, rt runtime.Runtime, fs fsx.FS, cfg *config.Config, m *metrics.Metrics, reqlog *logging.Logger) *Engine {
	if reqlog == nil {
		reqlog = logging.Default()
	}
	return &Engine{
		store:   s,
		rt:      rt,
		fs:      fs,
		cfg:     cfg,
		metrics: m,
		reqlog:  reqlog,
		slots:   semaphore.NewWeighted(int64(cfg.Function.MaxConcurrent)),
	}
}

// Invoke executes one request against the function's active deployment.
// signed records whether the request carried a verified signature; it only
// affects the audit trail, authorization happens before this call.
func (e *Engine) Invoke(ctx context.Context, functionID string, env *domain.Envelope, signed bool) (*Outcome, error) {
	ctx, span := observability.StartSpan(ctx, "invoke")
	defer span.End()

	if e.degraded.Load() {
		e.probeRuntime()
		return nil, fmt.Errorf("%w: container runtime is not responding", domain.ErrRuntimeUnavailable)
	}

	if !e.slots.TryAcquire(1) {
		e.metrics.InvocationsShed.Inc()
		return nil, fmt.Errorf("%w: concurrency limit %d reached", domain.ErrOverloaded, e.cfg.Function.MaxConcurrent)
	}
	defer e.slots.Release(1)
	e.metrics.InvocationsInFlight.Inc()
	defer e.metrics.InvocationsInFlight.Dec()

	fn, err := e.store.GetFunction(ctx, functionID)
	if err != nil {
		return nil, err
	}
	if !fn.Invocable() {
		return nil, fmt.Errorf("%w: function %s has no active deployment", domain.ErrFunctionUnavailable, fn.Name)
	}
	dep, err := e.store.GetActiveDeployment(ctx, functionID)
	if err != nil {
		return nil, fmt.Errorf("%w: function %s has no active deployment", domain.ErrFunctionUnavailable, fn.Name)
	}

	invocationID := uuid.New().String()
	// Once admitted, the invocation runs to completion and is recorded even
	// if the caller disconnects. The engine's own timeout still bounds the
	// container; only the client's cancellation is detached here.
	outcome, err := e.run(context.WithoutCancel(ctx), fn, dep, env, invocationID, signed)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// run owns the invocation directory lifecycle: create, hand to the
// container, collect outputs, remove. Removal is unconditional.
func (e *Engine) run(ctx context.Context, fn *domain.Function, dep *domain.Deployment, env *domain.Envelope, invocationID string, signed bool) (*Outcome, error) {
	relDir := filepath.Join(fn.ID, fmt.Sprintf("v%d", dep.Version), invocationID)
	hostDir := filepath.Join(e.cfg.Paths.FunctionsDir, relDir)
	containerDir := path.Join(containerDataRoot, filepath.ToSlash(relDir))

	if err := e.fs.EnsureDir(hostDir); err != nil {
		return nil, fmt.Errorf("create invocation dir: %w", err)
	}
	defer func() {
		if err := e.fs.RemoveTree(hostDir); err != nil {
			logging.Op().Warn("remove invocation dir", "path", hostDir, "error", err)
		}
	}()

	runEnv := e.functionEnv(containerDir)
	if err := e.writeInputs(hostDir, env, runEnv); err != nil {
		return nil, err
	}

	spec := &runtime.RunSpec{
		ImageTag:      dep.ImageTag,
		ContainerName: "dartcloud-inv-" + invocationID,
		Env:           runEnv,
		Mounts: []runtime.Mount{{
			Source: e.cfg.Paths.SharedVolumeName,
			Target: containerDataRoot,
			Flags:  "z,shared",
		}},
		WorkingDir:    containerDir,
		Network:       runtime.NetworkNone,
		CPULimit:      0.5,
		MemoryLimitMB: max(minMemoryMB, e.cfg.Function.MaxMemoryMB),
		TimeoutMS:     e.cfg.Function.Timeout().Milliseconds(),
	}

	start := time.Now()
	result, err := e.rt.Run(ctx, spec)
	duration := time.Since(start)

	if err != nil {
		e.markDegraded()
		return nil, fmt.Errorf("%w: %v", domain.ErrRuntimeUnavailable, err)
	}

	return e.collect(ctx, fn, dep, env, invocationID, hostDir, result, duration, signed)
}

// collect interprets the exit code, reads the output files, and persists the
// invocation record and function logs.
func (e *Engine) collect(ctx context.Context, fn *domain.Function, dep *domain.Deployment, env *domain.Envelope, invocationID, hostDir string, result *runtime.Result, duration time.Duration, signed bool) (*Outcome, error) {
	record := &domain.Invocation{
		ID:          invocationID,
		FunctionID:  fn.ID,
		DurationMS:  duration.Milliseconds(),
		RequestInfo: requestInfo(env),
		Timestamp:   time.Now(),
	}

	response, logs, logsOK := e.readOutputs(hostDir)
	e.persistLogs(ctx, fn.ID, logs)
	if len(logs) > 0 {
		if raw, err := json.Marshal(logs); err == nil {
			record.Logs = raw
		}
	}

	var invokeErr error
	switch {
	case result.TimedOut():
		record.Status = domain.InvocationTimeout
		record.Error = fmt.Sprintf("killed after %s", e.cfg.Function.Timeout())
		invokeErr = fmt.Errorf("%w: function exceeded %s", domain.ErrTimeout, e.cfg.Function.Timeout())

	case result.ExitCode == 0 && response == nil:
		record.Status = domain.InvocationFail
		record.Error = "function exited without writing a result"
		invokeErr = fmt.Errorf("%w: exited without writing a result", domain.ErrFunctionFailed)

	case result.ExitCode == 0 && !logsOK:
		record.Status = domain.InvocationFail
		record.Error = "function exited without writing logs"
		invokeErr = fmt.Errorf("%w: exited without writing logs", domain.ErrFunctionFailed)

	case result.ExitCode == 0:
		record.Status = domain.InvocationOK
		record.Success = true
		record.Result = response.Body

	default:
		record.Status = domain.InvocationFail
		record.Error = functionError(response, result)
		invokeErr = fmt.Errorf("%w: %s", domain.ErrFunctionFailed, record.Error)
	}

	if err := e.store.RecordInvocation(ctx, record); err != nil {
		logging.Op().Error("record invocation", "invocation_id", invocationID, "error", err)
	}

	e.metrics.InvocationsTotal.WithLabelValues(fn.Name, string(record.Status)).Inc()
	e.metrics.InvocationDuration.WithLabelValues(fn.Name).Observe(duration.Seconds())

	statusCode := 0
	if response != nil {
		statusCode = response.StatusCode
	}
	e.reqlog.Log(&logging.RequestLog{
		InvocationID: invocationID,
		FunctionID:   fn.ID,
		Function:     fn.Name,
		Version:      dep.Version,
		Status:       string(record.Status),
		StatusCode:   statusCode,
		DurationMs:   record.DurationMS,
		Success:      record.Success,
		Signed:       signed,
		Error:        record.Error,
	})

	if invokeErr != nil {
		return nil, invokeErr
	}
	return &Outcome{InvocationID: invocationID, Response: response, Record: record}, nil
}

// functionEnv is the restricted environment handed to function code.
func (e *Engine) functionEnv(containerDir string) map[string]string {
	env := map[string]string{
		"DART_CLOUD_RESTRICTED":  "true",
		"FUNCTION_TIMEOUT_MS":    strconv.FormatInt(e.cfg.Function.Timeout().Milliseconds(), 10),
		"FUNCTION_MAX_MEMORY_MB": strconv.Itoa(e.cfg.Function.MaxMemoryMB),
		"SHARED_PATH":            containerDir,
	}
	if e.cfg.Function.DatabaseURL != "" {
		env["FUNCTION_DATABASE_URL"] = e.cfg.Function.DatabaseURL
		env["FUNCTION_DB_MAX_CONNECTIONS"] = strconv.Itoa(e.cfg.Function.DBMaxConnections)
		env["FUNCTION_DB_TIMEOUT_MS"] = strconv.Itoa(e.cfg.Function.DBTimeoutMS)
	}
	return env
}

// writeInputs materializes request.json and .env.config. Both are atomic so
// the container never sees a partial file.
func (e *Engine) writeInputs(hostDir string, env *domain.Envelope, runEnv map[string]string) error {
	request, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := e.fs.WriteFileAtomic(filepath.Join(hostDir, "request.json"), request, 0644); err != nil {
		return fmt.Errorf("write request.json: %w", err)
	}

	keys := make([]string, 0, len(runEnv))
	for k := range runEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, runEnv[k])
	}
	if err := e.fs.WriteFileAtomic(filepath.Join(hostDir, ".env.config"), []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write .env.config: %w", err)
	}
	return nil
}

// readOutputs reads result.json and logs.json. Both are contract outputs on a
// clean exit; logsOK reports whether logs.json was present and well formed so
// the caller can fail the invocation when it is not.
func (e *Engine) readOutputs(hostDir string) (*domain.Response, []domain.LogEntry, bool) {
	var response *domain.Response
	if data, err := e.fs.ReadFile(filepath.Join(hostDir, "result.json")); err == nil {
		var r domain.Response
		if json.Unmarshal(data, &r) == nil {
			response = &r
		}
	}

	var logs []domain.LogEntry
	logsOK := false
	if data, err := e.fs.ReadFile(filepath.Join(hostDir, "logs.json")); err == nil {
		var bundle struct {
			Logs []domain.LogEntry `json:"logs"`
		}
		if json.Unmarshal(data, &bundle) == nil {
			logs = bundle.Logs
			logsOK = true
		}
	}
	return response, logs, logsOK
}

func (e *Engine) persistLogs(ctx context.Context, functionID string, entries []domain.LogEntry) {
	if len(entries) == 0 {
		return
	}
	rows := make([]*domain.FunctionLog, len(entries))
	for i, entry := range entries {
		ts := time.Now()
		if parsed, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err == nil {
			ts = parsed
		}
		rows[i] = &domain.FunctionLog{
			FunctionID: functionID,
			Level:      entry.Level,
			Message:    entry.Message,
			Timestamp:  ts,
		}
	}
	if err := e.store.AppendFunctionLogs(ctx, rows); err != nil {
		logging.Op().Error("append function logs", "function_id", functionID, "error", err)
	}
}

// markDegraded flips the engine into fail-fast mode and starts the recovery
// probe.
func (e *Engine) markDegraded() {
	if e.degraded.CompareAndSwap(false, true) {
		e.metrics.RuntimeUp.Set(0)
		logging.Op().Error("container runtime unavailable, shedding invocations")
	}
	e.probeRuntime()
}

// probeRuntime checks runtime health in the background until it recovers.
// At most one probe loop runs at a time.
func (e *Engine) probeRuntime() {
	if !e.probing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer e.probing.Store(false)
		for e.degraded.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok := e.rt.Available(ctx)
			cancel()
			if ok {
				e.degraded.Store(false)
				e.metrics.RuntimeUp.Set(1)
				logging.Op().Info("container runtime recovered")
				return
			}
			time.Sleep(3 * time.Second)
		}
	}()
}

func requestInfo(env *domain.Envelope) domain.RequestInfo {
	return domain.RequestInfo{
		Method:  env.Method,
		Path:    env.Path,
		Headers: env.Headers,
		Query:   env.Query,
	}
}

func functionError(response *domain.Response, result *runtime.Result) string {
	if response != nil && len(response.Body) > 0 {
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(response.Body, &body) == nil && body.Error != "" {
			return body.Error
		}
	}
	if stderr := strings.TrimSpace(result.Stderr); stderr != "" {
		return stderr
	}
	return fmt.Sprintf("exit code %d", result.ExitCode)
}
