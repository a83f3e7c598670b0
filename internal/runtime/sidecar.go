package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dartcloud/dartcloud/internal/logging"
)

const (
	sidecarStartTimeout = 10 * time.Second
	sidecarDialTimeout  = 2 * time.Second
	sidecarPingTimeout  = 3 * time.Second
	// Run responses can take as long as the run itself; build even longer.
	sidecarBuildTimeout = 15 * time.Minute
)

// Sidecar is the runtime port backed by an out-of-process helper. The port
// owns the helper's lifecycle: spawn on first use, ping health-check, restart
// on transport failure, terminate on shutdown.
type Sidecar struct {
	binaryPath string
	socketPath string

	mu    sync.Mutex
	child *exec.Cmd
}

// NewSidecar returns a sidecar-backed runtime port. The helper is not
// spawned until the first operation.
func NewSidecar(binaryPath, socketPath string) *Sidecar {
	return &Sidecar{binaryPath: binaryPath, socketPath: socketPath}
}

// Build implements Runtime.
func (s *Sidecar) Build(ctx context.Context, contextDir, recipePath, imageTag string) (*Result, error) {
	buildCtx, cancel := context.WithTimeout(ctx, sidecarBuildTimeout)
	defer cancel()

	resp, err := s.roundTrip(buildCtx, &Request{
		Op:    OpBuild,
		Build: &BuildRequest{ContextDir: contextDir, RecipePath: recipePath, ImageTag: imageTag},
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Run implements Runtime. The deadline is enforced sidecar-side; the client
// allows a grace period on top so the kill result can travel back.
func (s *Sidecar) Run(ctx context.Context, spec *RunSpec) (*Result, error) {
	runCtx := ctx
	if spec.TimeoutMS > 0 {
		var cancel context.CancelFunc
		grace := time.Duration(spec.TimeoutMS)*time.Millisecond + 10*time.Second
		runCtx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}

	resp, err := s.roundTrip(runCtx, &Request{Op: OpRun, Run: spec})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// RemoveImage implements Runtime.
func (s *Sidecar) RemoveImage(ctx context.Context, imageTag string) error {
	_, err := s.roundTrip(ctx, &Request{Op: OpRemoveImage, Remove: &RemoveImageRequest{ImageTag: imageTag}})
	return err
}

// Available implements Runtime: a ping over the socket, spawning the helper
// if needed. Any transport error reads as unavailable.
func (s *Sidecar) Available(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, sidecarPingTimeout)
	defer cancel()
	_, err := s.roundTrip(pingCtx, &Request{Op: OpPing})
	return err == nil
}

// Shutdown terminates the helper process.
func (s *Sidecar) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// roundTrip sends one request and reads one response, restarting the helper
// and retrying once on transport failure.
func (s *Sidecar) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := s.ensureStarted(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", errSidecarDown, err)
		}

		resp, err := s.exchange(ctx, req)
		if err == nil {
			if !resp.OK {
				return nil, fmt.Errorf("sidecar %s: %s", req.Op, resp.Error)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		logging.Op().Warn("sidecar transport failure, restarting helper", "op", string(req.Op), "error", err)
		s.restart()
	}
	return nil, errSidecarDown
}

var errSidecarDown = errors.New("sidecar unavailable")

// exchange performs a single-inflight request/response on a fresh connection.
func (s *Sidecar) exchange(ctx context.Context, req *Request) (*Response, error) {
	d := net.Dialer{Timeout: sidecarDialTimeout}
	conn, err := d.DialContext(ctx, "unix", s.socketPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode sidecar response: %w", err)
	}
	return &resp, nil
}

func (s *Sidecar) ensureStarted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.child != nil && s.child.ProcessState == nil {
		return nil
	}
	return s.spawnLocked(ctx)
}

func (s *Sidecar) restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Sidecar) spawnLocked(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	os.Remove(s.socketPath)

	cmd := exec.Command(s.binaryPath, "--socket", s.socketPath)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn sidecar %s: %w", s.binaryPath, err)
	}
	go cmd.Wait()
	s.child = cmd

	// Wait for the socket to come up.
	deadline := time.Now().Add(sidecarStartTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			s.stopLocked()
			return ctx.Err()
		}
		conn, err := net.DialTimeout("unix", s.socketPath, 250*time.Millisecond)
		if err == nil {
			conn.Close()
			logging.Op().Info("sidecar started", "path", s.binaryPath, "socket", s.socketPath)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	s.stopLocked()
	return fmt.Errorf("sidecar did not open %s within %s", s.socketPath, sidecarStartTimeout)
}

func (s *Sidecar) stopLocked() {
	if s.child == nil {
		return
	}
	if s.child.Process != nil {
		s.child.Process.Signal(syscall.SIGTERM)

		done := make(chan struct{})
		proc := s.child
		go func() {
			proc.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			proc.Process.Kill()
		}
	}
	s.child = nil
}
