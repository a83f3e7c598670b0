package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/dartcloud/dartcloud/internal/logging"
)

// Server is the sidecar-side loop: it accepts connections on a Unix socket
// and dispatches line-oriented JSON requests to an underlying runtime port.
// cmd/runtimed wires it over the CLI backend.
type Server struct {
	rt       Runtime
	socket   string
	listener net.Listener

	mu     sync.Mutex
	closed bool
}

// NewServer returns a sidecar server over rt, listening at socketPath.
func NewServer(rt Runtime, socketPath string) *Server {
	return &Server{rt: rt, socket: socketPath}
}

// ListenAndServe accepts connections until Close or ctx cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socket), 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	os.Remove(s.socket)

	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socket, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	logging.Op().Info("sidecar listening", "socket", s.socket)
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

// Close stops accepting and removes the socket file.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.socket)
}

// serveConn handles one connection: one request in flight at a time, one
// JSON line per request and per response.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	enc := json.NewEncoder(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				logging.Op().Debug("sidecar connection closed", "error", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(&Response{OK: false, Error: "malformed request: " + err.Error()})
			return
		}

		resp := s.dispatch(ctx, &req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	resp := &Response{ID: req.ID}

	switch req.Op {
	case OpPing:
		if !s.rt.Available(ctx) {
			resp.Error = "engine unavailable"
			return resp
		}
		resp.OK = true

	case OpBuild:
		if req.Build == nil {
			resp.Error = "missing build arguments"
			return resp
		}
		res, err := s.rt.Build(ctx, req.Build.ContextDir, req.Build.RecipePath, req.Build.ImageTag)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.OK = true
		resp.Result = res

	case OpRun:
		if req.Run == nil {
			resp.Error = "missing run arguments"
			return resp
		}
		res, err := s.rt.Run(ctx, req.Run)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.OK = true
		resp.Result = res

	case OpRemoveImage:
		if req.Remove == nil {
			resp.Error = "missing remove arguments"
			return resp
		}
		if err := s.rt.RemoveImage(ctx, req.Remove.ImageTag); err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.OK = true

	default:
		resp.Error = fmt.Sprintf("unknown op %q", req.Op)
	}

	return resp
}
