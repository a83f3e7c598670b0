// Package logging provides the operational slog logger and the per-invocation
// request log.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// RequestLog is a single invocation log entry.
type RequestLog struct {
	Timestamp    time.Time `json:"timestamp"`
	InvocationID string    `json:"invocation_id"`
	FunctionID   string    `json:"function_id"`
	Function     string    `json:"function,omitempty"`
	Version      int       `json:"version,omitempty"`
	Status       string    `json:"status"`
	StatusCode   int       `json:"status_code"`
	DurationMs   int64     `json:"duration_ms"`
	Success      bool      `json:"success"`
	Signed       bool      `json:"signed"`
	Error        string    `json:"error,omitempty"`
}

// Logger writes invocation entries to the console and optionally to a file.
type Logger struct {
	mu      sync.Mutex
	console bool
	file    *os.File
}

var defaultLogger = &Logger{console: true}

// Default returns the default invocation logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the JSON log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes one invocation entry.
func (l *Logger) Log(entry *RequestLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		signed := ""
		if !entry.Signed {
			signed = " [unsigned]"
		}
		fmt.Printf("[invoke] %s %s %s %d %dms%s\n",
			status, entry.InvocationID, entry.Function, entry.StatusCode, entry.DurationMs, signed)
		if entry.Error != "" {
			fmt.Printf("[invoke]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
