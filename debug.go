package strata

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// DebugLogger logs remote communication: requests, responses, and full
// error details. A nil or disabled DebugLogger discards everything.
type DebugLogger struct {
	mu      sync.Mutex
	enabled bool
	writer  io.Writer
	logger  *slog.Logger
}

// NewDebugLogger creates a new debug logger.
// If logPath is empty, logs to stderr.
func NewDebugLogger(enabled bool, logPath string) (*DebugLogger, error) {
	var writer io.Writer = os.Stderr

	if enabled && logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open debug log: %w", err)
		}
		writer = f
	}

	return newDebugLoggerTo(enabled, writer), nil
}

func newDebugLoggerTo(enabled bool, w io.Writer) *DebugLogger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &DebugLogger{
		enabled: enabled,
		writer:  w,
		logger:  slog.New(handler).With("component", "strata"),
	}
}

// Enabled reports whether the logger writes anything.
func (l *DebugLogger) Enabled() bool {
	return l != nil && l.enabled
}

// Slog returns the underlying structured logger, or nil when disabled.
func (l *DebugLogger) Slog() *slog.Logger {
	if !l.Enabled() {
		return nil
	}
	return l.logger
}

// Close closes the debug logger if it's writing to a file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if closer, ok := l.writer.(io.Closer); ok && l.writer != os.Stderr {
		return closer.Close()
	}
	return nil
}

// LogRequest logs an outgoing HTTP request.
func (l *DebugLogger) LogRequest(method, url string, body []byte) {
	if !l.Enabled() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	attrs := []any{"method", method, "url", url}
	if len(body) > 0 {
		attrs = append(attrs, "body", truncateForLog(string(body), 2000))
	}
	l.logger.Debug("request", attrs...)
}

// LogResponse logs an HTTP response.
func (l *DebugLogger) LogResponse(statusCode int, status string, body []byte) {
	if !l.Enabled() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	attrs := []any{"status_code", statusCode, "status", status}
	if len(body) > 0 {
		attrs = append(attrs, "body", truncateForLog(string(body), 4000))
	}
	l.logger.Debug("response", attrs...)
}

// LogError logs an error with full details.
func (l *DebugLogger) LogError(operation string, err error) {
	if !l.Enabled() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.logger.Debug("error", "operation", operation, "error", err)
}

// truncateForLog truncates a string for logging purposes.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// discardLogger returns a logger that drops every record.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
