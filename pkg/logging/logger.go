// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Briefwise services.
//
// The package is built on Go's standard library slog package, with
// extensions for multi-destination output and managed export:
//
//   - Default: stderr output (follows Unix conventions)
//   - Optional: file logging with automatic directory creation
//   - Managed: extensible via the LogExporter interface for log shipping
//
// # Basic Usage
//
// For simple stderr output:
//
//	logger := logging.Default()
//	logger.Info("stream started", "conversation_id", convID)
//	logger.Error("request failed", "error", err)
//
// # File Logging
//
// To enable file logging alongside stderr:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.briefwise/logs",
//	    Service: "counsel",
//	})
//	defer logger.Close()
//
// This creates log files named `{service}_{date}.log` in JSON format.
//
// # Thread Safety
//
// Logger is safe for concurrent use. Internal state is protected by a
// mutex, and the underlying slog.Logger is thread-safe.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers must
// ensure message content, tokens, and PII are not logged:
//
//	// BAD: logs the user's full question
//	logger.Info("admitted", "content", req.Content)
//
//	// GOOD: log metadata only
//	logger.Info("admitted", "content_chars", len(req.Content))
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity. Levels follow the slog convention and are
// ordered by severity: Debug < Info < Warn < Error. Setting a minimum level
// filters out all logs below it.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for potentially problematic situations the system
	// recovered from (degraded retrieval, fail-open guardrail, retries).
	LevelWarn

	// LevelError is for operation failures where the system continues.
	LevelError
)

// String returns the human-readable name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// =============================================================================
// Configuration
// =============================================================================

// Config controls logger construction.
//
// # Fields
//
//   - Level: Minimum level to emit. Default: LevelInfo.
//   - LogDir: Directory for log files. Empty disables file output.
//     Supports ~ expansion for home-relative paths.
//   - Service: Service name used in file naming and as a base attribute.
//   - Exporter: Optional LogExporter receiving every entry at or above
//     Level. Nil disables export.
//   - Stderr: Override for the stderr stream (tests). Nil means os.Stderr.
type Config struct {
	Level    Level
	LogDir   string
	Service  string
	Exporter LogExporter
	Stderr   io.Writer
}

// =============================================================================
// Export Interface
// =============================================================================

// LogExporter receives structured log entries for shipping to external
// systems. Implementations should buffer internally; Export is called
// synchronously on the logging path and must be cheap.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type LogExporter interface {
	// Export receives one log entry. Errors are ignored by the logger;
	// exporters should handle their own retry/drop policy.
	Export(ctx context.Context, entry LogEntry) error

	// Flush forces buffered entries out. Called from Logger.Close.
	Flush(ctx context.Context) error

	// Close releases exporter resources.
	Close() error
}

// LogEntry is the structured form handed to exporters.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Service   string         `json:"service"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// =============================================================================
// Logger
// =============================================================================

// Logger is a leveled, structured logger with multi-destination output.
//
// # Thread Safety
//
// Safe for concurrent use.
type Logger struct {
	slogger  *slog.Logger
	config   Config
	logFile  *os.File
	exporter LogExporter

	// close is shared across With-derived loggers so the file and
	// exporter are released exactly once for the whole family.
	close *closeState
}

type closeState struct {
	mu     sync.Mutex
	closed bool
}

// New creates a Logger from the given configuration.
//
// Stderr output is always enabled. If LogDir is non-empty the directory is
// created (0750) and a JSON log file named {service}_{date}.log is opened;
// file open failures degrade to stderr-only with a warning rather than
// failing construction.
func New(config Config) *Logger {
	stderr := config.Stderr
	if stderr == nil {
		stderr = io.Writer(os.Stderr)
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(stderr, &slog.HandlerOptions{
			Level: config.Level.toSlogLevel(),
		}),
	}

	l := &Logger{config: config, exporter: config.Exporter, close: &closeState{}}

	if config.LogDir != "" {
		dir := expandPath(config.LogDir)
		if err := os.MkdirAll(dir, 0o750); err == nil {
			name := fmt.Sprintf("%s_%s.log", config.Service, time.Now().UTC().Format("2006-01-02"))
			f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
			if err == nil {
				l.logFile = f
				handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{
					Level: config.Level.toSlogLevel(),
				}))
			} else {
				fmt.Fprintf(stderr, "logging: cannot open log file: %v\n", err)
			}
		} else {
			fmt.Fprintf(stderr, "logging: cannot create log dir: %v\n", err)
		}
	}

	l.slogger = slog.New(&multiHandler{handlers: handlers})
	if config.Service != "" {
		l.slogger = l.slogger.With("service", config.Service)
	}
	return l
}

// Default returns a stderr-only Logger at Info level.
func Default() *Logger {
	return New(Config{Level: LevelInfo})
}

// Debug logs at debug level with alternating key/value args.
func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }

// Info logs at info level with alternating key/value args.
func (l *Logger) Info(msg string, args ...any) { l.log(LevelInfo, msg, args...) }

// Warn logs at warn level with alternating key/value args.
func (l *Logger) Warn(msg string, args ...any) { l.log(LevelWarn, msg, args...) }

// Error logs at error level with alternating key/value args.
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

// With returns a Logger that includes the given attributes on every entry.
// The derived logger shares the parent's file handle, exporter, and close
// state; Close through any logger in the family releases them once.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slogger:  l.slogger.With(args...),
		config:   l.config,
		logFile:  l.logFile,
		exporter: l.exporter,
		close:    l.close,
	}
}

// Slog exposes the underlying slog.Logger for libraries that accept one.
func (l *Logger) Slog() *slog.Logger {
	return l.slogger
}

// Close flushes and closes the log file and exporter. Safe to call more
// than once.
func (l *Logger) Close() error {
	l.close.mu.Lock()
	defer l.close.mu.Unlock()
	if l.close.closed {
		return nil
	}
	l.close.closed = true

	var firstErr error
	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := l.exporter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.logFile != nil {
		if err := l.logFile.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := l.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Logger) log(level Level, msg string, args ...any) {
	if level < l.config.Level {
		return
	}
	switch level {
	case LevelDebug:
		l.slogger.Debug(msg, args...)
	case LevelInfo:
		l.slogger.Info(msg, args...)
	case LevelWarn:
		l.slogger.Warn(msg, args...)
	case LevelError:
		l.slogger.Error(msg, args...)
	}

	if l.exporter != nil {
		_ = l.exporter.Export(context.Background(), LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     level.String(),
			Message:   msg,
			Service:   l.config.Service,
			Attrs:     argsToMap(args),
		})
	}
}

// =============================================================================
// Multi-destination Handler
// =============================================================================

// multiHandler fans a record out to every configured slog handler.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

// =============================================================================
// Helpers
// =============================================================================

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// argsToMap converts alternating key/value args into a map for export.
// Odd trailing args are recorded under "!BADKEY" the way slog does.
func argsToMap(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	attrs := make(map[string]any, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			attrs["!BADKEY"] = args[i]
			continue
		}
		attrs[key] = args[i+1]
	}
	return attrs
}

// =============================================================================
// Built-in Exporters
// =============================================================================

// NopExporter discards all entries. Used when export is disabled.
type NopExporter struct{}

func (e *NopExporter) Export(ctx context.Context, entry LogEntry) error { return nil }
func (e *NopExporter) Flush(ctx context.Context) error                  { return nil }
func (e *NopExporter) Close() error                                     { return nil }

var _ LogExporter = (*NopExporter)(nil)

// BufferedExporter retains entries in memory. Intended for tests.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter returns an empty in-memory exporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{}
}

func (e *BufferedExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

func (e *BufferedExporter) Flush(ctx context.Context) error { return nil }

func (e *BufferedExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = nil
	return nil
}

// Entries returns a copy of the buffered entries.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

var _ LogExporter = (*BufferedExporter)(nil)
