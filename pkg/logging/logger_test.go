// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
)

func TestLevelString(t *testing.T) {
	cases := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.level.String(); got != tc.want {
			t.Errorf("Level(%d).String() = %q, want %q", tc.level, got, tc.want)
		}
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Stderr: &buf})
	defer logger.Close()

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") {
		t.Error("debug message emitted below minimum level")
	}
	if strings.Contains(out, "info message") {
		t.Error("info message emitted below minimum level")
	}
	if !strings.Contains(out, "warn message") {
		t.Error("warn message missing")
	}
	if !strings.Contains(out, "error message") {
		t.Error("error message missing")
	}
}

func TestLoggerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Stderr: &buf})
	defer logger.Close()

	derived := logger.With("conversation_id", "c-123")
	derived.Info("quota reserved")

	out := buf.String()
	if !strings.Contains(out, "conversation_id=c-123") {
		t.Errorf("derived attribute missing from output: %s", out)
	}
}

func TestLoggerServiceAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "counsel", Stderr: &buf})
	defer logger.Close()

	logger.Info("starting")
	if !strings.Contains(buf.String(), "service=counsel") {
		t.Errorf("service attribute missing: %s", buf.String())
	}
}

func TestLoggerExporter(t *testing.T) {
	var buf bytes.Buffer
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Service: "counsel", Exporter: exporter, Stderr: &buf})

	logger.Debug("filtered out")
	logger.Info("admitted", "user_id", "u-1", "remaining", 9)

	entries := exporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 exported entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Level != "INFO" || e.Message != "admitted" || e.Service != "counsel" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Attrs["user_id"] != "u-1" {
		t.Errorf("attrs not captured: %+v", e.Attrs)
	}

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close twice is a no-op.
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// countingExporter records how many times Close runs.
type countingExporter struct {
	mu     sync.Mutex
	closes int
}

func (e *countingExporter) Export(_ context.Context, _ LogEntry) error { return nil }
func (e *countingExporter) Flush(_ context.Context) error              { return nil }

func (e *countingExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

func TestDerivedLoggerSharesCloseState(t *testing.T) {
	var buf bytes.Buffer
	exporter := &countingExporter{}
	logger := New(Config{Level: LevelInfo, Exporter: exporter, Stderr: &buf})
	derived := logger.With("conversation_id", "c-123")

	if err := derived.Close(); err != nil {
		t.Fatalf("derived Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("root Close after derived: %v", err)
	}
	if exporter.closes != 1 {
		t.Errorf("exporter closed %d times, want 1", exporter.closes)
	}
}

func TestLoggerFileOutput(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	logger := New(Config{Level: LevelInfo, LogDir: dir, Service: "counsel", Stderr: &buf})

	logger.Info("file test entry")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if logger.logFile == nil {
		t.Fatal("log file was not opened")
	}
}

func TestLoggerConcurrency(t *testing.T) {
	var buf bytes.Buffer
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Exporter: exporter, Stderr: &buf})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("concurrent entry", "n", n)
		}(i)
	}
	wg.Wait()

	if got := len(exporter.Entries()); got != 20 {
		t.Errorf("expected 20 exported entries, got %d", got)
	}
}

func TestArgsToMap(t *testing.T) {
	m := argsToMap([]any{"key", "value", "count", 3})
	if m["key"] != "value" || m["count"] != 3 {
		t.Errorf("unexpected map: %+v", m)
	}

	m = argsToMap([]any{"dangling"})
	if _, ok := m["!BADKEY"]; !ok {
		t.Errorf("dangling arg not recorded: %+v", m)
	}

	if argsToMap(nil) != nil {
		t.Error("empty args should produce nil map")
	}
}

func TestExpandPath(t *testing.T) {
	if got := expandPath("/var/log/briefwise"); got != "/var/log/briefwise" {
		t.Errorf("absolute path changed: %s", got)
	}
	if got := expandPath("~/logs"); strings.HasPrefix(got, "~") {
		t.Errorf("tilde not expanded: %s", got)
	}
}
