// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/briefwise/briefwise/services/counsel/datatypes"
)

// =============================================================================
// SSE Writer
// =============================================================================

// SSEWriter writes stream frames to an HTTP response in SSE wire
// format (event: type\ndata: json\n\n).
//
// # Description
//
// Each frame is automatically assigned an ID (UUID v4), a CreatedAt
// timestamp (Unix millis), and a Hash/PrevHash pair forming a
// tamper-evident chain over the stream. Keepalive comments are not
// frames and do not enter the chain.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the chat handler
// writes chunks and keepalives from different goroutines.
type SSEWriter interface {
	// WriteFrame assigns chain metadata, serializes and flushes one
	// frame. The frame's ID, CreatedAt, Hash and PrevHash fields are
	// overwritten.
	WriteFrame(frame datatypes.StreamFrame) error

	// WriteChunk writes one increment of generated text.
	WriteChunk(text string) error

	// WriteDone writes the terminal success frame. Exactly one
	// terminal frame is written per stream.
	WriteDone(usage datatypes.UsageCounts) error

	// WriteError writes the terminal failure frame. The message must
	// already be user-safe; internal detail stays in server logs.
	WriteError(message string) error

	// WriteKeepAlive sends an SSE comment (": ping\n\n") to reset load
	// balancer idle timers during long model calls. Comments are
	// ignored by SSE clients and do not update the hash chain.
	WriteKeepAlive() error
}

// sseWriter is the http.ResponseWriter-backed implementation.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter wraps a ResponseWriter for SSE output. The caller must
// set SSE headers (SetSSEHeaders) before the first write. Fails when
// the ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteFrame(frame datatypes.StreamFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame.ID = uuid.New().String()
	frame.CreatedAt = time.Now().UnixMilli()
	frame.PrevHash = w.prevHash
	frame.Hash = computeFrameHash(frame)
	w.prevHash = frame.Hash

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", frame.Type, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteChunk(text string) error {
	return w.WriteFrame(datatypes.ChunkFrame(text))
}

func (w *sseWriter) WriteDone(usage datatypes.UsageCounts) error {
	return w.WriteFrame(datatypes.DoneFrame(usage))
}

func (w *sseWriter) WriteError(message string) error {
	return w.WriteFrame(datatypes.ErrorFrame(message))
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// computeFrameHash hashes the frame's identifying and content fields.
// Hash itself is excluded; PrevHash must already be set. Usage is
// JSON-serialized for a stable representation.
func computeFrameHash(frame datatypes.StreamFrame) string {
	usageJSON := ""
	if frame.Usage != nil {
		if data, err := json.Marshal(frame.Usage); err == nil {
			usageJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s",
		frame.ID,
		frame.Type,
		frame.CreatedAt,
		frame.PrevHash,
		frame.Text,
		frame.Message,
		usageJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// SetSSEHeaders configures the response for SSE streaming. Must run
// before any body write. X-Accel-Buffering disables nginx buffering so
// chunks reach the client as they are produced.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
