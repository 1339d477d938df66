// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides the client-side components of the Briefwise CLI.
//
// This file contains the SSE stream reader that consumes a chat stream
// from an io.Reader and emits parsed frames via callbacks.
//
// Single Responsibility:
//
//	The reader handles I/O and frame sequencing. It does not render
//	output or verify integrity; compose it with a ChainVerifier and a
//	print callback as needed.
//
// Context Support:
//
//	Read accepts context.Context for cancellation. When the context is
//	cancelled, reading stops and the context error is returned.
package ux

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// =============================================================================
// Wire Frames
// =============================================================================

// Frame mirrors the JSON payload of one SSE event on the chat stream.
//
// Exactly one of Text, Usage, or Message is populated, selected by
// Type. The ID, CreatedAt, Hash, and PrevHash fields form the
// tamper-evident chain verified by ChainVerifier.
type Frame struct {
	Type string `json:"type"`

	// Text is set for chunk frames.
	Text string `json:"text,omitempty"`

	// Usage is set for done frames.
	Usage *Usage `json:"usage,omitempty"`

	// Message is set for error frames.
	Message string `json:"message,omitempty"`

	// Integrity chain fields, populated by the server.
	ID        string `json:"id,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	Hash      string `json:"hash,omitempty"`
	PrevHash  string `json:"prevHash,omitempty"`

	// Index is the zero-based position of the frame in the stream,
	// assigned by the reader.
	Index int `json:"-"`
}

// Usage reports the token accounting of one completed generation.
type Usage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// Frame type discriminators, matching the server's wire contract.
const (
	FrameChunk = "chunk"
	FrameDone  = "done"
	FrameError = "error"
)

// IsTerminal reports whether the frame ends the stream.
func (f *Frame) IsTerminal() bool {
	return f.Type == FrameDone || f.Type == FrameError
}

// StreamCallback is invoked for each parsed frame. Returning a non-nil
// error stops reading and propagates the error to the caller.
type StreamCallback func(frame Frame) error

// StreamResult aggregates a fully consumed stream.
type StreamResult struct {
	// Answer is the concatenation of all chunk text.
	Answer string

	// Usage is the token accounting from the done frame, if any.
	Usage *Usage

	// Error is the message from an error frame, if the stream failed.
	Error string

	// Frames holds every frame in arrival order, for integrity checks.
	Frames []Frame

	// FirstChunkAt and CompletedAt are UnixMilli client-side timestamps.
	FirstChunkAt int64
	CompletedAt  int64
}

// =============================================================================
// SSE Stream Reader
// =============================================================================

// StreamReader reads a chat SSE stream and invokes callbacks.
//
// # Thread Safety
//
// A single Read or ReadAll call must not run concurrently with another
// on the same reader instance.
type StreamReader interface {
	// Read processes a stream, invoking callback for each frame.
	// Reading stops at EOF, a terminal frame, context cancellation,
	// or a callback error.
	Read(ctx context.Context, r io.Reader, callback StreamCallback) error

	// ReadAll consumes the entire stream and returns the aggregate.
	// An error frame on the stream is captured in StreamResult.Error;
	// it does not produce a non-nil error return.
	ReadAll(ctx context.Context, r io.Reader) (*StreamResult, error)
}

type sseStreamReader struct{}

// NewStreamReader creates a reader for the chat SSE wire format.
func NewStreamReader() StreamReader {
	return &sseStreamReader{}
}

// Read scans the stream line by line. Frames arrive as an "event:"
// line followed by a "data:" line carrying the JSON payload; comment
// lines (keepalives) and blank lines are skipped.
func (r *sseStreamReader) Read(ctx context.Context, reader io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	index := 0

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		// Keepalive comments and blank separators carry no frame.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		// The event name is redundant with the payload's type field.
		if strings.HasPrefix(line, "event:") {
			continue
		}

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}

		var frame Frame
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &frame); err != nil {
			return fmt.Errorf("parse frame %d: %w", index, err)
		}
		frame.Index = index
		index++

		if err := callback(frame); err != nil {
			return err
		}
		if frame.IsTerminal() {
			return nil
		}
	}
	return scanner.Err()
}

// ReadAll collects chunk text into Answer and captures the terminal
// frame's usage or error message.
func (r *sseStreamReader) ReadAll(ctx context.Context, reader io.Reader) (*StreamResult, error) {
	result := &StreamResult{}
	var answer strings.Builder

	err := r.Read(ctx, reader, func(frame Frame) error {
		result.Frames = append(result.Frames, frame)

		switch frame.Type {
		case FrameChunk:
			if result.FirstChunkAt == 0 {
				result.FirstChunkAt = time.Now().UnixMilli()
			}
			answer.WriteString(frame.Text)

		case FrameDone:
			result.Usage = frame.Usage
			result.CompletedAt = time.Now().UnixMilli()

		case FrameError:
			result.Error = frame.Message
			result.CompletedAt = time.Now().UnixMilli()
		}
		return nil
	})

	result.Answer = answer.String()
	if result.CompletedAt == 0 {
		result.CompletedAt = time.Now().UnixMilli()
	}
	return result, err
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamReader = (*sseStreamReader)(nil)
