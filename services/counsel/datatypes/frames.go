// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// FrameType discriminates the SSE frames of a chat stream.
type FrameType string

const (
	// FrameChunk carries one increment of generated text.
	FrameChunk FrameType = "chunk"

	// FrameDone is the terminal success frame carrying token usage.
	FrameDone FrameType = "done"

	// FrameError is the terminal failure frame.
	FrameError FrameType = "error"
)

// UsageCounts reports the token accounting of one completed generation.
// Field names match the wire contract consumed by the web client.
type UsageCounts struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// StreamFrame is the JSON payload of one SSE event. Exactly one of
// Text, Usage, or Message is populated, selected by Type.
//
// The ID, CreatedAt, Hash, and PrevHash fields form a tamper-evident
// chain over the stream: Hash covers (ID, Type, payload, CreatedAt,
// PrevHash), and each frame's PrevHash is the previous frame's Hash.
// Clients can verify stream integrity after the fact; the fields are
// populated by the SSE writer, not by frame constructors.
type StreamFrame struct {
	Type FrameType `json:"type"`

	// Text is set for chunk frames.
	Text string `json:"text,omitempty"`

	// Usage is set for done frames.
	Usage *UsageCounts `json:"usage,omitempty"`

	// Message is set for error frames. It is always a generic,
	// user-safe string; internal detail stays in server logs.
	Message string `json:"message,omitempty"`

	// Integrity chain, populated by the SSE writer.
	ID        string `json:"id,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	Hash      string `json:"hash,omitempty"`
	PrevHash  string `json:"prevHash,omitempty"`
}

// ChunkFrame builds a chunk frame.
func ChunkFrame(text string) StreamFrame {
	return StreamFrame{Type: FrameChunk, Text: text}
}

// DoneFrame builds the terminal success frame.
func DoneFrame(usage UsageCounts) StreamFrame {
	return StreamFrame{Type: FrameDone, Usage: &usage}
}

// ErrorFrame builds the terminal failure frame.
func ErrorFrame(message string) StreamFrame {
	return StreamFrame{Type: FrameError, Message: message}
}
