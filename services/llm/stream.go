// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

// StreamEventType discriminates the events delivered to a StreamCallback.
type StreamEventType string

const (
	// StreamEventToken carries one increment of generated text.
	StreamEventToken StreamEventType = "token"

	// StreamEventDone is the terminal success event; Usage is populated
	// if the backend reported token counts.
	StreamEventDone StreamEventType = "done"

	// StreamEventError is the terminal failure event.
	StreamEventError StreamEventType = "error"
)

// Usage is the token accounting a backend reports at stream end.
// Zero values mean the backend did not report counts.
type Usage struct {
	// PromptTokens counts the input side (system prompt, context, history).
	PromptTokens int

	// CandidateTokens counts the generated output.
	CandidateTokens int

	// TotalTokens is prompt plus candidates.
	TotalTokens int
}

// StreamEvent is one event in a token stream. Token is set only for
// StreamEventToken; Usage only for StreamEventDone; Err only for
// StreamEventError.
type StreamEvent struct {
	Type  StreamEventType
	Token string
	Usage Usage
	Err   error
}

// StreamCallback receives stream events in order. Returning a non-nil
// error aborts the stream; backends stop generating and return that
// error from ChatStream. Exactly one terminal event (Done or Error) is
// delivered per stream unless the callback aborts first.
type StreamCallback func(event StreamEvent) error
