// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm abstracts the model backends used by Briefwise.
//
// Two backends ship today: OpenAI-compatible APIs (openai_llm.go) and
// Google Gemini (gemini_llm.go). Both expose blocking single-shot
// generation for internal calls (query refinement, guardrail verdicts,
// title generation) and token streaming for the chat pipeline.
package llm

import "context"

// GenerationParams are per-call sampling overrides. Nil fields mean
// the backend default.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Role values for chat messages, matching what both backends accept.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat transcript sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMClient is the interface every model backend implements.
//
// Generate is for internal single-shot calls where the full completion
/// is needed at once. ChatStream drives the user-facing pipeline: the
// backend invokes the callback once per token event and once with a
// terminal Done or Error event.
//
// Implementations must be safe for concurrent use.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback) error
}

// Float32Ptr is a convenience for building GenerationParams literals.
func Float32Ptr(v float32) *float32 { return &v }

// IntPtr is a convenience for building GenerationParams literals.
func IntPtr(v int) *int { return &v }
