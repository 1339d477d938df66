// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation holds the model-backed helpers that operate on a
// single conversation: query refinement for retrieval and background
// title generation.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/briefwise/briefwise/pkg/logging"
	"github.com/briefwise/briefwise/services/llm"
)

var tracer = otel.Tracer("briefwise.counsel.conversation")

// RefinedQuery is the condensed, context-aware restatement of the
// user's question that drives retrieval.
type RefinedQuery struct {
	Query    string   `json:"query"`
	Keywords []string `json:"keywords"`
}

// SearchText joins the refined query with its keywords for the BM25
// search input.
func (r RefinedQuery) SearchText() string {
	if len(r.Keywords) == 0 {
		return r.Query
	}
	return r.Query + " " + strings.Join(r.Keywords, " ")
}

// QueryRefiner condenses a raw user message plus prior turns into a
// retrieval query via a low-temperature model call.
type QueryRefiner struct {
	client  llm.LLMClient
	timeout time.Duration
	logger  *logging.Logger
}

// NewQueryRefiner builds a refiner over the given model backend.
func NewQueryRefiner(client llm.LLMClient, timeout time.Duration, logger *logging.Logger) *QueryRefiner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &QueryRefiner{client: client, timeout: timeout, logger: logger}
}

const refinerPrompt = `You condense legal research questions for keyword search.
Given the conversation so far and the latest user question, produce a single
self-contained search query plus up to five keywords. Resolve pronouns and
references ("that statute", "the second option") using the conversation.
Respond with ONLY a JSON object, no prose, no code fences:
{"query": "<self-contained question>", "keywords": ["k1", "k2"]}

Conversation:
%s

Latest question:
%s`

// Refine produces the retrieval query for the latest user message.
// history is chronological; an empty history is valid for a fresh
// conversation.
func (r *QueryRefiner) Refine(ctx context.Context, history []llm.Message, latest string) (RefinedQuery, error) {
	ctx, span := tracer.Start(ctx, "conversation.Refine")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.client.Generate(ctx, fmt.Sprintf(refinerPrompt, renderHistory(history), latest), llm.GenerationParams{
		Temperature: llm.Float32Ptr(0.1),
		MaxTokens:   llm.IntPtr(256),
	})
	if err != nil {
		return RefinedQuery{}, fmt.Errorf("refinement call: %w", err)
	}

	refined := RefinedQuery{}
	if err := json.Unmarshal([]byte(stripFences(raw)), &refined); err != nil {
		return RefinedQuery{}, fmt.Errorf("refiner returned malformed output: %w", err)
	}
	if strings.TrimSpace(refined.Query) == "" {
		return RefinedQuery{}, fmt.Errorf("refiner returned empty query")
	}
	return refined, nil
}

// renderHistory flattens prior turns for the refiner prompt. Long
// histories are capped to the most recent turns; the refiner only
// needs enough to resolve references.
func renderHistory(history []llm.Message) string {
	const maxTurns = 10
	if len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}
	if len(history) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, m := range history {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// stripFences tolerates models that wrap JSON in markdown fences.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
