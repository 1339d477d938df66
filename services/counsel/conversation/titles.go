// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/briefwise/briefwise/pkg/logging"
	"github.com/briefwise/briefwise/services/counsel/datatypes"
	"github.com/briefwise/briefwise/services/llm"
)

// titleStore is the slice of storage.Store the generator writes to.
type titleStore interface {
	SetTitleIfDefault(ctx context.Context, conversationID, title string) error
}

// TitleGenerator names a conversation after its first completed
// exchange. Generation is best-effort: failures are logged and the
// conversation keeps its default title.
type TitleGenerator struct {
	client  llm.LLMClient
	store   titleStore
	timeout time.Duration
	logger  *logging.Logger
}

// NewTitleGenerator builds a generator over the given model backend.
func NewTitleGenerator(client llm.LLMClient, store titleStore, timeout time.Duration, logger *logging.Logger) *TitleGenerator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &TitleGenerator{client: client, store: store, timeout: timeout, logger: logger}
}

const titlePrompt = `Name this legal research conversation in at most six words.
Plain words only: no quotes, no trailing punctuation, no "Re:" prefixes.

User: %s
Assistant: %s

Title:`

// GenerateAsync names the conversation in the background. Callers fire
// and forget; the write only lands if the title is still the default,
// so a user rename always wins.
func (g *TitleGenerator) GenerateAsync(conversationID, question, answer string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()

		ctx, span := tracer.Start(ctx, "conversation.GenerateTitle")
		defer span.End()

		title, err := g.generate(ctx, question, answer)
		if err != nil {
			g.logger.Warn("title generation failed", "conversation_id", conversationID, "error", err)
			return
		}
		if err := g.store.SetTitleIfDefault(ctx, conversationID, title); err != nil {
			g.logger.Warn("title write failed", "conversation_id", conversationID, "error", err)
		}
	}()
}

func (g *TitleGenerator) generate(ctx context.Context, question, answer string) (string, error) {
	// The first sentences carry the topic; cap the inputs so the call
	// stays cheap.
	prompt := fmt.Sprintf(titlePrompt, truncateRunes(question, 500), truncateRunes(answer, 500))
	raw, err := g.client.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: llm.Float32Ptr(0.2),
		MaxTokens:   llm.IntPtr(32),
	})
	if err != nil {
		return "", err
	}
	return cleanTitle(raw), nil
}

// cleanTitle normalizes model output into a storable title: one line,
// unquoted, clipped to the title byte ceiling.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(title, `"'`)
	title = strings.TrimRight(title, ".!?")
	title = strings.TrimSpace(title)
	for len(title) > datatypes.MaxTitleBytes {
		_, size := utf8.DecodeLastRuneInString(title)
		title = title[:len(title)-size]
	}
	if title == "" {
		title = "New conversation"
	}
	return title
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
