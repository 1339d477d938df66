// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/briefwise/briefwise/services/llm"
)

type fakeModel struct {
	mu       sync.Mutex
	response string
	err      error
	prompts  []string
}

func (f *fakeModel) Generate(_ context.Context, prompt string, _ llm.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return f.response, f.err
}

func (f *fakeModel) ChatStream(_ context.Context, _ []llm.Message, _ llm.GenerationParams, _ llm.StreamCallback) error {
	return errors.New("not implemented")
}

func (f *fakeModel) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func TestRefine(t *testing.T) {
	model := &fakeModel{response: `{"query": "statute of limitations for breach of written contract", "keywords": ["limitation", "contract", "breach"]}`}
	refiner := NewQueryRefiner(model, time.Second, nil)

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "What governs written contracts?"},
		{Role: llm.RoleAssistant, Content: "The civil code, articles 40 through 55."},
	}
	refined, err := refiner.Refine(context.Background(), history, "and how long do I have to sue?")
	if err != nil {
		t.Fatal(err)
	}
	if refined.Query != "statute of limitations for breach of written contract" {
		t.Errorf("query = %q", refined.Query)
	}
	if len(refined.Keywords) != 3 {
		t.Errorf("keywords = %v", refined.Keywords)
	}
	if !strings.Contains(model.lastPrompt(), "What governs written contracts?") {
		t.Error("history missing from prompt")
	}

	want := "statute of limitations for breach of written contract limitation contract breach"
	if got := refined.SearchText(); got != want {
		t.Errorf("SearchText = %q", got)
	}
}

func TestRefineFailures(t *testing.T) {
	cases := []struct {
		name     string
		response string
		err      error
	}{
		{"call error", "", errors.New("upstream timeout")},
		{"malformed output", "Sure! Here's a refined query:", nil},
		{"empty query", `{"query": "  ", "keywords": []}`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model := &fakeModel{response: tc.response, err: tc.err}
			refiner := NewQueryRefiner(model, time.Second, nil)
			if _, err := refiner.Refine(context.Background(), nil, "question"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRenderHistoryCapsTurns(t *testing.T) {
	history := make([]llm.Message, 14)
	for i := range history {
		history[i] = llm.Message{Role: llm.RoleUser, Content: strings.Repeat("x", i+1)}
	}
	rendered := renderHistory(history)
	if strings.Contains(rendered, "user: x\n") {
		t.Error("oldest turn should have been dropped")
	}
	if !strings.Contains(rendered, strings.Repeat("x", 14)) {
		t.Error("newest turn missing")
	}
	if renderHistory(nil) != "(none)" {
		t.Error("empty history placeholder")
	}
}

type fakeTitleStore struct {
	mu     sync.Mutex
	titles map[string]string
	done   chan struct{}
}

func (s *fakeTitleStore) SetTitleIfDefault(_ context.Context, conversationID, title string) error {
	s.mu.Lock()
	s.titles[conversationID] = title
	s.mu.Unlock()
	close(s.done)
	return nil
}

func TestGenerateAsyncWritesTitle(t *testing.T) {
	model := &fakeModel{response: "\"Contract limitation periods.\"\n"}
	store := &fakeTitleStore{titles: map[string]string{}, done: make(chan struct{})}
	gen := NewTitleGenerator(model, store, time.Second, nil)

	gen.GenerateAsync("conv-1", "how long to sue on a contract?", "Generally five years.")

	select {
	case <-store.done:
	case <-time.After(2 * time.Second):
		t.Fatal("title write never happened")
	}
	if got := store.titles["conv-1"]; got != "Contract limitation periods" {
		t.Errorf("title = %q", got)
	}
}

func TestCleanTitle(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"quotes and period", `"Adverse Possession Basics."`, "Adverse Possession Basics"},
		{"multiline keeps first", "Good Title\nAnd some explanation", "Good Title"},
		{"whitespace only falls back", "   \n  ", "New conversation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cleanTitle(tc.raw); got != tc.want {
				t.Errorf("cleanTitle(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}

	// Clipping respects rune boundaries.
	long := strings.Repeat("法", 300)
	clipped := cleanTitle(long)
	if len(clipped) > 256 {
		t.Errorf("clipped title is %d bytes", len(clipped))
	}
	if !strings.HasPrefix(long, clipped) || clipped == "" {
		t.Error("clip broke a rune boundary")
	}
}
