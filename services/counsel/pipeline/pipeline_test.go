// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/briefwise/briefwise/services/counsel/admission"
	"github.com/briefwise/briefwise/services/counsel/conversation"
	"github.com/briefwise/briefwise/services/counsel/guardrail"
	"github.com/briefwise/briefwise/services/counsel/observability"
	"github.com/briefwise/briefwise/services/counsel/retrieval"
	"github.com/briefwise/briefwise/services/counsel/storage"
	"github.com/briefwise/briefwise/services/llm"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeLimiter struct {
	decision admission.Decision
}

func (f *fakeLimiter) Check(_ context.Context, _ string) admission.Decision { return f.decision }
func (f *fakeLimiter) Close() error                                         { return nil }

type fakeGuard struct {
	err error
}

func (f *fakeGuard) Validate(_ context.Context, _, _, _ string) error { return f.err }

type fakeLedger struct {
	limit int
	plan  string
}

func (f *fakeLedger) LimitFor(_ context.Context, _ string) (int, string, error) {
	return f.limit, f.plan, nil
}

func (f *fakeLedger) Period() string { return "2026-03" }

type fakeStore struct {
	mu            sync.Mutex
	appendErr     error
	finalizeErr   error
	history       []storage.Message
	appendCalls   int
	finalizedText string
	finalizedTok  [3]int
	created       bool
}

func (f *fakeStore) AppendUserMessage(_ context.Context, params storage.AppendParams) (*storage.AppendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls++
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	convID := params.ConversationID
	created := false
	if convID == "" {
		convID = "conv-new"
		created = true
	}
	f.created = created
	return &storage.AppendResult{
		ConversationID:      convID,
		MessageID:           "msg-user-1",
		CreatedConversation: created,
		Used:                1,
	}, nil
}

func (f *fakeStore) FinalizeAssistantMessage(_ context.Context, _, content string, prompt, candidate, total int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return "", f.finalizeErr
	}
	f.finalizedText = content
	f.finalizedTok = [3]int{prompt, candidate, total}
	return "msg-assistant-1", nil
}

func (f *fakeStore) ListRecentMessages(_ context.Context, _ string, _ int) ([]storage.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeStore) finalized() (string, [3]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalizedText, f.finalizedTok
}

type fakeRefiner struct {
	refined conversation.RefinedQuery
	err     error
}

func (f *fakeRefiner) Refine(_ context.Context, _ []llm.Message, latest string) (conversation.RefinedQuery, error) {
	if f.err != nil {
		return conversation.RefinedQuery{}, f.err
	}
	if f.refined.Query == "" {
		return conversation.RefinedQuery{Query: latest}, nil
	}
	return f.refined, nil
}

type fakeSearcher struct {
	passages []retrieval.Passage
	err      error
	calls    int
}

func (f *fakeSearcher) Search(_ context.Context, _ string, _ int) ([]retrieval.Passage, error) {
	f.calls++
	return f.passages, f.err
}

type fakeStreamClient struct {
	mu       sync.Mutex
	tokens   []string
	usage    llm.Usage
	err      error
	blockCtx bool
	messages []llm.Message
}

func (f *fakeStreamClient) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeStreamClient) ChatStream(ctx context.Context, messages []llm.Message, _ llm.GenerationParams, callback llm.StreamCallback) error {
	f.mu.Lock()
	f.messages = messages
	f.mu.Unlock()

	if f.err != nil {
		return callback(llm.StreamEvent{Type: llm.StreamEventError, Err: f.err})
	}
	for i, tok := range f.tokens {
		if f.blockCtx && i == 2 {
			<-ctx.Done()
			return ctx.Err()
		}
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Token: tok}); err != nil {
			return err
		}
	}
	return callback(llm.StreamEvent{Type: llm.StreamEventDone, Usage: f.usage})
}

func (f *fakeStreamClient) sentMessages() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages
}

type fakeTitles struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTitles) GenerateAsync(conversationID, _, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, conversationID)
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	pipeline *Pipeline
	limiter  *fakeLimiter
	guard    *fakeGuard
	ledger   *fakeLedger
	store    *fakeStore
	refiner  *fakeRefiner
	searcher *fakeSearcher
	client   *fakeStreamClient
	titles   *fakeTitles
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("BRIEFWISE_INSECURE_MEMORY", "true")

	h := &harness{
		limiter:  &fakeLimiter{decision: admission.Decision{Allowed: true, Remaining: 10}},
		guard:    &fakeGuard{},
		ledger:   &fakeLedger{limit: 10, plan: "free"},
		store:    &fakeStore{},
		refiner:  &fakeRefiner{},
		searcher: &fakeSearcher{},
		client: &fakeStreamClient{
			tokens: []string{"The ", "limitation ", "period ", "is ", "five ", "years."},
			usage:  llm.Usage{PromptTokens: 40, CandidateTokens: 12, TotalTokens: 52},
		},
		titles: &fakeTitles{},
	}
	h.pipeline = New(Deps{
		Limiter:  h.limiter,
		Guard:    h.guard,
		Ledger:   h.ledger,
		Store:    h.store,
		Refiner:  h.refiner,
		Searcher: h.searcher,
		Client:   h.client,
		Titles:   h.titles,
		Metrics:  observability.NewMetrics(prometheus.NewRegistry()),
	}, Config{
		Deadline:     5 * time.Second,
		SystemPrompt: "You are a legal research assistant.",
		Model:        "test-model",
	})
	return h
}

func request() Request {
	return Request{UserID: "u-1", ClientIP: "10.0.0.1", Content: "how long to sue on a contract?"}
}

// =============================================================================
// Tests
// =============================================================================

func TestStreamHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	adm, failure := h.pipeline.Admit(ctx, request())
	if failure != nil {
		t.Fatalf("admit failed: %v", failure)
	}
	if adm.ConversationID != "conv-new" || !adm.CreatedConversation {
		t.Errorf("admission: %+v", adm)
	}

	var chunks []string
	result, failure := h.pipeline.Stream(ctx, adm, request(), func(text string) error {
		chunks = append(chunks, text)
		return nil
	})
	if failure != nil {
		t.Fatalf("stream failed: %v", failure)
	}

	// Concatenated chunks must equal the persisted content.
	joined := strings.Join(chunks, "")
	persisted, tokens := h.store.finalized()
	if joined != persisted {
		t.Errorf("chunks %q != persisted %q", joined, persisted)
	}
	if result.Content != persisted {
		t.Errorf("result content mismatch")
	}
	if tokens != [3]int{40, 12, 52} {
		t.Errorf("token accounting: %v", tokens)
	}
	if result.ContentHash == "" {
		t.Error("content hash missing")
	}

	// First exchange on a new conversation triggers naming.
	h.titles.mu.Lock()
	titleCalls := len(h.titles.calls)
	h.titles.mu.Unlock()
	if titleCalls != 1 {
		t.Errorf("title generator calls: %d", titleCalls)
	}
}

func TestNilMetricsDefaulted(t *testing.T) {
	// Metrics omitted from Deps; the first rejection records against
	// the defaulted instance instead of panicking.
	pipe := New(Deps{
		Limiter: &fakeLimiter{decision: admission.Decision{
			Allowed:   false,
			ResetTime: time.Now().Add(30 * time.Second),
		}},
		Guard:    &fakeGuard{},
		Ledger:   &fakeLedger{limit: 10, plan: "free"},
		Store:    &fakeStore{},
		Refiner:  &fakeRefiner{},
		Searcher: &fakeSearcher{},
		Client:   &fakeStreamClient{},
	}, Config{})

	_, failure := pipe.Admit(context.Background(), request())
	if failure == nil || failure.Kind != FailRateLimited {
		t.Fatalf("failure: %+v", failure)
	}
}

func TestAdmitRateLimited(t *testing.T) {
	h := newHarness(t)
	h.limiter.decision = admission.Decision{
		Allowed:   false,
		ResetTime: time.Now().Add(30 * time.Second),
	}

	_, failure := h.pipeline.Admit(context.Background(), request())
	if failure == nil || failure.Kind != FailRateLimited {
		t.Fatalf("failure: %+v", failure)
	}
	if failure.Status != http.StatusTooManyRequests {
		t.Errorf("status %d", failure.Status)
	}
	if failure.RetryAfter < time.Second {
		t.Errorf("retry-after %v", failure.RetryAfter)
	}
	if h.store.appendCalls != 0 {
		t.Error("store touched on rate-limited request")
	}
}

func TestAdmitGuardrailRejected(t *testing.T) {
	h := newHarness(t)
	h.guard.err = &guardrail.RejectedError{Reason: "prompt injection", Confidence: 0.92}

	_, failure := h.pipeline.Admit(context.Background(), request())
	if failure == nil || failure.Kind != FailGuardrailRejected {
		t.Fatalf("failure: %+v", failure)
	}
	if failure.Status != http.StatusBadRequest {
		t.Errorf("status %d", failure.Status)
	}
	// The client sees the generic refusal only.
	if strings.Contains(failure.Message, "injection") {
		t.Errorf("reason leaked: %q", failure.Message)
	}
	if h.store.appendCalls != 0 {
		t.Error("store touched on rejected request")
	}
}

func TestAdmitQuotaExceeded(t *testing.T) {
	h := newHarness(t)
	h.store.appendErr = storage.ErrQuotaExceeded

	_, failure := h.pipeline.Admit(context.Background(), request())
	if failure == nil || failure.Kind != FailQuotaExceeded {
		t.Fatalf("failure: %+v", failure)
	}
	if failure.Status != http.StatusTooManyRequests {
		t.Errorf("status %d", failure.Status)
	}
	if !strings.Contains(failure.Message, "10") || !strings.Contains(failure.Message, "free") {
		t.Errorf("remediation message: %q", failure.Message)
	}
}

func TestAdmitUnknownConversation(t *testing.T) {
	h := newHarness(t)
	h.store.appendErr = storage.ErrNotFound

	_, failure := h.pipeline.Admit(context.Background(), request())
	if failure == nil || failure.Status != http.StatusNotFound {
		t.Fatalf("failure: %+v", failure)
	}
}

func TestStreamRetrievalDegrades(t *testing.T) {
	h := newHarness(t)
	h.searcher.err = errors.New("weaviate unreachable")

	adm, failure := h.pipeline.Admit(context.Background(), request())
	if failure != nil {
		t.Fatal(failure)
	}
	_, failure = h.pipeline.Stream(context.Background(), adm, request(), func(string) error { return nil })
	if failure != nil {
		t.Fatalf("retrieval failure aborted the stream: %v", failure)
	}
	// System prompt carries no context block when retrieval degraded.
	msgs := h.client.sentMessages()
	if len(msgs) == 0 || strings.Contains(msgs[0].Content, "Reference passages") {
		t.Errorf("system message: %+v", msgs)
	}
}

func TestStreamIncludesRetrievedContext(t *testing.T) {
	h := newHarness(t)
	h.searcher.passages = []retrieval.Passage{
		{ID: "p-1", Source: "civil-code", Article: "Art. 118", Text: "The limitation period is five years.", Score: 3.2},
	}

	adm, _ := h.pipeline.Admit(context.Background(), request())
	_, failure := h.pipeline.Stream(context.Background(), adm, request(), func(string) error { return nil })
	if failure != nil {
		t.Fatal(failure)
	}
	msgs := h.client.sentMessages()
	if len(msgs) < 2 || msgs[0].Role != llm.RoleSystem {
		t.Fatalf("messages: %+v", msgs)
	}
	if !strings.Contains(msgs[0].Content, "Art. 118") {
		t.Error("passage missing from system prompt")
	}
	if msgs[len(msgs)-1].Role != llm.RoleUser {
		t.Error("last message is not the user question")
	}
}

func TestStreamHistoryExcludesCurrentMessage(t *testing.T) {
	h := newHarness(t)
	h.store.history = []storage.Message{
		{ID: "m-1", Sender: storage.SenderUser, Content: "earlier question"},
		{ID: "m-2", Sender: storage.SenderAssistant, Content: "earlier answer"},
		{ID: "msg-user-1", Sender: storage.SenderUser, Content: "how long to sue on a contract?"},
	}

	adm, _ := h.pipeline.Admit(context.Background(), request())
	_, failure := h.pipeline.Stream(context.Background(), adm, request(), func(string) error { return nil })
	if failure != nil {
		t.Fatal(failure)
	}
	msgs := h.client.sentMessages()
	// system + 2 history + current user question.
	if len(msgs) != 4 {
		t.Fatalf("message count %d: %+v", len(msgs), msgs)
	}
	if msgs[1].Content != "earlier question" || msgs[2].Role != llm.RoleAssistant {
		t.Errorf("history order: %+v", msgs[1:3])
	}
}

func TestStreamCancellationPersistsNothing(t *testing.T) {
	h := newHarness(t)
	h.client.blockCtx = true

	adm, _ := h.pipeline.Admit(context.Background(), request())

	ctx, cancel := context.WithCancel(context.Background())
	var chunks int
	go func() {
		// Cancel once the first chunks have streamed.
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, failure := h.pipeline.Stream(ctx, adm, request(), func(string) error {
		chunks++
		return nil
	})
	if failure == nil || failure.Kind != FailCanceled {
		t.Fatalf("failure: %+v", failure)
	}
	if persisted, _ := h.store.finalized(); persisted != "" {
		t.Errorf("partial response persisted: %q", persisted)
	}
	if chunks == 0 {
		t.Error("expected some chunks before cancellation")
	}
}

func TestStreamGenerationError(t *testing.T) {
	h := newHarness(t)
	h.client.err = errors.New("model unavailable")

	adm, _ := h.pipeline.Admit(context.Background(), request())
	_, failure := h.pipeline.Stream(context.Background(), adm, request(), func(string) error { return nil })
	if failure == nil || failure.Kind != FailGenerationFailed {
		t.Fatalf("failure: %+v", failure)
	}
	if persisted, _ := h.store.finalized(); persisted != "" {
		t.Errorf("failed generation persisted: %q", persisted)
	}
}

func TestStreamRefinerError(t *testing.T) {
	h := newHarness(t)
	h.refiner.err = errors.New("refiner down")

	adm, _ := h.pipeline.Admit(context.Background(), request())
	_, failure := h.pipeline.Stream(context.Background(), adm, request(), func(string) error { return nil })
	if failure == nil || failure.Kind != FailGenerationFailed {
		t.Fatalf("failure: %+v", failure)
	}
	if h.searcher.calls != 0 {
		t.Error("retrieval ran after refinement failure")
	}
}

func TestStreamEvictedMidStream(t *testing.T) {
	h := newHarness(t)
	h.store.finalizeErr = storage.ErrNotFound

	adm, _ := h.pipeline.Admit(context.Background(), request())
	_, failure := h.pipeline.Stream(context.Background(), adm, request(), func(string) error { return nil })
	if failure == nil || failure.Status != http.StatusNotFound {
		t.Fatalf("failure: %+v", failure)
	}
}
