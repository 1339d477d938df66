// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline sequences one chat request from admission to the
// final streamed token.
//
// The state machine is Admitted → Refining → Retrieving → Generating →
// Streaming → Done, with Rejected terminal at Admitted and Errored
// reachable from any non-terminal state. Admission (rate limit →
// guardrail → quota) runs before the SSE stream opens so rejections
// can still use plain HTTP status codes; everything after runs inside
// the stream and reports failures as error frames.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/briefwise/briefwise/pkg/extensions"
	"github.com/briefwise/briefwise/pkg/logging"
	"github.com/briefwise/briefwise/services/counsel/admission"
	"github.com/briefwise/briefwise/services/counsel/conversation"
	"github.com/briefwise/briefwise/services/counsel/guardrail"
	"github.com/briefwise/briefwise/services/counsel/observability"
	"github.com/briefwise/briefwise/services/counsel/retrieval"
	"github.com/briefwise/briefwise/services/counsel/storage"
	"github.com/briefwise/briefwise/services/llm"
)

var tracer = otel.Tracer("briefwise.counsel.pipeline")

// =============================================================================
// Collaborator contracts
// =============================================================================

// pipelineStore is the slice of storage.Store the pipeline drives.
type pipelineStore interface {
	AppendUserMessage(ctx context.Context, params storage.AppendParams) (*storage.AppendResult, error)
	FinalizeAssistantMessage(ctx context.Context, conversationID, content string, promptTokens, candidateTokens, totalTokens int) (string, error)
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]storage.Message, error)
}

var _ pipelineStore = (*storage.Store)(nil)

// entitlementLedger resolves the quota limit for a user.
type entitlementLedger interface {
	LimitFor(ctx context.Context, userID string) (int, string, error)
	Period() string
}

// queryValidator screens inbound text.
type queryValidator interface {
	Validate(ctx context.Context, userID, query, clientIP string) error
}

var _ queryValidator = (*guardrail.Validator)(nil)

// queryRefiner condenses the question for retrieval.
type queryRefiner interface {
	Refine(ctx context.Context, history []llm.Message, latest string) (conversation.RefinedQuery, error)
}

// titleNamer names a conversation after its first exchange.
type titleNamer interface {
	GenerateAsync(conversationID, question, answer string)
}

// =============================================================================
// Pipeline
// =============================================================================

// Config tunes the pipeline.
type Config struct {
	// Deadline is the end-to-end budget per request.
	Deadline time.Duration

	// HistoryTurns caps prior messages loaded for context.
	HistoryTurns int

	// RetentionCap is the live-conversation cap enforced inline on
	// conversation creation.
	RetentionCap int

	// TopK passages requested from retrieval.
	TopK int

	// SystemPrompt frames the assistant persona.
	SystemPrompt string

	// Model labels token metrics.
	Model string
}

// Request is one inbound chat message, already authenticated and
// shape-validated.
type Request struct {
	UserID         string
	ClientIP       string
	ConversationID string
	Content        string
}

// Admission is the outcome of a successful admission pass. The
// conversation ID is known before the stream opens so the transport
// can surface it in a response header.
type Admission struct {
	ConversationID      string
	MessageID           string
	CreatedConversation bool
	Used                int
	Limit               int

	content    string
	admittedAt time.Time
}

// Pipeline wires the admission checks and generation stages together.
// Safe for concurrent use; each request gets its own flow.
type Pipeline struct {
	limiter  admission.RateLimiter
	guard    queryValidator
	ledger   entitlementLedger
	store    pipelineStore
	refiner  queryRefiner
	searcher retrieval.Searcher
	client   llm.LLMClient
	filter   extensions.MessageFilter
	titles   titleNamer
	audit    extensions.AuditLogger
	metrics  *observability.PipelineMetrics
	logger   *logging.Logger
	config   Config
	now      func() time.Time
}

// Deps bundles the pipeline collaborators.
type Deps struct {
	Limiter  admission.RateLimiter
	Guard    queryValidator
	Ledger   entitlementLedger
	Store    pipelineStore
	Refiner  queryRefiner
	Searcher retrieval.Searcher
	Client   llm.LLMClient
	Filter   extensions.MessageFilter
	Titles   titleNamer
	Audit    extensions.AuditLogger
	Metrics  *observability.PipelineMetrics
	Logger   *logging.Logger
}

// New builds a Pipeline. Limiter, Guard, Ledger, Store, Refiner,
// Searcher and Client are required; the rest default to no-ops.
func New(deps Deps, config Config) *Pipeline {
	if config.Deadline <= 0 {
		config.Deadline = 75 * time.Second
	}
	if config.HistoryTurns <= 0 {
		config.HistoryTurns = 20
	}
	if config.RetentionCap <= 0 {
		config.RetentionCap = 25
	}
	if config.TopK <= 0 {
		config.TopK = 6
	}
	if deps.Filter == nil {
		deps.Filter = &extensions.NopMessageFilter{}
	}
	if deps.Audit == nil {
		deps.Audit = &extensions.NopAuditLogger{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	return &Pipeline{
		limiter:  deps.Limiter,
		guard:    deps.Guard,
		ledger:   deps.Ledger,
		store:    deps.Store,
		refiner:  deps.Refiner,
		searcher: deps.Searcher,
		client:   deps.Client,
		filter:   deps.Filter,
		titles:   deps.Titles,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		config:   config,
		now:      time.Now,
	}
}

// =============================================================================
// Admission
// =============================================================================

// Admit runs rate limit → guardrail → quota and persists the user
// message. On success the quota slot is reserved and the message is
// durable; a crash after Admit never loses the user's text.
func (p *Pipeline) Admit(ctx context.Context, req Request) (*Admission, *Failure) {
	ctx, span := tracer.Start(ctx, "pipeline.Admit",
		trace.WithAttributes(attribute.String("conversation.id", req.ConversationID)))
	defer span.End()

	admittedAt := p.now()

	// Step 1: rate limit. Cheapest check, no I/O.
	decision := p.limiter.Check(ctx, req.UserID)
	if !decision.Allowed {
		p.reject(ctx, observability.RejectionRateLimit, observability.ErrorCodeRateLimited,
			extensions.EventRateLimited, req, nil)
		return nil, rateLimitedFailure(time.Until(decision.ResetTime))
	}

	// Step 2: guardrail screening.
	if err := p.guard.Validate(ctx, req.UserID, req.Content, req.ClientIP); err != nil {
		rej := &guardrail.RejectedError{}
		if errors.As(err, &rej) {
			// Guardrail already wrote the audit trail.
			p.metrics.RecordRejection(observability.RejectionGuardrail)
			p.metrics.RecordError(observability.ErrorCodeGuardrailRejected)
			p.metrics.RecordRequest("rejected")
			return nil, guardrailFailure()
		}
		p.logger.Error("guardrail returned unexpected error", "error", err)
		return nil, storageFailure()
	}

	// Step 3: input filtering (PII redaction in hosted deployments).
	content := req.Content
	if filtered, err := p.filter.FilterInput(ctx, content); err == nil && filtered != nil {
		content = filtered.Content
	} else if err != nil {
		p.logger.Warn("input filter failed, using original content", "error", err)
	}

	// Step 4: quota reservation + message persistence, one transaction.
	limit, plan, err := p.ledger.LimitFor(ctx, req.UserID)
	if err != nil {
		p.logger.Error("entitlement resolution failed", "user_id", req.UserID, "error", err)
		return nil, storageFailure()
	}

	result, err := p.store.AppendUserMessage(ctx, storage.AppendParams{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Content:        content,
		Period:         p.ledger.Period(),
		QuotaLimit:     limit,
		RetentionCap:   p.config.RetentionCap,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrQuotaExceeded):
			p.reject(ctx, observability.RejectionQuota, observability.ErrorCodeQuotaExceeded,
				extensions.EventQuotaDenied, req, extensions.NewMetadata().
					Set("limit", limit).
					Set("plan", plan))
			return nil, quotaExceededFailure(limit, plan)
		case errors.Is(err, storage.ErrNotFound):
			return nil, notFoundFailure()
		default:
			p.logger.Error("message persistence failed", "user_id", req.UserID, "error", err)
			p.metrics.RecordError(observability.ErrorCodeStorageFailed)
			return nil, storageFailure()
		}
	}

	span.SetAttributes(
		attribute.Bool("conversation.created", result.CreatedConversation),
		attribute.Int("quota.used", result.Used),
	)
	return &Admission{
		ConversationID:      result.ConversationID,
		MessageID:           result.MessageID,
		CreatedConversation: result.CreatedConversation,
		Used:                result.Used,
		Limit:               limit,
		content:             content,
		admittedAt:          admittedAt,
	}, nil
}

func (p *Pipeline) reject(ctx context.Context, kind observability.RejectionKind, code observability.ErrorCode, eventType string, req Request, md extensions.Metadata) {
	p.metrics.RecordRejection(kind)
	p.metrics.RecordError(code)
	p.metrics.RecordRequest("rejected")
	if md == nil {
		md = extensions.NewMetadata()
	}
	err := p.audit.Log(ctx, extensions.AuditEvent{
		EventType: eventType,
		UserID:    req.UserID,
		Action:    "chat.admit",
		Outcome:   "rejected",
		Metadata:  md.Set("client_ip", req.ClientIP),
	})
	if err != nil {
		p.logger.Error("audit write failed", "event_type", eventType, "error", err)
	}
}

// =============================================================================
// Streaming
// =============================================================================

// ChunkSink receives incremental text; the transport turns each call
// into an SSE chunk frame. A non-nil return aborts the stream.
type ChunkSink func(text string) error

// StreamResult reports a completed generation.
type StreamResult struct {
	Content         string
	ContentHash     string
	PromptTokens    int
	CandidateTokens int
	TotalTokens     int
}

// Stream runs Refining → Retrieving → Generating → Streaming → Done
// for an admitted request. Chunks go to sink as they arrive; on
// success the assistant message is persisted and token totals
// returned. The transport emits the terminal done/error frame.
func (p *Pipeline) Stream(ctx context.Context, adm *Admission, req Request, sink ChunkSink) (*StreamResult, *Failure) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Deadline)
	defer cancel()

	ctx, span := tracer.Start(ctx, "pipeline.Stream",
		trace.WithAttributes(attribute.String("conversation.id", adm.ConversationID)))
	defer span.End()

	streamStart := p.now()

	// Refining.
	history, refined, failure := p.refine(ctx, adm, req)
	if failure != nil {
		return nil, p.fail(failure, streamStart)
	}

	// Retrieving. Best-effort: a failed search degrades to empty
	// context and the request continues.
	passages := p.retrieve(ctx, refined)

	// Generating / Streaming.
	result, failure := p.generate(ctx, adm, history, passages, sink)
	if failure != nil {
		return nil, p.fail(failure, streamStart)
	}

	// Done: persist the assistant message with its token accounting.
	if _, err := p.store.FinalizeAssistantMessage(ctx, adm.ConversationID, result.Content,
		result.PromptTokens, result.CandidateTokens, result.TotalTokens); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Conversation evicted mid-stream. The response is dropped.
			p.logger.Warn("conversation evicted during stream, dropping response",
				"conversation_id", adm.ConversationID)
			return nil, p.fail(notFoundFailure(), streamStart)
		}
		p.logger.Error("assistant message persistence failed",
			"conversation_id", adm.ConversationID, "error", err)
		return nil, p.fail(storageFailure(), streamStart)
	}

	p.metrics.RecordTokens(result.PromptTokens, result.CandidateTokens, p.config.Model)
	p.metrics.RecordRequest("success")
	p.metrics.RecordStreamDuration(p.now().Sub(streamStart).Seconds(), true)

	if adm.CreatedConversation && p.titles != nil {
		p.titles.GenerateAsync(adm.ConversationID, adm.content, result.Content)
	}
	p.auditStream(ctx, req, adm, result)

	return result, nil
}

// fail records metrics for a failed stream and passes the failure on.
func (p *Pipeline) fail(failure *Failure, streamStart time.Time) *Failure {
	p.metrics.RecordError(failureErrorCode(failure.Kind))
	p.metrics.RecordRequest("error")
	p.metrics.RecordStreamDuration(p.now().Sub(streamStart).Seconds(), false)
	return failure
}

func failureErrorCode(kind FailureKind) observability.ErrorCode {
	switch kind {
	case FailRateLimited:
		return observability.ErrorCodeRateLimited
	case FailQuotaExceeded:
		return observability.ErrorCodeQuotaExceeded
	case FailGuardrailRejected:
		return observability.ErrorCodeGuardrailRejected
	case FailValidation:
		return observability.ErrorCodeValidation
	case FailStorageFailed:
		return observability.ErrorCodeStorageFailed
	case FailTimeout:
		return observability.ErrorCodeTimeout
	case FailCanceled:
		return observability.ErrorCodeInternal
	case FailGenerationFailed:
		return observability.ErrorCodeGenerationFailed
	default:
		return observability.ErrorCodeInternal
	}
}

// refine loads conversation history and condenses the latest question
// into a retrieval query.
func (p *Pipeline) refine(ctx context.Context, adm *Admission, req Request) ([]llm.Message, conversation.RefinedQuery, *Failure) {
	ctx, span := tracer.Start(ctx, "pipeline.Refining")
	defer span.End()

	stored, err := p.store.ListRecentMessages(ctx, adm.ConversationID, p.config.HistoryTurns)
	if err != nil {
		p.logger.Error("history load failed", "conversation_id", adm.ConversationID, "error", err)
		return nil, conversation.RefinedQuery{}, storageFailure()
	}

	// The just-appended user message is in stored; history for the
	// refiner and the model excludes it.
	history := make([]llm.Message, 0, len(stored))
	for _, m := range stored {
		if m.ID == adm.MessageID {
			continue
		}
		role := llm.RoleUser
		if m.Sender == storage.SenderAssistant {
			role = llm.RoleAssistant
		}
		history = append(history, llm.Message{Role: role, Content: m.Content})
	}

	refined, err := p.refiner.Refine(ctx, history, adm.content)
	if err != nil {
		if ctxFailure := contextFailure(ctx); ctxFailure != nil {
			return nil, conversation.RefinedQuery{}, ctxFailure
		}
		p.logger.Error("query refinement failed", "conversation_id", adm.ConversationID, "error", err)
		return nil, conversation.RefinedQuery{}, generationFailure()
	}
	span.SetAttributes(attribute.Int("refined.keywords", len(refined.Keywords)))
	return history, refined, nil
}

// retrieve searches the corpus; failures degrade to empty context.
func (p *Pipeline) retrieve(ctx context.Context, refined conversation.RefinedQuery) []retrieval.Passage {
	ctx, span := tracer.Start(ctx, "pipeline.Retrieving")
	defer span.End()

	passages, err := p.searcher.Search(ctx, refined.SearchText(), p.config.TopK)
	if err != nil {
		p.logger.Warn("retrieval degraded to empty context", "error", err)
		p.metrics.RecordRetrievalDegradation()
		span.SetAttributes(attribute.Bool("retrieval.degraded", true))
		return nil
	}
	span.SetAttributes(attribute.Int("retrieval.passages", len(passages)))
	return passages
}

// generate drives the streaming model call, forwarding chunks to the
// sink and assembling the final content in locked memory.
func (p *Pipeline) generate(ctx context.Context, adm *Admission, history []llm.Message, passages []retrieval.Passage, sink ChunkSink) (*StreamResult, *Failure) {
	ctx, span := tracer.Start(ctx, "pipeline.Generating")
	defer span.End()

	acc, err := newTokenAccumulator(p.logger)
	if err != nil {
		p.logger.Error("accumulator allocation failed", "error", err)
		return nil, storageFailure()
	}
	defer acc.Destroy()

	messages := p.buildMessages(adm, history, passages)

	var usage llm.Usage
	var streamErr error
	firstChunk := true

	err = p.client.ChatStream(ctx, messages, llm.GenerationParams{}, func(event llm.StreamEvent) error {
		switch event.Type {
		case llm.StreamEventToken:
			if firstChunk {
				firstChunk = false
				p.metrics.RecordTimeToFirstToken(p.now().Sub(adm.admittedAt).Seconds())
				span.AddEvent("first_token")
			}
			if err := acc.Write(event.Token); err != nil {
				return err
			}
			return sink(event.Token)
		case llm.StreamEventDone:
			usage = event.Usage
			return nil
		case llm.StreamEventError:
			streamErr = event.Err
			return nil
		default:
			return nil
		}
	})
	if err == nil {
		err = streamErr
	}
	if err != nil {
		if ctxFailure := contextFailure(ctx); ctxFailure != nil {
			// Client cancellation or deadline: abort without
			// persisting the partial response as final.
			return nil, ctxFailure
		}
		p.logger.Error("generation stream failed", "conversation_id", adm.ConversationID, "error", err)
		return nil, generationFailure()
	}
	if ctxFailure := contextFailure(ctx); ctxFailure != nil {
		return nil, ctxFailure
	}

	content, digest, err := acc.Finalize()
	if err != nil {
		p.logger.Error("response finalization failed", "conversation_id", adm.ConversationID, "error", err)
		return nil, generationFailure()
	}

	// Output filtering runs on the assembled message; chunks already
	// streamed are the operator's accepted tradeoff for latency.
	if filtered, ferr := p.filter.FilterOutput(ctx, content); ferr == nil && filtered != nil && filtered.Modified {
		content = filtered.Content
	}

	return &StreamResult{
		Content:         content,
		ContentHash:     digest,
		PromptTokens:    usage.PromptTokens,
		CandidateTokens: usage.CandidateTokens,
		TotalTokens:     usage.TotalTokens,
	}, nil
}

// buildMessages assembles the model conversation: system prompt with
// retrieved context, prior turns, then the current question.
func (p *Pipeline) buildMessages(adm *Admission, history []llm.Message, passages []retrieval.Passage) []llm.Message {
	system := p.config.SystemPrompt
	if block := renderContext(passages); block != "" {
		system = system + "\n\n" + block
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: adm.content})
	return messages
}

// renderContext formats retrieved passages for the system prompt.
func renderContext(passages []retrieval.Passage) string {
	if len(passages) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Reference passages (cite by source and article when used):\n")
	for i, p := range passages {
		fmt.Fprintf(&b, "[%d] %s, %s\n%s\n", i+1, p.Source, p.Article, p.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// contextFailure maps a dead context to its failure, or nil if the
// context is still live.
func contextFailure(ctx context.Context) *Failure {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return timeoutFailure()
	case errors.Is(ctx.Err(), context.Canceled):
		return canceledFailure()
	default:
		return nil
	}
}

func (p *Pipeline) auditStream(ctx context.Context, req Request, adm *Admission, result *StreamResult) {
	err := p.audit.Log(ctx, extensions.AuditEvent{
		EventType:    extensions.EventChatStream,
		UserID:       req.UserID,
		Action:       "chat.stream",
		ResourceType: "conversation",
		ResourceID:   adm.ConversationID,
		Outcome:      "success",
		Metadata: extensions.NewMetadata().
			Set("total_tokens", result.TotalTokens).
			Set("content_hash", result.ContentHash).
			Set("quota_used", adm.Used),
	})
	if err != nil {
		p.logger.Error("audit write failed", "event_type", extensions.EventChatStream, "error", err)
	}
}
