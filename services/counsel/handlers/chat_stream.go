// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the counsel service HTTP API.
//
// The chat stream handler is the write path: admission runs before the
// SSE response opens, so rate-limit, guardrail and quota rejections are
// plain HTTP errors the client can branch on. Once the stream is open,
// every outcome is reported as exactly one terminal SSE frame (done or
// error). Conversation CRUD and the usage endpoint are plain JSON.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/briefwise/briefwise/pkg/logging"
	"github.com/briefwise/briefwise/services/counsel/datatypes"
	"github.com/briefwise/briefwise/services/counsel/middleware"
	"github.com/briefwise/briefwise/services/counsel/observability"
	"github.com/briefwise/briefwise/services/counsel/pipeline"
)

var tracer = otel.Tracer("briefwise.counsel.handlers")

// heartbeatInterval paces SSE keepalive comments. 15s stays under the
// default idle timeouts of common load balancers (ALB, nginx 60s).
const heartbeatInterval = 15 * time.Second

// ChatHandler serves POST /v1/chat/stream.
type ChatHandler struct {
	pipeline *pipeline.Pipeline
	metrics  *observability.PipelineMetrics
	logger   *logging.Logger

	// heartbeat is overridable in tests to avoid 15s waits.
	heartbeat time.Duration
}

// ChatOption customizes the handler.
type ChatOption func(*ChatHandler)

// WithHeartbeat overrides the keepalive interval. Non-positive values
// are ignored.
func WithHeartbeat(d time.Duration) ChatOption {
	return func(h *ChatHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// NewChatHandler builds the chat stream handler.
func NewChatHandler(pipe *pipeline.Pipeline, metrics *observability.PipelineMetrics, logger *logging.Logger, opts ...ChatOption) *ChatHandler {
	if logger == nil {
		logger = logging.Default()
	}
	h := &ChatHandler{
		pipeline:  pipe,
		metrics:   metrics,
		logger:    logger,
		heartbeat: heartbeatInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleChatStream processes one chat message and streams the reply.
//
// # Description
//
// The request is admitted (rate limit → guardrail → quota, user message
// persisted) before any SSE bytes are written. Rejections are JSON
// errors with meaningful status codes; 429 responses carry Retry-After.
// On admission the conversation ID is exposed in the X-Conversation-Id
// header, then the response switches to SSE and chunk frames flow until
// the terminal done or error frame.
//
//	event: chunk
//	data: {"type":"chunk","text":"The ","id":"...","hash":"..."}
//
//	event: done
//	data: {"type":"done","usage":{"promptTokenCount":40,...},...}
//
// A keepalive comment is emitted every 15s while the model is quiet.
func (h *ChatHandler) HandleChatStream(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.ChatStream")
	defer span.End()

	// Step 1: identity. Auth middleware has already validated the token.
	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: "unauthorized"})
		return
	}
	span.SetAttributes(attribute.String("user.id", authInfo.UserID))

	// Step 2: parse and validate the body.
	var req datatypes.ChatStreamRequest
	if err := c.BindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request body")
		h.metrics.RecordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		h.metrics.RecordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		h.metrics.RecordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "field Content is required"})
		return
	}

	preq := pipeline.Request{
		UserID:         authInfo.UserID,
		ClientIP:       c.ClientIP(),
		ConversationID: req.ConversationID,
		Content:        content,
	}

	// Step 3: admission. Failures here are plain HTTP errors.
	adm, failure := h.pipeline.Admit(ctx, preq)
	if failure != nil {
		if failure.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(failure.RetryAfter.Seconds())))
		}
		c.JSON(failure.Status, datatypes.ErrorResponse{Error: failure.Message})
		return
	}

	// Step 4: surface the conversation ID, then switch to SSE. No JSON
	// errors are possible past this point.
	c.Header("X-Conversation-Id", adm.ConversationID)
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		h.logger.Error("sse writer setup failed", "error", err)
		h.metrics.RecordError(observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "streaming not supported"})
		return
	}

	h.metrics.StreamStarted()
	defer h.metrics.StreamEnded()

	// Step 5: heartbeat while the model is quiet.
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go h.runHeartbeat(ctx, writer, heartbeatDone)

	// Step 6: run the stream, forwarding chunks as SSE frames.
	result, failure := h.pipeline.Stream(ctx, adm, preq, func(text string) error {
		return writer.WriteChunk(text)
	})

	// Step 7: exactly one terminal frame.
	if failure != nil {
		if errors.Is(c.Request.Context().Err(), context.Canceled) {
			// Client went away; nobody is listening for a frame.
			h.metrics.RecordClientDisconnect()
			span.SetStatus(codes.Error, "client disconnected")
			return
		}
		if werr := writer.WriteError(failure.Message); werr != nil {
			h.logger.Debug("terminal error frame write failed", "error", werr)
		}
		span.SetStatus(codes.Error, string(failure.Kind))
		return
	}

	if werr := writer.WriteDone(datatypes.UsageCounts{
		PromptTokenCount:     result.PromptTokens,
		CandidatesTokenCount: result.CandidateTokens,
		TotalTokenCount:      result.TotalTokens,
	}); werr != nil {
		h.logger.Debug("terminal done frame write failed", "error", werr)
		return
	}
	span.SetStatus(codes.Ok, "stream completed")
}

// runHeartbeat sends keepalive comments until the stream finishes. A
// failed write means the connection is gone, so the loop exits.
func (h *ChatHandler) runHeartbeat(ctx context.Context, writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				h.logger.Debug("keepalive write failed", "error", err)
				return
			}
			h.metrics.RecordKeepAlive()
		}
	}
}
