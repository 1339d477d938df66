// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var openaiTracer = otel.Tracer("briefwise.llm.openai")

// OpenAIConfig configures the OpenAI-compatible backend.
type OpenAIConfig struct {
	// APIKey authenticates requests. If empty, OPENAI_API_KEY and then
	// the container secret at /run/secrets/openai_api_key are tried.
	APIKey string

	// Model is the chat model name, e.g. "gpt-4o-mini".
	Model string

	// BaseURL overrides the API endpoint for compatible providers
	// (vLLM, LiteLLM proxies). Empty means api.openai.com.
	BaseURL string

	// SystemPrompt is prepended to single-shot Generate calls.
	SystemPrompt string

	// RequestsPerSecond paces outbound calls. Zero disables pacing.
	RequestsPerSecond float64
}

// OpenAIClient talks to OpenAI or any API-compatible provider.
type OpenAIClient struct {
	client       *openai.Client
	model        string
	systemPrompt string
	limiter      *rate.Limiter
}

// NewOpenAIClient builds the backend, resolving the API key from config,
// environment, or container secret in that order.
func NewOpenAIClient(config OpenAIConfig) (*OpenAIClient, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		raw, err := os.ReadFile(secretPath)
		if err != nil {
			slog.Error("OpenAI API key not configured", "tried_secret", secretPath)
			return nil, fmt.Errorf("openai api key not configured")
		}
		apiKey = strings.TrimSpace(string(raw))
		slog.Info("Read OpenAI API key from container secret")
	}

	model := config.Model
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OpenAI model not set, defaulting", "model", model)
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	slog.Info("Initializing OpenAI client", "model", model, "base_url", clientConfig.BaseURL)
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        model,
		systemPrompt: config.SystemPrompt,
		limiter:      limiter,
	}, nil
}

func (o *OpenAIClient) wait(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	return o.limiter.Wait(ctx)
}

// Generate implements LLMClient for single-shot internal calls.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	if err := o.wait(ctx); err != nil {
		return "", err
	}

	systemPrompt := o.systemPrompt
	if systemPrompt == "" {
		systemPrompt = "You are a helpful assistant."
	}
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	applyParams(&req, params)

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements LLMClient. Token deltas are forwarded to the
// callback as they arrive; the final usage chunk (requested via
// StreamOptions) populates the Done event.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback) error {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	if err := o.wait(ctx); err != nil {
		return err
	}

	req := openai.ChatCompletionRequest{
		Model:         o.model,
		Messages:      toOpenAIMessages(messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	applyParams(&req, params)

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		streamErr := fmt.Errorf("openai stream open: %w", err)
		_ = callback(StreamEvent{Type: StreamEventError, Err: streamErr})
		return streamErr
	}
	defer stream.Close()

	var usage Usage
	tokenEvents := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			streamErr := fmt.Errorf("openai stream recv: %w", err)
			_ = callback(StreamEvent{Type: StreamEventError, Err: streamErr})
			return streamErr
		}
		if chunk.Usage != nil {
			usage = Usage{
				PromptTokens:    chunk.Usage.PromptTokens,
				CandidateTokens: chunk.Usage.CompletionTokens,
				TotalTokens:     chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		tokenEvents++
		if err := callback(StreamEvent{Type: StreamEventToken, Token: delta}); err != nil {
			return err
		}
	}

	span.SetAttributes(
		attribute.Int("llm.token_events", tokenEvents),
		attribute.Int("llm.total_tokens", usage.TotalTokens),
	)
	return callback(StreamEvent{Type: StreamEventDone, Usage: usage})
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		switch role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		default:
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func applyParams(req *openai.ChatCompletionRequest, params GenerationParams) {
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
}

var _ LLMClient = (*OpenAIClient)(nil)
