// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

var geminiTracer = otel.Tracer("briefwise.llm.gemini")

// GeminiConfig configures the Google Gemini backend.
type GeminiConfig struct {
	// APIKey authenticates requests. If empty, GEMINI_API_KEY is tried.
	APIKey string

	// Model is the model name, e.g. "gemini-2.0-flash".
	Model string

	// SystemPrompt is installed as the model's system instruction.
	SystemPrompt string

	// RequestsPerSecond paces outbound calls. Zero disables pacing.
	RequestsPerSecond float64
}

// GeminiClient talks to Google Gemini via the official SDK.
type GeminiClient struct {
	client  *genai.Client
	model   string
	system  string
	limiter *rate.Limiter
}

// NewGeminiClient builds the backend. The underlying client holds a
// connection pool; call Close when done.
func NewGeminiClient(ctx context.Context, config GeminiConfig) (*GeminiClient, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}

	model := config.Model
	if model == "" {
		model = "gemini-2.0-flash"
		slog.Warn("Gemini model not set, defaulting", "model", model)
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	slog.Info("Initializing Gemini client", "model", model)
	return &GeminiClient{
		client:  client,
		model:   model,
		system:  config.SystemPrompt,
		limiter: limiter,
	}, nil
}

// Close releases the SDK's connections.
func (g *GeminiClient) Close() error {
	return g.client.Close()
}

func (g *GeminiClient) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

func (g *GeminiClient) generativeModel(params GenerationParams) *genai.GenerativeModel {
	model := g.client.GenerativeModel(g.model)
	if g.system != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(g.system)},
		}
	}
	if params.Temperature != nil {
		model.SetTemperature(*params.Temperature)
	}
	if params.TopK != nil {
		model.SetTopK(int32(*params.TopK))
	}
	if params.TopP != nil {
		model.SetTopP(*params.TopP)
	}
	if params.MaxTokens != nil {
		model.SetMaxOutputTokens(int32(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		model.StopSequences = params.Stop
	}
	return model
}

// Generate implements LLMClient for single-shot internal calls.
func (g *GeminiClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := geminiTracer.Start(ctx, "GeminiClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.model))

	if err := g.wait(ctx); err != nil {
		return "", err
	}

	resp, err := g.generativeModel(params).GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return flattenCandidates(resp), nil
}

// ChatStream implements LLMClient. Prior turns become chat history; the
// final user message is sent as the streamed prompt. UsageMetadata from
// the last chunk populates the Done event.
func (g *GeminiClient) ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback) error {
	ctx, span := geminiTracer.Start(ctx, "GeminiClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.model))

	if err := g.wait(ctx); err != nil {
		return err
	}
	if len(messages) == 0 {
		err := fmt.Errorf("gemini chat: no messages")
		_ = callback(StreamEvent{Type: StreamEventError, Err: err})
		return err
	}

	model := g.generativeModel(params)
	history, last := splitHistory(messages, model)
	session := model.StartChat()
	session.History = history

	iter := session.SendMessageStream(ctx, genai.Text(last))
	var usage Usage
	tokenEvents := 0
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			streamErr := fmt.Errorf("gemini stream: %w", err)
			_ = callback(StreamEvent{Type: StreamEventError, Err: streamErr})
			return streamErr
		}
		if resp.UsageMetadata != nil {
			usage = Usage{
				PromptTokens:    int(resp.UsageMetadata.PromptTokenCount),
				CandidateTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:     int(resp.UsageMetadata.TotalTokenCount),
			}
		}
		token := flattenCandidates(resp)
		if token == "" {
			continue
		}
		tokenEvents++
		if err := callback(StreamEvent{Type: StreamEventToken, Token: token}); err != nil {
			return err
		}
	}

	span.SetAttributes(
		attribute.Int("llm.token_events", tokenEvents),
		attribute.Int("llm.total_tokens", usage.TotalTokens),
	)
	return callback(StreamEvent{Type: StreamEventDone, Usage: usage})
}

// splitHistory converts all but the last message into Gemini chat
// history. System messages are folded into the model's system
// instruction rather than the transcript.
func splitHistory(messages []Message, model *genai.GenerativeModel) ([]*genai.Content, string) {
	last := messages[len(messages)-1].Content
	history := make([]*genai.Content, 0, len(messages)-1)
	var systemParts []string
	for _, m := range messages[:len(messages)-1] {
		switch m.Role {
		case RoleSystem:
			systemParts = append(systemParts, m.Content)
		case RoleAssistant:
			history = append(history, &genai.Content{
				Role:  "model",
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		default:
			history = append(history, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		}
	}
	if len(systemParts) > 0 {
		combined := strings.Join(systemParts, "\n\n")
		if model.SystemInstruction != nil {
			for _, p := range model.SystemInstruction.Parts {
				if t, ok := p.(genai.Text); ok {
					combined = string(t) + "\n\n" + combined
				}
			}
		}
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(combined)},
		}
	}
	return history, last
}

func flattenCandidates(resp *genai.GenerateContentResponse) string {
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	return sb.String()
}

var _ LLMClient = (*GeminiClient)(nil)
