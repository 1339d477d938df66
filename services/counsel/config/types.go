// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the counsel service configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML
// file, then environment variable overrides. A .env file in the working
// directory is honored for local development.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the counsel service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Guardrail GuardrailConfig `yaml:"guardrail"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Quota     QuotaConfig     `yaml:"quota"`
	Retention RetentionConfig `yaml:"retention"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Storage   StorageConfig   `yaml:"storage"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8843".
	Addr string `yaml:"addr"`

	// ShutdownGrace bounds graceful shutdown on SIGTERM.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// LLMConfig selects and configures the model backend.
type LLMConfig struct {
	// Provider is "openai" or "gemini".
	Provider string `yaml:"provider"`

	// Model is the chat model used for generation.
	Model string `yaml:"model"`

	// RefinerModel is a cheaper model for query refinement and
	// guardrail verdicts. Empty means use Model.
	RefinerModel string `yaml:"refiner_model"`

	// BaseURL overrides the endpoint for OpenAI-compatible providers.
	BaseURL string `yaml:"base_url"`

	// SystemPrompt frames the assistant. The default positions it as a
	// legal research aide that cites retrieved passages.
	SystemPrompt string `yaml:"system_prompt"`

	// RequestsPerSecond paces outbound model calls. Zero disables.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// GuardrailConfig controls safety screening of user messages.
type GuardrailConfig struct {
	// MaxChars is the hard input ceiling. Messages longer than this are
	// rejected before any network call.
	MaxChars int `yaml:"max_chars"`

	// ConfidenceThreshold is the minimum classifier confidence required
	// to act on an unsafe verdict.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// FailClosed rejects messages when the classifier itself errors.
	// The default (false) admits them, favoring availability.
	FailClosed bool `yaml:"fail_closed"`

	// Timeout bounds the classifier call.
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitConfig controls per-user request admission.
type RateLimitConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend"`

	// Limit is the number of requests allowed per window.
	Limit int `yaml:"limit"`

	// Window is the fixed window duration.
	Window time.Duration `yaml:"window"`

	// SweepInterval is how often the memory backend drops expired
	// windows. Ignored by the redis backend, which uses key TTLs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// RedisAddr is the redis host:port for the redis backend.
	RedisAddr string `yaml:"redis_addr"`
}

// QuotaConfig controls monthly message entitlements.
type QuotaConfig struct {
	// FreeMonthlyLimit is the entitlement for users with no subscription.
	FreeMonthlyLimit int `yaml:"free_monthly_limit"`

	// PlanLimits maps subscription plan IDs to monthly message limits.
	PlanLimits map[string]int `yaml:"plan_limits"`

	// Timezone is the IANA zone that defines month boundaries for all
	// users. Changing it mid-month shifts period keys, so treat it as
	// fixed once deployed.
	Timezone string `yaml:"timezone"`

	// OverridesPath points to a YAML file of per-user limit overrides,
	// hot-reloaded on change. Empty disables overrides.
	OverridesPath string `yaml:"overrides_path"`
}

// RetentionConfig controls the conversation cap.
type RetentionConfig struct {
	// MaxConversations is the per-user cap. Oldest-by-activity
	// conversations are evicted beyond it.
	MaxConversations int `yaml:"max_conversations"`

	// SweepInterval is how often the background sweeper re-checks all
	// users. Eviction also runs inline with each new conversation.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RetrievalConfig controls the knowledge-base search stage.
type RetrievalConfig struct {
	// Host and Scheme locate the Weaviate instance.
	Host   string `yaml:"host"`
	Scheme string `yaml:"scheme"`

	// Class is the Weaviate class holding legal passages.
	Class string `yaml:"class"`

	// TopK is how many passages to retrieve per query.
	TopK int `yaml:"top_k"`

	// Timeout bounds the search call. On timeout the pipeline proceeds
	// without context rather than failing.
	Timeout time.Duration `yaml:"timeout"`
}

// PipelineConfig controls the streaming request pipeline.
type PipelineConfig struct {
	// Deadline bounds one end-to-end request, admission through final
	// frame.
	Deadline time.Duration `yaml:"deadline"`

	// HeartbeatInterval spaces SSE keep-alive comments during long
	// model stalls.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HistoryMessages is how many prior turns are replayed to the model.
	HistoryMessages int `yaml:"history_messages"`
}

// StorageConfig selects the relational store.
type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`

	// DSN is the connection string. For sqlite this is a file path.
	DSN string `yaml:"dsn"`
}

// AuditConfig selects the audit trail backend.
type AuditConfig struct {
	// Backend is "none" or "badger".
	Backend string `yaml:"backend"`

	// Path is the badger directory for the badger backend.
	Path string `yaml:"path"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Dir enables JSON file logging when non-empty.
	Dir string `yaml:"dir"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	// Enabled turns on trace export.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:          ":8843",
			ShutdownGrace: 20 * time.Second,
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			SystemPrompt: "You are Briefwise, a legal research assistant. Ground your answers " +
				"in the provided reference passages and say so when they do not cover the question. " +
				"You provide legal information, not legal advice.",
		},
		Guardrail: GuardrailConfig{
			MaxChars:            10000,
			ConfidenceThreshold: 0.7,
			Timeout:             10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Backend:       "memory",
			Limit:         30,
			Window:        time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Quota: QuotaConfig{
			FreeMonthlyLimit: 10,
			PlanLimits: map[string]int{
				"starter":      200,
				"professional": 1000,
			},
			Timezone: "UTC",
		},
		Retention: RetentionConfig{
			MaxConversations: 25,
			SweepInterval:    time.Hour,
		},
		Retrieval: RetrievalConfig{
			Host:    "localhost:8080",
			Scheme:  "http",
			Class:   "Passage",
			TopK:    6,
			Timeout: 5 * time.Second,
		},
		Pipeline: PipelineConfig{
			Deadline:          75 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			HistoryMessages:   20,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "briefwise.db",
		},
		Audit: AuditConfig{
			Backend: "none",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Endpoint: "localhost:4317",
		},
	}
}

// Validate checks cross-field consistency after loading.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("llm.provider must be openai or gemini, got %q", c.LLM.Provider)
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("rate_limit.backend must be memory or redis, got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == "redis" && c.RateLimit.RedisAddr == "" {
		return fmt.Errorf("rate_limit.redis_addr required for redis backend")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	switch c.Audit.Backend {
	case "none", "badger":
	default:
		return fmt.Errorf("audit.backend must be none or badger, got %q", c.Audit.Backend)
	}
	if c.Audit.Backend == "badger" && c.Audit.Path == "" {
		return fmt.Errorf("audit.path required for badger backend")
	}
	if c.Guardrail.MaxChars <= 0 {
		return fmt.Errorf("guardrail.max_chars must be positive")
	}
	if c.Guardrail.ConfidenceThreshold < 0 || c.Guardrail.ConfidenceThreshold > 1 {
		return fmt.Errorf("guardrail.confidence_threshold must be in [0,1]")
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive")
	}
	if c.Quota.FreeMonthlyLimit < 0 {
		return fmt.Errorf("quota.free_monthly_limit must not be negative")
	}
	if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
		return fmt.Errorf("quota.timezone: %w", err)
	}
	if c.Retention.MaxConversations <= 0 {
		return fmt.Errorf("retention.max_conversations must be positive")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive")
	}
	if c.Pipeline.Deadline <= 0 {
		return fmt.Errorf("pipeline.deadline must be positive")
	}
	return nil
}
