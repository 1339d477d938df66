// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty or the file is absent), then environment
// overrides. A .env file in the working directory is loaded first so
// local development can keep secrets out of the shell profile.
func Load(path string) (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus env is a valid deployment.
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays BRIEFWISE_* environment variables. Only settings an
// operator plausibly varies per deployment get an env knob; everything
// else stays YAML-only.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "BRIEFWISE_ADDR")
	setString(&cfg.LLM.Provider, "BRIEFWISE_LLM_PROVIDER")
	setString(&cfg.LLM.Model, "BRIEFWISE_LLM_MODEL")
	setString(&cfg.LLM.BaseURL, "BRIEFWISE_LLM_BASE_URL")
	setString(&cfg.RateLimit.Backend, "BRIEFWISE_RATELIMIT_BACKEND")
	setString(&cfg.RateLimit.RedisAddr, "BRIEFWISE_REDIS_ADDR")
	setString(&cfg.Storage.Driver, "BRIEFWISE_STORAGE_DRIVER")
	setString(&cfg.Storage.DSN, "BRIEFWISE_STORAGE_DSN")
	setString(&cfg.Retrieval.Host, "BRIEFWISE_WEAVIATE_HOST")
	setString(&cfg.Retrieval.Scheme, "BRIEFWISE_WEAVIATE_SCHEME")
	setString(&cfg.Audit.Backend, "BRIEFWISE_AUDIT_BACKEND")
	setString(&cfg.Audit.Path, "BRIEFWISE_AUDIT_PATH")
	setString(&cfg.Logging.Level, "BRIEFWISE_LOG_LEVEL")
	setString(&cfg.Logging.Dir, "BRIEFWISE_LOG_DIR")
	setString(&cfg.Telemetry.Endpoint, "BRIEFWISE_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Enabled, "BRIEFWISE_TELEMETRY_ENABLED")
	setBool(&cfg.Guardrail.FailClosed, "BRIEFWISE_GUARDRAIL_FAIL_CLOSED")
	setInt(&cfg.RateLimit.Limit, "BRIEFWISE_RATELIMIT_LIMIT")
	setDuration(&cfg.RateLimit.Window, "BRIEFWISE_RATELIMIT_WINDOW")
	setInt(&cfg.Quota.FreeMonthlyLimit, "BRIEFWISE_QUOTA_FREE_LIMIT")
	setInt(&cfg.Retention.MaxConversations, "BRIEFWISE_RETENTION_MAX")
	setDuration(&cfg.Pipeline.Deadline, "BRIEFWISE_PIPELINE_DEADLINE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
