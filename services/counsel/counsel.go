// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package counsel assembles the conversational legal-research service:
// storage, admission, guardrail, retrieval, the streaming pipeline,
// and the HTTP surface.
//
// Self-hosted deployments construct the service with nil options and
// get single-user no-op extensions. Hosted deployments inject real
// auth, audit, and filtering through extensions.ServiceOptions.
package counsel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/briefwise/briefwise/pkg/extensions"
	"github.com/briefwise/briefwise/pkg/logging"
	"github.com/briefwise/briefwise/services/counsel/admission"
	"github.com/briefwise/briefwise/services/counsel/config"
	"github.com/briefwise/briefwise/services/counsel/conversation"
	"github.com/briefwise/briefwise/services/counsel/guardrail"
	"github.com/briefwise/briefwise/services/counsel/handlers"
	"github.com/briefwise/briefwise/services/counsel/observability"
	"github.com/briefwise/briefwise/services/counsel/pipeline"
	"github.com/briefwise/briefwise/services/counsel/retention"
	"github.com/briefwise/briefwise/services/counsel/retrieval"
	"github.com/briefwise/briefwise/services/counsel/routes"
	"github.com/briefwise/briefwise/services/counsel/storage"
	"github.com/briefwise/briefwise/services/counsel/usage"
	"github.com/briefwise/briefwise/services/llm"
)

// Service is the assembled counsel service.
//
// # Thread Safety
//
// Safe for concurrent use after New returns. Run blocks and must be
// called at most once.
type Service struct {
	config config.Config
	opts   extensions.ServiceOptions
	logger *logging.Logger

	store     *storage.Store
	ledger    *usage.Ledger
	overrides *usage.OverrideTable
	limiter   admission.RateLimiter
	sweeper   *retention.Sweeper
	audit     extensions.AuditLogger

	router        *gin.Engine
	server        *http.Server
	tracerCleanup func(context.Context)
}

// New wires the service from configuration. opts may be nil for the
// self-hosted defaults. The returned service owns every component and
// releases them in Close.
func New(ctx context.Context, cfg config.Config, opts *extensions.ServiceOptions) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	s := &Service{config: cfg}
	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}

	s.logger = logging.New(logging.Config{
		Level:   parseLogLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "counsel",
	})

	if cfg.Telemetry.Enabled {
		cleanup, err := initTracer(ctx, cfg.Telemetry.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	metrics := observability.InitMetrics()

	// Storage.
	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, "")
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	s.store = store

	// Audit trail. The option-injected logger wins over the config.
	s.audit = s.opts.AuditLogger
	if _, isNop := s.audit.(*extensions.NopAuditLogger); (s.audit == nil || isNop) && cfg.Audit.Backend == "badger" {
		badgerAudit, err := extensions.NewBadgerAuditLogger(extensions.BadgerAuditConfig{Path: cfg.Audit.Path})
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		s.audit = badgerAudit
	}
	if s.audit == nil {
		s.audit = &extensions.NopAuditLogger{}
	}

	// Quota ledger, with optional hot-reloaded overrides.
	if cfg.Quota.OverridesPath != "" {
		s.overrides, err = usage.NewOverrideTable(cfg.Quota.OverridesPath, s.logger)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("load quota overrides: %w", err)
		}
	}
	s.ledger, err = usage.NewLedger(store, usage.LedgerConfig{
		FreeLimit:  cfg.Quota.FreeMonthlyLimit,
		PlanLimits: cfg.Quota.PlanLimits,
		Timezone:   cfg.Quota.Timezone,
		Overrides:  s.overrides,
	}, s.logger)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("build ledger: %w", err)
	}

	// Rate limiting.
	limiterConfig := admission.Config{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window}
	switch cfg.RateLimit.Backend {
	case "redis":
		s.limiter, err = admission.NewRedisLimiter(cfg.RateLimit.RedisAddr, limiterConfig, s.logger)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("connect redis limiter: %w", err)
		}
	default:
		s.limiter = admission.NewMemoryLimiter(limiterConfig, s.logger,
			admission.WithSweepInterval(cfg.RateLimit.SweepInterval))
	}

	// Model clients. The refiner model also serves guardrail verdicts
	// and title generation; it defaults to the main model.
	client, err := newLLMClient(ctx, cfg.LLM, cfg.LLM.Model)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("init llm client: %w", err)
	}
	utilityClient := client
	if cfg.LLM.RefinerModel != "" && cfg.LLM.RefinerModel != cfg.LLM.Model {
		utilityClient, err = newLLMClient(ctx, cfg.LLM, cfg.LLM.RefinerModel)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("init refiner llm client: %w", err)
		}
	}

	guard := guardrail.NewValidator(utilityClient, guardrail.Config{
		MaxChars:   cfg.Guardrail.MaxChars,
		Threshold:  cfg.Guardrail.ConfidenceThreshold,
		Timeout:    cfg.Guardrail.Timeout,
		FailClosed: cfg.Guardrail.FailClosed,
	}, store, s.audit, s.logger)

	searcher, err := retrieval.NewWeaviateSearcher(retrieval.Config{
		Host:      cfg.Retrieval.Host,
		Scheme:    cfg.Retrieval.Scheme,
		ClassName: cfg.Retrieval.Class,
		TopK:      cfg.Retrieval.TopK,
		Timeout:   cfg.Retrieval.Timeout,
	}, s.logger)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("init retrieval: %w", err)
	}

	refiner := conversation.NewQueryRefiner(utilityClient, cfg.Guardrail.Timeout, s.logger)
	titles := conversation.NewTitleGenerator(utilityClient, store, 20*time.Second, s.logger)

	pipe := pipeline.New(pipeline.Deps{
		Limiter:  s.limiter,
		Guard:    guard,
		Ledger:   s.ledger,
		Store:    store,
		Refiner:  refiner,
		Searcher: searcher,
		Client:   client,
		Filter:   s.opts.MessageFilter,
		Titles:   titles,
		Audit:    s.audit,
		Metrics:  metrics,
		Logger:   s.logger,
	}, pipeline.Config{
		Deadline:     cfg.Pipeline.Deadline,
		HistoryTurns: cfg.Pipeline.HistoryMessages,
		RetentionCap: cfg.Retention.MaxConversations,
		TopK:         cfg.Retrieval.TopK,
		SystemPrompt: cfg.LLM.SystemPrompt,
		Model:        cfg.LLM.Model,
	})

	s.sweeper = retention.NewSweeper(store, retention.Config{
		MaxConversations: cfg.Retention.MaxConversations,
		Interval:         cfg.Retention.SweepInterval,
	}, s.audit, s.logger)

	chat := handlers.NewChatHandler(pipe, metrics, s.logger,
		handlers.WithHeartbeat(cfg.Pipeline.HeartbeatInterval))

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("counsel-service"))
	routes.SetupRoutes(s.router, chat, store, s.ledger, s.opts.AuthProvider)

	return s, nil
}

// Run starts the retention sweeper and the HTTP server, blocking until
// ctx is canceled or the listener fails. Shutdown is graceful within
// the configured grace period; Close runs regardless of outcome.
func (s *Service) Run(ctx context.Context) error {
	defer s.cleanup()

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	s.sweeper.Start(sweepCtx)

	s.server = &http.Server{
		Addr:    s.config.Server.Addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("counsel server listening", "addr", s.config.Server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownGrace)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

// Router exposes the configured engine for integration tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// cleanup releases every component in reverse construction order and
// purges locked memory. Safe to call with partially built state.
func (s *Service) cleanup() {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.limiter != nil {
		if err := s.limiter.Close(); err != nil {
			s.logger.Warn("limiter close failed", "error", err)
		}
	}
	if s.overrides != nil {
		if err := s.overrides.Close(); err != nil {
			s.logger.Warn("override table close failed", "error", err)
		}
	}
	if closer, ok := s.audit.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Warn("audit log close failed", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("store close failed", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	memguard.Purge()
	if s.logger != nil {
		_ = s.logger.Close()
	}
}

// newLLMClient builds a client for the configured provider with the
// given model name.
func newLLMClient(ctx context.Context, cfg config.LLMConfig, model string) (llm.LLMClient, error) {
	switch cfg.Provider {
	case "openai":
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			Model:             model,
			BaseURL:           cfg.BaseURL,
			SystemPrompt:      cfg.SystemPrompt,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
	case "gemini":
		return llm.NewGeminiClient(ctx, llm.GeminiConfig{
			Model:             model,
			SystemPrompt:      cfg.SystemPrompt,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func parseLogLevel(level string) logging.Level {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// initTracer wires OTLP trace export over gRPC. The insecure transport
// is intentional: the collector runs on the same private network.
func initTracer(ctx context.Context, endpoint string) (func(context.Context), error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("counsel-service")))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = traceExporter.Shutdown(ctx)
	}, nil
}
