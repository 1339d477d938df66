// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/briefwise/briefwise/pkg/logging"
	"github.com/briefwise/briefwise/pkg/ux"
	"github.com/briefwise/briefwise/pkg/validation"
	"github.com/briefwise/briefwise/services/counsel"
	"github.com/briefwise/briefwise/services/counsel/config"
	"github.com/briefwise/briefwise/services/counsel/retrieval"
	"github.com/briefwise/briefwise/services/counsel/storage"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "briefwise",
		Short: "Briefwise conversational legal research service",
		Long: `Briefwise answers legal research questions grounded in a statute
corpus, streaming responses over SSE with per-user rate limits,
guardrail screening, and monthly usage quotas.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the counsel HTTP service",
		RunE:  runServe,
	}

	ingestCmd = &cobra.Command{
		Use:   "ingest [passages.json]",
		Short: "Load statute passages into the retrieval corpus",
		Long: `Reads a JSON array of passages ({"id","source","article","text"})
and batch-imports them into Weaviate, creating the Passage class if
needed.`,
		Args: cobra.ExactArgs(1),
		RunE: runIngest,
	}

	chatServer string
	chatToken  string
	chatVerify bool

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive chat session against a running service",
		RunE:  runChat,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE:  runMigrate,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config YAML")
	chatCmd.Flags().StringVar(&chatServer, "server", "http://localhost:8080", "service base URL")
	chatCmd.Flags().StringVar(&chatToken, "token", "", "bearer token")
	chatCmd.Flags().BoolVar(&chatVerify, "verify", true, "verify stream hash chains client-side")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(migrateCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := counsel.New(ctx, *cfg, nil)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	return svc.Run(ctx)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read passages: %w", err)
	}
	var passages []retrieval.Passage
	if err := json.Unmarshal(data, &passages); err != nil {
		return fmt.Errorf("parse passages: %w", err)
	}
	if len(passages) == 0 {
		return fmt.Errorf("no passages in %s", args[0])
	}
	for i := range passages {
		slug, err := validation.SanitizeSourceSlug(passages[i].Source)
		if err != nil {
			return fmt.Errorf("passage %d: %w", i, err)
		}
		passages[i].Source = slug
		if err := validation.ValidateArticleRef(passages[i].Article); err != nil {
			return fmt.Errorf("passage %d: %w", i, err)
		}
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.Retrieval.Host,
		Scheme: cfg.Retrieval.Scheme,
	})
	if err != nil {
		return fmt.Errorf("create weaviate client: %w", err)
	}

	logger := logging.Default()
	ctx := context.Background()
	if err := retrieval.EnsureSchema(ctx, client, logger); err != nil {
		return err
	}
	indexed, err := retrieval.IndexPassages(ctx, client, passages, logger)
	if err != nil {
		return fmt.Errorf("indexed %d of %d passages: %w", indexed, len(passages), err)
	}

	fmt.Printf("Indexed %d passages into %s\n", indexed, retrieval.PassageClassName)
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Open applies the schema: goose migrations for postgres, the
	// inline schema for sqlite.
	store, err := storage.Open(cmd.Context(), cfg.Storage.Driver, cfg.Storage.DSN, "")
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	fmt.Println("Migrations applied.")
	return nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := ux.NewChatClient(ux.ChatConfig{
		BaseURL:         chatServer,
		Token:           chatToken,
		VerifyIntegrity: chatVerify,
	})
	return client.RunInteractive(ctx, os.Stdin, os.Stdout)
}
