// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval fetches reference passages from the statute corpus
// for a refined query. Retrieval is best-effort: callers degrade to an
// empty context when a search fails rather than aborting the request.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"

	"github.com/briefwise/briefwise/pkg/logging"
)

var tracer = otel.Tracer("briefwise.counsel.retrieval")

// Passage is one retrieved corpus fragment.
type Passage struct {
	ID      string  `json:"id"`
	Source  string  `json:"source"`
	Article string  `json:"article"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

// Searcher is the retrieval contract the pipeline depends on.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]Passage, error)
}

// Config controls the Weaviate searcher.
type Config struct {
	Host      string
	Scheme    string
	ClassName string
	TopK      int
	Timeout   time.Duration
}

// DefaultConfig returns a local single-node setup.
func DefaultConfig() Config {
	return Config{
		Host:      "localhost:8080",
		Scheme:    "http",
		ClassName: PassageClassName,
		TopK:      6,
		Timeout:   5 * time.Second,
	}
}

// WeaviateSearcher retrieves passages with BM25 keyword search.
//
// # Thread Safety
//
// Safe for concurrent use. The underlying Weaviate client handles
// connection pooling.
type WeaviateSearcher struct {
	client *weaviate.Client
	config Config
	logger *logging.Logger
}

// NewWeaviateSearcher connects a searcher to the given Weaviate node.
func NewWeaviateSearcher(config Config, logger *logging.Logger) (*WeaviateSearcher, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("weaviate host is required")
	}
	if config.Scheme == "" {
		config.Scheme = "http"
	}
	if config.ClassName == "" {
		config.ClassName = PassageClassName
	}
	if config.TopK <= 0 {
		config.TopK = 6
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   config.Host,
		Scheme: config.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &WeaviateSearcher{client: client, config: config, logger: logger}, nil
}

// NewWeaviateSearcherWithClient wraps an existing client. Used by the
// ingest CLI and tests.
func NewWeaviateSearcherWithClient(client *weaviate.Client, config Config, logger *logging.Logger) *WeaviateSearcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &WeaviateSearcher{client: client, config: config, logger: logger}
}

// Search runs a BM25 query against the passage class and returns up to
// topK passages ordered by descending score. Ties break on passage ID
// so repeated searches return a stable ordering.
func (s *WeaviateSearcher) Search(ctx context.Context, query string, topK int) ([]Passage, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Search")
	defer span.End()

	if topK <= 0 {
		topK = s.config.TopK
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	fields := []graphql.Field{
		{Name: "passageId"},
		{Name: "source"},
		{Name: "article"},
		{Name: "text"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "score"},
		}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(s.config.ClassName).
		WithFields(fields...).
		WithBM25(s.client.GraphQL().Bm25ArgBuilder().
			WithQuery(query).
			WithProperties("text", "article")).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search error: %s", result.Errors[0].Message)
	}

	passages := parsePassages(result.Data, s.config.ClassName)
	sort.SliceStable(passages, func(i, j int) bool {
		if passages[i].Score != passages[j].Score {
			return passages[i].Score > passages[j].Score
		}
		return passages[i].ID < passages[j].ID
	})

	s.logger.Debug("retrieved passages", "query_len", len(query), "count", len(passages))
	return passages, nil
}

// parsePassages walks the untyped GraphQL response. Malformed objects
// are skipped rather than failing the whole result set.
func parsePassages(data map[string]models.JSONObject, className string) []Passage {
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return []Passage{}
	}
	objects, ok := get[className].([]any)
	if !ok {
		return []Passage{}
	}

	passages := make([]Passage, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		passages = append(passages, Passage{
			ID:      getString(m, "passageId"),
			Source:  getString(m, "source"),
			Article: getString(m, "article"),
			Text:    getString(m, "text"),
			Score:   getScore(m),
		})
	}
	return passages
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// getScore reads _additional.score, which Weaviate serializes as a
// string for BM25 results.
func getScore(m map[string]any) float64 {
	additional, ok := m["_additional"].(map[string]any)
	if !ok {
		return 0
	}
	switch v := additional["score"].(type) {
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	case float64:
		return v
	default:
		return 0
	}
}
