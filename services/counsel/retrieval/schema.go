// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/briefwise/briefwise/pkg/logging"
)

// PassageClassName is the Weaviate class holding the statute corpus.
const PassageClassName = "Passage"

// ingestBatchSize is the number of passages imported per batch call.
const ingestBatchSize = 100

// PassageSchema returns the class definition for the statute corpus.
// BM25 keyword search needs no vectorizer.
func PassageSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       PassageClassName,
		Description: "Statute and article passages for retrieval-augmented answers",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "passageId",
				DataType:        []string{"text"},
				Description:     "Stable identifier: source@article:fragment",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Code or act the passage belongs to",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "article",
				DataType:     []string{"text"},
				Description:  "Article or section heading",
				Tokenization: "word",
			},
			{
				Name:         "text",
				DataType:     []string{"text"},
				Description:  "Passage body",
				Tokenization: "word",
			},
		},
	}
}

// EnsureSchema creates the Passage class if absent. Idempotent.
func EnsureSchema(ctx context.Context, client *weaviate.Client, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Default()
	}

	_, err := client.Schema().ClassGetter().WithClassName(PassageClassName).Do(ctx)
	if err == nil {
		logger.Info("passage schema already exists")
		return nil
	}

	logger.Info("creating passage schema")
	if err := client.Schema().ClassCreator().WithClass(PassageSchema()).Do(ctx); err != nil {
		return fmt.Errorf("creating passage schema: %w", err)
	}
	return nil
}

// IndexPassages batch-imports passages into the corpus and returns the
// number successfully indexed.
func IndexPassages(ctx context.Context, client *weaviate.Client, passages []Passage, logger *logging.Logger) (int, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if len(passages) == 0 {
		return 0, nil
	}

	indexed := 0
	for i := 0; i < len(passages); i += ingestBatchSize {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		end := i + ingestBatchSize
		if end > len(passages) {
			end = len(passages)
		}
		batch := passages[i:end]

		objects := make([]*models.Object, len(batch))
		for j, p := range batch {
			objects[j] = &models.Object{
				Class: PassageClassName,
				Properties: map[string]interface{}{
					"passageId": p.ID,
					"source":    p.Source,
					"article":   p.Article,
					"text":      p.Text,
				},
			}
		}

		result, err := client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return indexed, fmt.Errorf("batch import failed: %w", err)
		}
		for _, obj := range result {
			if obj.Result != nil && obj.Result.Errors == nil {
				indexed++
			}
		}
		logger.Info("indexed passage batch", "count", len(batch), "total_indexed", indexed)
	}
	return indexed, nil
}
