// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SnippetClass is the Weaviate collection holding literature passages.
const SnippetClass = "PaperSnippet"

// WeaviateRetriever retrieves passages from a local Weaviate collection via
// nearText semantic search. Used when the service runs without access to
// the hosted snippet index.
type WeaviateRetriever struct {
	client *weaviate.Client
}

// NewWeaviateRetriever wraps an existing Weaviate client.
func NewWeaviateRetriever(client *weaviate.Client) *WeaviateRetriever {
	return &WeaviateRetriever{client: client}
}

// Retrieve implements the Retriever interface.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("retrieval.k", k))

	nearText := r.client.GraphQL().NearTextArgBuilder().WithConcepts([]string{query})
	fields := []graphql.Field{
		{Name: "corpus_id"},
		{Name: "title"},
		{Name: "text"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(SnippetClass).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("weaviate retrieval failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate retrieval failed: %s", result.Errors[0].Message)
	}

	passages, err := parseSnippetObjects(result.Data)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("retrieval.passages", len(passages)))
	return passages, nil
}

func parseSnippetObjects(data map[string]models.JSONObject) ([]Passage, error) {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("weaviate response missing Get block")
	}
	objs, ok := get[SnippetClass].([]interface{})
	if !ok {
		return nil, nil
	}

	passages := make([]Passage, 0, len(objs))
	for _, obj := range objs {
		props, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		p := Passage{}
		if v, ok := props["corpus_id"].(string); ok {
			p.CorpusID = v
		}
		if v, ok := props["title"].(string); ok {
			p.Title = v
		}
		if v, ok := props["text"].(string); ok {
			p.Text = v
		}
		if add, ok := props["_additional"].(map[string]interface{}); ok {
			if v, ok := add["certainty"].(float64); ok {
				p.Score = v
			}
		}
		if p.Text == "" {
			continue
		}
		passages = append(passages, p)
	}
	return passages, nil
}
