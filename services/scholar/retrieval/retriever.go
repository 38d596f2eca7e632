// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval provides clients for evidence retrieval, cross-encoder
// reranking and bibliographic metadata lookup.
//
// Two retriever backends are supported and selected by configuration: a
// dense snippet index spoken to over HTTP, and a Weaviate collection
// queried with nearText. Both return the same Passage shape so the
// pipeline does not care which one answered.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("scholar.retrieval")

// Passage is one ranked evidence snippet from any backend.
type Passage struct {
	CorpusID string  `json:"corpus_id"`
	Title    string  `json:"title,omitempty"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// Retriever returns ranked passages for a text query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Passage, error)
}

// Reranker scores (query, passage) pairs. Scores align positionally with
// the input passages.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string) ([]float64, error)
}

// Retrieval configuration constants.
const (
	// maxRetries is the maximum number of retry attempts for retrieval
	// operations. Retries use exponential backoff.
	maxRetries = 3

	// initialRetryDelay is the delay before the first retry attempt.
	// Subsequent retries double this delay (1s, 2s, 4s).
	initialRetryDelay = 1 * time.Second
)

// UpstreamError wraps a non-2xx response from a retrieval or rerank
// endpoint, keeping the status code so callers can decide on retries.
type UpstreamError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

// Error implements the error interface for UpstreamError.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
}

func retryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if ue, ok := err.(*UpstreamError); ok {
		return ue.Retryable
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}
	// Network errors may be transient.
	return true
}

// SnippetIndexClient retrieves passages from a dense full-text snippet
// index over HTTP.
type SnippetIndexClient struct {
	httpClient *http.Client
	baseURL    string
	domain     string
}

// NewSnippetIndexClient creates a retriever against the given search
// endpoint. domain selects the corpus partition on the index side.
func NewSnippetIndexClient(baseURL, domain string) *SnippetIndexClient {
	return &SnippetIndexClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		domain:     domain,
	}
}

type snippetSearchRequest struct {
	Query   string `json:"query"`
	NDocs   int    `json:"n_docs"`
	Domains string `json:"domains"`
}

type snippetSearchResponse struct {
	Results struct {
		CorpusIDs []string  `json:"corpus_ids"`
		Passages  []string  `json:"passages"`
		Scores    []float64 `json:"scores"`
	} `json:"results"`
}

// Retrieve implements the Retriever interface with retry and exponential
// backoff for transient upstream failures.
func (c *SnippetIndexClient) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	ctx, span := tracer.Start(ctx, "SnippetIndexClient.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("retrieval.query", query),
		attribute.Int("retrieval.k", k),
	)

	var lastErr error
	retryDelay := initialRetryDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			span.AddEvent("retry_attempt", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("delay", retryDelay.String()),
			))
			slog.Info("Retrying snippet retrieval", "attempt", attempt, "delay", retryDelay, "lastError", lastErr)
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context canceled during retry")
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}

		passages, err := c.search(ctx, query, k)
		if err == nil {
			span.SetAttributes(attribute.Int("retrieval.passages", len(passages)))
			return passages, nil
		}
		lastErr = err
		if !retryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "non-retryable error")
			return nil, err
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all retries exhausted")
	return nil, fmt.Errorf("retrieval failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *SnippetIndexClient) search(ctx context.Context, query string, k int) ([]Passage, error) {
	payload, err := json.Marshal(snippetSearchRequest{Query: query, NDocs: k, Domains: c.domain})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/search", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("snippet index request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snippet index response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}

	var parsed snippetSearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse snippet index response: %w", err)
	}

	r := parsed.Results
	if len(r.CorpusIDs) != len(r.Passages) || len(r.Passages) != len(r.Scores) {
		return nil, fmt.Errorf("snippet index returned misaligned result arrays")
	}
	passages := make([]Passage, 0, len(r.Passages))
	for i := range r.Passages {
		passages = append(passages, Passage{
			CorpusID: r.CorpusIDs[i],
			Text:     r.Passages[i],
			Score:    r.Scores[i],
		})
	}
	return passages, nil
}

// CrossEncoderClient scores (query, passage) pairs against a deployed
// cross-encoder reranker over HTTP.
type CrossEncoderClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewCrossEncoderClient creates a reranker client for the given endpoint.
func NewCrossEncoderClient(baseURL string) *CrossEncoderClient {
	return &CrossEncoderClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

type rerankRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank implements the Reranker interface.
func (c *CrossEncoderClient) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	ctx, span := tracer.Start(ctx, "CrossEncoderClient.Rerank")
	defer span.End()
	span.SetAttributes(attribute.Int("rerank.passages", len(passages)))

	payload, err := json.Marshal(rerankRequest{Query: query, Passages: passages})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/rerank", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reranker request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read reranker response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		span.SetAttributes(attribute.Int("rerank.status_code", resp.StatusCode))
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}

	var parsed rerankResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse reranker response: %w", err)
	}
	if len(parsed.Scores) != len(passages) {
		return nil, fmt.Errorf("reranker returned %d scores for %d passages", len(parsed.Scores), len(passages))
	}
	return parsed.Scores, nil
}
