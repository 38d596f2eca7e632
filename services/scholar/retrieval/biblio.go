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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// BiblioClient talks to a Semantic-Scholar-style bibliographic graph API:
// keyword paper search, title lookup and batch metadata. Calls are rate
// limited client-side because the public endpoint throttles aggressively.
type BiblioClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
}

// NewBiblioClient creates a client for the given API base URL. The key may
// be empty for unauthenticated (lower-quota) access.
func NewBiblioClient(baseURL, apiKey string) *BiblioClient {
	return &BiblioClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		// 2 req/s with a small burst keeps us inside the public quota.
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
	}
}

func (c *BiblioClient) do(ctx context.Context, method, endpoint string, params url.Values, payload interface{}) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + "/" + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bibliographic request: %w", err)
		}
		body = strings.NewReader(string(buf))
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create bibliographic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bibliographic API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read bibliographic response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}
	return respBody, nil
}

type paperSearchResponse struct {
	Data []struct {
		CorpusID      json.Number `json:"corpusId"`
		Title         string      `json:"title"`
		Abstract      string      `json:"abstract"`
		CitationCount int         `json:"citationCount"`
	} `json:"data"`
}

// SearchPapers runs one keyword search and returns abstracts as passages.
// Papers without an abstract are skipped. Results are capped at limit.
func (c *BiblioClient) SearchPapers(ctx context.Context, keyword string, limit int) ([]Passage, error) {
	ctx, span := tracer.Start(ctx, "BiblioClient.SearchPapers")
	defer span.End()

	params := url.Values{}
	params.Set("query", keyword)
	params.Set("limit", fmt.Sprintf("%d", limit))
	params.Set("minCitationCount", "10")
	params.Set("sort", "citationCount:desc")
	params.Set("fields", "title,abstract,citationCount,corpusId")

	body, err := c.do(ctx, http.MethodGet, "paper/search", params, nil)
	if err != nil {
		return nil, err
	}
	var parsed paperSearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse paper search response: %w", err)
	}

	passages := make([]Passage, 0, len(parsed.Data))
	for _, paper := range parsed.Data {
		if paper.Abstract == "" {
			continue
		}
		passages = append(passages, Passage{
			CorpusID: paper.CorpusID.String(),
			Title:    paper.Title,
			Text:     paper.Abstract,
		})
	}
	return passages, nil
}

// BatchMetadata fetches metadata for a set of corpus ids with the given
// comma-joined field list. The raw JSON is returned for pass-through to
// the boundary.
func (c *BiblioClient) BatchMetadata(ctx context.Context, corpusIDs []string, fields string) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "BiblioClient.BatchMetadata")
	defer span.End()

	ids := make([]string, 0, len(corpusIDs))
	for _, cid := range corpusIDs {
		ids = append(ids, "CorpusId:"+cid)
	}
	params := url.Values{}
	params.Set("fields", fields)

	body, err := c.do(ctx, http.MethodPost, "paper/batch", params, map[string]interface{}{"ids": ids})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// PaperTitle looks up the title of one paper. Returns "" when the paper is
// unknown or the lookup fails; titles are cosmetic and never worth
// failing a pipeline over.
func (c *BiblioClient) PaperTitle(ctx context.Context, corpusID string) string {
	params := url.Values{}
	params.Set("fields", "title")
	body, err := c.do(ctx, http.MethodGet, "paper/CorpusId:"+corpusID, params, nil)
	if err != nil {
		slog.Debug("paper title lookup failed", "corpus_id", corpusID, "error", err)
		return ""
	}
	var parsed struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Title
}
