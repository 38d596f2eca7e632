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
	"strings"

	"github.com/AleutianAI/AleutianScholar/services/llm"
)

// maxKeywords caps how many search queries one question expands into.
const maxKeywords = 5

const keywordExtractionPrompt = `Suggest paper search queries to retrieve relevant papers to answer the following scientific question. The search queries must be short, and comma separated. I'll show one example and the test instance you should suggest the search queries for.
##
Question: How have prior work incorporated personality attributes to train personalized dialogue generation models?
Search queries: personalized dialogue generation, personalized language models, personalized dialogue
##
Question: How do retrieval-augmented LMs perform well in knowledge-intensive tasks?
Search queries: retrieval-augmented LMs, knowledge-intensive tasks, large language models for knowledge-intensive tasks, retrieval-augmented generation
##
Question: %s
Search queries:`

// ExtractKeywords asks the generator for short search queries covering the
// question, for the keyword-driven secondary paper search.
func ExtractKeywords(ctx context.Context, client llm.LLMClient, question string) ([]string, llm.Usage, error) {
	temp := float32(0.1)
	maxTokens := 128
	raw, usage, err := client.Generate(ctx, fmt.Sprintf(keywordExtractionPrompt, question), llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return nil, usage, fmt.Errorf("keyword extraction failed: %w", err)
	}
	return parseKeywords(raw), usage, nil
}

func parseKeywords(raw string) []string {
	// Models sometimes echo the "Search queries:" label back.
	if idx := strings.LastIndex(raw, "Search queries:"); idx >= 0 {
		raw = raw[idx+len("Search queries:"):]
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	keywords := make([]string, 0, maxKeywords)
	for _, p := range parts {
		p = strings.TrimSpace(strings.Trim(strings.TrimSpace(p), "."))
		if p == "" {
			continue
		}
		keywords = append(keywords, p)
		if len(keywords) == maxKeywords {
			break
		}
	}
	return keywords
}
