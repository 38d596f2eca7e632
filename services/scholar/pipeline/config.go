// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianScholar/services/scholar/citations"
)

// IndexBase selects which iteration's citation list seeds an
// edit-with-retrieval round. Historical behavior drifted between the two,
// so it is a policy knob rather than a fixed rule.
type IndexBase string

const (
	// IndexBaseFirst extends a copy of iteration 0's citation list.
	IndexBaseFirst IndexBase = "first"

	// IndexBaseLatest extends a copy of the most recent iteration's list.
	// This is the default.
	IndexBaseLatest IndexBase = "latest"
)

// SnippetPolicy decides how a passage's text appears in externally visible
// citations. Injectable so deployments with paper visibility restrictions
// can redact or truncate.
type SnippetPolicy func(e citations.Entry) string

// DefaultSnippetWords bounds the externally visible snippet length under
// the default policy.
const DefaultSnippetWords = 250

// DefaultSnippetPolicy truncates snippets to DefaultSnippetWords words.
func DefaultSnippetPolicy(e citations.Entry) string {
	words := strings.Fields(e.Snippet)
	if len(words) <= DefaultSnippetWords {
		return e.Snippet
	}
	return strings.Join(words[:DefaultSnippetWords], " ")
}

// Config carries the policy knobs of the answer pipeline. Historical
// pipeline variants are expressed here, not as separate code paths.
type Config struct {
	// NRetrieval is how many passages the initial retrieval asks for.
	NRetrieval int

	// TopN is how many passages survive reranking into the prompt.
	TopN int

	// NFeedback caps the number of self-critique rounds.
	NFeedback int

	// RelevanceThreshold is the minimum rerank score for a passage to
	// count toward the evidence gate.
	RelevanceThreshold float64

	// MinRelevant is how many passages must clear the threshold on the
	// initial round before generation is attempted.
	MinRelevant int

	// MinAnswerChars triggers one generation retry when the output is
	// implausibly short.
	MinAnswerChars int

	// AcceptRatio is the minimum edited-to-previous length ratio for an
	// edit round to be accepted.
	AcceptRatio float64

	// PromptWordBudget bounds the total words of passage blocks embedded
	// in a prompt. Whole trailing blocks are dropped when exceeded.
	PromptWordBudget int

	// IndexBase picks the citation list extended by edit-with-retrieval.
	IndexBase IndexBase

	// Snippet controls externally visible snippet text.
	Snippet SnippetPolicy

	// SecondarySearch enables the keyword-driven paper search that
	// augments dense retrieval. Requires a bibliographic client.
	SecondarySearch bool
}

// DefaultConfig returns the production policy set.
func DefaultConfig() Config {
	return Config{
		NRetrieval:         100,
		TopN:               20,
		NFeedback:          5,
		RelevanceThreshold: 0.5,
		MinRelevant:        1,
		MinAnswerChars:     100,
		AcceptRatio:        0.9,
		PromptWordBudget:   4000,
		IndexBase:          IndexBaseLatest,
		Snippet:            DefaultSnippetPolicy,
		SecondarySearch:    true,
	}
}

// ConfigFromEnv overlays environment overrides onto DefaultConfig.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("SCHOLAR_TOP_N"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			slog.Warn("Invalid SCHOLAR_TOP_N, using default", "value", v, "default", cfg.TopN)
		} else {
			cfg.TopN = n
		}
	}
	if v := os.Getenv("SCHOLAR_FEEDBACK_ROUNDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			slog.Warn("Invalid SCHOLAR_FEEDBACK_ROUNDS, using default", "value", v, "default", cfg.NFeedback)
		} else {
			cfg.NFeedback = n
		}
	}
	if v := os.Getenv("SCHOLAR_RELEVANCE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			slog.Warn("Invalid SCHOLAR_RELEVANCE_THRESHOLD, using default", "value", v, "default", cfg.RelevanceThreshold)
		} else {
			cfg.RelevanceThreshold = f
		}
	}
	switch base := IndexBase(os.Getenv("SCHOLAR_INDEX_BASE")); base {
	case IndexBaseFirst, IndexBaseLatest:
		cfg.IndexBase = base
	case "":
	default:
		slog.Warn("Invalid SCHOLAR_INDEX_BASE, using default", "value", string(base), "default", string(cfg.IndexBase))
	}
	return cfg
}
