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
	"strings"
)

// FeedbackItem is one parsed critique. Question is empty for a text-only
// edit and non-empty when the critique calls for new retrieval.
type FeedbackItem struct {
	Feedback string
	Question string
}

// parseFeedback extracts up to max (feedback, question) pairs from raw
// model output, in order. A pair is a line of the form
// "Feedback: <critique> Question: <follow-up>" where the Question part is
// optional. Lines without a Feedback prefix are ignored.
func parseFeedback(raw string, max int) []FeedbackItem {
	var items []FeedbackItem
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := cutPrefixFold(line, "Feedback:")
		if !ok {
			continue
		}
		item := FeedbackItem{}
		if idx := indexFold(rest, "Question:"); idx >= 0 {
			item.Feedback = strings.TrimSpace(rest[:idx])
			item.Question = strings.TrimSpace(rest[idx+len("Question:"):])
		} else {
			item.Feedback = strings.TrimSpace(rest)
		}
		if item.Feedback == "" {
			continue
		}
		items = append(items, item)
		if len(items) == max {
			break
		}
	}
	return items
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

func indexFold(s, sub string) int {
	return strings.Index(strings.ToLower(s), strings.ToLower(sub))
}
