// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"context"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIModerator implements Moderator against the OpenAI moderations API.
type OpenAIModerator struct {
	client *openai.Client
}

// NewOpenAIModerator builds a moderator from the OPENAI_API_KEY environment
// variable. It returns nil (no moderator) when the key is absent so callers
// can pass the result straight into NewScreener.
func NewOpenAIModerator() *OpenAIModerator {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil
	}
	return &OpenAIModerator{client: openai.NewClient(key)}
}

func (m *OpenAIModerator) Flagged(ctx context.Context, input string) (bool, error) {
	resp, err := m.client.Moderations(ctx, openai.ModerationRequest{
		Model: openai.ModerationOmniLatest,
		Input: input,
	})
	if err != nil {
		return false, fmt.Errorf("moderation request failed: %w", err)
	}
	for _, result := range resp.Results {
		if result.Flagged {
			return true, nil
		}
	}
	return false, nil
}
