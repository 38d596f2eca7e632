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
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianScholar/services/llm"
	"github.com/AleutianAI/AleutianScholar/services/scholar/archive"
)

// RetrievalEvent records one retrieval call and how many passages came back.
type RetrievalEvent struct {
	Query    string    `json:"query"`
	Source   string    `json:"source"`
	Count    int       `json:"count"`
	At       time.Time `json:"at"`
	Duration string    `json:"duration"`
}

// RerankEvent records the score distribution of one rerank call.
type RerankEvent struct {
	Query     string    `json:"query"`
	Scores    []float64 `json:"scores"`
	Retained  int       `json:"retained"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// IterationEvent records one generated answer version with its token cost.
type IterationEvent struct {
	Round    int       `json:"round"`
	Kind     string    `json:"kind"`
	Accepted bool      `json:"accepted"`
	Chars    int       `json:"chars"`
	Usage    llm.Usage `json:"usage"`
	At       time.Time `json:"at"`
}

// EventTrace is the per-task audit record shipped to the archival sink
// when the pipeline finishes, whatever the outcome.
type EventTrace struct {
	TaskID     string           `json:"task_id"`
	Query      string           `json:"query"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at"`
	Outcome    string           `json:"outcome"`
	Error      string           `json:"error,omitempty"`
	Retrievals []RetrievalEvent `json:"retrievals"`
	Reranks    []RerankEvent    `json:"reranks"`
	Iterations []IterationEvent `json:"iterations"`
	TotalUsage llm.Usage        `json:"total_usage"`
}

func newTrace(taskID, query string) *EventTrace {
	return &EventTrace{TaskID: taskID, Query: query, StartedAt: time.Now()}
}

func (t *EventTrace) addRetrieval(query, source string, count int, took time.Duration) {
	t.Retrievals = append(t.Retrievals, RetrievalEvent{
		Query: query, Source: source, Count: count, At: time.Now(), Duration: took.String(),
	})
}

func (t *EventTrace) addRerank(query string, scores []float64, retained int, threshold float64) {
	t.Reranks = append(t.Reranks, RerankEvent{
		Query: query, Scores: scores, Retained: retained, Threshold: threshold, At: time.Now(),
	})
}

func (t *EventTrace) addIteration(round int, kind string, accepted bool, chars int, usage llm.Usage) {
	t.Iterations = append(t.Iterations, IterationEvent{
		Round: round, Kind: kind, Accepted: accepted, Chars: chars, Usage: usage, At: time.Now(),
	})
	t.TotalUsage.Add(usage)
}

// archive ships the trace to the sink. Failures are logged only; archival
// never changes the task outcome.
func (t *EventTrace) archive(ctx context.Context, sink archive.Sink) {
	if sink == nil {
		return
	}
	t.EndedAt = time.Now()
	payload, err := json.Marshal(t)
	if err != nil {
		slog.Warn("Failed to encode event trace", "task_id", t.TaskID, "error", err)
		return
	}
	if err := sink.Put(ctx, t.TaskID, payload); err != nil {
		slog.Warn("Failed to archive event trace", "task_id", t.TaskID, "error", err)
	}
}
