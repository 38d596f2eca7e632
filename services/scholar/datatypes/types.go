// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the wire types of the scholar service boundary.
package datatypes

import "strings"

// Task status values. A task is created STARTED and transitions exactly once
// to COMPLETED or FAILED.
const (
	StatusStarted   = "STARTED"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// QueryRequest is the single submit/poll payload. When TaskID is set the
// request is a status check and every other field is ignored.
type QueryRequest struct {
	TaskID          string `json:"task_id,omitempty"`
	Query           string `json:"query"`
	FeedbackEnabled bool   `json:"feedback_enabled"`
}

// IsPoll reports whether the request references an already-running task.
func (r *QueryRequest) IsPoll() bool {
	return strings.TrimSpace(r.TaskID) != ""
}

// Citation is the externally visible form of one cited passage.
type Citation struct {
	CorpusID string  `json:"corpus_id"`
	Title    string  `json:"title,omitempty"`
	Snippet  string  `json:"snippet"`
	Score    float64 `json:"score"`
}

// GeneratedIteration is one answer version. Feedback is nil for the initial
// iteration and carries the critique that produced every later one.
type GeneratedIteration struct {
	Text      string     `json:"text"`
	Feedback  *string    `json:"feedback"`
	Citations []Citation `json:"citations"`
}

// TaskResult is the outcome of running a task to completion. Iterations are
// appended as rounds finish, so pollers may observe a growing list before
// the task reaches COMPLETED.
type TaskResult struct {
	Iterations []GeneratedIteration `json:"iterations"`
}

// AsyncQueryResponse is returned for a freshly submitted or still-running
// task.
type AsyncQueryResponse struct {
	TaskID        string      `json:"task_id"`
	Query         string      `json:"query"`
	EstimatedTime string      `json:"estimated_time"`
	TaskStatus    string      `json:"status"`
	TaskResult    *TaskResult `json:"result"`
}

// QueryResponse is returned once a task has completed.
type QueryResponse struct {
	TaskID     string     `json:"task_id"`
	Query      string     `json:"query"`
	TaskResult TaskResult `json:"result"`
}

// PapersRequest asks for batch paper metadata by corpus id. Fields defaults
// to authors, title and year when empty.
type PapersRequest struct {
	CorpusIDs []string `json:"corpus_ids" binding:"required"`
	Fields    []string `json:"fields,omitempty"`
}

// FieldString joins the requested metadata fields for the upstream
// bibliographic API.
func (p *PapersRequest) FieldString() string {
	if len(p.Fields) == 0 {
		return "authors,title,year"
	}
	return strings.Join(p.Fields, ",")
}
