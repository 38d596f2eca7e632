// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler decouples answer tasks from the request cycle.
//
// Submit writes a STARTED record and launches the pipeline on its own
// goroutine; the state store is the only channel between that worker and
// everything else. Poll classifies the current record and applies the lazy
// wall-clock timeout: a running task past its deadline is transitioned to
// FAILED by the poller itself, not by a background timer. The worker is
// not stopped by a timeout; a late final write overwrites the timeout
// record and last-write-wins is the contract.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianScholar/services/scholar/datatypes"
	"github.com/AleutianAI/AleutianScholar/services/scholar/observability"
	"github.com/AleutianAI/AleutianScholar/services/scholar/state"
)

// DefaultTimeout bounds how long a task may run before a poll fails it.
const DefaultTimeout = 10 * time.Minute

// TaskTimeoutError marks a task failed by the reader-triggered timeout.
type TaskTimeoutError struct {
	TaskID  string
	Elapsed time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Elapsed.Round(time.Second))
}

// Runner executes the answer pipeline for one task. Satisfied by
// *pipeline.Controller.
type Runner interface {
	Run(ctx context.Context, taskID, query string, feedbackEnabled bool) error
}

// Scheduler owns task creation and polling.
type Scheduler struct {
	Store   *state.Store
	Runner  Runner
	Metrics *observability.ScholarMetrics

	// Timeout is the wall-clock bound applied lazily on Poll.
	// DefaultTimeout when zero.
	Timeout time.Duration
}

// Submit allocates a task id, persists the STARTED record, launches the
// pipeline in the background, and returns immediately with an estimate.
func (s *Scheduler) Submit(query string, feedbackEnabled bool) (datatypes.AsyncQueryResponse, error) {
	taskID := uuid.NewString()
	estimate := "1 minute"
	if feedbackEnabled {
		estimate = "3 minutes"
	}

	err := s.Store.Create(state.TaskState{
		TaskID:        taskID,
		Query:         query,
		TaskStatus:    datatypes.StatusStarted,
		EstimatedTime: estimate,
		StartedAt:     time.Now(),
	})
	if err != nil {
		return datatypes.AsyncQueryResponse{}, fmt.Errorf("failed to create task record: %w", err)
	}

	// The worker gets a fresh context: its lifetime is the task's, not the
	// submitting request's.
	go func() {
		if err := s.Runner.Run(context.Background(), taskID, query, feedbackEnabled); err != nil {
			slog.Warn("Task finished with error", "task_id", taskID, "error", err)
		}
	}()

	slog.Info("Task submitted", "task_id", taskID)
	return datatypes.AsyncQueryResponse{
		TaskID:        taskID,
		Query:         query,
		EstimatedTime: estimate,
		TaskStatus:    datatypes.StatusStarted,
	}, nil
}

// Poll returns the current record for a task, transitioning it to FAILED
// first when the timeout has elapsed.
//
// A decode failure is a mid-write observation: Poll returns a synthetic
// still-running record rather than an error, and the next poll usually
// sees the real one. Unknown ids surface state.ErrNoSuchTask.
func (s *Scheduler) Poll(taskID string) (state.TaskState, error) {
	ts, err := s.Store.Read(taskID)
	if errors.Is(err, state.ErrCorruptState) {
		placeholder := state.TaskState{TaskID: taskID}
		placeholder.SetProgress("processing")
		return placeholder, nil
	}
	if err != nil {
		return state.TaskState{}, err
	}

	timeout := s.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if !ts.Terminal() && time.Since(ts.StartedAt) > timeout {
		tErr := &TaskTimeoutError{TaskID: taskID, Elapsed: time.Since(ts.StartedAt)}
		transitioned := false
		err := s.Store.Update(taskID, func(cur *state.TaskState) error {
			if !cur.Terminal() {
				cur.SetError(tErr)
				transitioned = true
			}
			ts = *cur
			return nil
		})
		if err != nil {
			slog.Warn("Failed to record task timeout", "task_id", taskID, "error", err)
		} else if transitioned {
			slog.Info("Task timed out", "task_id", taskID, "elapsed", tErr.Elapsed)
			if s.Metrics != nil {
				s.Metrics.TasksTotal.WithLabelValues("timeout").Inc()
			}
		}
	}
	return ts, nil
}
