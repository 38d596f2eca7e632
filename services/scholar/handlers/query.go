// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianScholar/services/scholar/datatypes"
	"github.com/AleutianAI/AleutianScholar/services/scholar/scheduler"
	"github.com/AleutianAI/AleutianScholar/services/scholar/state"
)

// HandleQuery is the single submit-or-poll endpoint. A request carrying a
// task_id is a poll and every other field is ignored; otherwise a new task
// is created and the STARTED shape returned immediately.
func HandleQuery(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.QueryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		if req.IsPoll() {
			writePoll(c, sched, strings.TrimSpace(req.TaskID))
			return
		}

		if strings.TrimSpace(req.Query) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
			return
		}

		resp, err := sched.Submit(req.Query, req.FeedbackEnabled)
		if err != nil {
			slog.Error("Failed to submit task", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create the task"})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// writePoll classifies the task record into the running, completed, or
// failed response shape. Failures surface as a single human-readable
// message; stack traces and internal detail never leave the boundary.
func writePoll(c *gin.Context, sched *scheduler.Scheduler, taskID string) {
	ts, err := sched.Poll(taskID)
	if errors.Is(err, state.ErrNoSuchTask) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no task found with id %s", taskID)})
		return
	}
	if err != nil {
		slog.Error("Failed to poll task", "task_id", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read the task"})
		return
	}

	switch ts.TaskStatus {
	case datatypes.StatusCompleted:
		result := datatypes.TaskResult{}
		if ts.TaskResult != nil {
			result = *ts.TaskResult
		}
		c.JSON(http.StatusOK, datatypes.QueryResponse{
			TaskID:     ts.TaskID,
			Query:      ts.Query,
			TaskResult: result,
		})
	case datatypes.StatusFailed:
		msg := ts.ExtraState["error"]
		if msg == "" {
			msg = "the task failed"
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg, "result": ts.TaskResult})
	default:
		c.JSON(http.StatusOK, datatypes.AsyncQueryResponse{
			TaskID:        ts.TaskID,
			Query:         ts.Query,
			EstimatedTime: ts.EstimatedTime,
			TaskStatus:    ts.TaskStatus,
			TaskResult:    ts.TaskResult,
		})
	}
}
