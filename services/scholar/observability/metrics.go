// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the scholar service.
//
// # Description
//
// Metrics cover the lifecycle of asynchronous answer tasks:
//   - Task counters (by terminal outcome)
//   - Active task gauge
//   - Pipeline stage latency histograms (retrieval, rerank, generation)
//   - Token usage counters (prompt/completion by backend)
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aleutian"

const scholarSubsystem = "scholar"

// ScholarMetrics holds all Prometheus metrics for the answer pipeline.
// Initialize once at startup via InitMetrics().
type ScholarMetrics struct {
	// TasksTotal counts tasks by terminal outcome.
	// Labels: outcome (completed, failed, timeout, rejected)
	TasksTotal *prometheus.CounterVec

	// ActiveTasks tracks tasks currently running in the pipeline.
	ActiveTasks prometheus.Gauge

	// StageDurationSeconds measures pipeline stage latency.
	// Labels: stage (retrieve, rerank, generate, feedback)
	StageDurationSeconds *prometheus.HistogramVec

	// TokensTotal counts LLM tokens consumed per task.
	// Labels: direction (prompt, completion), backend (openai, ollama)
	TokensTotal *prometheus.CounterVec

	// FeedbackRoundsTotal counts feedback rounds by disposition.
	// Labels: disposition (accepted, rejected)
	FeedbackRoundsTotal *prometheus.CounterVec

	// PassagesRetained records how many passages survive reranking per task.
	PassagesRetained prometheus.Histogram
}

// DefaultMetrics is the singleton instance of ScholarMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *ScholarMetrics

// InitMetrics creates and registers all Prometheus metrics. Call once at
// application startup; a second call panics on duplicate registration.
func InitMetrics() *ScholarMetrics {
	DefaultMetrics = &ScholarMetrics{
		TasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: scholarSubsystem,
				Name:      "tasks_total",
				Help:      "Total answer tasks by terminal outcome",
			},
			[]string{"outcome"},
		),

		ActiveTasks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: scholarSubsystem,
				Name:      "active_tasks",
				Help:      "Answer tasks currently running",
			},
		),

		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: scholarSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage latency in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"stage"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: scholarSubsystem,
				Name:      "tokens_total",
				Help:      "LLM tokens consumed by direction and backend",
			},
			[]string{"direction", "backend"},
		),

		FeedbackRoundsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: scholarSubsystem,
				Name:      "feedback_rounds_total",
				Help:      "Feedback rounds by disposition",
			},
			[]string{"disposition"},
		),

		PassagesRetained: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: scholarSubsystem,
				Name:      "passages_retained",
				Help:      "Passages surviving reranking per task",
				Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
			},
		),
	}
	return DefaultMetrics
}
