// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs one scientific question from retrieval to a final
// multi-iteration answer.
//
// # Description
//
// The Controller produces the full sequence of answer iterations for one
// task. The initial round validates the question, retrieves and reranks
// evidence, and generates a cited draft. Up to NFeedback self-critique
// rounds then refine the draft: a critique without a follow-up question
// triggers a text-only edit against iteration 0's citation list, while a
// critique with a follow-up question retrieves fresh evidence, extends a
// copy of the configured base citation list, and folds duplicate passages
// back into their earlier indices before the edit is published.
//
// Progress and every accepted iteration are published through the task
// state store so pollers see partial results; the store is the
// Controller's only channel to the outside. A structured event trace is
// shipped to the archival sink when the pipeline ends, whatever the
// outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianScholar/services/llm"
	"github.com/AleutianAI/AleutianScholar/services/scholar/archive"
	"github.com/AleutianAI/AleutianScholar/services/scholar/citations"
	"github.com/AleutianAI/AleutianScholar/services/scholar/datatypes"
	"github.com/AleutianAI/AleutianScholar/services/scholar/observability"
	"github.com/AleutianAI/AleutianScholar/services/scholar/retrieval"
	"github.com/AleutianAI/AleutianScholar/services/scholar/safety"
	"github.com/AleutianAI/AleutianScholar/services/scholar/state"
)

var tracer = otel.Tracer("scholar.pipeline")

// NoRelevantEvidenceError means reranking found nothing above threshold on
// the initial round. Terminal; no partial answer is produced.
type NoRelevantEvidenceError struct {
	Query string
}

func (e *NoRelevantEvidenceError) Error() string {
	return "no relevant information found for this question"
}

// errEditRejected is internal control flow: the round is skipped and the
// previous answer retained. It never surfaces as a task failure.
var errEditRejected = errors.New("edit rejected by acceptance heuristic")

// Controller orchestrates one full answer. All fields except Biblio,
// Screener, Sink and Metrics are required.
type Controller struct {
	LLM       llm.LLMClient
	Retriever retrieval.Retriever
	Reranker  retrieval.Reranker
	Biblio    *retrieval.BiblioClient
	Screener  *safety.Screener
	Store     *state.Store
	Sink      archive.Sink
	Metrics   *observability.ScholarMetrics

	// Backend labels token metrics (openai, ollama).
	Backend string

	Cfg Config
}

// Run executes the pipeline for one task and records the terminal state in
// the store. The returned error mirrors what was written to the task
// record; callers launching Run on a goroutine may ignore it.
func (c *Controller) Run(ctx context.Context, taskID, query string, feedbackEnabled bool) error {
	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.Bool("task.feedback_enabled", feedbackEnabled),
	)

	if c.Metrics != nil {
		c.Metrics.ActiveTasks.Inc()
		defer c.Metrics.ActiveTasks.Dec()
	}

	trace := newTrace(taskID, query)
	defer func() {
		archiveCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		trace.archive(archiveCtx, c.Sink)
	}()

	err := c.runRounds(ctx, taskID, query, feedbackEnabled, trace)
	if err != nil {
		trace.Outcome = datatypes.StatusFailed
		trace.Error = err.Error()
		span.SetStatus(codes.Error, err.Error())
		c.fail(taskID, err)
		c.countTask(outcomeLabel(err))
		return err
	}
	trace.Outcome = datatypes.StatusCompleted
	c.complete(taskID)
	c.countTask("completed")
	return nil
}

func (c *Controller) runRounds(ctx context.Context, taskID, query string, feedbackEnabled bool, trace *EventTrace) error {
	c.publish(taskID, "Validating the question")
	if c.Screener != nil {
		if err := c.Screener.Validate(ctx, query); err != nil {
			return err
		}
	}

	// Warm-up and evidence gathering run concurrently; both are joined
	// before generation needs them.
	c.publish(taskID, "Retrieving evidence")
	var evidence citations.Ledger
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.LLM.Warmup(gctx); err != nil {
			slog.Warn("Generator warm-up failed", "task_id", taskID, "error", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		evidence, err = c.gatherEvidence(gctx, query, trace)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	c.publish(taskID, "Reranking evidence")
	top, retained, err := c.rerankAndSelect(ctx, query, evidence, trace)
	if err != nil {
		return err
	}
	if retained < c.Cfg.MinRelevant {
		return &NoRelevantEvidenceError{Query: query}
	}
	if c.Metrics != nil {
		c.Metrics.PassagesRetained.Observe(float64(len(top)))
	}

	c.publish(taskID, "Generating the initial answer")
	answer, err := c.generateAnswer(ctx, answerPrompt(query, top, c.Cfg.PromptWordBudget), trace, 0, "initial")
	if err != nil {
		return err
	}

	top.MarkUsed(answer)
	if err := c.publishIteration(taskID, datatypes.GeneratedIteration{
		Text:      answer,
		Citations: c.visible(top),
	}); err != nil {
		return err
	}
	c.publish(taskID, "Initial answer ready")

	if !feedbackEnabled || c.Cfg.NFeedback == 0 {
		return nil
	}

	c.publish(taskID, "Generating feedback on the draft")
	raw, usage, err := c.LLM.Generate(ctx, feedbackPrompt(query, answer, c.Cfg.NFeedback), llm.GenerationParams{})
	c.addTokens(usage)
	if err != nil {
		return fmt.Errorf("feedback generation failed: %w", err)
	}
	items := parseFeedback(raw, c.Cfg.NFeedback)

	first := top.Clone()
	latest := top
	for i, item := range items {
		round := i + 1
		var (
			edited string
			ledger citations.Ledger
			rErr   error
		)
		if item.Question == "" {
			edited, ledger, rErr = c.editInPlace(ctx, query, answer, item, first, trace, round)
		} else {
			edited, ledger, rErr = c.editWithRetrieval(ctx, query, answer, item, first, latest, trace, round)
		}
		switch {
		case errors.Is(rErr, errEditRejected):
			slog.Info("Edit round rejected, keeping previous answer", "task_id", taskID, "round", round)
			c.countFeedback("rejected")
		case rErr != nil:
			return rErr
		default:
			c.countFeedback("accepted")
			feedback := item.Feedback
			if err := c.publishIteration(taskID, datatypes.GeneratedIteration{
				Text:      edited,
				Feedback:  &feedback,
				Citations: c.visible(ledger),
			}); err != nil {
				return err
			}
			answer = edited
			latest = ledger
		}
		c.publish(taskID, fmt.Sprintf("Finished feedback round %d of %d", round, len(items)))
	}
	return nil
}

// gatherEvidence combines dense retrieval with the optional keyword-driven
// paper search, then prefix-deduplicates. The secondary search is
// best-effort; its failure never fails the task.
func (c *Controller) gatherEvidence(ctx context.Context, query string, trace *EventTrace) (citations.Ledger, error) {
	var (
		primary   []retrieval.Passage
		secondary []retrieval.Passage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		ps, err := c.Retriever.Retrieve(gctx, query, c.Cfg.NRetrieval)
		if err != nil {
			return err
		}
		c.observeStage("retrieve", start)
		primary = ps
		return nil
	})
	if c.Cfg.SecondarySearch && c.Biblio != nil {
		g.Go(func() error {
			keywords, usage, err := retrieval.ExtractKeywords(gctx, c.LLM, query)
			c.addTokens(usage)
			if err != nil {
				slog.Warn("Keyword extraction failed, skipping secondary search", "error", err)
				return nil
			}
			for _, kw := range keywords {
				ps, err := c.Biblio.SearchPapers(gctx, kw, 10)
				if err != nil {
					slog.Warn("Secondary paper search failed", "keyword", kw, "error", err)
					continue
				}
				secondary = append(secondary, ps...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	trace.addRetrieval(query, "snippet_index", len(primary), 0)
	if len(secondary) > 0 {
		trace.addRetrieval(query, "paper_search", len(secondary), 0)
	}

	entries := make(citations.Ledger, 0, len(primary)+len(secondary))
	for _, p := range primary {
		entries = append(entries, entryFromPassage(p))
	}
	for _, p := range secondary {
		entries = append(entries, entryFromPassage(p))
	}
	return citations.Dedup(entries), nil
}

// rerankAndSelect scores the deduplicated evidence, counts how many
// passages clear the relevance threshold, and returns the top-N sorted by
// score descending with retrieval order breaking ties.
func (c *Controller) rerankAndSelect(ctx context.Context, query string, entries citations.Ledger, trace *EventTrace) (citations.Ledger, int, error) {
	if len(entries) == 0 {
		trace.addRerank(query, nil, 0, c.Cfg.RelevanceThreshold)
		return nil, 0, nil
	}
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Snippet
	}
	start := time.Now()
	scores, err := c.Reranker.Rerank(ctx, query, texts)
	if err != nil {
		return nil, 0, err
	}
	c.observeStage("rerank", start)
	if len(scores) != len(entries) {
		return nil, 0, fmt.Errorf("reranker returned %d scores for %d passages", len(scores), len(entries))
	}

	retained := 0
	scored := entries.Clone()
	for i := range scored {
		scored[i].Score = scores[i]
		if scores[i] >= c.Cfg.RelevanceThreshold {
			retained++
		}
	}
	trace.addRerank(query, scores, retained, c.Cfg.RelevanceThreshold)

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > c.Cfg.TopN {
		scored = scored[:c.Cfg.TopN]
	}
	return scored, retained, nil
}

// generateAnswer calls the generator, retrying once when the output is
// implausibly short. The longer of the two outputs wins.
func (c *Controller) generateAnswer(ctx context.Context, prompt string, trace *EventTrace, round int, kind string) (string, error) {
	start := time.Now()
	text, usage, err := c.LLM.Generate(ctx, prompt, llm.GenerationParams{})
	c.addTokens(usage)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}
	if len(text) < c.Cfg.MinAnswerChars {
		slog.Warn("Generated answer implausibly short, retrying once", "chars", len(text))
		retryText, retryUsage, retryErr := c.LLM.Generate(ctx, prompt, llm.GenerationParams{})
		c.addTokens(retryUsage)
		usage.Add(retryUsage)
		if retryErr == nil && len(retryText) > len(text) {
			text = retryText
		}
	}
	c.observeStage("generate", start)
	trace.addIteration(round, kind, true, len(text), usage)
	return text, nil
}

// editInPlace regenerates the answer against iteration 0's citation list.
// The returned ledger is a fresh deep copy with recomputed used flags.
func (c *Controller) editInPlace(ctx context.Context, query, answer string, item FeedbackItem, first citations.Ledger, trace *EventTrace, round int) (string, citations.Ledger, error) {
	start := time.Now()
	base := first.Clone()
	edited, usage, err := c.LLM.Generate(ctx, editPrompt(query, answer, item.Feedback, base, c.Cfg.PromptWordBudget), llm.GenerationParams{})
	c.addTokens(usage)
	if err != nil {
		return "", nil, fmt.Errorf("edit generation failed: %w", err)
	}
	c.observeStage("feedback", start)
	accepted := c.acceptEdit(edited, answer)
	trace.addIteration(round, "edit_in_place", accepted, len(edited), usage)
	if !accepted {
		return "", nil, errEditRejected
	}
	base.MarkUsed(edited)
	return edited, base, nil
}

// editWithRetrieval retrieves fresh evidence for the follow-up question,
// extends a copy of the configured base list, and folds duplicates back
// into their earlier indices before recomputing used flags. Low relevance
// degrades gracefully here; there is no hard evidence gate after round 0.
func (c *Controller) editWithRetrieval(ctx context.Context, query, answer string, item FeedbackItem, first, latest citations.Ledger, trace *EventTrace, round int) (string, citations.Ledger, error) {
	start := time.Now()
	base := latest.Clone()
	if c.Cfg.IndexBase == IndexBaseFirst {
		base = first.Clone()
	}

	evidence, err := c.gatherEvidence(ctx, item.Question, trace)
	if err != nil {
		return "", nil, err
	}
	fresh, _, err := c.rerankAndSelect(ctx, item.Question, evidence, trace)
	if err != nil {
		return "", nil, err
	}

	edited, usage, err := c.LLM.Generate(ctx, editRetrievalPrompt(query, answer, item.Feedback, base, fresh, c.Cfg.PromptWordBudget), llm.GenerationParams{})
	c.addTokens(usage)
	if err != nil {
		return "", nil, fmt.Errorf("edit generation failed: %w", err)
	}
	c.observeStage("feedback", start)
	accepted := c.acceptEdit(edited, answer)
	trace.addIteration(round, "edit_with_retrieval", accepted, len(edited), usage)
	if !accepted {
		return "", nil, errEditRejected
	}

	edited, merged := citations.Merge(base, fresh, edited)
	merged.MarkUsed(edited)
	return edited, merged, nil
}

// acceptEdit is the anti-truncation heuristic: an edit must be non-empty
// and at least AcceptRatio of the previous answer's length.
func (c *Controller) acceptEdit(edited, previous string) bool {
	if edited == "" {
		return false
	}
	return float64(len(edited)) >= c.Cfg.AcceptRatio*float64(len(previous))
}

// visible converts the used entries of a ledger to the boundary shape,
// applying the snippet visibility policy.
func (c *Controller) visible(ledger citations.Ledger) []datatypes.Citation {
	policy := c.Cfg.Snippet
	if policy == nil {
		policy = DefaultSnippetPolicy
	}
	out := make([]datatypes.Citation, 0, len(ledger))
	for _, e := range ledger.Visible() {
		out = append(out, datatypes.Citation{
			CorpusID: e.CorpusID,
			Title:    e.Title,
			Snippet:  policy(e),
			Score:    e.Score,
		})
	}
	return out
}

func entryFromPassage(p retrieval.Passage) citations.Entry {
	return citations.Entry{CorpusID: p.CorpusID, Title: p.Title, Snippet: p.Text, Score: p.Score}
}

func (c *Controller) publish(taskID, msg string) {
	if err := c.Store.Update(taskID, func(ts *state.TaskState) error {
		ts.SetProgress(msg)
		return nil
	}); err != nil {
		slog.Warn("Failed to publish progress", "task_id", taskID, "error", err)
	}
}

// publishIteration appends an accepted iteration so pollers see partial
// results before the task completes.
func (c *Controller) publishIteration(taskID string, it datatypes.GeneratedIteration) error {
	return c.Store.Update(taskID, func(ts *state.TaskState) error {
		if ts.TaskResult == nil {
			ts.TaskResult = &datatypes.TaskResult{}
		}
		ts.TaskResult.Iterations = append(ts.TaskResult.Iterations, it)
		return nil
	})
}

// fail records the terminal FAILED state. A record already marked FAILED
// by a poller-side timeout is overwritten; last write wins by contract.
func (c *Controller) fail(taskID string, cause error) {
	if err := c.Store.Update(taskID, func(ts *state.TaskState) error {
		ts.SetError(cause)
		return nil
	}); err != nil {
		slog.Error("Failed to record task failure", "task_id", taskID, "cause", cause, "error", err)
	}
}

func (c *Controller) complete(taskID string) {
	if err := c.Store.Update(taskID, func(ts *state.TaskState) error {
		ts.TaskStatus = datatypes.StatusCompleted
		ts.EndedAt = time.Now()
		return nil
	}); err != nil {
		slog.Error("Failed to record task completion", "task_id", taskID, "error", err)
	}
}

func (c *Controller) countTask(outcome string) {
	if c.Metrics != nil {
		c.Metrics.TasksTotal.WithLabelValues(outcome).Inc()
	}
}

func (c *Controller) countFeedback(disposition string) {
	if c.Metrics != nil {
		c.Metrics.FeedbackRoundsTotal.WithLabelValues(disposition).Inc()
	}
}

func (c *Controller) observeStage(stage string, start time.Time) {
	if c.Metrics != nil {
		c.Metrics.StageDurationSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func (c *Controller) addTokens(usage llm.Usage) {
	if c.Metrics == nil {
		return
	}
	backend := c.Backend
	if backend == "" {
		backend = "unknown"
	}
	c.Metrics.TokensTotal.WithLabelValues("prompt", backend).Add(float64(usage.PromptTokens))
	c.Metrics.TokensTotal.WithLabelValues("completion", backend).Add(float64(usage.CompletionTokens))
}

func outcomeLabel(err error) string {
	var vErr *safety.ValidationError
	if errors.As(err, &vErr) {
		return "rejected"
	}
	return "failed"
}
