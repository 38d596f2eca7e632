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
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianScholar/services/scholar/citations"
)

const answerInstruction = `Answer the following question related to recent scientific literature. Your answer should be detailed, informative, and grounded in the provided references. Cite evidence with bracketed reference numbers such as [0] or [2, 5] that point into the reference list below. Do not cite references you did not use.`

const feedbackInstruction = `You are reviewing a draft answer to a scientific question. Provide up to %d pieces of feedback that would improve the answer, one per line, in exactly this format:

Feedback: <critique of the draft> Question: <an optional follow-up search question, or leave empty>

Only include a Question when new literature must be retrieved to address the critique.`

const editInstruction = `Revise the draft answer below according to the feedback. Keep every bracketed reference number pointing at the same reference it pointed at before. Do not shorten the answer unless the feedback demands it.`

const editRetrievalInstruction = `Revise the draft answer below according to the feedback, incorporating the newly retrieved references where they strengthen the answer. Existing bracketed reference numbers keep their meaning; the new references are numbered continuing after the old ones.`

// contextBlocks renders ledger entries as "[i] Title: … Text: …" blocks,
// numbering from start. Rendering stops before the block that would push
// the cumulative word count past budget; whole blocks are dropped, never
// truncated mid-passage.
func contextBlocks(entries citations.Ledger, start, budget int) string {
	var b strings.Builder
	words := 0
	for i, e := range entries {
		block := fmt.Sprintf("[%d] Title: %s Text: %s\n", start+i, e.Title, e.Snippet)
		n := len(strings.Fields(block))
		if words+n > budget && words > 0 {
			break
		}
		b.WriteString(block)
		words += n
	}
	return b.String()
}

func answerPrompt(query string, entries citations.Ledger, budget int) string {
	return fmt.Sprintf("%s\n\nReferences:\n%s\nQuestion: %s\nAnswer:", answerInstruction, contextBlocks(entries, 0, budget), query)
}

func feedbackPrompt(query, answer string, maxRounds int) string {
	return fmt.Sprintf("%s\n\nQuestion: %s\n\nDraft answer:\n%s\n", fmt.Sprintf(feedbackInstruction, maxRounds), query, answer)
}

func editPrompt(query, answer, feedback string, entries citations.Ledger, budget int) string {
	return fmt.Sprintf("%s\n\nReferences:\n%s\nQuestion: %s\n\nDraft answer:\n%s\n\nFeedback: %s\n\nRevised answer:", editInstruction, contextBlocks(entries, 0, budget), query, answer, feedback)
}

func editRetrievalPrompt(query, answer, feedback string, prior citations.Ledger, fresh citations.Ledger, budget int) string {
	priorBlocks := contextBlocks(prior, 0, budget)
	used := len(strings.Fields(priorBlocks))
	freshBudget := budget - used
	if freshBudget < 0 {
		freshBudget = 0
	}
	return fmt.Sprintf("%s\n\nReferences:\n%s\nNew references:\n%s\nQuestion: %s\n\nDraft answer:\n%s\n\nFeedback: %s\n\nRevised answer:",
		editRetrievalInstruction, priorBlocks, contextBlocks(fresh, len(prior), freshBudget), query, answer, feedback)
}
