// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package citations maintains the evidence ledger behind a generated answer.
//
// An answer references evidence via bracketed markers such as [0] or [2, 5]
// whose integers are positions into an ordered list of ledger entries. This
// package owns everything index-related: extracting markers from generated
// text, deduplicating passages by leading-word prefix, folding duplicate
// entries from a later retrieval round into their earlier index, and
// computing which entries an answer actually uses.
//
// Index stability is the core invariant. Once an entry has been assigned a
// position it keeps that position for the lifetime of the answer; later
// rounds only ever append. Callers that need iteration-to-iteration
// continuity must deep-copy a ledger via Clone before mutating it.
package citations

import (
	"regexp"
	"strconv"
	"strings"
)

// PrefixWords is the number of leading whitespace-separated words used to
// decide whether two passages are the same paper passage.
const PrefixWords = 20

// MinPassageWords is the minimum word count for a passage to be kept at all.
// Anything shorter is considered boilerplate or a parsing artifact.
const MinPassageWords = 10

var markerGroupRe = regexp.MustCompile(`\[([\d,\s]+)\]`)

// Entry is one row of the ledger: a retrieved passage plus its usage state.
type Entry struct {
	CorpusID string  `json:"corpus_id"`
	Title    string  `json:"title,omitempty"`
	Snippet  string  `json:"snippet"`
	Score    float64 `json:"score"`
	Used     bool    `json:"used"`
}

// Ledger is an ordered citation list. Position in the slice is the marker
// index generated text refers to.
type Ledger []Entry

// Clone returns a deep copy of the ledger. Entries contain no reference
// types, so a slice copy is a full copy.
func (l Ledger) Clone() Ledger {
	out := make(Ledger, len(l))
	copy(out, l)
	return out
}

// Visible returns the entries whose index appears in the answer's marker
// set, in ledger order. Unused entries stay in the ledger for index
// stability but are dropped from the externally published result.
func (l Ledger) Visible() Ledger {
	out := make(Ledger, 0, len(l))
	for _, e := range l {
		if e.Used {
			out = append(out, e)
		}
	}
	return out
}

// MarkUsed recomputes the Used flag on every entry from the marker set of
// the given text. Markers referencing an out-of-range index are tolerated
// and simply produce no visible citation.
func (l Ledger) MarkUsed(text string) {
	used := make(map[int]bool)
	for _, idx := range ExtractMarkers(text) {
		used[idx] = true
	}
	for i := range l {
		l[i].Used = used[i]
	}
}

// ExtractMarkers returns every integer found inside bracket groups of the
// text, in a single left-to-right pass. Within a group the original order
// is preserved, so "Result [1, 3] and [2]." yields [1 3 2]. Bracket groups
// containing anything other than digits, commas and spaces are ignored.
func ExtractMarkers(text string) []int {
	var markers []int
	for _, group := range markerGroupRe.FindAllStringSubmatch(text, -1) {
		for _, tok := range strings.Split(group[1], ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			n, err := strconv.Atoi(tok)
			if err != nil {
				continue
			}
			markers = append(markers, n)
		}
	}
	return markers
}

// PrefixKey returns the canonical identity of a passage: its first
// PrefixWords whitespace-tokenized words joined by single spaces. Two
// passages with equal keys are treated as the same paper passage.
func PrefixKey(text string) string {
	words := strings.Fields(text)
	if len(words) > PrefixWords {
		words = words[:PrefixWords]
	}
	return strings.Join(words, " ")
}

// Dedup removes duplicate passages by prefix key, keeping one
// representative per key in first-seen order. Passages below
// MinPassageWords are discarded before deduplication. Running Dedup on an
// already-deduplicated list returns an identical list.
func Dedup(entries Ledger) Ledger {
	seen := make(map[string]bool, len(entries))
	out := make(Ledger, 0, len(entries))
	for _, e := range entries {
		if len(strings.Fields(e.Snippet)) < MinPassageWords {
			continue
		}
		key := PrefixKey(e.Snippet)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// Merge folds freshly retrieved entries into an existing ledger.
//
// The fresh entries are assumed to occupy indices base..base+len(fresh)-1
// in the text that was generated against the extended list, where base is
// the length of the prior ledger. Any fresh entry whose prefix key matches
// an existing entry is folded into the earlier index: its marker value is
// rewritten in the answer text and the entry itself is not appended.
// Entries with no collision are appended in order, renumbered to their
// final position.
//
// The rewritten answer and the merged ledger are returned. The caller must
// recompute used flags against the merged ledger afterwards; Merge itself
// does not touch Used. Substitution is a no-op when the marker value is
// already the final index, so Merge is idempotent on its own output.
func Merge(prior Ledger, fresh Ledger, answer string) (string, Ledger) {
	merged := prior.Clone()
	index := make(map[string]int, len(prior))
	for i, e := range prior {
		index[PrefixKey(e.Snippet)] = i
	}

	base := len(prior)
	for i, e := range fresh {
		oldIdx := base + i
		key := PrefixKey(e.Snippet)
		if earlier, ok := index[key]; ok {
			answer = rewriteMarker(answer, oldIdx, earlier)
			continue
		}
		newIdx := len(merged)
		if newIdx != oldIdx {
			answer = rewriteMarker(answer, oldIdx, newIdx)
		}
		index[key] = newIdx
		merged = append(merged, e)
	}
	return answer, merged
}

// rewriteMarker replaces every occurrence of the integer from inside
// bracket groups with to. Only marker positions are rewritten; integers in
// running text are left alone.
func rewriteMarker(text string, from, to int) string {
	if from == to {
		return text
	}
	fromStr := strconv.Itoa(from)
	toStr := strconv.Itoa(to)
	return markerGroupRe.ReplaceAllStringFunc(text, func(group string) string {
		inner := group[1 : len(group)-1]
		toks := strings.Split(inner, ",")
		for i, tok := range toks {
			if strings.TrimSpace(tok) == fromStr {
				toks[i] = strings.Replace(tok, fromStr, toStr, 1)
			}
		}
		return "[" + strings.Join(toks, ",") + "]"
	})
}
