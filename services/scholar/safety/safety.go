// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety screens incoming questions before the pipeline spends any
// retrieval or generation budget on them.
//
// Two layers run in order. The embedded denylist is a fast local regex pass
// covering categories the service refuses outright (personal identity
// lookups, individualized medical advice). When a moderation backend is
// configured, flagged questions are rejected as well; a moderation outage
// never blocks a query.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianScholar/services/scholar/safety/rules"
)

// ValidationError reports a query rejected by a screening rule. The message
// is safe to return to the caller verbatim.
type ValidationError struct {
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("query rejected by rule %q: %s", e.Rule, e.Message)
}

// Moderator is the narrow surface the screener needs from a content
// moderation backend. Flagged reports whether the input violates the
// backend's policy.
type Moderator interface {
	Flagged(ctx context.Context, input string) (bool, error)
}

type denyRuleFile struct {
	Rules []denyRule `yaml:"rules"`
}

type denyRule struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Priority    int           `yaml:"priority"`
	Patterns    []denyPattern `yaml:"patterns"`

	compiled []*regexp.Regexp
}

type denyPattern struct {
	Id          string `yaml:"id"`
	Description string `yaml:"description"`
	Regex       string `yaml:"regex"`
	Confidence  string `yaml:"confidence"`
}

// Screener validates questions against the embedded denylist and an
// optional moderation backend.
type Screener struct {
	rules     []denyRule
	moderator Moderator
}

// NewScreener compiles the embedded denylist and returns a ready screener.
//
// moderator may be nil, in which case only the local rules run. An error
// is returned if the embedded YAML is malformed or a pattern does not
// compile.
func NewScreener(moderator Moderator) (*Screener, error) {
	var file denyRuleFile
	if err := yaml.Unmarshal(rules.QueryDenylist, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded denylist: %w", err)
	}
	for i := range file.Rules {
		rule := &file.Rules[i]
		for _, p := range rule.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("failed to compile pattern %s: %w", p.Id, err)
			}
			rule.compiled = append(rule.compiled, re)
		}
	}
	sort.SliceStable(file.Rules, func(i, j int) bool {
		return file.Rules[i].Priority > file.Rules[j].Priority
	})
	return &Screener{rules: file.Rules, moderator: moderator}, nil
}

// Validate checks a question against every screening layer.
//
// It returns a *ValidationError when the question is rejected and nil when
// it may proceed. Moderation backend failures are logged and treated as a
// pass so an upstream outage does not take the service down.
func (s *Screener) Validate(ctx context.Context, question string) error {
	for _, rule := range s.rules {
		for _, re := range rule.compiled {
			if re.MatchString(question) {
				return &ValidationError{
					Rule:    rule.Name,
					Message: "this question cannot be answered by a literature search service",
				}
			}
		}
	}

	if s.moderator != nil {
		flagged, err := s.moderator.Flagged(ctx, question)
		if err != nil {
			slog.Warn("Moderation check failed, allowing query", "error", err)
			return nil
		}
		if flagged {
			return &ValidationError{
				Rule:    "moderation",
				Message: "potentially harmful content was detected in this question",
			}
		}
	}
	return nil
}
