package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubModerator struct {
	flagged bool
	err     error
}

func (s *stubModerator) Flagged(_ context.Context, _ string) (bool, error) {
	return s.flagged, s.err
}

func TestScreenerAllowsScientificQuestions(t *testing.T) {
	s, err := NewScreener(nil)
	require.NoError(t, err)

	questions := []string{
		"What retrieval strategies improve factuality in long-form QA?",
		"How does retrieval-augmented generation affect citation accuracy?",
		"Summarize recent work on sparse attention for long contexts.",
	}
	for _, q := range questions {
		assert.NoError(t, s.Validate(context.Background(), q), q)
	}
}

func TestScreenerRejectsPersonalIdentityQueries(t *testing.T) {
	s, err := NewScreener(nil)
	require.NoError(t, err)

	rejected := []string{
		"Who is Jane Doe and what does she do?",
		"What is the home address of the author of this paper?",
		"Give me the phone number of the corresponding author.",
	}
	for _, q := range rejected {
		err := s.Validate(context.Background(), q)
		require.Error(t, err, q)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "personal_identity", vErr.Rule)
	}
}

func TestScreenerRejectsIndividualMedicalAdvice(t *testing.T) {
	s, err := NewScreener(nil)
	require.NoError(t, err)

	err = s.Validate(context.Background(), "How much ibuprofen should I take for a sprain?")
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "medical_advice", vErr.Rule)
}

func TestScreenerModerationFlagRejects(t *testing.T) {
	s, err := NewScreener(&stubModerator{flagged: true})
	require.NoError(t, err)

	err = s.Validate(context.Background(), "An otherwise harmless question.")
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "moderation", vErr.Rule)
}

func TestScreenerModerationOutageAllows(t *testing.T) {
	s, err := NewScreener(&stubModerator{err: errors.New("connection refused")})
	require.NoError(t, err)

	assert.NoError(t, s.Validate(context.Background(), "What is mixture of experts routing?"))
}
