package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianScholar/services/llm"
	"github.com/AleutianAI/AleutianScholar/services/scholar/citations"
	"github.com/AleutianAI/AleutianScholar/services/scholar/datatypes"
	"github.com/AleutianAI/AleutianScholar/services/scholar/retrieval"
	"github.com/AleutianAI/AleutianScholar/services/scholar/safety"
	"github.com/AleutianAI/AleutianScholar/services/scholar/state"
)

// fakeLLM pops scripted responses in call order.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
}

func (f *fakeLLM) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, llm.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return "", llm.Usage{}, nil
	}
	out := f.responses[0]
	f.responses = f.responses[1:]
	return out, llm.Usage{PromptTokens: 10, CompletionTokens: 20}, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, prompt string, params llm.GenerationParams, onChunk func(string)) (llm.Usage, error) {
	text, usage, err := f.Generate(ctx, prompt, params)
	if err == nil {
		onChunk(text)
	}
	return usage, err
}

func (f *fakeLLM) Warmup(_ context.Context) error { return nil }

// fakeRetriever pops one passage set per Retrieve call.
type fakeRetriever struct {
	mu   sync.Mutex
	sets [][]retrieval.Passage
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _ int) ([]retrieval.Passage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sets) == 0 {
		return nil, nil
	}
	out := f.sets[0]
	f.sets = f.sets[1:]
	return out, nil
}

// fakeReranker returns the same score for every passage.
type fakeReranker struct {
	score float64
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, passages []string) ([]float64, error) {
	scores := make([]float64, len(passages))
	for i := range scores {
		scores[i] = f.score
	}
	return scores, nil
}

func passage(id, title string, lead string) retrieval.Passage {
	// Pad to clear the minimum passage word count.
	return retrieval.Passage{
		CorpusID: id,
		Title:    title,
		Text:     lead + " this passage continues with enough additional words to clear the minimum length filter applied before deduplication",
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinAnswerChars = 1
	cfg.SecondarySearch = false
	cfg.TopN = 5
	return cfg
}

func newTestController(t *testing.T, gen *fakeLLM, ret *fakeRetriever, rr *fakeReranker) (*Controller, *state.Store) {
	t.Helper()
	store, err := state.Open(state.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &Controller{
		LLM:       gen,
		Retriever: ret,
		Reranker:  rr,
		Store:     store,
		Cfg:       testConfig(),
	}, store
}

func createTask(t *testing.T, store *state.Store, taskID, query string) {
	t.Helper()
	require.NoError(t, store.Create(state.TaskState{
		TaskID:     taskID,
		Query:      query,
		TaskStatus: datatypes.StatusStarted,
	}))
}

func TestRunSingleIterationNoFeedback(t *testing.T) {
	answer := "Retrieval-augmented generation combines a retriever with a generator [0] and improves factuality [1]."
	gen := &fakeLLM{responses: []string{answer}}
	ret := &fakeRetriever{sets: [][]retrieval.Passage{{
		passage("c1", "RAG Survey", "alpha one"),
		passage("c2", "Factuality Study", "beta two"),
		passage("c3", "Unrelated Work", "gamma three"),
	}}}
	c, store := newTestController(t, gen, ret, &fakeReranker{score: 0.9})
	createTask(t, store, "task-1", "What are retrieval-augmented generation methods?")

	require.NoError(t, c.Run(context.Background(), "task-1", "What are retrieval-augmented generation methods?", false))

	ts, err := store.Read("task-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, ts.TaskStatus)
	require.NotNil(t, ts.TaskResult)
	require.Len(t, ts.TaskResult.Iterations, 1)

	it := ts.TaskResult.Iterations[0]
	assert.Nil(t, it.Feedback)
	assert.Equal(t, answer, it.Text)
	require.Len(t, it.Citations, 2)
	assert.Equal(t, "c1", it.Citations[0].CorpusID)
	assert.Equal(t, "c2", it.Citations[1].CorpusID)
}

func TestRunFailsValidation(t *testing.T) {
	gen := &fakeLLM{}
	ret := &fakeRetriever{}
	c, store := newTestController(t, gen, ret, &fakeReranker{score: 0.9})
	screener, err := safety.NewScreener(nil)
	require.NoError(t, err)
	c.Screener = screener

	query := "What is the home address of the lead author?"
	createTask(t, store, "task-2", query)
	require.Error(t, c.Run(context.Background(), "task-2", query, false))

	ts, err := store.Read("task-2")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, ts.TaskStatus)
	assert.Nil(t, ts.TaskResult)
	assert.Contains(t, ts.ExtraState["error"], "cannot be answered")
}

func TestRunFailsWhenNothingRelevant(t *testing.T) {
	gen := &fakeLLM{responses: []string{"should never be generated"}}
	ret := &fakeRetriever{sets: [][]retrieval.Passage{{
		passage("c1", "Paper", "alpha one"),
		passage("c2", "Paper Two", "beta two"),
	}}}
	c, store := newTestController(t, gen, ret, &fakeReranker{score: 0.1})
	createTask(t, store, "task-3", "an off-topic question")

	err := c.Run(context.Background(), "task-3", "an off-topic question", false)
	var nre *NoRelevantEvidenceError
	require.ErrorAs(t, err, &nre)

	ts, err := store.Read("task-3")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, ts.TaskStatus)
	assert.Nil(t, ts.TaskResult)
	assert.Contains(t, ts.ExtraState["error"], "no relevant information")
}

func TestRunEditInPlaceKeepsIndexBase(t *testing.T) {
	initial := "Draft citing all three sources [0] and [1] and [2] with enough text to survive the edit length check."
	edited := "Revised draft citing only the first [0] and third [2] sources, still long enough to clear the acceptance heuristic."
	feedback := "Feedback: tighten the middle section."
	gen := &fakeLLM{responses: []string{initial, feedback, edited}}
	ret := &fakeRetriever{sets: [][]retrieval.Passage{{
		passage("ca", "Paper A", "alpha one"),
		passage("cb", "Paper B", "beta two"),
		passage("cc", "Paper C", "gamma three"),
	}}}
	c, store := newTestController(t, gen, ret, &fakeReranker{score: 0.9})
	createTask(t, store, "task-4", "q")

	require.NoError(t, c.Run(context.Background(), "task-4", "q", true))

	ts, err := store.Read("task-4")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, ts.TaskStatus)
	require.Len(t, ts.TaskResult.Iterations, 2)

	last := ts.TaskResult.Iterations[1]
	require.NotNil(t, last.Feedback)
	assert.Equal(t, "tighten the middle section.", *last.Feedback)
	require.Len(t, last.Citations, 2)
	assert.Equal(t, "ca", last.Citations[0].CorpusID)
	assert.Equal(t, "cc", last.Citations[1].CorpusID)
}

func TestRunEditRejectedKeepsPreviousAnswer(t *testing.T) {
	initial := "A sufficiently long initial draft answer that cites its evidence [0] and keeps going for a while so the ratio check has something to compare."
	feedback := "Feedback: make it shorter."
	gen := &fakeLLM{responses: []string{initial, feedback, "too short"}}
	ret := &fakeRetriever{sets: [][]retrieval.Passage{{
		passage("ca", "Paper A", "alpha one"),
	}}}
	c, store := newTestController(t, gen, ret, &fakeReranker{score: 0.9})
	createTask(t, store, "task-5", "q")

	require.NoError(t, c.Run(context.Background(), "task-5", "q", true))

	ts, err := store.Read("task-5")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, ts.TaskStatus)
	require.Len(t, ts.TaskResult.Iterations, 1)
	assert.Equal(t, initial, ts.TaskResult.Iterations[0].Text)
}

func TestRunEditWithRetrievalMergesDuplicates(t *testing.T) {
	initial := "Initial draft citing the originals [0] and [1], padded out so later edits can pass the length acceptance heuristic without effort."
	feedback := "Feedback: cover follow-up work. Question: what follow-up work exists?"
	// The edit references the duplicate of A at its pre-merge index 2 and
	// the genuinely new passage at index 3.
	edited := "Extended draft citing the originals [0] and [1], the duplicate source [2], and the new result [3], padded to clear the length acceptance heuristic."
	gen := &fakeLLM{responses: []string{initial, feedback, edited}}
	ret := &fakeRetriever{sets: [][]retrieval.Passage{
		{
			passage("ca", "Paper A", "alpha one"),
			passage("cb", "Paper B", "beta two"),
		},
		{
			passage("ca", "Paper A", "alpha one"), // same prefix as ca
			passage("cd", "Paper D", "delta four"),
		},
	}}
	c, store := newTestController(t, gen, ret, &fakeReranker{score: 0.9})
	createTask(t, store, "task-6", "q")

	require.NoError(t, c.Run(context.Background(), "task-6", "q", true))

	ts, err := store.Read("task-6")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, ts.TaskStatus)
	require.Len(t, ts.TaskResult.Iterations, 2)

	last := ts.TaskResult.Iterations[1]
	// The duplicate's marker [2] was folded into [0]; D became [2].
	assert.Contains(t, last.Text, "duplicate source [0]")
	assert.Contains(t, last.Text, "new result [2]")
	require.Len(t, last.Citations, 3)
	assert.Equal(t, "ca", last.Citations[0].CorpusID)
	assert.Equal(t, "cb", last.Citations[1].CorpusID)
	assert.Equal(t, "cd", last.Citations[2].CorpusID)
}

func TestParseFeedback(t *testing.T) {
	raw := strings.Join([]string{
		"Feedback: add quantitative results. Question: what benchmarks are used?",
		"some stray commentary",
		"Feedback: clarify the definition.",
		"Feedback: extra item beyond the cap.",
	}, "\n")

	items := parseFeedback(raw, 2)
	require.Len(t, items, 2)
	assert.Equal(t, "add quantitative results.", items[0].Feedback)
	assert.Equal(t, "what benchmarks are used?", items[0].Question)
	assert.Equal(t, "clarify the definition.", items[1].Feedback)
	assert.Empty(t, items[1].Question)
}

func TestContextBlocksDropsWholeTrailingBlocks(t *testing.T) {
	ledger := testLedger(strings.TrimSpace(strings.Repeat("word ", 30)), 5)
	// Budget fits roughly two blocks of ~34 words each.
	out := contextBlocks(ledger, 0, 70)
	assert.Contains(t, out, "[0]")
	assert.Contains(t, out, "[1]")
	assert.NotContains(t, out, "[2]")
	// Blocks end on passage boundaries.
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestContextBlocksAlwaysEmitsFirstBlock(t *testing.T) {
	ledger := testLedger(strings.TrimSpace(strings.Repeat("word ", 200)), 1)
	out := contextBlocks(ledger, 0, 10)
	assert.Contains(t, out, "[0]")
}

func testLedger(text string, n int) citations.Ledger {
	ledger := make(citations.Ledger, n)
	for i := range ledger {
		ledger[i] = citations.Entry{CorpusID: "c", Title: "T", Snippet: text}
	}
	return ledger
}
