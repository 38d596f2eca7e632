package retrieval

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnippetIndexRetrieve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":{"corpus_ids":["11","22"],"passages":["first passage","second passage"],"scores":[0.9,0.4]}}`))
	}))
	defer server.Close()

	client := NewSnippetIndexClient(server.URL, "")
	passages, err := client.Retrieve(context.Background(), "q", 10)
	require.NoError(t, err)
	require.Len(t, passages, 2)
	assert.Equal(t, "11", passages[0].CorpusID)
	assert.Equal(t, "first passage", passages[0].Text)
	assert.InDelta(t, 0.9, passages[0].Score, 1e-9)
}

func TestSnippetIndexRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"results":{"corpus_ids":["11"],"passages":["recovered passage"],"scores":[0.7]}}`))
	}))
	defer server.Close()

	client := NewSnippetIndexClient(server.URL, "")
	passages, err := client.Retrieve(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSnippetIndexDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad query", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewSnippetIndexClient(server.URL, "")
	_, err := client.Retrieve(context.Background(), "q", 5)
	require.Error(t, err)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadRequest, ue.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSnippetIndexRejectsMisalignedArrays(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":{"corpus_ids":["11"],"passages":["a","b"],"scores":[0.1,0.2]}}`))
	}))
	defer server.Close()

	client := NewSnippetIndexClient(server.URL, "")
	_, err := client.Retrieve(context.Background(), "q", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "misaligned")
}

func TestCrossEncoderRerank(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		w.Write([]byte(`{"scores":[0.8,0.1,0.5]}`))
	}))
	defer server.Close()

	client := NewCrossEncoderClient(server.URL)
	scores, err := client.Rerank(context.Background(), "q", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.8, 0.1, 0.5}, scores)
}

func TestCrossEncoderRejectsMisalignedScores(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"scores":[0.8]}`))
	}))
	defer server.Close()

	client := NewCrossEncoderClient(server.URL)
	_, err := client.Rerank(context.Background(), "q", []string{"a", "b"})
	require.Error(t, err)
}

func TestParseKeywords(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "plain comma separated",
			raw:  "sparse attention, long context transformers, efficient inference",
			want: []string{"sparse attention", "long context transformers", "efficient inference"},
		},
		{
			name: "echoed label stripped",
			raw:  "Search queries: retrieval augmented generation, citation accuracy.",
			want: []string{"retrieval augmented generation", "citation accuracy"},
		},
		{
			name: "capped at five",
			raw:  "a, b, c, d, e, f, g",
			want: []string{"a", "b", "c", "d", "e"},
		},
		{
			name: "empty output",
			raw:  "   ",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseKeywords(tt.raw))
		})
	}
}

func TestBiblioSearchPapersSkipsAbstractlessPapers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "paper/search")
		assert.Equal(t, "transformers", r.URL.Query().Get("query"))
		w.Write([]byte(`{"data":[
			{"corpusId":1,"title":"With Abstract","abstract":"an abstract","citationCount":50},
			{"corpusId":2,"title":"No Abstract","citationCount":90}
		]}`))
	}))
	defer server.Close()

	client := NewBiblioClient(server.URL, "")
	passages, err := client.SearchPapers(context.Background(), "transformers", 10)
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, "With Abstract", passages[0].Title)
	assert.Equal(t, "an abstract", passages[0].Text)
}
