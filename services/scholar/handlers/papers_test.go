package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianScholar/services/scholar/datatypes"
	"github.com/AleutianAI/AleutianScholar/services/scholar/retrieval"
)

func TestHandlePapersPassesThroughUpstream(t *testing.T) {
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "paper/batch")
		assert.Equal(t, "title,year", r.URL.Query().Get("fields"))

		var payload struct {
			IDs []string `json:"ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, []string{"CorpusId:123", "CorpusId:456"}, payload.IDs)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"title":"Paper One","year":2024},{"title":"Paper Two","year":2025}]`))
	}))
	defer upstream.Close()

	router := gin.New()
	router.POST("/v1/papers", HandlePapers(retrieval.NewBiblioClient(upstream.URL, "")))

	body, err := json.Marshal(datatypes.PapersRequest{
		CorpusIDs: []string{"123", "456"},
		Fields:    []string{"title", "year"},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/papers", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"title":"Paper One","year":2024},{"title":"Paper Two","year":2025}]`, w.Body.String())
}

func TestHandlePapersRequiresCorpusIDs(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.POST("/v1/papers", HandlePapers(retrieval.NewBiblioClient("http://unused", "")))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/papers", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
