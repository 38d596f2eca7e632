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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianScholar/services/scholar/datatypes"
	"github.com/AleutianAI/AleutianScholar/services/scholar/retrieval"
)

// HandlePapers returns batch paper metadata for a list of corpus ids. The
// upstream bibliographic response is passed through unmodified.
func HandlePapers(biblio *retrieval.BiblioClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.PapersRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "corpus_ids is required"})
			return
		}

		raw, err := biblio.BatchMetadata(c.Request.Context(), req.CorpusIDs, req.FieldString())
		if err != nil {
			slog.Error("Batch metadata lookup failed", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "paper metadata lookup failed"})
			return
		}
		c.Data(http.StatusOK, "application/json", raw)
	}
}
