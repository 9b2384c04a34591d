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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TacticMesh/services/coordinator/datatypes"
	"github.com/AleutianAI/TacticMesh/services/coordinator/federation"
	"github.com/AleutianAI/TacticMesh/services/coordinator/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestWriteFederationError_NilPassesThrough(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.False(t, writeFederationError(c, observability.EndpointUpload, nil))
}

func TestWriteFederationError_TaxonomyMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "validation",
			err:        &federation.ValidationError{Field: "producerId", Reason: "required"},
			wantStatus: http.StatusBadRequest,
			wantError:  "ValidationError",
		},
		{
			name:       "duplicate",
			err:        &federation.DuplicateSubmissionError{Round: 4},
			wantStatus: http.StatusConflict,
			wantError:  "DuplicateSubmission",
		},
		{
			name:       "not ready",
			err:        federation.ErrNotReady,
			wantStatus: http.StatusNotFound,
			wantError:  "NotReady",
		},
		{
			name:       "not found",
			err:        &federation.NotFoundError{Kind: "subject", Key: "kraken", Known: []string{"goblin"}},
			wantStatus: http.StatusNotFound,
			wantError:  "NotFound",
		},
		{
			name:       "wrapped errors unwrap",
			err:        fmt.Errorf("record contribution: %w", &federation.DuplicateSubmissionError{Round: 2}),
			wantStatus: http.StatusConflict,
			wantError:  "DuplicateSubmission",
		},
		{
			name:       "unknown is internal",
			err:        errors.New("disk full"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "Internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			assert.True(t, writeFederationError(c, observability.EndpointUpload, tt.err))
			assert.Equal(t, tt.wantStatus, w.Code)

			var resp datatypes.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantError, resp.Error)
		})
	}
}

func TestWriteFederationError_DuplicateCarriesNextRound(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	writeFederationError(c, observability.EndpointUpload, &federation.DuplicateSubmissionError{Round: 7})

	var resp datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 8, resp.NextRound)
}

func TestWriteFederationError_NotFoundCarriesKnownSubjects(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	writeFederationError(c, observability.EndpointGlobal,
		&federation.NotFoundError{Kind: "subject", Key: "kraken", Known: []string{"dragon", "goblin"}})

	var resp datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"dragon", "goblin"}, resp.KnownSubjects)
}
