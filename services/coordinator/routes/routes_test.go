// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TacticMesh/services/coordinator/datatypes"
	"github.com/AleutianAI/TacticMesh/services/coordinator/federation"
	"github.com/AleutianAI/TacticMesh/services/coordinator/storage"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

	coord, err := federation.NewCoordinator(federation.CoordinatorConfig{
		ContributorThreshold: 3,
		SweepInterval:        -1,
		Engine:               federation.EngineConfig{Strategy: federation.StrategyFedAvg},
	}, storage.NewMemoryStore(), federation.NopRecorder{},
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	router := gin.New()
	SetupRoutes(router, coord)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func uploadBody(producer string, avg float64, n, succ int) datatypes.UploadRequest {
	return datatypes.UploadRequest{
		ProducerID:  producer,
		SubjectType: "goblin",
		TacticMap: map[string]datatypes.TacticStatsPayload{
			"flank": {AvgReward: avg, SampleCount: n, SuccessCount: succ},
		},
	}
}

// closeOneRound pushes three contributions through /upload so a model exists.
func closeOneRound(t *testing.T, router *gin.Engine, avg float64) {
	t.Helper()
	for i, a := range []float64{avg, avg, avg} {
		w := doJSON(t, router, http.MethodPost, "/upload",
			uploadBody(fmt.Sprintf("producer-%d", i), a, 10, 5))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
}

// ============================================================================
// Route Registration
// ============================================================================

func TestSetupRoutes_RegistersEndpoints(t *testing.T) {
	router := setupTestRouter(t)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/upload"},
		{"GET", "/global"},
		{"POST", "/heartbeat"},
		{"GET", "/status"},
		{"POST", "/episodes"},
		{"GET", "/tactical-weights"},
		{"POST", "/replay"},
		{"GET", "/replay"},
		{"GET", "/version/:n"},
		{"POST", "/rollback/:n"},
	}

	routes := router.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected route %s %s not found", want.method, want.path)
		}
	}
}

func TestHealth(t *testing.T) {
	router := setupTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// ============================================================================
// Upload
// ============================================================================

func TestUpload_AcceptDuplicateReject(t *testing.T) {
	router := setupTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/upload", uploadBody("producer-a", 5.0, 10, 6))
	require.Equal(t, http.StatusOK, w.Code)

	var ok datatypes.UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ok))
	assert.Equal(t, 1, ok.Round)
	assert.Equal(t, 1, ok.ContributorCount)

	// Exact resubmission is a conflict carrying the retry hint.
	w = doJSON(t, router, http.MethodPost, "/upload", uploadBody("producer-a", 5.0, 10, 6))
	require.Equal(t, http.StatusConflict, w.Code)

	var conflict datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conflict))
	assert.Equal(t, "DuplicateSubmission", conflict.Error)
	assert.Equal(t, 2, conflict.NextRound)
}

func TestUpload_ValidationFailures(t *testing.T) {
	router := setupTestRouter(t)

	bad := uploadBody("Producer-A", 5.0, 10, 6) // uppercase id
	w := doJSON(t, router, http.MethodPost, "/upload", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ValidationError", resp.Error)

	// Malformed JSON body.
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ============================================================================
// Global Model and Status
// ============================================================================

func TestGlobal_Lifecycle(t *testing.T) {
	router := setupTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/global", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	var notReady datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &notReady))
	assert.Equal(t, "NotReady", notReady.Error)

	closeOneRound(t, router, 5.0)

	w = doJSON(t, router, http.MethodGet, "/global", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var model federation.GlobalModel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &model))
	assert.Equal(t, 1, model.Round)
	assert.Equal(t, 3, model.ContributorCount)
	assert.InDelta(t, 5.0, model.TacticsBySubject["goblin"]["flank"].AvgReward, 1e-9)

	w = doJSON(t, router, http.MethodGet, "/global?subjectType=kraken", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	var notFound datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &notFound))
	assert.Equal(t, "NotFound", notFound.Error)
	assert.Equal(t, []string{"goblin"}, notFound.KnownSubjects)
}

func TestHeartbeatAndStatus(t *testing.T) {
	router := setupTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/heartbeat", datatypes.HeartbeatRequest{
		ProducerID:     "producer-a",
		ActiveSubjects: []string{"goblin"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var hb datatypes.HeartbeatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hb))
	assert.Equal(t, 1, hb.Round)

	w = doJSON(t, router, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status federation.StatusReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Round)
	assert.Equal(t, 1, status.ActiveProducers)
	assert.False(t, status.HasGlobalModel)
}

// ============================================================================
// Episodes and Tactical Weights
// ============================================================================

func TestEpisodesAndTacticalWeights(t *testing.T) {
	router := setupTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/episodes", datatypes.EpisodeRequest{
		SubjectType:       "goblin",
		TacticUsageCounts: map[string]int{"flank": 3, "ambush": 1},
		EpisodeReward:     12.5,
		Succeeded:         true,
		SampleCount:       50,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ep datatypes.EpisodeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ep))
	assert.Equal(t, int64(1), ep.EpisodeNumber)

	// Sparse episode is rejected.
	w = doJSON(t, router, http.MethodPost, "/episodes", datatypes.EpisodeRequest{
		SubjectType:       "goblin",
		TacticUsageCounts: map[string]int{"flank": 1},
		SampleCount:       2,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodGet, "/tactical-weights?subjectType=goblin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var weights map[string]map[string]float64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &weights))
	assert.InDelta(t, 0.0375, weights["goblin"]["flank"], 1e-9)

	w = doJSON(t, router, http.MethodGet, "/tactical-weights?subjectType=goblin&ranked=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ranked map[string]map[string]float64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ranked))
	sum := 0.0
	for _, p := range ranked["goblin"] {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	w = doJSON(t, router, http.MethodGet, "/tactical-weights?subjectType=kraken", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// ranked=true without a subject is a client error.
	w = doJSON(t, router, http.MethodGet, "/tactical-weights?ranked=true", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ============================================================================
// Replay
// ============================================================================

func TestReplay_AddAndSample(t *testing.T) {
	router := setupTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/replay", datatypes.ReplayAddRequest{
		SubjectType: "goblin",
		Samples: []datatypes.ExperienceSamplePayload{
			{State: []float64{0.1, 0.2}, Action: "flank", Reward: 1.5},
			{State: []float64{0.3, 0.4}, Action: "ambush", Reward: -0.5, Terminal: true},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var added datatypes.ReplayAddResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &added))
	assert.Equal(t, 2, added.PoolSize)

	w = doJSON(t, router, http.MethodGet, "/replay?subjectType=goblin&n=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sampled datatypes.ReplaySampleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sampled))
	assert.Len(t, sampled.Samples, 1)

	// An unseen subject yields an empty draw, not an error.
	w = doJSON(t, router, http.MethodGet, "/replay?subjectType=dragon", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sampled))
	assert.Empty(t, sampled.Samples)

	w = doJSON(t, router, http.MethodGet, "/replay?subjectType=goblin&n=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ============================================================================
// Versions and Rollback
// ============================================================================

func TestVersionAndRollback(t *testing.T) {
	router := setupTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/version/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	closeOneRound(t, router, 5.0)

	w = doJSON(t, router, http.MethodGet, "/version/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap federation.VersionSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, 1, snap.Model.Round)

	w = doJSON(t, router, http.MethodPost, "/rollback/1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rb datatypes.RollbackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rb))
	assert.Equal(t, 1, rb.RolledBackTo)
	assert.Equal(t, 2, rb.NewVersion)

	w = doJSON(t, router, http.MethodPost, "/rollback/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodGet, "/version/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
