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
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/TacticMesh/services/coordinator/datatypes"
	"github.com/AleutianAI/TacticMesh/services/coordinator/federation"
	"github.com/AleutianAI/TacticMesh/services/coordinator/observability"
)

// HandleRecordEpisode folds one episode summary into the tactical weights,
// bypassing round gating.
//
// POST /episodes
//
//	200 {episodeNumber}
//	400 {error:"ValidationError", details}
func HandleRecordEpisode(coord *federation.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.EpisodeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeFederationError(c, observability.EndpointEpisodes,
				&federation.ValidationError{Field: "body", Reason: err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			writeFederationError(c, observability.EndpointEpisodes,
				&federation.ValidationError{Field: "body", Reason: err.Error()})
			return
		}

		episode, err := coord.RecordEpisode(c.Request.Context(), req.SubjectType,
			req.TacticUsageCounts, req.EpisodeReward, req.Succeeded, req.SampleCount)
		if writeFederationError(c, observability.EndpointEpisodes, err) {
			return
		}

		recordSuccess(observability.EndpointEpisodes)
		c.JSON(http.StatusOK, datatypes.EpisodeResponse{EpisodeNumber: episode})
	}
}

// HandleTacticalWeights serves the EMA preference weights, for all subjects
// or one. With ranked=true the subject's weights are returned as a softmax
// probability distribution instead of raw values.
//
// GET /tactical-weights?subjectType=&ranked=&temperature=
//
//	200 weight map
//	404 {error:"NotFound", knownSubjects} for an unknown subject
func HandleTacticalWeights(coord *federation.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.Query("subjectType")

		if c.Query("ranked") == "true" {
			if subject == "" {
				writeFederationError(c, observability.EndpointTacticalWeights,
					&federation.ValidationError{Field: "subjectType", Reason: "required when ranked=true"})
				return
			}
			temperature, _ := strconv.ParseFloat(c.Query("temperature"), 64)
			ranked, err := coord.RankTacticalWeights(subject, temperature)
			if writeFederationError(c, observability.EndpointTacticalWeights, err) {
				return
			}
			recordSuccess(observability.EndpointTacticalWeights)
			c.JSON(http.StatusOK, gin.H{subject: ranked})
			return
		}

		weights, err := coord.TacticalWeights(subject)
		if writeFederationError(c, observability.EndpointTacticalWeights, err) {
			return
		}

		recordSuccess(observability.EndpointTacticalWeights)
		c.JSON(http.StatusOK, weights)
	}
}
