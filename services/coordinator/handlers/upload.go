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

	"github.com/AleutianAI/TacticMesh/services/coordinator/datatypes"
	"github.com/AleutianAI/TacticMesh/services/coordinator/federation"
	"github.com/AleutianAI/TacticMesh/services/coordinator/observability"
)

// HandleUpload accepts one tactic-map contribution into the current round.
//
// POST /upload
//
//	200 {round, contributorCount}
//	400 {error:"ValidationError", details}
//	409 {error:"DuplicateSubmission", nextRound}
func HandleUpload(coord *federation.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.UploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeFederationError(c, observability.EndpointUpload,
				&federation.ValidationError{Field: "body", Reason: err.Error()})
			return
		}

		repairs, err := req.Validate()
		if err != nil {
			writeFederationError(c, observability.EndpointUpload,
				&federation.ValidationError{Field: "body", Reason: err.Error()})
			return
		}
		for _, repair := range repairs {
			slog.Warn("upload stats repaired",
				"producer", req.ProducerID,
				"subject", req.SubjectType,
				"repair", repair,
			)
		}

		status, err := coord.RecordContribution(c.Request.Context(),
			req.ProducerID, req.SubjectType, req.ToTacticMap(), req.Bootstrap)
		if writeFederationError(c, observability.EndpointUpload, err) {
			return
		}

		recordSuccess(observability.EndpointUpload)
		c.JSON(http.StatusOK, datatypes.UploadResponse{
			Round:            status.Round,
			ContributorCount: status.ContributorCount,
		})
	}
}
