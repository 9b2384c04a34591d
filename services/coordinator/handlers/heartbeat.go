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

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/TacticMesh/services/coordinator/datatypes"
	"github.com/AleutianAI/TacticMesh/services/coordinator/federation"
	"github.com/AleutianAI/TacticMesh/services/coordinator/observability"
)

// HandleHeartbeat updates last-seen bookkeeping for a producer. Never
// affects round state.
//
// POST /heartbeat
//
//	200 {round}
func HandleHeartbeat(coord *federation.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.HeartbeatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeFederationError(c, observability.EndpointHeartbeat,
				&federation.ValidationError{Field: "body", Reason: err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			writeFederationError(c, observability.EndpointHeartbeat,
				&federation.ValidationError{Field: "body", Reason: err.Error()})
			return
		}

		round := coord.Heartbeat(c.Request.Context(), req.ProducerID, req.ActiveSubjects)

		recordSuccess(observability.EndpointHeartbeat)
		c.JSON(http.StatusOK, datatypes.HeartbeatResponse{Round: round})
	}
}
