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

	"github.com/AleutianAI/TacticMesh/services/coordinator/federation"
	"github.com/AleutianAI/TacticMesh/services/coordinator/observability"
)

// HandleGetGlobal serves the current global model, optionally sliced to one
// subject type.
//
// GET /global?subjectType=
//
//	200 GlobalModel
//	404 {error:"NotReady"} before the first aggregation
//	404 {error:"NotFound", knownSubjects} for an unknown filter
func HandleGetGlobal(coord *federation.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		model, err := coord.GlobalModel(c.Query("subjectType"))
		if writeFederationError(c, observability.EndpointGlobal, err) {
			return
		}

		recordSuccess(observability.EndpointGlobal)
		c.JSON(http.StatusOK, model)
	}
}

// HandleStatus reports round progress and model availability.
//
// GET /status
func HandleStatus(coord *federation.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		recordSuccess(observability.EndpointStatus)
		c.JSON(http.StatusOK, coord.Status())
	}
}

// HealthCheck is the liveness probe.
//
// GET /health
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
