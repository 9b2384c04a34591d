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

// versionParam parses the :n path segment shared by the version endpoints.
func versionParam(c *gin.Context) (int, error) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil || n <= 0 {
		return 0, &federation.ValidationError{Field: "n", Reason: "must be a positive integer"}
	}
	return n, nil
}

// HandleGetVersion serves one retained model snapshot.
//
// GET /version/:n
//
//	200 VersionSnapshot
//	404 {error:"NotFound"} when n was never created or has been evicted
func HandleGetVersion(coord *federation.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := versionParam(c)
		if writeFederationError(c, observability.EndpointVersion, err) {
			return
		}

		snap, err := coord.Version(n)
		if writeFederationError(c, observability.EndpointVersion, err) {
			return
		}

		recordSuccess(observability.EndpointVersion)
		c.JSON(http.StatusOK, snap)
	}
}

// HandleRollback restores a retained snapshot as the live global model. The
// restored state is recorded as a new version so the rollback itself stays
// in the history.
//
// POST /rollback/:n
//
//	200 {rolledBackTo, newVersion, timestamp}
//	404 {error:"NotFound"} when n is not retained
func HandleRollback(coord *federation.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := versionParam(c)
		if writeFederationError(c, observability.EndpointRollback, err) {
			return
		}

		snap, err := coord.Rollback(c.Request.Context(), n)
		if writeFederationError(c, observability.EndpointRollback, err) {
			return
		}

		recordSuccess(observability.EndpointRollback)
		c.JSON(http.StatusOK, datatypes.RollbackResponse{
			RolledBackTo: n,
			NewVersion:   snap.Version,
			Timestamp:    snap.Timestamp,
		})
	}
}
