// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the coordinator's JSON-over-HTTP endpoints.
//
// Handlers are gin closures over an injected *federation.Coordinator. They
// bind and validate the request, call exactly one coordinator operation,
// and translate the federation error taxonomy onto HTTP status codes:
//
//	ValidationError      -> 400
//	DuplicateSubmission  -> 409
//	NotReady / NotFound  -> 404
//	AggregationFailure   -> 500 (never surfaced for accepted uploads; the
//	                             round stays open and the upload succeeds)
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/TacticMesh/services/coordinator/datatypes"
	"github.com/AleutianAI/TacticMesh/services/coordinator/federation"
	"github.com/AleutianAI/TacticMesh/services/coordinator/observability"
)

// writeFederationError maps a coordinator error onto the HTTP contract and
// records it. Returns false if err was nil and nothing was written.
func writeFederationError(c *gin.Context, endpoint observability.Endpoint, err error) bool {
	if err == nil {
		return false
	}

	metrics := observability.DefaultMetrics

	var verr *federation.ValidationError
	var dup *federation.DuplicateSubmissionError
	var nf *federation.NotFoundError

	switch {
	case errors.As(err, &verr):
		if metrics != nil {
			metrics.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
			Error:   "ValidationError",
			Details: verr.Error(),
		})

	case errors.As(err, &dup):
		if metrics != nil {
			metrics.RecordError(endpoint, observability.ErrorCodeDuplicate)
		}
		c.JSON(http.StatusConflict, datatypes.ErrorResponse{
			Error:     "DuplicateSubmission",
			NextRound: dup.Round + 1,
		})

	case errors.Is(err, federation.ErrNotReady):
		if metrics != nil {
			metrics.RecordError(endpoint, observability.ErrorCodeNotReady)
		}
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{
			Error: "NotReady",
		})

	case errors.As(err, &nf):
		if metrics != nil {
			metrics.RecordError(endpoint, observability.ErrorCodeNotFound)
		}
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{
			Error:         "NotFound",
			Details:       nf.Error(),
			KnownSubjects: nf.Known,
		})

	default:
		if metrics != nil {
			metrics.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
			Error:   "Internal",
			Details: err.Error(),
		})
	}

	if metrics != nil {
		metrics.RecordRequest(endpoint, false)
	}
	return true
}

// recordSuccess records a successful request when metrics are enabled.
func recordSuccess(endpoint observability.Endpoint) {
	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.RecordRequest(endpoint, true)
	}
}
