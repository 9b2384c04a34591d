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
	"github.com/AleutianAI/TacticMesh/pkg/validation"
)

// defaultReplayDraw is how many samples GET /replay returns when n is absent.
const defaultReplayDraw = 32

// HandleAddReplay pools experience samples for cross-producer retraining.
//
// POST /replay
//
//	200 {subjectType, poolSize}
//	400 {error:"ValidationError", details}
func HandleAddReplay(coord *federation.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ReplayAddRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeFederationError(c, observability.EndpointReplay,
				&federation.ValidationError{Field: "body", Reason: err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			writeFederationError(c, observability.EndpointReplay,
				&federation.ValidationError{Field: "body", Reason: err.Error()})
			return
		}

		size, err := coord.AddReplaySamples(c.Request.Context(), req.SubjectType, req.ToSamples())
		if writeFederationError(c, observability.EndpointReplay, err) {
			return
		}

		recordSuccess(observability.EndpointReplay)
		c.JSON(http.StatusOK, datatypes.ReplayAddResponse{
			SubjectType: req.SubjectType,
			PoolSize:    size,
		})
	}
}

// HandleSampleReplay draws pooled samples uniformly at random without
// replacement. An unknown subject yields an empty sample set, not an error:
// an empty pool and an unseen subject are the same thing to a retraining
// producer.
//
// GET /replay?subjectType=&n=
//
//	200 {subjectType, samples}
//	400 {error:"ValidationError", details}
func HandleSampleReplay(coord *federation.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.Query("subjectType")
		if err := validation.ValidateIdentifier(subject); err != nil {
			writeFederationError(c, observability.EndpointReplay,
				&federation.ValidationError{Field: "subjectType", Reason: err.Error()})
			return
		}

		n := defaultReplayDraw
		if raw := c.Query("n"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeFederationError(c, observability.EndpointReplay,
					&federation.ValidationError{Field: "n", Reason: "must be a positive integer"})
				return
			}
			n = parsed
		}

		samples := coord.SampleReplay(subject, n)
		if samples == nil {
			samples = []federation.ExperienceSample{}
		}

		recordSuccess(observability.EndpointReplay)
		c.JSON(http.StatusOK, datatypes.ReplaySampleResponse{
			SubjectType: subject,
			Samples:     samples,
		})
	}
}
