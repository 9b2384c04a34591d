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
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/TacticMesh/services/coordinator/federation"
	"github.com/AleutianAI/TacticMesh/services/coordinator/handlers"
)

// SetupRoutes registers the coordinator's HTTP surface on the given router.
//
// Producer endpoints live at the root because fielded producers were shipped
// with unversioned paths; moving them under /v1 would orphan every deployed
// unit.
func SetupRoutes(router *gin.Engine, coord *federation.Coordinator) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/upload", handlers.HandleUpload(coord))
	router.GET("/global", handlers.HandleGetGlobal(coord))
	router.POST("/heartbeat", handlers.HandleHeartbeat(coord))
	router.GET("/status", handlers.HandleStatus(coord))

	router.POST("/episodes", handlers.HandleRecordEpisode(coord))
	router.GET("/tactical-weights", handlers.HandleTacticalWeights(coord))

	router.POST("/replay", handlers.HandleAddReplay(coord))
	router.GET("/replay", handlers.HandleSampleReplay(coord))

	router.GET("/version/:n", handlers.HandleGetVersion(coord))
	router.POST("/rollback/:n", handlers.HandleRollback(coord))
}
