// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archipelago-ai/archipelago/services/gateway/engine"
	"github.com/archipelago-ai/archipelago/services/gateway/handlers"
	"github.com/archipelago-ai/archipelago/services/gateway/resilience"
)

// SetupRoutes registers the gateway's HTTP surface on the router.
func SetupRoutes(router *gin.Engine, eng *engine.Engine, registry *resilience.BreakerRegistry, lanes []handlers.LaneInfo) {
	router.GET("/healthz", handlers.HealthCheck(registry, lanes))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/query", handlers.HandleQuery(eng))
	}
}
