// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracegate/tracegate/services/filter/handlers"
	"github.com/tracegate/tracegate/services/filter/middleware"
)

// SetupRoutes registers every route of the filter service.
func SetupRoutes(router *gin.Engine, filter *handlers.Filter) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.UserResolution())
	{
		hook := v1.Group("/filter")
		{
			hook.POST("/inlet", handlers.Inlet(filter))
			hook.POST("/outlet", handlers.Outlet(filter))
			hook.GET("/valves", handlers.GetValves(filter))
			hook.POST("/valves", handlers.UpdateValves(filter))
			hook.GET("/status", handlers.Status(filter))
		}
	}
}
