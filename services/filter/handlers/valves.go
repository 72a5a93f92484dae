// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tracegate/tracegate/services/filter/valves"
)

// =============================================================================
// Valve Handlers
// =============================================================================

// GetValves handles GET /v1/filter/valves.
//
// Returns the valves currently in effect with the secret key masked.
func GetValves(f *Filter) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, f.Valves().Redacted())
	}
}

// UpdateValves handles POST /v1/filter/valves.
//
// # Description
//
// Accepts a partial valve update, applies it on top of the current
// valves, and reconfigures the backend client, including a fresh auth
// check. The response reports whether tracing is enabled under the new
// valves; an update that fails the auth check still takes effect, with
// tracing disabled until a later update succeeds.
func UpdateValves(f *Filter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req valves.UpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid valve update: " + err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		next := req.Apply(f.Valves())
		enabled := f.ApplyValves(c.Request.Context(), next)
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"tracing_enabled": enabled,
			"valves":          next.Redacted(),
		})
	}
}
