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
)

// HealthCheck handles GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status handles GET /v1/filter/status: a small diagnostic view of the
// correlation state.
func Status(f *Filter) gin.HandlerFunc {
	return func(c *gin.Context) {
		pending := 0
		var degraded string
		if client := f.Client(); client != nil {
			pending = client.Pending()
			if err := client.Degraded(); err != nil {
				degraded = err.Error()
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"buffered_turns": f.Correlator().Buffered(),
			"open_traces":    f.Correlator().Open(),
			"queued_events":  pending,
			"degraded":       degraded,
		})
	}
}
