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

	"github.com/tracegate/tracegate/services/filter/datatypes"
	"github.com/tracegate/tracegate/services/filter/middleware"
	"github.com/tracegate/tracegate/services/filter/observability"
)

// =============================================================================
// Hook Handlers
// =============================================================================

// Inlet handles POST /v1/filter/inlet.
//
// # Description
//
// The host calls this before dispatching the user's turn to a model.
// The response is the request's body object, identical except for the
// normalized metadata.chat_id. Tracing failures never surface here;
// only an unparseable envelope produces a non-200 response, because
// there is nothing to pass through.
//
// # Inputs
//
//   - f: The filter owning the correlator. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Handler ready for route registration.
func Inlet(f *Filter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.FilterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hook payload: " + err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing body object"})
			return
		}

		res := f.correlator.Inlet(req.Body, effectiveUser(c, &req))
		f.observe(observability.HookInlet, res)
		c.JSON(http.StatusOK, req.Body)
	}
}

// Outlet handles POST /v1/filter/outlet.
//
// # Description
//
// The host calls this after the model's reply is attached to the body.
// The correlator emits the turn's trace, generation, and usage before
// the body is echoed back. Like the inlet, the body always comes back
// regardless of what the tracing backend does.
func Outlet(f *Filter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.FilterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hook payload: " + err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing body object"})
			return
		}

		res := f.correlator.Outlet(req.Body, effectiveUser(c, &req))
		f.observe(observability.HookOutlet, res)
		c.JSON(http.StatusOK, req.Body)
	}
}

// effectiveUser resolves the acting user's email: forwarded headers
// win, the envelope's user object is the fallback.
func effectiveUser(c *gin.Context, req *datatypes.FilterRequest) string {
	if user := middleware.GetUser(c); user.Email != "" {
		return user.Email
	}
	return req.UserEmail()
}
