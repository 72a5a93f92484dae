// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the filter service.
//
// The only middleware here resolves the acting user for a hook call.
// The pipelines host forwards the user as X-Pipeline-User-* headers on
// every hook request; some deployments instead (or additionally) embed
// a "user" object in the JSON envelope. Headers win, the payload is
// the fallback, and an unresolvable user simply stays empty so the
// correlator can apply its own "anonymous" attribution.
package middleware

import (
	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

// userKey is the context key for the resolved acting user.
// Using a service-prefixed key prevents collisions with other context
// values.
const userKey = "tracegate_user"

// Header names the pipelines host sets on hook requests.
const (
	HeaderUserEmail = "X-Pipeline-User-Email"
	HeaderUserID    = "X-Pipeline-User-Id"
	HeaderUserName  = "X-Pipeline-User-Name"
	HeaderUserRole  = "X-Pipeline-User-Role"
)

// User identifies the acting end user of a chat turn.
//
// # Fields
//
//   - Email: Primary identity used for trace attribution. May be "".
//   - ID, Name, Role: Forwarded as received, informational only.
type User struct {
	Email string
	ID    string
	Name  string
	Role  string
}

// =============================================================================
// Context Helpers
// =============================================================================

// SetUser stores the resolved user in the Gin context.
func SetUser(c *gin.Context, user User) {
	c.Set(userKey, user)
}

// GetUser retrieves the resolved user from the Gin context. Returns
// the zero User when the middleware did not run or found nothing.
func GetUser(c *gin.Context) User {
	if v, exists := c.Get(userKey); exists {
		if user, ok := v.(User); ok {
			return user
		}
	}
	return User{}
}

// =============================================================================
// User Resolution Middleware
// =============================================================================

// UserResolution creates a Gin middleware that resolves the acting
// user from the forwarded headers.
//
// # Description
//
// Reads the X-Pipeline-User-* headers and stores the result in the
// context. Handlers merge in the envelope's "user" object themselves,
// because the body is not read here: hook payloads can be large and
// the middleware must not consume them.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin.
func UserResolution() gin.HandlerFunc {
	return func(c *gin.Context) {
		SetUser(c, User{
			Email: c.GetHeader(HeaderUserEmail),
			ID:    c.GetHeader(HeaderUserID),
			Name:  c.GetHeader(HeaderUserName),
			Role:  c.GetHeader(HeaderUserRole),
		})
		c.Next()
	}
}
