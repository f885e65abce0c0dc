// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the control plane.
//
// # Authentication Flow
//
// The auth middleware extracts the caller's credential (bearer token or
// X-API-Key header), validates it through the configured AuthProvider,
// and stores the resulting AuthInfo in the Gin context. RequireScope
// then gates mutating routes on the scopes that identity carries.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware ── 401 on invalid credential
//	   │
//	   ▼
//	RequireScope(scope) ── 403 on missing scope
//	   │
//	   ▼
//	Handler (retrieves identity via GetAuthInfo)
//
// With the default NopAuthProvider every request authenticates as a
// local admin, so single-user deployments need no key setup.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/conveyor-ci/conveyor/pkg/extensions"
)

// authInfoKey is the context key for storing AuthInfo.
const authInfoKey = "conveyor_auth_info"

// SetAuthInfo stores the authenticated identity in the Gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated identity, or nil when the
// request never passed AuthMiddleware.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AuthMiddleware authenticates every request through the provider.
//
// Credentials are taken from "Authorization: Bearer <token>" or, failing
// that, the "X-API-Key" header. A missing credential is passed to the
// provider as the empty string; NopAuthProvider accepts it, hardened
// providers reject it.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractCredential(c)

		authInfo, err := provider.Validate(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// RequireScope rejects requests whose identity lacks the scope. Must run
// after AuthMiddleware.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := GetAuthInfo(c)
		if info == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		if !info.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":  "forbidden",
				"detail": "missing scope " + scope,
			})
			return
		}
		c.Next()
	}
}

// extractCredential returns the bearer token if present, else the
// X-API-Key header, else the empty string. The "Bearer" prefix is
// case-insensitive per RFC 7235.
func extractCredential(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}
