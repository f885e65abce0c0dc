// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines interfaces for pluggable platform functionality.
//
// This package provides extension points that allow deployments to add
// capabilities without modifying the core Conveyor codebase. The default
// single-user deployment uses permissive defaults for all interfaces.
//
// # Extension Categories
//
// The package is organized by domain:
//
//   - auth.go: Authentication and scope checks (AuthProvider)
//   - audit.go: Audit logging of control-plane actions (AuditLogger)
//
// # Usage
//
// The default deployment uses permissive implementations:
//
//	opts := extensions.DefaultOptions()
//	service := controlplane.New(config, opts)
//
// Hardened deployments inject concrete implementations:
//
//	opts := extensions.ServiceOptions{
//	    AuthProvider: extensions.NewStaticKeyProvider(keys),
//	    AuditLogger:  myAuditSink,
//	}
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// Pass this to service constructors. All fields are optional; nil values
// are replaced with permissive defaults when DefaultOptions() is called
// or when services check for nil.
type ServiceOptions struct {
	// AuthProvider validates API keys and resolves their scopes.
	// Default: NopAuthProvider (always returns a local admin identity)
	AuthProvider AuthProvider

	// AuditLogger records control-plane actions.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with permissive defaults.
//
// This is the configuration used by single-user local deployments.
// All operations are allowed and no audit trail is kept.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		AuditLogger:  &NopAuditLogger{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
