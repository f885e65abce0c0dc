// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrUnauthorized is returned when authentication or a scope check fails.
// Implementations should wrap this error with additional context.
//
// Example:
//
//	if !validKey {
//	    return nil, fmt.Errorf("unknown api key: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// Scopes understood by the control plane. An API key carries a set of
// these; ScopeAdmin implies every other scope.
const (
	ScopePipelinesRead  = "pipelines:read"
	ScopePipelinesWrite = "pipelines:write"
	ScopeCacheRead      = "cache:read"
	ScopeCacheWrite     = "cache:write"
	ScopeSecretsRead    = "secrets:read"
	ScopeSecretsWrite   = "secrets:write"
	ScopeAdmin          = "admin"
)

// AuthInfo contains identity information returned after successful
// authentication.
//
// Required fields (always populated):
//   - KeyID: Unique identifier for the API key
//
// Optional fields (may be empty):
//   - Name: Human-readable label for the key
//   - Scopes: Scopes granted to the key
type AuthInfo struct {
	// KeyID is the unique identifier for the authenticated API key.
	// This is the only required field and must never be empty.
	KeyID string

	// Name is a human-readable label for the key, for logs and audit
	// entries. May be empty.
	Name string

	// Scopes contains the scopes granted to this key.
	// See the Scope* constants for recognized values.
	Scopes []string
}

// HasScope checks if the identity carries a specific scope.
// ScopeAdmin grants every scope.
//
//	if !authInfo.HasScope(extensions.ScopePipelinesWrite) {
//	    return ErrUnauthorized
//	}
func (a *AuthInfo) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// AuthProvider validates API keys and returns the caller's identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Default Behavior
//
// The default NopAuthProvider always returns a valid "local" identity with
// the admin scope. This allows single-user deployments to function without
// any authentication infrastructure.
//
// # Hardened Deployments
//
// Hardened deployments use StaticKeyProvider or implement this interface
// to validate keys against an external identity store.
type AuthProvider interface {
	// Validate checks if the key is valid and returns the caller's identity.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The API key presented by the caller
	//
	// Returns:
	//   - *AuthInfo: Caller identity if valid
	//   - error: ErrUnauthorized (or wrapped) if invalid, other errors for failures
	Validate(ctx context.Context, key string) (*AuthInfo, error)
}

// NopAuthProvider is the default authentication provider.
//
// It always returns a valid local identity with the admin scope, enabling
// single-user deployments to run without authentication infrastructure.
//
// Thread-safe: This implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always returns a valid local identity with the admin scope.
//
// The key parameter is ignored. Any value (including empty string)
// results in successful authentication.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		KeyID:  "local",
		Name:   "local",
		Scopes: []string{ScopeAdmin},
	}, nil
}

// StaticKey describes one API key accepted by StaticKeyProvider.
type StaticKey struct {
	// ID uniquely identifies the key for logs and audit entries.
	ID string

	// Name is a human-readable label for the key.
	Name string

	// Secret is the key material presented by callers.
	Secret string

	// Scopes are the scopes granted when this key authenticates.
	Scopes []string
}

// StaticKeyProvider validates API keys against a fixed in-memory set,
// typically loaded from the server configuration file.
//
// Key comparison is constant-time to avoid leaking secret prefixes
// through timing.
//
// Thread-safe: the key set is immutable after construction.
type StaticKeyProvider struct {
	keys []StaticKey
}

// NewStaticKeyProvider creates a provider accepting the given keys.
func NewStaticKeyProvider(keys []StaticKey) *StaticKeyProvider {
	copied := make([]StaticKey, len(keys))
	copy(copied, keys)
	return &StaticKeyProvider{keys: copied}
}

// Validate returns the identity of the matching key, or ErrUnauthorized.
//
// Every configured key is compared even after a match is found so the
// call takes the same time regardless of which key matched.
func (p *StaticKeyProvider) Validate(_ context.Context, key string) (*AuthInfo, error) {
	var matched *StaticKey
	for i := range p.keys {
		k := &p.keys[i]
		if subtle.ConstantTimeCompare([]byte(k.Secret), []byte(key)) == 1 {
			matched = k
		}
	}
	if matched == nil {
		return nil, ErrUnauthorized
	}
	scopes := make([]string, len(matched.Scopes))
	copy(scopes, matched.Scopes)
	return &AuthInfo{
		KeyID:  matched.ID,
		Name:   matched.Name,
		Scopes: scopes,
	}, nil
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticKeyProvider)(nil)
)
