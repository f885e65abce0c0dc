// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"testing"
)

// =============================================================================
// AuthInfo Tests
// =============================================================================

func TestAuthInfo_HasScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		check  string
		want   bool
	}{
		{"exact match", []string{ScopePipelinesRead}, ScopePipelinesRead, true},
		{"missing scope", []string{ScopePipelinesRead}, ScopePipelinesWrite, false},
		{"admin implies all", []string{ScopeAdmin}, ScopeSecretsWrite, true},
		{"empty scopes", nil, ScopeCacheRead, false},
		{"multiple scopes", []string{ScopeCacheRead, ScopeCacheWrite}, ScopeCacheWrite, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &AuthInfo{KeyID: "k1", Scopes: tt.scopes}
			if got := info.HasScope(tt.check); got != tt.want {
				t.Errorf("HasScope(%q) = %v, want %v", tt.check, got, tt.want)
			}
		})
	}
}

// =============================================================================
// NopAuthProvider Tests
// =============================================================================

func TestNopAuthProvider_Validate(t *testing.T) {
	provider := &NopAuthProvider{}

	info, err := provider.Validate(context.Background(), "any-key")
	if err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}
	if info.KeyID != "local" {
		t.Errorf("KeyID = %v, want local", info.KeyID)
	}
	if !info.HasScope(ScopeAdmin) {
		t.Error("Nop identity should have admin scope")
	}
}

func TestNopAuthProvider_Validate_EmptyKey(t *testing.T) {
	provider := &NopAuthProvider{}

	info, err := provider.Validate(context.Background(), "")
	if err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}
	if info == nil {
		t.Fatal("Validate() returned nil info")
	}
}

// =============================================================================
// StaticKeyProvider Tests
// =============================================================================

func TestStaticKeyProvider_Validate(t *testing.T) {
	provider := NewStaticKeyProvider([]StaticKey{
		{ID: "ci", Name: "ci-bot", Secret: "ck_live_abc123", Scopes: []string{ScopePipelinesWrite}},
		{ID: "ro", Name: "dashboard", Secret: "ck_live_def456", Scopes: []string{ScopePipelinesRead, ScopeCacheRead}},
	})

	info, err := provider.Validate(context.Background(), "ck_live_abc123")
	if err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}
	if info.KeyID != "ci" {
		t.Errorf("KeyID = %v, want ci", info.KeyID)
	}
	if !info.HasScope(ScopePipelinesWrite) {
		t.Error("Expected pipelines:write scope")
	}
	if info.HasScope(ScopeSecretsRead) {
		t.Error("Did not expect secrets:read scope")
	}
}

func TestStaticKeyProvider_Validate_UnknownKey(t *testing.T) {
	provider := NewStaticKeyProvider([]StaticKey{
		{ID: "ci", Secret: "ck_live_abc123", Scopes: []string{ScopeAdmin}},
	})

	info, err := provider.Validate(context.Background(), "ck_live_wrong")
	if info != nil {
		t.Error("Expected nil info for unknown key")
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestStaticKeyProvider_Validate_EmptySet(t *testing.T) {
	provider := NewStaticKeyProvider(nil)

	_, err := provider.Validate(context.Background(), "anything")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestStaticKeyProvider_Validate_CopiesScopes(t *testing.T) {
	keys := []StaticKey{
		{ID: "ci", Secret: "s", Scopes: []string{ScopeCacheRead}},
	}
	provider := NewStaticKeyProvider(keys)

	info, err := provider.Validate(context.Background(), "s")
	if err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}

	// Mutating the returned scopes must not affect later validations
	info.Scopes[0] = ScopeAdmin

	info2, err := provider.Validate(context.Background(), "s")
	if err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}
	if info2.Scopes[0] != ScopeCacheRead {
		t.Error("Provider scopes should be immutable")
	}
}

// =============================================================================
// ServiceOptions Tests
// =============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	if opts.AuthProvider == nil {
		t.Error("AuthProvider should not be nil")
	}
	if opts.AuditLogger == nil {
		t.Error("AuditLogger should not be nil")
	}
	if _, ok := opts.AuthProvider.(*NopAuthProvider); !ok {
		t.Error("Default AuthProvider should be NopAuthProvider")
	}
	if _, ok := opts.AuditLogger.(*NopAuditLogger); !ok {
		t.Error("Default AuditLogger should be NopAuditLogger")
	}
}

func TestServiceOptions_WithAuth(t *testing.T) {
	original := DefaultOptions()
	custom := NewStaticKeyProvider(nil)

	modified := original.WithAuth(custom)

	if modified.AuthProvider != custom {
		t.Error("WithAuth should set the provider")
	}
	if _, ok := original.AuthProvider.(*NopAuthProvider); !ok {
		t.Error("WithAuth should not mutate the original")
	}
}

func TestServiceOptions_WithAudit(t *testing.T) {
	original := DefaultOptions()
	custom := &NopAuditLogger{}

	modified := original.WithAudit(custom)

	if modified.AuditLogger != custom {
		t.Error("WithAudit should set the logger")
	}
}

// =============================================================================
// AuditLogger Tests
// =============================================================================

func TestNopAuditLogger_Record(t *testing.T) {
	logger := &NopAuditLogger{}
	// Must not panic
	logger.Record(context.Background(), AuditEvent{EventType: "pipeline.trigger"})
}
