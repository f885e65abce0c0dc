// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package secrets stores pipeline secrets in mlocked memory.
//
// Secret values live in memguard enclaves: encrypted at rest in process
// memory, locked against swapping, and wiped on delete. Only metadata is
// ever returned by listing calls; values are decrypted per access and the
// plaintext copy handed to the caller is theirs to manage.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

// =============================================================================
// Types
// =============================================================================

// Scope bounds where a secret is visible.
type Scope string

const (
	// ScopeGlobal secrets are injected into every pipeline.
	ScopeGlobal Scope = "global"

	// ScopePipeline secrets are injected only into the named pipeline.
	ScopePipeline Scope = "pipeline"
)

// Type tags what kind of credential a secret holds. Informational; the
// store treats all values identically.
type Type string

const (
	TypeEnvVar      Type = "env_var"
	TypeAPIKey      Type = "api_key"
	TypePassword    Type = "password"
	TypeToken       Type = "token"
	TypeCertificate Type = "certificate"
)

// Metadata is the non-sensitive description of a stored secret. Safe to
// list, log, and serve over the API.
type Metadata struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Type           Type      `json:"type"`
	Scope          Scope     `json:"scope"`
	PipelineID     string    `json:"pipeline_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ExpiresAt      time.Time `json:"expires_at,omitzero"`
	AccessCount    int64     `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at,omitzero"`
}

// Expired reports whether the secret's expiry has passed.
func (m *Metadata) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

var (
	// ErrNotFound is returned for unknown secret ids.
	ErrNotFound = errors.New("secret not found")

	// ErrExpired is returned when a secret's value is requested past its
	// expiry.
	ErrExpired = errors.New("secret expired")
)

// =============================================================================
// Store
// =============================================================================

type entry struct {
	meta    Metadata
	enclave *memguard.Enclave
}

// Store is an in-memory secret store backed by memguard enclaves.
//
// # Thread Safety
//
// Safe for concurrent use; a mutex protects the secret map.
type Store struct {
	// TTL applied when CreateRequest.TTL is zero. Zero means no expiry.
	defaultTTL time.Duration

	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewStore creates an empty store. defaultTTL of zero means secrets never
// expire unless a per-secret TTL is given.
func NewStore(defaultTTL time.Duration) *Store {
	return &Store{
		defaultTTL: defaultTTL,
		logger:     slog.Default(),
		entries:    make(map[string]*entry),
	}
}

// CreateRequest describes a new secret.
type CreateRequest struct {
	Name       string
	Value      string
	Type       Type
	Scope      Scope
	PipelineID string
	TTL        time.Duration
}

// Create stores a new secret and returns its metadata. The value is
// sealed into an enclave immediately; the caller should drop its copy.
func (s *Store) Create(req CreateRequest) (*Metadata, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("secret name must not be empty")
	}
	if req.Value == "" {
		return nil, fmt.Errorf("secret value must not be empty")
	}
	if req.Scope == "" {
		req.Scope = ScopeGlobal
	}
	if req.Scope == ScopePipeline && req.PipelineID == "" {
		return nil, fmt.Errorf("pipeline-scoped secret needs a pipeline id")
	}
	if req.Type == "" {
		req.Type = TypeEnvVar
	}

	now := time.Now()
	meta := Metadata{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Type:       req.Type,
		Scope:      req.Scope,
		PipelineID: req.PipelineID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl > 0 {
		meta.ExpiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	s.entries[meta.ID] = &entry{
		meta:    meta,
		enclave: memguard.NewEnclave([]byte(req.Value)),
	}
	s.mu.Unlock()

	s.logger.Info("secrets.store: secret created",
		"secret_id", meta.ID, "name", meta.Name, "scope", string(meta.Scope))
	return &meta, nil
}

// Value decrypts and returns the secret's plaintext, bumping its access
// stats. Expired secrets are removed and reported as such.
func (s *Store) Value(id string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.meta.Expired(time.Now()) {
		delete(s.entries, id)
		s.mu.Unlock()
		s.logger.Warn("secrets.store: expired secret purged on access",
			"secret_id", id, "name", e.meta.Name)
		return "", fmt.Errorf("%w: %s", ErrExpired, id)
	}
	e.meta.AccessCount++
	e.meta.LastAccessedAt = time.Now()
	enclave := e.enclave
	s.mu.Unlock()

	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open secret %s: %w", id, err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// Rotate replaces the secret's value, keeping its identity and scope.
func (s *Store) Rotate(id, newValue string) error {
	if newValue == "" {
		return fmt.Errorf("secret value must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.enclave = memguard.NewEnclave([]byte(newValue))
	e.meta.UpdatedAt = time.Now()
	s.logger.Info("secrets.store: secret rotated", "secret_id", id, "name", e.meta.Name)
	return nil
}

// Delete removes a secret. Deleting an unknown id is an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.entries, id)
	s.logger.Info("secrets.store: secret deleted", "secret_id", id, "name", e.meta.Name)
	return nil
}

// Get returns a secret's metadata without touching its value or access
// stats.
func (s *Store) Get(id string) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	meta := e.meta
	return &meta, nil
}

// List returns metadata for all live secrets, optionally filtered by
// scope, sorted by name then id.
func (s *Store) List(scope Scope) []Metadata {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Metadata
	for _, e := range s.entries {
		if e.meta.Expired(now) {
			continue
		}
		if scope != "" && e.meta.Scope != scope {
			continue
		}
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ForPipeline returns name-to-plaintext for every secret visible to the
// pipeline: its own pipeline-scoped secrets plus all global ones. Used to
// build stage environments.
func (s *Store) ForPipeline(pipelineID string) (map[string]string, error) {
	now := time.Now()
	s.mu.Lock()
	var visible []*entry
	for _, e := range s.entries {
		if e.meta.Expired(now) {
			continue
		}
		if e.meta.Scope == ScopeGlobal ||
			(e.meta.Scope == ScopePipeline && e.meta.PipelineID == pipelineID) {
			e.meta.AccessCount++
			e.meta.LastAccessedAt = now
			visible = append(visible, e)
		}
	}
	s.mu.Unlock()

	out := make(map[string]string, len(visible))
	for _, e := range visible {
		buf, err := e.enclave.Open()
		if err != nil {
			return nil, fmt.Errorf("open secret %s: %w", e.meta.ID, err)
		}
		out[e.meta.Name] = string(buf.Bytes())
		buf.Destroy()
	}
	return out, nil
}

// CleanupExpired removes all expired secrets, returning how many went.
func (s *Store) CleanupExpired() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if e.meta.Expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("secrets.store: expired secrets purged", "count", removed)
	}
	return removed
}

// Count returns the number of stored secrets, expired included.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
