// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ci/conveyor/pkg/extensions"
	"github.com/conveyor-ci/conveyor/services/cache"
	"github.com/conveyor-ci/conveyor/services/pipeline"
	"github.com/conveyor-ci/conveyor/services/secrets"
)

type serviceHarness struct {
	service *Service
	engine  *pipeline.Engine
	runner  *pipeline.ScriptedRunner
}

func newServiceHarness(t *testing.T, opts extensions.ServiceOptions) *serviceHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := pipeline.NewStore(pipeline.InMemoryStoreConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cacheStore, err := cache.NewStore(cache.InMemoryStoreConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cacheStore.Close() })
	manager, err := cache.NewManager(cacheStore, cache.ManagerConfig{
		DataDir:     filepath.Join(t.TempDir(), "cache"),
		Compression: cache.CompressionNone,
	})
	require.NoError(t, err)

	runner := pipeline.NewScriptedRunner()
	engine, err := pipeline.NewEngine(store, manager, runner, nil, pipeline.EngineConfig{
		WorkspaceDir: filepath.Join(t.TempDir(), "ws"),
		ArtifactsDir: filepath.Join(t.TempDir(), "art"),
	})
	require.NoError(t, err)

	service, err := New(Config{}, engine, manager, secrets.NewStore(0), nil, opts)
	require.NoError(t, err)
	return &serviceHarness{service: service, engine: engine, runner: runner}
}

func (h *serviceHarness) request(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.service.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestService_Health(t *testing.T) {
	h := newServiceHarness(t, extensions.DefaultOptions())
	w := h.request(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestService_Metrics(t *testing.T) {
	h := newServiceHarness(t, extensions.DefaultOptions())
	w := h.request(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestService_PipelineLifecycle(t *testing.T) {
	h := newServiceHarness(t, extensions.DefaultOptions())

	def := map[string]any{
		"name":   "app",
		"source": t.TempDir(),
		"stages": []map[string]any{
			{"name": "build", "type": "build", "commands": []string{"true"}},
		},
	}
	w := h.request(t, http.MethodPost, "/v1/pipelines", def, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody(t, w)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "pending", created["status"])

	w = h.request(t, http.MethodGet, "/v1/pipelines/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.request(t, http.MethodPost, "/v1/pipelines/"+id+"/trigger", nil, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	h.engine.Wait()

	w = h.request(t, http.MethodGet, "/v1/pipelines/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", decodeBody(t, w)["status"])

	// Terminal pipelines cannot be retriggered
	w = h.request(t, http.MethodPost, "/v1/pipelines/"+id+"/trigger", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.request(t, http.MethodGet, "/v1/pipelines/"+id+"/logs", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	logs := decodeBody(t, w)
	stages, _ := logs["stages"].([]any)
	require.Len(t, stages, 1)

	w = h.request(t, http.MethodGet, "/v1/pipelines?status=success", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["count"])
}

func TestService_PipelineValidationAndMisses(t *testing.T) {
	h := newServiceHarness(t, extensions.DefaultOptions())

	// Unknown stage type rejected synchronously
	w := h.request(t, http.MethodPost, "/v1/pipelines", map[string]any{
		"name":   "bad",
		"source": "x",
		"stages": []map[string]any{{"name": "lint", "type": "lint"}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.request(t, http.MethodGet, "/v1/pipelines/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.request(t, http.MethodPost, "/v1/pipelines/ghost/trigger", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.request(t, http.MethodGet, "/v1/pipelines?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestService_ScopeEnforcement(t *testing.T) {
	provider := extensions.NewStaticKeyProvider([]extensions.StaticKey{
		{ID: "reader", Secret: "read-key", Scopes: []string{extensions.ScopePipelinesRead}},
		{ID: "root", Secret: "admin-key", Scopes: []string{extensions.ScopeAdmin}},
	})
	h := newServiceHarness(t, extensions.DefaultOptions().WithAuth(provider))

	readerAuth := map[string]string{"Authorization": "Bearer read-key"}
	adminAuth := map[string]string{"Authorization": "Bearer admin-key"}

	// No credential at all
	w := h.request(t, http.MethodGet, "/v1/pipelines", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Reader can list but not create
	w = h.request(t, http.MethodGet, "/v1/pipelines", nil, readerAuth)
	assert.Equal(t, http.StatusOK, w.Code)
	w = h.request(t, http.MethodPost, "/v1/pipelines", map[string]any{
		"name": "app", "source": "x"}, readerAuth)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Reader's pipeline scope does not leak into secrets
	w = h.request(t, http.MethodGet, "/v1/secrets", nil, readerAuth)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Admin can do both
	w = h.request(t, http.MethodPost, "/v1/pipelines", map[string]any{
		"name": "app", "source": t.TempDir()}, adminAuth)
	assert.Equal(t, http.StatusCreated, w.Code)
	w = h.request(t, http.MethodGet, "/v1/secrets", nil, adminAuth)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestService_SecretsEndpoints(t *testing.T) {
	h := newServiceHarness(t, extensions.DefaultOptions())

	w := h.request(t, http.MethodPost, "/v1/secrets", map[string]any{
		"name":  "REGISTRY_TOKEN",
		"value": "hunter2",
		"type":  "token",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	meta := decodeBody(t, w)
	id, _ := meta["id"].(string)
	require.NotEmpty(t, id)
	assert.NotContains(t, w.Body.String(), "hunter2", "metadata never carries the value")

	w = h.request(t, http.MethodGet, "/v1/secrets", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["count"])

	w = h.request(t, http.MethodGet, "/v1/secrets/"+id+"/value", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hunter2", decodeBody(t, w)["value"])

	w = h.request(t, http.MethodDelete, "/v1/secrets/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.request(t, http.MethodGet, "/v1/secrets/"+id+"/value", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Missing value is a validation failure
	w = h.request(t, http.MethodPost, "/v1/secrets", map[string]any{"name": "empty"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestService_CacheEndpoints(t *testing.T) {
	h := newServiceHarness(t, extensions.DefaultOptions())

	w := h.request(t, http.MethodGet, "/v1/cache/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decodeBody(t, w)["count"])

	// Store a real file through the API
	src := filepath.Join(t.TempDir(), "dep.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0640))
	w = h.request(t, http.MethodPost, "/v1/cache/store", map[string]any{
		"key":         "deps",
		"source_path": src,
		"pipeline_id": "app",
		"type":        "dependency",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decodeBody(t, w)["stored"])

	w = h.request(t, http.MethodGet, "/v1/cache/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["count"])

	// Retrieve misses are hit=false, not errors
	w = h.request(t, http.MethodPost, "/v1/cache/retrieve", map[string]any{
		"key":         "ghost",
		"target_path": filepath.Join(t.TempDir(), "out.bin"),
		"pipeline_id": "app",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["hit"])

	w = h.request(t, http.MethodDelete, "/v1/cache", map[string]any{
		"pipeline_id": "app",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["invalidated"])
}

func TestService_TasksWithoutExecutor(t *testing.T) {
	h := newServiceHarness(t, extensions.DefaultOptions())

	w := h.request(t, http.MethodPost, "/v1/tasks", map[string]any{
		"pipeline_id": "p1", "commands": []string{"true"}}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = h.request(t, http.MethodGet, "/v1/workers", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestService_CancelPublishesState(t *testing.T) {
	h := newServiceHarness(t, extensions.DefaultOptions())

	w := h.request(t, http.MethodPost, "/v1/pipelines", map[string]any{
		"name": "app", "source": t.TempDir()}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	id, _ := decodeBody(t, w)["id"].(string)

	events, release := h.service.Hub().Subscribe()
	defer release()

	w = h.request(t, http.MethodPost, "/v1/pipelines/"+id+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case ev := <-events:
		assert.Equal(t, "pipeline_cancelled", ev.Type)
		assert.Equal(t, id, ev.PipelineID)
	case <-time.After(time.Second):
		t.Fatal("no cancellation event published")
	}

	w = h.request(t, http.MethodGet, "/v1/pipelines/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decodeBody(t, w)["status"])
}
