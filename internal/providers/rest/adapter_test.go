package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/biodoia/hacp/internal/providers"
	"github.com/biodoia/hacp/pkg/apperrors"
	"github.com/biodoia/hacp/pkg/config"
	"github.com/biodoia/hacp/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type modelHost struct {
	mu       sync.Mutex
	projects map[string]createProjectRequest
	auth     []string
	status   int
}

func newModelHost() *modelHost {
	return &modelHost{projects: make(map[string]createProjectRequest)}
}

func (h *modelHost) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/projects", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.auth = append(h.auth, r.Header.Get("Authorization"))

		if h.status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(h.status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","code":"x"}}`))
			return
		}

		var req createProjectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		id := "proj-" + req.Name
		h.projects[id] = req

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(projectResponse{ID: id})
	})

	mux.HandleFunc("DELETE /v1/projects/{id}", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		id := r.PathValue("id")
		if _, ok := h.projects[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(h.projects, id)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /v1/projects/{id}/invoke", func(w http.ResponseWriter, r *http.Request) {
		var req invokeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		body := map[string]any{"output": req.Operation + ":" + req.Input}
		if req.Operation != "raw" {
			body["confidence"] = 0.42
		}
		_ = json.NewEncoder(w).Encode(body)
	})

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func newTestAdapter(t *testing.T, host *modelHost) *Adapter {
	server := httptest.NewServer(host.handler(t))
	t.Cleanup(server.Close)

	return New(Config{
		Kind:    models.ProviderB,
		BaseURL: server.URL,
		APIKey:  "key-b",
		Timeout: 2 * time.Second,
	})
}

func TestAdapter_Lifecycle(t *testing.T) {
	host := newModelHost()
	adapter := newTestAdapter(t, host)
	ctx := context.Background()

	id, err := adapter.CreateAgent(ctx, providers.AgentSpec{
		AgentID:    "agent-1",
		Name:       "helper",
		Operations: []string{"voice", "web-search"},
	})
	require.NoError(t, err)
	assert.Equal(t, "proj-helper", id)
	assert.Equal(t, []string{"Bearer key-b"}, host.auth)
	assert.Equal(t, []string{"voice", "web-search"}, host.projects[id].Operations)

	resp, err := adapter.Invoke(ctx, id, "voice", providers.Payload{Input: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "voice:hello", resp.Content)
	assert.InDelta(t, 0.42, resp.Confidence, 1e-9)

	resp, err = adapter.Invoke(ctx, id, "raw", providers.Payload{Input: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, resp.Confidence, "missing confidence means no signal")

	require.NoError(t, adapter.Deprovision(ctx, id))
	require.NoError(t, adapter.Deprovision(ctx, id), "second deprovision is a no-op")
	assert.Empty(t, host.projects)

	require.NoError(t, adapter.HealthCheck(ctx))
}

func TestAdapter_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   apperrors.Kind
	}{
		{http.StatusForbidden, apperrors.KindPermanentProvider},
		{http.StatusUnprocessableEntity, apperrors.KindPermanentProvider},
		{http.StatusBadGateway, apperrors.KindTransientProvider},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			host := newModelHost()
			host.status = tt.status
			adapter := newTestAdapter(t, host)

			_, err := adapter.CreateAgent(context.Background(), providers.AgentSpec{Name: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.want, apperrors.KindOf(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestAdapter_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	adapter := New(Config{Kind: models.ProviderB, BaseURL: url, Timeout: time.Second})
	_, err := adapter.CreateAgent(context.Background(), providers.AgentSpec{Name: "x"})
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func TestFactory(t *testing.T) {
	_, err := Factory(models.ProviderB, config.ProviderConfig{Driver: "rest"})
	assert.Error(t, err)

	adapter, err := Factory(models.ProviderB, config.ProviderConfig{Driver: "rest", BaseURL: "http://localhost:1"})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderB, adapter.Kind())
}
