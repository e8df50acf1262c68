package openai

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/biodoia/hacp/internal/providers"
	"github.com/biodoia/hacp/pkg/apperrors"
	"github.com/biodoia/hacp/pkg/config"
	"github.com/biodoia/hacp/pkg/models"
	openaisdk "github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOpenAI struct {
	createStatus atomic.Int32
	deleted      atomic.Int32
	lastChat     map[string]any
}

func (f *fakeOpenAI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/assistants", func(w http.ResponseWriter, r *http.Request) {
		if status := int(f.createStatus.Load()); status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"rejected","type":"invalid_request_error"}}`))
			return
		}
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, map[string]any{
			"id":           "asst_123",
			"object":       "assistant",
			"model":        body["model"],
			"name":         body["name"],
			"instructions": body["instructions"],
			"created_at":   1,
			"tools":        []any{},
		})
	})

	mux.HandleFunc("GET /v1/assistants/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "asst_123" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"message":"no such assistant"}}`))
			return
		}
		writeJSON(w, map[string]any{
			"id":           "asst_123",
			"object":       "assistant",
			"model":        "gpt-test",
			"instructions": "You are helpful.",
			"created_at":   1,
			"tools":        []any{},
		})
	})

	mux.HandleFunc("DELETE /v1/assistants/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "asst_123" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"message":"no such assistant"}}`))
			return
		}
		f.deleted.Add(1)
		writeJSON(w, map[string]any{"id": r.PathValue("id"), "object": "assistant.deleted", "deleted": true})
	})

	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.lastChat = body
		writeJSON(w, map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   body["model"],
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "hello there"},
				"logprobs": map[string]any{
					"content": []any{
						map[string]any{"token": "hello", "logprob": -0.1, "bytes": nil, "top_logprobs": []any{}},
						map[string]any{"token": " there", "logprob": -0.3, "bytes": nil, "top_logprobs": []any{}},
					},
					"refusal": nil,
				},
			}},
		})
	})

	mux.HandleFunc("GET /v1/models/{model}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": r.PathValue("model"), "object": "model", "created": 1, "owned_by": "test"})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeOpenAI) {
	fake := &fakeOpenAI{}
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	return New(Config{
		Kind:    models.ProviderA,
		BaseURL: server.URL + "/v1",
		APIKey:  "sk-test",
		Model:   "gpt-test",
	}), fake
}

func TestAdapter_CreateInvokeDeprovision(t *testing.T) {
	adapter, fake := newTestAdapter(t)
	ctx := context.Background()

	id, err := adapter.CreateAgent(ctx, providers.AgentSpec{
		AgentID:      "agent-1",
		Name:         "Helper",
		Instructions: "You are helpful.",
		Operations:   []string{"chat"},
	})
	require.NoError(t, err)
	assert.Equal(t, "asst_123", id)

	resp, err := adapter.Invoke(ctx, id, "summarize", providers.Payload{Input: "long text"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.InDelta(t, math.Exp(-0.2), resp.Confidence, 1e-9)
	assert.Equal(t, true, fake.lastChat["logprobs"])

	require.NoError(t, adapter.Deprovision(ctx, id))
	assert.Equal(t, int32(1), fake.deleted.Load())

	// già rimosso lato provider
	require.NoError(t, adapter.Deprovision(ctx, "asst_missing"))
	require.NoError(t, adapter.HealthCheck(ctx))
}

func TestAdapter_InvokeFetchesUnknownAssistant(t *testing.T) {
	adapter, fake := newTestAdapter(t)

	_, err := adapter.Invoke(context.Background(), "asst_123", "chat", providers.Payload{Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-test", fake.lastChat["model"])

	_, err = adapter.Invoke(context.Background(), "asst_other", "chat", providers.Payload{Input: "hi"})
	assert.Equal(t, apperrors.KindPermanentProvider, apperrors.KindOf(err))
}

func TestAdapter_CreateErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   apperrors.Kind
	}{
		{http.StatusUnauthorized, apperrors.KindPermanentProvider},
		{http.StatusBadRequest, apperrors.KindPermanentProvider},
		{http.StatusTooManyRequests, apperrors.KindTransientProvider},
		{http.StatusServiceUnavailable, apperrors.KindTransientProvider},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			adapter, fake := newTestAdapter(t)
			fake.createStatus.Store(int32(tt.status))

			_, err := adapter.CreateAgent(context.Background(), providers.AgentSpec{Name: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.want, apperrors.KindOf(err))
			assert.Equal(t, "A", apperrors.ProviderOf(err))
		})
	}
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 1.0, confidence(nil))
	assert.InDelta(t, 0.5, confidence([]openaisdk.ChatCompletionTokenLogprob{{Logprob: math.Log(0.5)}}), 1e-9)
}

func TestFactory_RequiresKey(t *testing.T) {
	_, err := Factory(models.ProviderA, config.ProviderConfig{Driver: "openai"})
	assert.Error(t, err)

	adapter, err := Factory(models.ProviderA, config.ProviderConfig{Driver: "openai", APIKey: "sk"})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderA, adapter.Kind())
}
