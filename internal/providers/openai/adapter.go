// Package openai implementa l'adapter verso un provider compatibile con le
// Assistants API di OpenAI: ogni agente diventa un assistant remoto.
package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"

	"github.com/biodoia/hacp/internal/providers"
	"github.com/biodoia/hacp/pkg/config"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"
)

const defaultModel = "gpt-4o-mini"

// Config configura l'adapter
type Config struct {
	Kind       providers.Kind
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

type assistantInfo struct {
	instructions string
	model        string
}

// Adapter crea assistant remoti e li invoca via Chat Completions con logprobs
type Adapter struct {
	kind   providers.Kind
	model  string
	client openaisdk.Client

	mu         sync.RWMutex
	assistants map[string]assistantInfo
}

// New crea un nuovo adapter
func New(cfg Config) *Adapter {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		// i retry sono gestiti dal decorator resiliente
		option.WithMaxRetries(0),
	}
	if trimmed := strings.TrimRight(cfg.BaseURL, "/"); trimmed != "" {
		opts = append(opts, option.WithBaseURL(trimmed))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &Adapter{
		kind:       cfg.Kind,
		model:      model,
		client:     openaisdk.NewClient(opts...),
		assistants: make(map[string]assistantInfo),
	}
}

// Factory è il driver "openai" per il registry dei provider
func Factory(kind providers.Kind, cfg config.ProviderConfig) (providers.Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key is required for the openai driver", kind)
	}
	return New(Config{
		Kind:    kind,
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
	}), nil
}

// Kind implementa providers.Adapter
func (a *Adapter) Kind() providers.Kind {
	return a.kind
}

// CreateAgent crea un assistant remoto
func (a *Adapter) CreateAgent(ctx context.Context, spec providers.AgentSpec) (string, error) {
	params := openaisdk.BetaAssistantNewParams{
		Model:        openaisdk.ChatModel(a.model),
		Name:         openaisdk.String(spec.Name),
		Instructions: openaisdk.String(spec.Instructions),
		Metadata: map[string]string{
			"hacp_agent_id": spec.AgentID,
			"operations":    strings.Join(spec.Operations, ","),
		},
	}
	if spec.Description != "" {
		params.Description = openaisdk.String(spec.Description)
	}

	assistant, err := a.client.Beta.Assistants.New(ctx, params)
	if err != nil {
		return "", a.classify("create_agent", err)
	}

	a.mu.Lock()
	a.assistants[assistant.ID] = assistantInfo{instructions: assistant.Instructions, model: assistant.Model}
	a.mu.Unlock()

	log.Debug().
		Str("provider", string(a.kind)).
		Str("assistant_id", assistant.ID).
		Str("agent_id", spec.AgentID).
		Msg("Assistant created")

	return assistant.ID, nil
}

// Deprovision elimina l'assistant remoto; un assistant già rimosso non è un errore
func (a *Adapter) Deprovision(ctx context.Context, remoteID string) error {
	_, err := a.client.Beta.Assistants.Delete(ctx, remoteID)

	a.mu.Lock()
	delete(a.assistants, remoteID)
	a.mu.Unlock()

	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return a.classify("deprovision", err)
	}
	return nil
}

// Invoke esegue l'operazione con le istruzioni dell'assistant. La confidenza
// è la probabilità media per token, exp(media dei logprob).
func (a *Adapter) Invoke(ctx context.Context, remoteID, op string, payload providers.Payload) (*providers.Response, error) {
	info, err := a.assistant(ctx, remoteID)
	if err != nil {
		return nil, err
	}

	messages := []openaisdk.ChatCompletionMessageParamUnion{
		openaisdk.SystemMessage(systemPrompt(info.instructions, op)),
	}
	for _, turn := range payload.Context {
		messages = append(messages, openaisdk.AssistantMessage(turn))
	}
	messages = append(messages, openaisdk.UserMessage(payload.Input))

	completion, err := a.client.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(info.model),
		Messages: messages,
		Logprobs: openaisdk.Bool(true),
	})
	if err != nil {
		return nil, a.classify("invoke", err)
	}
	if len(completion.Choices) == 0 {
		return nil, providers.ClassifyStatus(a.kind, "invoke", http.StatusBadGateway, errors.New("empty completion"))
	}

	choice := completion.Choices[0]
	return &providers.Response{
		Content:    choice.Message.Content,
		Confidence: confidence(choice.Logprobs.Content),
	}, nil
}

// HealthCheck verifica che il modello configurato sia raggiungibile
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if _, err := a.client.Models.Get(ctx, a.model); err != nil {
		return a.classify("health_check", err)
	}
	return nil
}

// assistant restituisce istruzioni e modello dell'assistant, con cache locale
func (a *Adapter) assistant(ctx context.Context, remoteID string) (assistantInfo, error) {
	a.mu.RLock()
	info, ok := a.assistants[remoteID]
	a.mu.RUnlock()
	if ok {
		return info, nil
	}

	assistant, err := a.client.Beta.Assistants.Get(ctx, remoteID)
	if err != nil {
		return assistantInfo{}, a.classify("invoke", err)
	}

	info = assistantInfo{instructions: assistant.Instructions, model: assistant.Model}
	if info.model == "" {
		info.model = a.model
	}

	a.mu.Lock()
	a.assistants[remoteID] = info
	a.mu.Unlock()
	return info, nil
}

func (a *Adapter) classify(op string, err error) error {
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		return providers.ClassifyStatus(a.kind, op, apiErr.StatusCode, err)
	}
	return providers.ClassifyTransport(a.kind, op, err)
}

var operationPrompts = map[string]string{
	"chat":            "Answer the user conversationally.",
	"voice":           "Answer in short sentences suitable for speech synthesis.",
	"web-search":      "Answer using up-to-date public information and cite sources.",
	"summarize":       "Summarize the input concisely.",
	"document-review": "Review the document and list issues and suggested fixes.",
}

func systemPrompt(instructions, op string) string {
	hint, ok := operationPrompts[op]
	if !ok {
		hint = "Operation: " + op + "."
	}
	if instructions == "" {
		return hint
	}
	return instructions + "\n\n" + hint
}

// confidence converte i logprob dei token in una probabilità media in [0,1].
// Senza logprob il provider non fornisce segnale e la risposta è considerata affidabile.
func confidence(tokens []openaisdk.ChatCompletionTokenLogprob) float64 {
	if len(tokens) == 0 {
		return 1
	}
	var sum float64
	for _, t := range tokens {
		sum += t.Logprob
	}
	c := math.Exp(sum / float64(len(tokens)))
	return math.Max(0, math.Min(1, c))
}

var (
	_ providers.Adapter       = (*Adapter)(nil)
	_ providers.HealthChecker = (*Adapter)(nil)
)
