// Package anthropic implementa il driver "anthropic" sopra la Messages API.
// La Messages API non ha risorse remote per agente: l'identificativo remoto
// indicizza istruzioni conservate dall'adapter.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/biodoia/hacp/internal/providers"
	"github.com/biodoia/hacp/pkg/config"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 1024
)

// Config configura l'adapter
type Config struct {
	Kind       providers.Kind
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int64
	HTTPClient *http.Client
}

// Adapter invoca Claude via Messages API
type Adapter struct {
	kind      providers.Kind
	model     string
	maxTokens int64
	client    anthropicsdk.Client

	mu     sync.RWMutex
	agents map[string]string // remote id -> istruzioni
}

// New crea un nuovo adapter
func New(cfg Config) *Adapter {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithMaxRetries(0),
	}
	if trimmed := strings.TrimRight(cfg.BaseURL, "/"); trimmed != "" {
		opts = append(opts, option.WithBaseURL(trimmed))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	return &Adapter{
		kind:      cfg.Kind,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    anthropicsdk.NewClient(opts...),
		agents:    make(map[string]string),
	}
}

// Factory è il driver "anthropic" per il registry dei provider
func Factory(kind providers.Kind, cfg config.ProviderConfig) (providers.Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key is required for the anthropic driver", kind)
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

// Model restituisce il modello usato
func (a *Adapter) Model() string {
	return a.model
}

// CreateAgent registra le istruzioni dell'agente e restituisce un id locale
func (a *Adapter) CreateAgent(ctx context.Context, spec providers.AgentSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	remoteID := "claude-" + uuid.NewString()

	a.mu.Lock()
	a.agents[remoteID] = spec.Instructions
	a.mu.Unlock()

	log.Debug().
		Str("provider", string(a.kind)).
		Str("remote_id", remoteID).
		Str("agent_id", spec.AgentID).
		Msg("Claude agent registered")

	return remoteID, nil
}

// Deprovision dimentica le istruzioni dell'agente
func (a *Adapter) Deprovision(ctx context.Context, remoteID string) error {
	a.mu.Lock()
	delete(a.agents, remoteID)
	a.mu.Unlock()
	return nil
}

// Invoke esegue l'operazione. La Messages API non espone logprob, quindi
// la confidenza è sempre 1.
func (a *Adapter) Invoke(ctx context.Context, remoteID, op string, payload providers.Payload) (*providers.Response, error) {
	a.mu.RLock()
	instructions, ok := a.agents[remoteID]
	a.mu.RUnlock()
	if !ok {
		// dopo un riavvio le istruzioni non sono più disponibili
		log.Debug().Str("remote_id", remoteID).Msg("Unknown Claude agent, invoking without instructions")
	}

	content, err := a.Complete(ctx, systemPrompt(instructions, op), payload.Context, payload.Input)
	if err != nil {
		return nil, err
	}
	return &providers.Response{Content: content, Confidence: 1}, nil
}

// Complete invia un singolo turno utente con il contesto della conversazione
// e restituisce il testo della risposta
func (a *Adapter) Complete(ctx context.Context, system string, history []string, input string) (string, error) {
	if len(history) > 0 {
		system = strings.TrimSpace(system + "\n\nConversation so far:\n" + strings.Join(history, "\n"))
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(input)),
		},
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", a.classify("invoke", err)
	}

	var parts []string
	for _, block := range message.Content {
		if block.Type == "text" {
			parts = append(parts, block.AsText().Text)
		}
	}
	if len(parts) == 0 {
		return "", providers.ClassifyStatus(a.kind, "invoke", http.StatusBadGateway, errors.New("message without text content"))
	}
	return strings.Join(parts, ""), nil
}

// HealthCheck verifica che il modello configurato sia raggiungibile
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if _, err := a.client.Models.Get(ctx, a.model, anthropicsdk.ModelGetParams{}); err != nil {
		return a.classify("health_check", err)
	}
	return nil
}

func (a *Adapter) classify(op string, err error) error {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return providers.ClassifyStatus(a.kind, op, apiErr.StatusCode, err)
	}
	return providers.ClassifyTransport(a.kind, op, err)
}

func systemPrompt(instructions, op string) string {
	hint := "Operation: " + op + "."
	if instructions == "" {
		return hint
	}
	return instructions + "\n\n" + hint
}

var (
	_ providers.Adapter       = (*Adapter)(nil)
	_ providers.HealthChecker = (*Adapter)(nil)
)
