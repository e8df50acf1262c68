// Package rest implementa l'adapter verso un model host REST che espone
// agenti come "project": creazione, invocazione e rimozione via HTTP/JSON.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/biodoia/hacp/internal/providers"
	"github.com/biodoia/hacp/pkg/config"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Config configura l'adapter
type Config struct {
	Kind    providers.Kind
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type createProjectRequest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
	Model        string            `json:"model,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Operations   []string          `json:"operations,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type projectResponse struct {
	ID string `json:"id"`
}

type invokeRequest struct {
	Operation string            `json:"operation"`
	Input     string            `json:"input"`
	Context   []string          `json:"context,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type invokeResponse struct {
	Output     string   `json:"output"`
	Confidence *float64 `json:"confidence"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Adapter implementa providers.Adapter sopra resty
type Adapter struct {
	kind       providers.Kind
	model      string
	httpClient *resty.Client
}

// New crea un nuovo adapter
func New(cfg Config) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	a := &Adapter{
		kind:       cfg.Kind,
		model:      cfg.Model,
		httpClient: resty.New(),
	}

	// Niente retry in resty: li gestisce il decorator resiliente con la tassonomia degli errori
	a.httpClient.
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.APIKey != "" {
		a.httpClient.SetAuthToken(cfg.APIKey)
	}

	a.httpClient.OnAfterResponse(func(client *resty.Client, resp *resty.Response) error {
		log.Debug().
			Str("provider", string(a.kind)).
			Str("method", resp.Request.Method).
			Str("url", resp.Request.URL).
			Int("status", resp.StatusCode()).
			Dur("duration", resp.Time()).
			Msg("Provider API response")
		return nil
	})

	return a
}

// Factory è il driver "rest" per il registry dei provider
func Factory(kind providers.Kind, cfg config.ProviderConfig) (providers.Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required for the rest driver", kind)
	}
	return New(Config{
		Kind:    kind,
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}), nil
}

// Kind implementa providers.Adapter
func (a *Adapter) Kind() providers.Kind {
	return a.kind
}

// CreateAgent crea un project remoto
func (a *Adapter) CreateAgent(ctx context.Context, spec providers.AgentSpec) (string, error) {
	var result projectResponse
	var errResp errorResponse

	resp, err := a.httpClient.R().
		SetContext(ctx).
		SetBody(createProjectRequest{
			Name:         spec.Name,
			Description:  spec.Description,
			Instructions: spec.Instructions,
			Model:        a.model,
			Capabilities: spec.Capabilities,
			Operations:   spec.Operations,
			Metadata:     map[string]string{"hacp_agent_id": spec.AgentID},
		}).
		SetResult(&result).
		SetError(&errResp).
		Post("/v1/projects")
	if err != nil {
		return "", providers.ClassifyTransport(a.kind, "create_agent", err)
	}
	if resp.IsError() {
		return "", a.statusError("create_agent", resp, &errResp)
	}
	if result.ID == "" {
		return "", providers.ClassifyStatus(a.kind, "create_agent", http.StatusBadGateway, errors.New("project id missing in response"))
	}

	return result.ID, nil
}

// Deprovision rimuove il project remoto; 404 viene considerato già rimosso
func (a *Adapter) Deprovision(ctx context.Context, remoteID string) error {
	var errResp errorResponse

	resp, err := a.httpClient.R().
		SetContext(ctx).
		SetPathParam("id", remoteID).
		SetError(&errResp).
		Delete("/v1/projects/{id}")
	if err != nil {
		return providers.ClassifyTransport(a.kind, "deprovision", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if resp.IsError() {
		return a.statusError("deprovision", resp, &errResp)
	}
	return nil
}

// Invoke esegue un'operazione sul project remoto
func (a *Adapter) Invoke(ctx context.Context, remoteID, op string, payload providers.Payload) (*providers.Response, error) {
	var result invokeResponse
	var errResp errorResponse

	resp, err := a.httpClient.R().
		SetContext(ctx).
		SetPathParam("id", remoteID).
		SetBody(invokeRequest{
			Operation: op,
			Input:     payload.Input,
			Context:   payload.Context,
			Metadata:  payload.Metadata,
		}).
		SetResult(&result).
		SetError(&errResp).
		Post("/v1/projects/{id}/invoke")
	if err != nil {
		return nil, providers.ClassifyTransport(a.kind, "invoke", err)
	}
	if resp.IsError() {
		return nil, a.statusError("invoke", resp, &errResp)
	}

	confidence := 1.0
	if result.Confidence != nil {
		confidence = min(max(*result.Confidence, 0), 1)
	}

	return &providers.Response{
		Content:    result.Output,
		Confidence: confidence,
	}, nil
}

// HealthCheck interroga l'endpoint di health del model host
func (a *Adapter) HealthCheck(ctx context.Context) error {
	var errResp errorResponse

	resp, err := a.httpClient.R().
		SetContext(ctx).
		SetError(&errResp).
		Get("/v1/health")
	if err != nil {
		return providers.ClassifyTransport(a.kind, "health_check", err)
	}
	if resp.IsError() {
		return a.statusError("health_check", resp, &errResp)
	}
	return nil
}

func (a *Adapter) statusError(op string, resp *resty.Response, errResp *errorResponse) error {
	msg := errResp.Error.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	return providers.ClassifyStatus(a.kind, op, resp.StatusCode(), fmt.Errorf("status %d: %s", resp.StatusCode(), msg))
}

var (
	_ providers.Adapter       = (*Adapter)(nil)
	_ providers.HealthChecker = (*Adapter)(nil)
)
