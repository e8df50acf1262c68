// Package console espone al front end di chat le tre operazioni del core:
// provisioning di un agente, instradamento di una richiesta runtime e stato
// di un'escalation. Il gateway HTTP è un sottile strato sopra questo servizio.
package console

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/biodoia/hacp/internal/capabilities"
	"github.com/biodoia/hacp/internal/escalation"
	"github.com/biodoia/hacp/internal/providers"
	"github.com/biodoia/hacp/internal/provisioning"
	"github.com/biodoia/hacp/internal/routing"
	"github.com/biodoia/hacp/pkg/apperrors"
	"github.com/biodoia/hacp/pkg/models"
	"github.com/biodoia/hacp/pkg/tracing"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ChannelPrimary identifica le risposte dell'agente primario
const ChannelPrimary = "primary"

var (
	ErrForbidden           = errors.New("caller role not allowed to invoke this agent")
	ErrAgentNotActive      = errors.New("agent is not active")
	ErrOperationNotEnabled = errors.New("operation not enabled by the agent capabilities")
	ErrSessionNotFound     = errors.New("session not found")
)

// Agents è il registry visto dal servizio
type Agents interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	List(ctx context.Context, ownerID string) ([]models.Agent, error)
}

// Provisioner è implementato da provisioning.Orchestrator
type Provisioner interface {
	Provision(ctx context.Context, cfg models.AgentConfig) (*provisioning.Result, error)
	Deprovision(ctx context.Context, id uuid.UUID) error
	Pause(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
}

// Adapters risolve l'adapter di un provider
type Adapters interface {
	Get(kind providers.Kind) (providers.Adapter, error)
}

// Escalations è implementato da escalation.Coordinator
type Escalations interface {
	OpenSession(ctx context.Context, agentID, sessionID uuid.UUID) (models.ConversationSession, error)
	FindSession(ctx context.Context, sessionID uuid.UUID) (models.ConversationSession, error)
	Lock(ctx context.Context, sessionID uuid.UUID) (func(), error)
	Escalate(ctx context.Context, t escalation.Trigger) (*escalation.Outcome, error)
	Status(ctx context.Context, eventID uuid.UUID) (escalation.Status, error)
}

// RoutingObserver riceve le decisioni di routing, per le metriche
type RoutingObserver interface {
	ObserveRouting(op string, provider providers.Kind, usedFallback bool)
}

// ProvisioningResult è la risposta di ProvisionAgent
type ProvisioningResult struct {
	AgentID  uuid.UUID                `json:"agent_id"`
	Status   models.AgentStatus       `json:"status"`
	Bindings []models.ProviderBinding `json:"bindings"`
	Reused   bool                     `json:"reused"`
	Error    string                   `json:"error,omitempty"`
}

// RouteInput è una richiesta runtime verso un agente
type RouteInput struct {
	AgentID             uuid.UUID
	SessionID           uuid.UUID // nullo per aprire una nuova sessione
	Operation           string
	Payload             providers.Payload
	EscalationRequested bool
	CallerRole          string
}

// RouteOutput è la risposta a una richiesta runtime
type RouteOutput struct {
	Response     string              `json:"response"`
	Confidence   float64             `json:"confidence"`
	Escalated    bool                `json:"escalated"`
	Channel      string              `json:"channel"`
	SessionID    uuid.UUID           `json:"session_id"`
	EscalationID *uuid.UUID          `json:"escalation_id,omitempty"`
	Provider     models.ProviderKind `json:"provider,omitempty"`
	UsedFallback bool                `json:"used_fallback,omitempty"`
	Degraded     bool                `json:"degraded,omitempty"`
}

// Service coordina orchestrator, routing e coordinator delle escalation
type Service struct {
	agents      Agents
	provisioner Provisioner
	adapters    Adapters
	engine      *routing.Engine
	catalog     *capabilities.Catalog
	escalations Escalations
	observer    RoutingObserver
}

// New crea il servizio
func New(agents Agents, provisioner Provisioner, adapters Adapters, engine *routing.Engine,
	catalog *capabilities.Catalog, escalations Escalations, observer RoutingObserver) *Service {
	return &Service{
		agents:      agents,
		provisioner: provisioner,
		adapters:    adapters,
		engine:      engine,
		catalog:     catalog,
		escalations: escalations,
		observer:    observer,
	}
}

// ProvisionAgent materializza la configurazione. In caso di errore il
// risultato riporta comunque lo stato registrato e il messaggio d'errore.
func (s *Service) ProvisionAgent(ctx context.Context, cfg models.AgentConfig) (*ProvisioningResult, error) {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}

	res, err := s.provisioner.Provision(ctx, cfg)
	if err == nil {
		return &ProvisioningResult{
			AgentID:  res.AgentID,
			Status:   res.Status,
			Bindings: res.Bindings,
			Reused:   res.Reused,
		}, nil
	}

	result := &ProvisioningResult{
		AgentID:  cfg.ID,
		Status:   models.StatusFailed,
		Bindings: []models.ProviderBinding{},
		Error:    err.Error(),
	}
	if agent, getErr := s.agents.Get(ctx, cfg.ID); getErr == nil {
		result.Status = agent.Status
		if agent.Bindings != nil {
			result.Bindings = agent.Bindings
		}
	}
	return result, err
}

// GetAgent restituisce l'agente con i suoi binding
func (s *Service) GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	return s.agents.Get(ctx, id)
}

// ListAgents restituisce gli agenti di un owner
func (s *Service) ListAgents(ctx context.Context, ownerID string) ([]models.Agent, error) {
	return s.agents.List(ctx, ownerID)
}

// DeprovisionAgent rimuove le risorse remote dell'agente
func (s *Service) DeprovisionAgent(ctx context.Context, id uuid.UUID) error {
	return s.provisioner.Deprovision(ctx, id)
}

// PauseAgent sospende un agente attivo
func (s *Service) PauseAgent(ctx context.Context, id uuid.UUID) error {
	return s.provisioner.Pause(ctx, id)
}

// ResumeAgent riattiva un agente sospeso
func (s *Service) ResumeAgent(ctx context.Context, id uuid.UUID) error {
	return s.provisioner.Resume(ctx, id)
}

// GetEscalationStatus restituisce stato e risoluzione di un'escalation
func (s *Service) GetEscalationStatus(ctx context.Context, eventID uuid.UUID) (escalation.Status, error) {
	return s.escalations.Status(ctx, eventID)
}

// GetSession restituisce una sessione di conversazione, in memoria o archiviata
func (s *Service) GetSession(ctx context.Context, sessionID uuid.UUID) (models.ConversationSession, error) {
	session, err := s.escalations.FindSession(ctx, sessionID)
	if apperrors.Is(err, apperrors.KindNotFound) {
		return models.ConversationSession{}, apperrors.New(apperrors.KindNotFound, "get_session", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
	}
	return session, err
}

// RouteRequest instrada una richiesta runtime. Gli agenti dual consultano
// la policy a ogni richiesta; gli agenti single usano l'unico binding e la
// soglia della policy solo per decidere l'escalation.
func (s *Service) RouteRequest(ctx context.Context, in RouteInput) (*RouteOutput, error) {
	ctx, span := tracing.Start(ctx, "console.route_request",
		tracing.String("agent_id", in.AgentID.String()),
		tracing.String("operation", in.Operation))

	out, err := s.routeRequest(ctx, in)
	if out != nil {
		span.SetAttributes(tracing.String("channel", out.Channel), tracing.Bool("escalated", out.Escalated))
	}
	tracing.End(span, err)
	return out, err
}

func (s *Service) routeRequest(ctx context.Context, in RouteInput) (*RouteOutput, error) {
	agent, err := s.invocable(ctx, in.AgentID, in.CallerRole)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(s.catalog.Operations(agent.CapabilityList()), in.Operation) {
		return nil, apperrors.Validation("route_request", fmt.Errorf("%w: %q", ErrOperationNotEnabled, in.Operation))
	}

	session, unlock, err := s.enter(ctx, agent.ID, in.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	trigger := escalation.Trigger{
		SessionID: session.ID,
		AgentID:   agent.ID,
		Operation: in.Operation,
		Input:     in.Payload.Input,
		Context:   in.Payload.Context,
	}

	if in.EscalationRequested {
		trigger.Reason = models.TriggerExplicitRequest
		return s.escalate(ctx, trigger, 0)
	}

	engine, err := s.engine.WithOverrides(agent.Overrides())
	if err != nil {
		return nil, apperrors.Validation("route_request", err)
	}

	sel, err := s.selectProvider(agent, engine, in.Operation, routing.Signal{})
	if err != nil {
		return nil, err
	}

	resp, err := s.invoke(ctx, agent, sel.Provider, in.Operation, in.Payload)
	if err != nil {
		trigger.Reason = models.TriggerProviderError
		trigger.Detail = err.Error()
		return s.escalate(ctx, trigger, 0)
	}

	out := &RouteOutput{
		Response:   resp.Content,
		Confidence: resp.Confidence,
		Channel:    ChannelPrimary,
		SessionID:  session.ID,
		Provider:   sel.Provider,
	}
	if resp.Confidence >= sel.Threshold {
		return out, nil
	}

	// confidenza sotto soglia: fallback se la policy lo prevede, altrimenti escalation
	if agent.Mode.IsDual() && sel.Fallback != "" {
		retry, err := s.selectProvider(agent, engine, in.Operation, routing.WithConfidence(resp.Confidence))
		if err != nil {
			return nil, err
		}

		log.Debug().
			Str("agent_id", agent.ID.String()).
			Str("operation", in.Operation).
			Float64("confidence", resp.Confidence).
			Str("fallback", string(retry.Provider)).
			Msg("Low confidence, routing to fallback provider")

		fallback, err := s.invoke(ctx, agent, retry.Provider, in.Operation, in.Payload)
		if err != nil {
			trigger.Reason = models.TriggerProviderError
			trigger.Detail = err.Error()
			return s.escalate(ctx, trigger, resp.Confidence)
		}
		out.Response = fallback.Content
		out.Confidence = fallback.Confidence
		out.Provider = retry.Provider
		out.UsedFallback = true
		return out, nil
	}

	trigger.Reason = models.TriggerLowConfidence
	trigger.Detail = fmt.Sprintf("confidence %.2f below threshold %.2f", resp.Confidence, sel.Threshold)
	return s.escalate(ctx, trigger, resp.Confidence)
}

// EscalateSession avvia un'escalation esplicita su una sessione esistente
func (s *Service) EscalateSession(ctx context.Context, sessionID uuid.UUID, payload providers.Payload, callerRole string) (*RouteOutput, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.invocable(ctx, session.AgentID, callerRole); err != nil {
		return nil, err
	}

	unlock, err := s.escalations.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.escalate(ctx, escalation.Trigger{
		SessionID: sessionID,
		AgentID:   session.AgentID,
		Reason:    models.TriggerExplicitRequest,
		Input:     payload.Input,
		Context:   payload.Context,
	}, 0)
}

// invocable carica l'agente e verifica stato e permessi del chiamante
func (s *Service) invocable(ctx context.Context, id uuid.UUID, role string) (*models.Agent, error) {
	agent, err := s.agents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !agent.PermissionTier.Allows(role) {
		return nil, apperrors.Validation("route_request", fmt.Errorf("%w: tier %s, role %q", ErrForbidden, agent.PermissionTier, role))
	}
	if agent.Status != models.StatusActive || !agent.IsFullyBound() {
		return nil, apperrors.New(apperrors.KindConflict, "route_request", fmt.Errorf("%w: %s is %s", ErrAgentNotActive, id, agent.Status))
	}
	return agent, nil
}

// enter apre la sessione e ne acquisisce il lock
func (s *Service) enter(ctx context.Context, agentID, sessionID uuid.UUID) (models.ConversationSession, func(), error) {
	session, err := s.escalations.OpenSession(ctx, agentID, sessionID)
	if err != nil {
		return models.ConversationSession{}, nil, err
	}
	unlock, err := s.escalations.Lock(ctx, session.ID)
	if err != nil {
		return models.ConversationSession{}, nil, err
	}
	return session, unlock, nil
}

func (s *Service) selectProvider(agent *models.Agent, engine *routing.Engine, op string, signal routing.Signal) (routing.Selection, error) {
	if agent.Mode.IsDual() {
		sel, err := engine.SelectProvider(op, signal)
		if err != nil {
			return routing.Selection{}, apperrors.Validation("route_request", err)
		}
		if s.observer != nil {
			s.observer.ObserveRouting(op, sel.Provider, sel.UsedFallback)
		}
		return sel, nil
	}

	// single: provider fisso, la soglia resta quella della policy
	kind := agent.Mode.ProviderKinds()[0]
	sel := routing.Selection{Operation: op, Provider: kind, PolicyVersion: engine.Version()}
	if entry, err := engine.Lookup(op); err == nil {
		sel.Threshold = entry.Threshold
	}
	if s.observer != nil {
		s.observer.ObserveRouting(op, kind, false)
	}
	return sel, nil
}

func (s *Service) invoke(ctx context.Context, agent *models.Agent, kind providers.Kind, op string, payload providers.Payload) (*providers.Response, error) {
	binding, ok := agent.Binding(kind)
	if !ok {
		return nil, apperrors.Newf(apperrors.KindInvocationFailed, "invoke", "agent %s has no binding for provider %s", agent.ID, kind)
	}
	adapter, err := s.adapters.Get(kind)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInvocationFailed, "invoke", err)
	}

	start := time.Now()
	resp, err := adapter.Invoke(ctx, binding.RemoteID, op, payload)
	if err != nil {
		log.Warn().
			Err(err).
			Str("agent_id", agent.ID.String()).
			Str("provider", string(kind)).
			Str("operation", op).
			Dur("elapsed", time.Since(start)).
			Msg("Provider invocation failed")
		return nil, err
	}
	return resp, nil
}

func (s *Service) escalate(ctx context.Context, t escalation.Trigger, confidence float64) (*RouteOutput, error) {
	out, err := s.escalations.Escalate(ctx, t)
	if err != nil {
		return nil, err
	}
	eventID := out.EventID
	return &RouteOutput{
		Response:     out.Response,
		Confidence:   confidence,
		Escalated:    true,
		Channel:      out.Channel,
		SessionID:    out.SessionID,
		EscalationID: &eventID,
		Degraded:     out.Degraded,
	}, nil
}
