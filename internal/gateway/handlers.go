package gateway

import (
	"github.com/biodoia/hacp/internal/console"
	"github.com/biodoia/hacp/internal/providers"
	"github.com/biodoia/hacp/pkg/apperrors"
	"github.com/biodoia/hacp/pkg/auth"
	"github.com/biodoia/hacp/pkg/middleware"
	"github.com/biodoia/hacp/pkg/models"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

// RouteRequestBody è il corpo di POST /v1/agents/:id/requests
type RouteRequestBody struct {
	SessionID string            `json:"session_id"`
	Operation string            `json:"operation"`
	Input     string            `json:"input"`
	Context   []string          `json:"context"`
	Metadata  map[string]string `json:"metadata"`
	Escalate  bool              `json:"escalate"`
}

// EscalateBody è il corpo di POST /v1/sessions/:id/escalations
type EscalateBody struct {
	Input   string   `json:"input"`
	Context []string `json:"context"`
}

func badRequest(c fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":      message,
		"request_id": middleware.GetRequestID(c),
	})
}

func paramID(c fiber.Ctx) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params("id"))
	return id, err == nil
}

// ownedAgent carica l'agente; per i non admin un agente altrui risulta inesistente
func (g *Gateway) ownedAgent(c fiber.Ctx, id uuid.UUID) (*models.Agent, error) {
	agent, err := g.console.GetAgent(c.Context(), id)
	if err != nil {
		return nil, err
	}
	if middleware.GetRole(c) != auth.RoleAdmin && agent.OwnerID != middleware.GetOwnerID(c) {
		return nil, apperrors.Newf(apperrors.KindNotFound, "get_agent", "agent %s not found", id)
	}
	return agent, nil
}

// handleProvisionAgent gestisce POST /v1/agents
func (g *Gateway) handleProvisionAgent(c fiber.Ctx) error {
	var cfg models.AgentConfig
	if err := c.Bind().Body(&cfg); err != nil {
		return badRequest(c, "invalid request body")
	}

	// solo un admin può provisionare per conto di un altro owner
	if middleware.GetRole(c) != auth.RoleAdmin || cfg.OwnerID == "" {
		cfg.OwnerID = middleware.GetOwnerID(c)
	}

	res, err := g.console.ProvisionAgent(c.Context(), cfg)
	if err != nil {
		return c.Status(statusFor(err)).JSON(fiber.Map{
			"result":     res,
			"error":      err.Error(),
			"kind":       apperrors.KindOf(err),
			"request_id": middleware.GetRequestID(c),
		})
	}

	status := fiber.StatusCreated
	if res.Reused {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(res)
}

// handleListAgents gestisce GET /v1/agents
func (g *Gateway) handleListAgents(c fiber.Ctx) error {
	owner := middleware.GetOwnerID(c)
	if middleware.GetRole(c) == auth.RoleAdmin {
		owner = c.Query("owner_id")
	}

	agents, err := g.console.ListAgents(c.Context(), owner)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"agents": agents, "count": len(agents)})
}

// handleGetAgent gestisce GET /v1/agents/:id
func (g *Gateway) handleGetAgent(c fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid agent id")
	}
	agent, err := g.ownedAgent(c, id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(agent)
}

// handleDeprovisionAgent gestisce DELETE /v1/agents/:id
func (g *Gateway) handleDeprovisionAgent(c fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid agent id")
	}
	if _, err := g.ownedAgent(c, id); err != nil {
		return fail(c, err)
	}
	if err := g.console.DeprovisionAgent(c.Context(), id); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handlePauseAgent gestisce POST /v1/agents/:id/pause
func (g *Gateway) handlePauseAgent(c fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid agent id")
	}
	if _, err := g.ownedAgent(c, id); err != nil {
		return fail(c, err)
	}
	if err := g.console.PauseAgent(c.Context(), id); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleResumeAgent gestisce POST /v1/agents/:id/resume
func (g *Gateway) handleResumeAgent(c fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid agent id")
	}
	if _, err := g.ownedAgent(c, id); err != nil {
		return fail(c, err)
	}
	if err := g.console.ResumeAgent(c.Context(), id); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleRouteRequest gestisce POST /v1/agents/:id/requests.
// Il permission tier dell'agente decide quali ruoli possono invocarlo.
func (g *Gateway) handleRouteRequest(c fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid agent id")
	}

	var body RouteRequestBody
	if err := c.Bind().Body(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.Operation == "" {
		return badRequest(c, "operation is required")
	}

	var sessionID uuid.UUID
	if body.SessionID != "" {
		parsed, err := uuid.Parse(body.SessionID)
		if err != nil {
			return badRequest(c, "invalid session id")
		}
		sessionID = parsed
	}

	out, err := g.console.RouteRequest(c.Context(), console.RouteInput{
		AgentID:   id,
		SessionID: sessionID,
		Operation: body.Operation,
		Payload: providers.Payload{
			Input:    body.Input,
			Context:  body.Context,
			Metadata: body.Metadata,
		},
		EscalationRequested: body.Escalate,
		CallerRole:          middleware.GetRole(c),
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(out)
}

// handleEscalateSession gestisce POST /v1/sessions/:id/escalations
func (g *Gateway) handleEscalateSession(c fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid session id")
	}

	var body EscalateBody
	if err := c.Bind().Body(&body); err != nil {
		return badRequest(c, "invalid request body")
	}

	if middleware.GetRole(c) != auth.RoleAdmin {
		session, err := g.console.GetSession(c.Context(), id)
		if err != nil {
			return fail(c, err)
		}
		if _, err := g.ownedAgent(c, session.AgentID); apperrors.Is(err, apperrors.KindNotFound) {
			return fail(c, apperrors.Newf(apperrors.KindNotFound, "escalate_session", "session %s not found", id))
		} else if err != nil {
			return fail(c, err)
		}
	}

	out, err := g.console.EscalateSession(c.Context(), id, providers.Payload{
		Input:   body.Input,
		Context: body.Context,
	}, middleware.GetRole(c))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(out)
}

// handleEscalationStatus gestisce GET /v1/escalations/:id
func (g *Gateway) handleEscalationStatus(c fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid escalation id")
	}

	status, err := g.console.GetEscalationStatus(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	if middleware.GetRole(c) != auth.RoleAdmin {
		if _, err := g.ownedAgent(c, status.AgentID); apperrors.Is(err, apperrors.KindNotFound) {
			return fail(c, apperrors.Newf(apperrors.KindNotFound, "escalation_status", "escalation %s not found", id))
		} else if err != nil {
			return fail(c, err)
		}
	}
	return c.JSON(status)
}
