package gateway

import (
	"bufio"
	"context"
	"time"

	"github.com/biodoia/hacp/internal/events"
	"github.com/biodoia/hacp/internal/realtime"
	"github.com/biodoia/hacp/pkg/auth"
	"github.com/biodoia/hacp/pkg/middleware"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// handleEventStream gestisce GET /v1/events: stream SSE delle transizioni.
// Gli admin ricevono tutto, gli altri solo gli eventi dei propri agenti.
func (g *Gateway) handleEventStream(c fiber.Ctx) error {
	visible := g.eventFilter(middleware.GetRole(c), middleware.GetOwnerID(c))
	requestID := middleware.GetRequestID(c)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	sub := g.stream.Subscribe()
	heartbeat := g.stream.Heartbeat()

	// c non è utilizzabile dentro lo stream writer
	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer g.stream.Unsubscribe(sub)

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case msg, ok := <-sub.Events():
				if !ok {
					return
				}
				if !visible(msg.Event) {
					continue
				}
				if err := realtime.WriteMessage(w, msg); err != nil {
					return
				}
			case <-ticker.C:
				if err := realtime.WriteHeartbeat(w); err != nil {
					return
				}
			}
			if err := w.Flush(); err != nil {
				log.Debug().Err(err).Str("request_id", requestID).Msg("Event stream closed by client")
				return
			}
		}
	})
}

// eventFilter decide quali eventi può vedere il chiamante. La proprietà
// degli agenti viene risolta una volta per agente e tenuta in memoria per
// la durata dello stream.
func (g *Gateway) eventFilter(role, ownerID string) func(events.Event) bool {
	if role == auth.RoleAdmin {
		return func(events.Event) bool { return true }
	}

	owned := make(map[string]bool)
	return func(e events.Event) bool {
		if e.AgentID == "" {
			return false
		}
		if v, ok := owned[e.AgentID]; ok {
			return v
		}

		id, err := uuid.Parse(e.AgentID)
		if err != nil {
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		agent, err := g.console.GetAgent(ctx, id)
		if err != nil {
			// non memorizzato: l'agente potrebbe essere in fase di creazione
			return false
		}
		owned[e.AgentID] = agent.OwnerID == ownerID
		return owned[e.AgentID]
	}
}
