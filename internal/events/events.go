// Package events pubblica le transizioni di stato degli agenti e delle
// escalation verso i sink di monitoring: log, Redis pub/sub, metriche e
// tabella di audit.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Type rappresenta il tipo di evento
type Type string

const (
	TypeAgentStatus     Type = "agent.status"
	TypeEscalationState Type = "escalation.state"
)

// Event è una transizione con timestamp
type Event struct {
	Type      Type              `json:"type"`
	SubjectID string            `json:"subject_id"` // agente o evento di escalation
	AgentID   string            `json:"agent_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// AgentStatusChanged crea l'evento di transizione di stato di un agente
func AgentStatusChanged(agentID, from, to, reason string) Event {
	return Event{
		Type:      TypeAgentStatus,
		SubjectID: agentID,
		AgentID:   agentID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// EscalationChanged crea l'evento di transizione di un ciclo di escalation
func EscalationChanged(eventID, sessionID, agentID, from, to, reason string) Event {
	return Event{
		Type:      TypeEscalationState,
		SubjectID: eventID,
		AgentID:   agentID,
		SessionID: sessionID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// JSON serializza l'evento
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher è implementato da chi emette eventi
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Discard scarta tutti gli eventi
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}
