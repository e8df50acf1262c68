package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EscalationState è lo stato di escalation di una conversazione
type EscalationState string

const (
	EscalationNormal     EscalationState = "normal"
	EscalationEscalating EscalationState = "escalating"
	EscalationEscalated  EscalationState = "escalated"
	EscalationResolved   EscalationState = "resolved"
)

// Active restituisce true mentre un'escalation è in corso
func (s EscalationState) Active() bool {
	return s == EscalationEscalating || s == EscalationEscalated
}

// TriggerReason indica perché è partita l'escalation
type TriggerReason string

const (
	TriggerLowConfidence   TriggerReason = "low-confidence"
	TriggerProviderError   TriggerReason = "provider-error"
	TriggerExplicitRequest TriggerReason = "explicit-request"
)

// Resolution descrive come si è chiusa un'escalation
type Resolution string

const (
	ResolutionAnswered    Resolution = "answered"
	ResolutionTimeout     Resolution = "timeout"
	ResolutionUnreachable Resolution = "unreachable"
	ResolutionFailed      Resolution = "failed"
)

// ConversationSession rappresenta una conversazione con un agente
type ConversationSession struct {
	ID                 uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	AgentID            uuid.UUID       `json:"agent_id" gorm:"type:uuid;not null;index"`
	StartedAt          time.Time       `json:"started_at" gorm:"not null"`
	EscalationState    EscalationState `json:"escalation_state" gorm:"not null;default:'normal'"`
	ActiveEscalationID *uuid.UUID      `json:"active_escalation_id,omitempty" gorm:"type:uuid"`
	Escalations        int             `json:"escalations"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// BeforeCreate hook
func (s *ConversationSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	return nil
}

// TableName specifica il nome della tabella
func (ConversationSession) TableName() string {
	return "conversation_sessions"
}

// EscalationEvent traccia un ciclo di escalation verso l'assistente senior
type EscalationEvent struct {
	ID            uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	SessionID     uuid.UUID       `json:"session_id" gorm:"type:uuid;not null;index"`
	AgentID       uuid.UUID       `json:"agent_id" gorm:"type:uuid;index"`
	TriggerReason TriggerReason   `json:"trigger_reason" gorm:"not null"`
	TargetTier    string          `json:"target_tier" gorm:"not null"`
	State         EscalationState `json:"state" gorm:"not null"`
	Resolution    Resolution      `json:"resolution,omitempty"`
	Response      string          `json:"response,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// BeforeCreate hook
func (e *EscalationEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// IsResolved verifica se il ciclo è chiuso
func (e *EscalationEvent) IsResolved() bool {
	return e.State == EscalationResolved
}

// TableName specifica il nome della tabella
func (EscalationEvent) TableName() string {
	return "escalation_events"
}

// TransitionRecord è la riga di audit di una transizione di stato
type TransitionRecord struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Type      string    `json:"type" gorm:"not null;index"` // "agent.status", "escalation.state"
	SubjectID string    `json:"subject_id" gorm:"not null;index"`
	AgentID   string    `json:"agent_id" gorm:"index"`
	From      string    `json:"from"`
	To        string    `json:"to" gorm:"not null"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp" gorm:"not null;index"`
}

// BeforeCreate hook
func (r *TransitionRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// TableName specifica il nome della tabella
func (TransitionRecord) TableName() string {
	return "transition_records"
}
