// Package registry è il confine di persistenza del core: agenti, binding verso
// i provider, sessioni di conversazione, eventi di escalation archiviati e
// righe di audit delle transizioni. È l'unico stato mutabile condiviso e
// offre aggiornamenti di stato compare-and-set e commit transazionali.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/biodoia/hacp/pkg/apperrors"
	"github.com/biodoia/hacp/pkg/database"
	"github.com/biodoia/hacp/pkg/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAgentNotFound      = errors.New("agent not found")
	ErrEscalationNotFound = errors.New("escalation event not found")
	ErrStatusConflict     = errors.New("agent status changed concurrently")
)

// Store implementa il registry sopra gorm
type Store struct {
	db *database.DB
}

// New crea un nuovo store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Get restituisce l'agente con i suoi binding
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	var agent models.Agent
	err := s.db.WithContext(ctx).Preload("Bindings").First(&agent, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, "registry.get", fmt.Errorf("%w: %s", ErrAgentNotFound, id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", id, err)
	}
	return &agent, nil
}

// List restituisce gli agenti, filtrati per owner se indicato
func (s *Store) List(ctx context.Context, ownerID string) ([]models.Agent, error) {
	var agents []models.Agent
	query := s.db.WithContext(ctx).Preload("Bindings").Order("created_at ASC")
	if ownerID != "" {
		query = query.Where("owner_id = ?", ownerID)
	}
	if err := query.Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// BeginProvisioning porta l'agente in provisioning con un compare-and-set.
// Un agente assente viene creato; uno esistente viene aggiornato con la nuova
// configurazione solo se il suo stato è tra quelli indicati. Restituisce lo
// stato precedente; ErrStatusConflict se un altro writer ha vinto la corsa.
func (s *Store) BeginProvisioning(ctx context.Context, agent *models.Agent, from ...models.AgentStatus) (models.AgentStatus, error) {
	var previous models.AgentStatus

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Agent
		err := tx.Select("id", "status").First(&existing, "id = ?", agent.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			previous = models.StatusPending
			agent.Status = models.StatusProvisioning
			agent.LastError = ""
			agent.Bindings = nil
			return tx.Omit(clause.Associations).Create(agent).Error
		}
		if err != nil {
			return err
		}

		previous = existing.Status
		res := tx.Model(&models.Agent{}).
			Where("id = ? AND status IN ?", agent.ID, from).
			Updates(map[string]any{
				"owner_id":          agent.OwnerID,
				"name":              agent.Name,
				"description":       agent.Description,
				"instructions":      agent.Instructions,
				"mode":              agent.Mode,
				"permission_tier":   agent.PermissionTier,
				"capabilities":      agent.Capabilities,
				"routing_overrides": agent.RoutingOverrides,
				"config_hash":       agent.ConfigHash,
				"status":            models.StatusProvisioning,
				"last_error":        "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStatusConflict
		}
		agent.Status = models.StatusProvisioning
		return nil
	})
	if errors.Is(err, ErrStatusConflict) {
		return previous, err
	}
	if err != nil {
		return previous, fmt.Errorf("failed to begin provisioning of %s: %w", agent.ID, err)
	}
	return previous, nil
}

// CompareAndSetStatus aggiorna lo stato solo se quello corrente è tra quelli
// indicati. Restituisce false se nessuna riga è stata aggiornata.
func (s *Store) CompareAndSetStatus(ctx context.Context, id uuid.UUID, to models.AgentStatus, from ...models.AgentStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Agent{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update status of %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CommitBindings è il punto di commit del provisioning: scrive i binding e
// porta l'agente in active nella stessa transazione
func (s *Store) CommitBindings(ctx context.Context, id uuid.UUID, bindings []models.ProviderBinding) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Agent{}).
			Where("id = ? AND status = ?", id, models.StatusProvisioning).
			Updates(map[string]any{"status": models.StatusActive, "last_error": ""})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStatusConflict
		}

		if err := tx.Where("agent_id = ?", id).Delete(&models.ProviderBinding{}).Error; err != nil {
			return err
		}
		for i := range bindings {
			bindings[i].AgentID = id
			if err := tx.Create(&bindings[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrStatusConflict) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to commit bindings of %s: %w", id, err)
	}
	return nil
}

// MarkFailed porta l'agente in failed e rimuove eventuali binding,
// così un agente fallito non è mai parzialmente legato
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("agent_id = ?", id).Delete(&models.ProviderBinding{}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Agent{}).
			Where("id = ?", id).
			Updates(map[string]any{"status": models.StatusFailed, "last_error": reason}).Error
	})
}

// ReleaseBindings rimuove i binding e porta l'agente in paused
func (s *Store) ReleaseBindings(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("agent_id = ?", id).Delete(&models.ProviderBinding{}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Agent{}).
			Where("id = ?", id).
			Update("status", models.StatusPaused).Error
	})
}

// SaveSession inserisce o aggiorna una sessione di conversazione
func (s *Store) SaveSession(ctx context.Context, session *models.ConversationSession) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(session).Error
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession restituisce una sessione archiviata
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*models.ConversationSession, error) {
	var session models.ConversationSession
	err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Newf(apperrors.KindNotFound, "registry.get_session", "session %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// SaveEscalation archivia un evento di escalation
func (s *Store) SaveEscalation(ctx context.Context, event *models.EscalationEvent) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(event).Error
	if err != nil {
		return fmt.Errorf("failed to archive escalation %s: %w", event.ID, err)
	}
	return nil
}

// GetEscalation restituisce un evento di escalation archiviato
func (s *Store) GetEscalation(ctx context.Context, id uuid.UUID) (*models.EscalationEvent, error) {
	var event models.EscalationEvent
	err := s.db.WithContext(ctx).First(&event, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, "registry.get_escalation", fmt.Errorf("%w: %s", ErrEscalationNotFound, id))
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ListEscalations restituisce gli eventi archiviati di una sessione
func (s *Store) ListEscalations(ctx context.Context, sessionID uuid.UUID) ([]models.EscalationEvent, error) {
	var events []models.EscalationEvent
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&events).Error
	return events, err
}

// RecordTransition scrive una riga di audit
func (s *Store) RecordTransition(ctx context.Context, record *models.TransitionRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(record).Error
}

// PurgeResult riporta le righe rimosse da Purge
type PurgeResult struct {
	Transitions int64 `json:"transitions"`
	Escalations int64 `json:"escalations"`
}

// Purge rimuove le righe di audit e le escalation risolte più vecchie di before.
// Le escalation ancora attive non vengono mai toccate.
func (s *Store) Purge(ctx context.Context, before time.Time) (PurgeResult, error) {
	var res PurgeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out := tx.Where("timestamp < ?", before).Delete(&models.TransitionRecord{})
		if out.Error != nil {
			return fmt.Errorf("failed to purge transitions: %w", out.Error)
		}
		res.Transitions = out.RowsAffected

		out = tx.Where("state = ? AND resolved_at < ?", models.EscalationResolved, before).
			Delete(&models.EscalationEvent{})
		if out.Error != nil {
			return fmt.Errorf("failed to purge escalations: %w", out.Error)
		}
		res.Escalations = out.RowsAffected
		return nil
	})
	return res, err
}
