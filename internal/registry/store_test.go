package registry

import (
	"context"
	"testing"
	"time"

	"github.com/biodoia/hacp/pkg/apperrors"
	"github.com/biodoia/hacp/pkg/database"
	"github.com/biodoia/hacp/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(&database.Config{
		Type:       "sqlite",
		Connection: ":memory:",
		LogLevel:   "silent",
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func newTestAgent(mode models.AgentMode) *models.Agent {
	cfg := models.AgentConfig{
		ID:             uuid.New(),
		OwnerID:        "owner-1",
		Name:           "Helper",
		Mode:           mode,
		Capabilities:   []string{"chat"},
		PermissionTier: models.TierTeam,
	}
	return models.NewAgent(cfg)
}

func TestStore_GetNotFound(t *testing.T) {
	store := setupStore(t)

	_, err := store.Get(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestStore_ProvisioningLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	agent := newTestAgent(models.ModeDual)

	previous, err := store.BeginProvisioning(ctx, agent, models.StatusPending, models.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, previous)

	// un secondo writer non può entrare mentre l'agente è in provisioning
	_, err = store.BeginProvisioning(ctx, agent, models.StatusPending, models.StatusFailed)
	assert.ErrorIs(t, err, ErrStatusConflict)

	err = store.CommitBindings(ctx, agent.ID, []models.ProviderBinding{
		{ProviderKind: models.ProviderA, RemoteID: "asst_1"},
		{ProviderKind: models.ProviderB, RemoteID: "proj-1"},
	})
	require.NoError(t, err)

	stored, err := store.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status)
	assert.True(t, stored.IsFullyBound())
	assert.Equal(t, agent.ConfigHash, stored.ConfigHash)

	// commit su un agente non in provisioning
	err = store.CommitBindings(ctx, agent.ID, nil)
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestStore_MarkFailedRemovesBindings(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	agent := newTestAgent(models.ModeSingleA)

	_, err := store.BeginProvisioning(ctx, agent)
	require.NoError(t, err)
	require.NoError(t, store.CommitBindings(ctx, agent.ID, []models.ProviderBinding{
		{ProviderKind: models.ProviderA, RemoteID: "asst_1"},
	}))

	require.NoError(t, store.MarkFailed(ctx, agent.ID, "boom"))

	stored, err := store.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, "boom", stored.LastError)
	assert.Empty(t, stored.Bindings)

	// un agente failed può ripartire con una nuova configurazione
	agent.Name = "Helper v2"
	previous, err := store.BeginProvisioning(ctx, agent, models.StatusPending, models.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, previous)

	stored, err = store.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "Helper v2", stored.Name)
	assert.Empty(t, stored.LastError)
}

func TestStore_CompareAndSetStatus(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	agent := newTestAgent(models.ModeSingleB)

	_, err := store.BeginProvisioning(ctx, agent)
	require.NoError(t, err)
	require.NoError(t, store.CommitBindings(ctx, agent.ID, []models.ProviderBinding{
		{ProviderKind: models.ProviderB, RemoteID: "proj-1"},
	}))

	ok, err := store.CompareAndSetStatus(ctx, agent.ID, models.StatusPaused, models.StatusActive)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompareAndSetStatus(ctx, agent.ID, models.StatusPaused, models.StatusActive)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ReleaseBindings(ctx, agent.ID))
	stored, err := store.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, stored.Status)
	assert.Empty(t, stored.Bindings)
}

func TestStore_List(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	first := newTestAgent(models.ModeSingleA)
	second := newTestAgent(models.ModeSingleB)
	second.OwnerID = "owner-2"
	_, err := store.BeginProvisioning(ctx, first)
	require.NoError(t, err)
	_, err = store.BeginProvisioning(ctx, second)
	require.NoError(t, err)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := store.List(ctx, "owner-2")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, second.ID, mine[0].ID)
}

func TestStore_EscalationArchive(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	session := &models.ConversationSession{AgentID: uuid.New(), EscalationState: models.EscalationNormal}
	require.NoError(t, store.SaveSession(ctx, session))

	session.EscalationState = models.EscalationResolved
	session.Escalations = 1
	require.NoError(t, store.SaveSession(ctx, session))

	loaded, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscalationResolved, loaded.EscalationState)
	assert.Equal(t, 1, loaded.Escalations)

	resolvedAt := time.Now().UTC()
	event := &models.EscalationEvent{
		SessionID:     session.ID,
		AgentID:       session.AgentID,
		TriggerReason: models.TriggerProviderError,
		TargetTier:    "senior",
		State:         models.EscalationResolved,
		Resolution:    models.ResolutionAnswered,
		Response:      "done",
		CreatedAt:     resolvedAt,
		ResolvedAt:    &resolvedAt,
	}
	require.NoError(t, store.SaveEscalation(ctx, event))

	got, err := store.GetEscalation(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionAnswered, got.Resolution)
	assert.True(t, got.IsResolved())

	events, err := store.ListEscalations(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = store.GetEscalation(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrEscalationNotFound)
}

func TestStore_RecordTransition(t *testing.T) {
	store := setupStore(t)

	rec := &models.TransitionRecord{Type: "agent.status", SubjectID: "a-1", From: "pending", To: "provisioning"}
	require.NoError(t, store.RecordTransition(context.Background(), rec))
	assert.False(t, rec.Timestamp.IsZero())
	assert.NotEqual(t, uuid.Nil, rec.ID)
}

func TestStore_Purge(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	require.NoError(t, store.RecordTransition(ctx, &models.TransitionRecord{Type: "agent.status", SubjectID: "a-1", To: "active", Timestamp: old}))
	require.NoError(t, store.RecordTransition(ctx, &models.TransitionRecord{Type: "agent.status", SubjectID: "a-1", To: "paused", Timestamp: now}))

	archived := &models.EscalationEvent{
		SessionID:     uuid.New(),
		TriggerReason: models.TriggerLowConfidence,
		TargetTier:    "senior",
		State:         models.EscalationResolved,
		Resolution:    models.ResolutionTimeout,
		CreatedAt:     old,
		ResolvedAt:    &old,
	}
	active := &models.EscalationEvent{
		SessionID:     uuid.New(),
		TriggerReason: models.TriggerExplicitRequest,
		TargetTier:    "senior",
		State:         models.EscalationEscalated,
		CreatedAt:     old,
	}
	require.NoError(t, store.SaveEscalation(ctx, archived))
	require.NoError(t, store.SaveEscalation(ctx, active))

	res, err := store.Purge(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, PurgeResult{Transitions: 1, Escalations: 1}, res)

	_, err = store.GetEscalation(ctx, archived.ID)
	assert.ErrorIs(t, err, ErrEscalationNotFound)
	_, err = store.GetEscalation(ctx, active.ID)
	assert.NoError(t, err)
}

func TestStore_GetRejectsCorruptColumns(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	agent := newTestAgent(models.ModeSingleA)
	require.NoError(t, store.db.WithContext(ctx).Create(agent).Error)

	require.NoError(t, store.db.Exec("UPDATE agents SET capabilities = ? WHERE id = ?", `["chat"`, agent.ID).Error)

	_, err := store.Get(ctx, agent.ID)
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid capabilities column")
}
