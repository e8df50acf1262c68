package database

import (
	"testing"
	"time"

	"github.com/biodoia/hacp/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	db, err := New(&Config{
		Type:       "sqlite",
		Connection: ":memory:",
		LogLevel:   "silent",
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNew_UnsupportedType(t *testing.T) {
	_, err := New(&Config{Type: "mysql"})
	assert.Error(t, err)
}

func TestAutoMigrate_BindingUniqueness(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Ping())

	agent := models.NewAgent(models.AgentConfig{
		OwnerID:      "owner-1",
		Name:         "Helper",
		Mode:         models.ModeDual,
		Capabilities: []string{"chat"},
	})
	require.NoError(t, db.Create(agent).Error)
	assert.NotEqual(t, uuid.Nil, agent.ID)

	first := models.ProviderBinding{AgentID: agent.ID, ProviderKind: models.ProviderA, RemoteID: "asst_1"}
	require.NoError(t, db.Create(&first).Error)

	dup := models.ProviderBinding{AgentID: agent.ID, ProviderKind: models.ProviderA, RemoteID: "asst_2"}
	assert.Error(t, db.Create(&dup).Error, "one binding per provider kind")
}

func TestGetRecentTransitions(t *testing.T) {
	db := setupTestDB(t)

	now := time.Now().UTC()
	for i, to := range []string{"provisioning", "active"} {
		rec := models.TransitionRecord{
			Type:      "agent.status",
			SubjectID: "agent-1",
			To:        to,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, db.Create(&rec).Error)
	}
	require.NoError(t, db.Create(&models.TransitionRecord{
		Type: "agent.status", SubjectID: "agent-2", To: "failed", Timestamp: now,
	}).Error)

	records, err := db.GetRecentTransitions("agent-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "active", records[0].To)

	all, err := db.GetRecentTransitions("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
