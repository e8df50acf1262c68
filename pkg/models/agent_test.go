package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func TestAgentMode_ProviderKinds(t *testing.T) {
	tests := []struct {
		mode AgentMode
		want []ProviderKind
	}{
		{ModeSingleA, []ProviderKind{ProviderA}},
		{ModeSingleB, []ProviderKind{ProviderB}},
		{ModeDual, []ProviderKind{ProviderA, ProviderB}},
		{AgentMode("triple"), nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.mode.ProviderKinds())
			assert.Equal(t, tt.want != nil, tt.mode.Valid())
		})
	}
}

func TestPermissionTier_Allows(t *testing.T) {
	assert.True(t, TierPublic.Allows(""))
	assert.True(t, TierTeam.Allows("admin"))
	assert.True(t, TierTeam.Allows("team"))
	assert.False(t, TierTeam.Allows("public"))
	assert.True(t, TierAdmin.Allows("admin"))
	assert.False(t, TierAdmin.Allows("team"))
}

func TestAgentConfig_Normalize(t *testing.T) {
	cfg := AgentConfig{
		OwnerID:      "  owner-1 ",
		Name:         " Helper ",
		Capabilities: []string{"Voice", "chat", "voice", " ", "document-review"},
	}
	cfg.Normalize()

	assert.Equal(t, "owner-1", cfg.OwnerID)
	assert.Equal(t, "Helper", cfg.Name)
	assert.Equal(t, []string{"voice", "chat", "document-review"}, cfg.Capabilities)
	assert.Equal(t, TierTeam, cfg.PermissionTier)
}

func TestAgentConfig_Hash(t *testing.T) {
	base := AgentConfig{
		OwnerID:      "owner-1",
		Name:         "Helper",
		Mode:         ModeDual,
		Capabilities: []string{"chat", "voice"},
	}

	same := base
	same.ID = uuid.New()
	assert.Equal(t, base.Hash(), same.Hash(), "id does not change the config hash")

	reordered := base
	reordered.Capabilities = []string{"voice", "chat"}
	assert.NotEqual(t, base.Hash(), reordered.Hash(), "capability order is significant")

	changed := base
	changed.Mode = ModeSingleA
	assert.NotEqual(t, base.Hash(), changed.Hash())
}

func TestAgent_RoundTripConfig(t *testing.T) {
	cfg := AgentConfig{
		ID:             uuid.New(),
		OwnerID:        "owner-1",
		Name:           "Helper",
		Mode:           ModeDual,
		Capabilities:   []string{"chat", "document-review"},
		PermissionTier: TierPublic,
		RoutingOverrides: map[string]RouteOverride{
			"chat": {Primary: ProviderB, Fallback: ProviderA, Threshold: 0.5},
		},
	}

	agent := NewAgent(cfg)
	assert.Equal(t, StatusPending, agent.Status)
	assert.Equal(t, cfg.Hash(), agent.ConfigHash)
	assert.True(t, agent.HasCapability("document-review"))
	assert.False(t, agent.HasCapability("voice"))
	assert.Equal(t, cfg.Hash(), agent.Config().Hash())
}

func TestAgent_IsFullyBound(t *testing.T) {
	agent := &Agent{Mode: ModeDual}
	assert.False(t, agent.IsFullyBound())

	agent.Bindings = []ProviderBinding{{ProviderKind: ProviderA, RemoteID: "asst_1"}}
	assert.False(t, agent.IsFullyBound())

	agent.Bindings = append(agent.Bindings, ProviderBinding{ProviderKind: ProviderB, RemoteID: "proj-1"})
	assert.True(t, agent.IsFullyBound())

	b, ok := agent.Binding(ProviderB)
	assert.True(t, ok)
	assert.Equal(t, "proj-1", b.RemoteID)
}

func TestAgent_CorruptJSONColumns(t *testing.T) {
	agent := NewAgent(AgentConfig{ID: uuid.New(), Capabilities: []string{"chat"}})
	assert.NoError(t, agent.AfterFind(nil))

	agent.Capabilities = datatypes.JSON(`["chat"`)
	err := agent.AfterFind(nil)
	assert.ErrorContains(t, err, "invalid capabilities column")
	assert.Empty(t, agent.CapabilityList())
	assert.False(t, agent.HasCapability("chat"))

	agent.Capabilities = nil
	agent.RoutingOverrides = datatypes.JSON(`{"voice": 3}`)
	assert.ErrorContains(t, agent.AfterFind(nil), "invalid routing_overrides column")
	assert.Nil(t, agent.Overrides())
}
