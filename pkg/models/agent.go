package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProviderKind identifica uno dei due provider di modelli
type ProviderKind string

const (
	ProviderA ProviderKind = "A"
	ProviderB ProviderKind = "B"
)

// Valid verifica se il kind è noto
func (k ProviderKind) Valid() bool {
	return k == ProviderA || k == ProviderB
}

// AgentMode indica quanti provider supportano l'agente
type AgentMode string

const (
	ModeSingleA AgentMode = "single-provider-A"
	ModeSingleB AgentMode = "single-provider-B"
	ModeDual    AgentMode = "dual-provider"
)

// Valid verifica se la modalità è nota
func (m AgentMode) Valid() bool {
	switch m {
	case ModeSingleA, ModeSingleB, ModeDual:
		return true
	default:
		return false
	}
}

// ProviderKinds restituisce i provider richiesti dalla modalità, in ordine stabile
func (m AgentMode) ProviderKinds() []ProviderKind {
	switch m {
	case ModeSingleA:
		return []ProviderKind{ProviderA}
	case ModeSingleB:
		return []ProviderKind{ProviderB}
	case ModeDual:
		return []ProviderKind{ProviderA, ProviderB}
	default:
		return nil
	}
}

// IsDual restituisce true per gli agenti HACP a doppio provider
func (m AgentMode) IsDual() bool {
	return m == ModeDual
}

// PermissionTier controlla chi può invocare l'agente
type PermissionTier string

const (
	TierAdmin  PermissionTier = "admin"
	TierTeam   PermissionTier = "team"
	TierPublic PermissionTier = "public"
)

// Valid verifica se il tier è noto
func (t PermissionTier) Valid() bool {
	switch t {
	case TierAdmin, TierTeam, TierPublic:
		return true
	default:
		return false
	}
}

// Allows verifica se un chiamante con il ruolo indicato può invocare un agente di questo tier
func (t PermissionTier) Allows(role string) bool {
	switch t {
	case TierPublic:
		return true
	case TierTeam:
		return role == string(TierTeam) || role == string(TierAdmin)
	case TierAdmin:
		return role == string(TierAdmin)
	default:
		return false
	}
}

// AgentStatus è lo stato del ciclo di vita dell'agente
type AgentStatus string

const (
	StatusPending      AgentStatus = "pending"
	StatusProvisioning AgentStatus = "provisioning"
	StatusActive       AgentStatus = "active"
	StatusPaused       AgentStatus = "paused"
	StatusFailed       AgentStatus = "failed"
)

// RouteOverride sovrascrive la policy di routing globale per un singolo agente
type RouteOverride struct {
	Primary   ProviderKind `json:"primary" yaml:"primary"`
	Fallback  ProviderKind `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Threshold float64      `json:"threshold" yaml:"threshold"`
}

// AgentConfig è la descrizione dichiarativa di un agente
type AgentConfig struct {
	ID               uuid.UUID                `json:"id,omitempty" yaml:"id,omitempty"`
	OwnerID          string                   `json:"owner_id" yaml:"owner_id"`
	Name             string                   `json:"name" yaml:"name"`
	Description      string                   `json:"description,omitempty" yaml:"description,omitempty"`
	Instructions     string                   `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Mode             AgentMode                `json:"mode" yaml:"mode"`
	Capabilities     []string                 `json:"capabilities" yaml:"capabilities"`
	PermissionTier   PermissionTier           `json:"permission_tier" yaml:"permission_tier"`
	RoutingOverrides map[string]RouteOverride `json:"routing_overrides,omitempty" yaml:"routing_overrides,omitempty"`
}

// Normalize rimuove spazi e duplicati mantenendo l'ordine delle capability
func (c *AgentConfig) Normalize() {
	c.OwnerID = strings.TrimSpace(c.OwnerID)
	c.Name = strings.TrimSpace(c.Name)

	seen := make(map[string]bool, len(c.Capabilities))
	caps := make([]string, 0, len(c.Capabilities))
	for _, capability := range c.Capabilities {
		capability = strings.ToLower(strings.TrimSpace(capability))
		if capability == "" || seen[capability] {
			continue
		}
		seen[capability] = true
		caps = append(caps, capability)
	}
	c.Capabilities = caps

	if c.PermissionTier == "" {
		c.PermissionTier = TierTeam
	}
}

// Hash calcola l'impronta canonica della configurazione, usata per l'idempotenza
func (c AgentConfig) Hash() string {
	canonical := struct {
		OwnerID          string                   `json:"owner_id"`
		Name             string                   `json:"name"`
		Description      string                   `json:"description"`
		Instructions     string                   `json:"instructions"`
		Mode             AgentMode                `json:"mode"`
		Capabilities     []string                 `json:"capabilities"`
		PermissionTier   PermissionTier           `json:"permission_tier"`
		RoutingOverrides map[string]RouteOverride `json:"routing_overrides"`
	}{
		OwnerID:          c.OwnerID,
		Name:             c.Name,
		Description:      c.Description,
		Instructions:     c.Instructions,
		Mode:             c.Mode,
		Capabilities:     c.Capabilities,
		PermissionTier:   c.PermissionTier,
		RoutingOverrides: c.RoutingOverrides,
	}
	// encoding/json ordina le chiavi delle mappe
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Agent è il record persistente di un agente nel registry
type Agent struct {
	ID             uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	OwnerID        string         `json:"owner_id" gorm:"not null;index"`
	Name           string         `json:"name" gorm:"not null"`
	Description    string         `json:"description"`
	Instructions   string         `json:"instructions"`
	Mode           AgentMode      `json:"mode" gorm:"not null"`
	PermissionTier PermissionTier `json:"permission_tier" gorm:"not null;default:'team'"`
	Status         AgentStatus    `json:"status" gorm:"not null;default:'pending';index"`

	// Capabilities e override (JSON)
	Capabilities     datatypes.JSON `json:"capabilities"`
	RoutingOverrides datatypes.JSON `json:"routing_overrides"`

	ConfigHash string `json:"config_hash" gorm:"size:64"`
	LastError  string `json:"last_error,omitempty"`

	// Relations
	Bindings []ProviderBinding `json:"bindings" gorm:"foreignKey:AgentID"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAgent costruisce il record a partire dalla configurazione
func NewAgent(cfg AgentConfig) *Agent {
	caps, _ := json.Marshal(cfg.Capabilities)
	var overrides datatypes.JSON
	if len(cfg.RoutingOverrides) > 0 {
		overrides, _ = json.Marshal(cfg.RoutingOverrides)
	}
	return &Agent{
		ID:               cfg.ID,
		OwnerID:          cfg.OwnerID,
		Name:             cfg.Name,
		Description:      cfg.Description,
		Instructions:     cfg.Instructions,
		Mode:             cfg.Mode,
		PermissionTier:   cfg.PermissionTier,
		Status:           StatusPending,
		Capabilities:     caps,
		RoutingOverrides: overrides,
		ConfigHash:       cfg.Hash(),
	}
}

// BeforeCreate hook per generare UUID
func (a *Agent) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// AfterFind rifiuta i record con colonne JSON non decodificabili
func (a *Agent) AfterFind(tx *gorm.DB) error {
	if _, err := a.decodeCapabilities(); err != nil {
		return err
	}
	_, err := a.decodeOverrides()
	return err
}

func (a *Agent) decodeCapabilities() ([]string, error) {
	var caps []string
	if len(a.Capabilities) == 0 {
		return caps, nil
	}
	if err := json.Unmarshal(a.Capabilities, &caps); err != nil {
		return nil, fmt.Errorf("agent %s: invalid capabilities column: %w", a.ID, err)
	}
	return caps, nil
}

func (a *Agent) decodeOverrides() (map[string]RouteOverride, error) {
	if len(a.RoutingOverrides) == 0 {
		return nil, nil
	}
	var overrides map[string]RouteOverride
	if err := json.Unmarshal(a.RoutingOverrides, &overrides); err != nil {
		return nil, fmt.Errorf("agent %s: invalid routing_overrides column: %w", a.ID, err)
	}
	return overrides, nil
}

// CapabilityList decodifica le capability ordinate. Un valore corrotto
// viene registrato e trattato come lista vuota.
func (a *Agent) CapabilityList() []string {
	caps, err := a.decodeCapabilities()
	if err != nil {
		log.Error().Err(err).Msg("Failed to decode agent capabilities")
	}
	return caps
}

// Overrides decodifica gli override di routing dell'agente
func (a *Agent) Overrides() map[string]RouteOverride {
	overrides, err := a.decodeOverrides()
	if err != nil {
		log.Error().Err(err).Msg("Failed to decode agent routing overrides")
	}
	return overrides
}

// Config ricostruisce la configurazione dichiarativa dal record
func (a *Agent) Config() AgentConfig {
	return AgentConfig{
		ID:               a.ID,
		OwnerID:          a.OwnerID,
		Name:             a.Name,
		Description:      a.Description,
		Instructions:     a.Instructions,
		Mode:             a.Mode,
		Capabilities:     a.CapabilityList(),
		PermissionTier:   a.PermissionTier,
		RoutingOverrides: a.Overrides(),
	}
}

// HasCapability verifica se la capability è abilitata sull'agente
func (a *Agent) HasCapability(name string) bool {
	return slices.Contains(a.CapabilityList(), name)
}

// Binding restituisce il binding per il provider indicato
func (a *Agent) Binding(kind ProviderKind) (ProviderBinding, bool) {
	for _, b := range a.Bindings {
		if b.ProviderKind == kind {
			return b, true
		}
	}
	return ProviderBinding{}, false
}

// IsFullyBound verifica l'invariante: un agente dual richiede due binding distinti
func (a *Agent) IsFullyBound() bool {
	for _, kind := range a.Mode.ProviderKinds() {
		if _, ok := a.Binding(kind); !ok {
			return false
		}
	}
	return len(a.Bindings) == len(a.Mode.ProviderKinds())
}

// TableName specifica il nome della tabella
func (Agent) TableName() string {
	return "agents"
}

// ProviderBinding è il risultato di un provisioning riuscito su un provider
type ProviderBinding struct {
	ID           uuid.UUID    `json:"id" gorm:"type:uuid;primaryKey"`
	AgentID      uuid.UUID    `json:"agent_id" gorm:"type:uuid;not null;uniqueIndex:idx_agent_provider"`
	ProviderKind ProviderKind `json:"provider_kind" gorm:"not null;uniqueIndex:idx_agent_provider"`
	RemoteID     string       `json:"remote_id" gorm:"not null"`
	CreatedAt    time.Time    `json:"created_at"`
}

// BeforeCreate hook
func (b *ProviderBinding) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	return nil
}

// TableName specifica il nome della tabella
func (ProviderBinding) TableName() string {
	return "provider_bindings"
}
