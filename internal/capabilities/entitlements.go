package capabilities

import (
	"context"
	"fmt"

	"github.com/biodoia/hacp/pkg/config"
)

// PlanEntitlements concede le capability in base al piano dell'owner,
// letto da una tabella statica di configurazione
type PlanEntitlements struct {
	catalog     *Catalog
	defaultPlan Plan
	owners      map[string]Plan
}

// NewPlanEntitlements crea il collaboratore dalla configurazione
func NewPlanEntitlements(catalog *Catalog, cfg config.EntitlementsConfig) (*PlanEntitlements, error) {
	defaultPlan := PlanFree
	if cfg.DefaultPlan != "" {
		p, err := ParsePlan(cfg.DefaultPlan)
		if err != nil {
			return nil, fmt.Errorf("entitlements.default_plan: %w", err)
		}
		defaultPlan = p
	}

	owners := make(map[string]Plan, len(cfg.Owners))
	for owner, raw := range cfg.Owners {
		p, err := ParsePlan(raw)
		if err != nil {
			return nil, fmt.Errorf("entitlements.owners.%s: %w", owner, err)
		}
		owners[owner] = p
	}

	return &PlanEntitlements{
		catalog:     catalog,
		defaultPlan: defaultPlan,
		owners:      owners,
	}, nil
}

// PlanOf restituisce il piano dell'owner
func (e *PlanEntitlements) PlanOf(ownerID string) Plan {
	if p, ok := e.owners[ownerID]; ok {
		return p
	}
	return e.defaultPlan
}

// AllowedCapabilities implementa Entitlements
func (e *PlanEntitlements) AllowedCapabilities(ctx context.Context, ownerID string) (CapabilitySet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.catalog.ForPlan(e.PlanOf(ownerID)), nil
}

// StaticEntitlements concede lo stesso set a ogni owner
type StaticEntitlements CapabilitySet

// AllowedCapabilities implementa Entitlements
func (s StaticEntitlements) AllowedCapabilities(ctx context.Context, ownerID string) (CapabilitySet, error) {
	return CapabilitySet(s), nil
}

var (
	_ Entitlements = (*PlanEntitlements)(nil)
	_ Entitlements = StaticEntitlements(nil)
)
