// Package capabilities definisce il catalogo delle capability abilitabili su
// un agente e il collaboratore che decide quali sono concesse a un owner.
package capabilities

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Plan è il piano commerciale richiesto da una capability
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

var planRank = map[Plan]int{
	PlanFree:       0,
	PlanPro:        1,
	PlanEnterprise: 2,
}

// ParsePlan converte una stringa in Plan
func ParsePlan(s string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := planRank[p]; !ok {
		return "", fmt.Errorf("unknown plan %q", s)
	}
	return p, nil
}

// Includes verifica se il piano copre quello richiesto
func (p Plan) Includes(required Plan) bool {
	have, ok := planRank[p]
	if !ok {
		return false
	}
	need, ok := planRank[required]
	if !ok {
		return false
	}
	return have >= need
}

// Capability è una voce del catalogo
type Capability struct {
	Name         string
	RequiredPlan Plan
	Operations   []string
}

// Catalog mappa i nomi delle capability alle rispettive definizioni
type Catalog struct {
	entries map[string]Capability
	order   []string
}

// NewCatalog crea un catalogo dalle capability indicate
func NewCatalog(caps ...Capability) *Catalog {
	c := &Catalog{entries: make(map[string]Capability, len(caps))}
	for _, capability := range caps {
		if _, exists := c.entries[capability.Name]; !exists {
			c.order = append(c.order, capability.Name)
		}
		c.entries[capability.Name] = capability
	}
	return c
}

// DefaultCatalog restituisce il catalogo standard
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Capability{Name: "chat", RequiredPlan: PlanFree, Operations: []string{"chat"}},
		Capability{Name: "voice", RequiredPlan: PlanPro, Operations: []string{"voice"}},
		Capability{Name: "web-research", RequiredPlan: PlanPro, Operations: []string{"web-search", "summarize"}},
		Capability{Name: "document-review", RequiredPlan: PlanEnterprise, Operations: []string{"document-review"}},
	)
}

// Lookup restituisce la capability per nome
func (c *Catalog) Lookup(name string) (Capability, bool) {
	capability, ok := c.entries[name]
	return capability, ok
}

// Names restituisce i nomi in ordine di registrazione
func (c *Catalog) Names() []string {
	return slices.Clone(c.order)
}

// Unknown restituisce le capability non presenti nel catalogo
func (c *Catalog) Unknown(names []string) []string {
	var unknown []string
	for _, name := range names {
		if _, ok := c.entries[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// Operations restituisce le operation kind sbloccate dalle capability,
// senza duplicati e nell'ordine in cui compaiono
func (c *Catalog) Operations(names []string) []string {
	var ops []string
	for _, name := range names {
		capability, ok := c.entries[name]
		if !ok {
			continue
		}
		for _, op := range capability.Operations {
			if !slices.Contains(ops, op) {
				ops = append(ops, op)
			}
		}
	}
	return ops
}

// AllOperations restituisce tutte le operation kind note al catalogo
func (c *Catalog) AllOperations() []string {
	return c.Operations(c.order)
}

// ForPlan restituisce le capability concesse al piano indicato
func (c *Catalog) ForPlan(plan Plan) CapabilitySet {
	set := make(CapabilitySet)
	for _, name := range c.order {
		if plan.Includes(c.entries[name].RequiredPlan) {
			set[name] = struct{}{}
		}
	}
	return set
}

// CapabilitySet è un insieme di nomi di capability
type CapabilitySet map[string]struct{}

// NewSet crea un set dai nomi indicati
func NewSet(names ...string) CapabilitySet {
	set := make(CapabilitySet, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// Has verifica l'appartenenza
func (s CapabilitySet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Missing restituisce i nomi non contenuti nel set, nell'ordine dato
func (s CapabilitySet) Missing(names []string) []string {
	var missing []string
	for _, name := range names {
		if !s.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Sorted restituisce i nomi ordinati
func (s CapabilitySet) Sorted() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Entitlements decide quali capability un owner può abilitare
type Entitlements interface {
	AllowedCapabilities(ctx context.Context, ownerID string) (CapabilitySet, error)
}
