// Package routing implementa la policy di routing: per ogni operation kind
// un provider primario, un fallback opzionale e una soglia di confidenza.
// La selezione è deterministica e priva di stato nascosto.
package routing

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/biodoia/hacp/pkg/config"
	"github.com/biodoia/hacp/pkg/models"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnresolvedOperation indica un'operation kind senza voce nella policy
	ErrUnresolvedOperation = errors.New("unresolved operation kind")

	// ErrInvalidPolicy indica una voce di policy malformata
	ErrInvalidPolicy = errors.New("invalid routing policy")
)

// Entry è la voce di routing per un'operation kind
type Entry struct {
	Primary   models.ProviderKind `json:"primary" yaml:"primary"`
	Fallback  models.ProviderKind `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Threshold float64             `json:"threshold" yaml:"threshold"`
}

// HasFallback indica se la voce prevede un fallback
func (e Entry) HasFallback() bool {
	return e.Fallback != "" && e.Fallback != e.Primary
}

func (e Entry) validate(op string) error {
	if !e.Primary.Valid() {
		return fmt.Errorf("%w: %s: unknown primary provider %q", ErrInvalidPolicy, op, e.Primary)
	}
	if e.Fallback != "" && !e.Fallback.Valid() {
		return fmt.Errorf("%w: %s: unknown fallback provider %q", ErrInvalidPolicy, op, e.Fallback)
	}
	if e.Threshold < 0 || e.Threshold > 1 {
		return fmt.Errorf("%w: %s: threshold %.2f out of [0,1]", ErrInvalidPolicy, op, e.Threshold)
	}
	return nil
}

// Policy è la mappatura versionata operation kind -> voce
type Policy struct {
	Version string           `json:"version" yaml:"version"`
	Entries map[string]Entry `json:"entries" yaml:"entries"`
}

// DefaultPolicy restituisce la policy di base
func DefaultPolicy() Policy {
	return Policy{
		Version: "v1",
		Entries: map[string]Entry{
			"chat":            {Primary: models.ProviderA, Fallback: models.ProviderB, Threshold: 0.6},
			"voice":           {Primary: models.ProviderA, Fallback: models.ProviderB, Threshold: 0.7},
			"web-search":      {Primary: models.ProviderB, Fallback: models.ProviderA, Threshold: 0.6},
			"summarize":       {Primary: models.ProviderA, Fallback: models.ProviderB, Threshold: 0.5},
			"document-review": {Primary: models.ProviderB, Fallback: models.ProviderA, Threshold: 0.7},
		},
	}
}

// Signal è il segnale opzionale proveniente da un tentativo precedente
type Signal struct {
	Confidence *float64
}

// WithConfidence crea un segnale con la confidenza indicata
func WithConfidence(c float64) Signal {
	return Signal{Confidence: &c}
}

// Selection è l'esito di SelectProvider
type Selection struct {
	Operation     string              `json:"operation"`
	Provider      models.ProviderKind `json:"provider"`
	Fallback      models.ProviderKind `json:"fallback,omitempty"`
	Threshold     float64             `json:"threshold"`
	UsedFallback  bool                `json:"used_fallback"`
	PolicyVersion string              `json:"policy_version"`
}

// Engine applica una Policy immutabile
type Engine struct {
	policy Policy
}

// NewEngine crea un engine validando la policy
func NewEngine(policy Policy) (*Engine, error) {
	if policy.Version == "" {
		policy.Version = "v1"
	}
	entries := make(map[string]Entry, len(policy.Entries))
	for op, entry := range policy.Entries {
		if err := entry.validate(op); err != nil {
			return nil, err
		}
		entries[op] = entry
	}
	policy.Entries = entries
	return &Engine{policy: policy}, nil
}

// FromConfig costruisce l'engine: policy di base, poi il file indicato, poi le voci inline
func FromConfig(cfg config.RoutingConfig) (*Engine, error) {
	policy := DefaultPolicy()

	if cfg.PolicyFile != "" {
		loaded, err := LoadFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy = merge(policy, loaded)
	}

	if len(cfg.Entries) > 0 {
		inline := Policy{Entries: make(map[string]Entry, len(cfg.Entries))}
		for op, e := range cfg.Entries {
			inline.Entries[op] = Entry{
				Primary:   models.ProviderKind(e.Primary),
				Fallback:  models.ProviderKind(e.Fallback),
				Threshold: e.Threshold,
			}
		}
		policy = merge(policy, inline)
	}

	// la versione del file, se presente, prevale su quella della configurazione
	if cfg.Version != "" && cfg.PolicyFile == "" {
		policy.Version = cfg.Version
	}

	return NewEngine(policy)
}

// LoadFile legge una policy YAML
func LoadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read routing policy: %w", err)
	}
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("failed to parse routing policy %s: %w", path, err)
	}
	return policy, nil
}

func merge(base, over Policy) Policy {
	out := Policy{
		Version: base.Version,
		Entries: maps.Clone(base.Entries),
	}
	if out.Entries == nil {
		out.Entries = make(map[string]Entry)
	}
	if over.Version != "" {
		out.Version = over.Version
	}
	maps.Copy(out.Entries, over.Entries)
	return out
}

// Version restituisce la versione della policy
func (e *Engine) Version() string {
	return e.policy.Version
}

// Policy restituisce una copia della policy
func (e *Engine) Policy() Policy {
	return Policy{Version: e.policy.Version, Entries: maps.Clone(e.policy.Entries)}
}

// Operations restituisce le operation kind risolte, ordinate
func (e *Engine) Operations() []string {
	return slices.Sorted(maps.Keys(e.policy.Entries))
}

// Lookup restituisce la voce per l'operation kind
func (e *Engine) Lookup(op string) (Entry, error) {
	entry, ok := e.policy.Entries[op]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q (policy %s)", ErrUnresolvedOperation, op, e.policy.Version)
	}
	return entry, nil
}

// SelectProvider sceglie il provider per l'operazione. Se la confidenza del
// segnale è sotto soglia e la voce ha un fallback, restituisce il fallback.
func (e *Engine) SelectProvider(op string, signal Signal) (Selection, error) {
	entry, err := e.Lookup(op)
	if err != nil {
		return Selection{}, err
	}

	sel := Selection{
		Operation:     op,
		Provider:      entry.Primary,
		Threshold:     entry.Threshold,
		PolicyVersion: e.policy.Version,
	}
	if entry.HasFallback() {
		sel.Fallback = entry.Fallback
	}

	if signal.Confidence != nil && *signal.Confidence < entry.Threshold && entry.HasFallback() {
		sel.Provider = entry.Fallback
		sel.Fallback = ""
		sel.UsedFallback = true
	}

	return sel, nil
}

// Validate verifica che tutte le operation kind siano risolte dalla policy
func (e *Engine) Validate(ops []string) error {
	var missing []string
	for _, op := range ops {
		if _, ok := e.policy.Entries[op]; !ok {
			missing = append(missing, op)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s (policy %s)", ErrUnresolvedOperation, strings.Join(missing, ", "), e.policy.Version)
	}
	return nil
}

// WithOverrides deriva un engine per un singolo agente.
// Senza override restituisce lo stesso engine.
func (e *Engine) WithOverrides(overrides map[string]models.RouteOverride) (*Engine, error) {
	if len(overrides) == 0 {
		return e, nil
	}

	over := Policy{
		Version: e.policy.Version + "+agent",
		Entries: make(map[string]Entry, len(overrides)),
	}
	for op, o := range overrides {
		over.Entries[op] = Entry{Primary: o.Primary, Fallback: o.Fallback, Threshold: o.Threshold}
	}
	return NewEngine(merge(e.policy, over))
}

// YAML serializza la policy, usato dalla CLI
func (e *Engine) YAML() ([]byte, error) {
	return yaml.Marshal(e.Policy())
}
