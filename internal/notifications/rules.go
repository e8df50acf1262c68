// Package notifications inoltra le transizioni rilevanti del bus eventi
// (agenti falliti, escalation chiuse senza risposta) ai canali di notifica
// configurati, con regole di filtro e cooldown.
package notifications

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/biodoia/hacp/internal/events"
	"github.com/biodoia/hacp/pkg/models"
)

// Severity rappresenta la gravità di una notifica
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// AtLeast restituisce true se s è grave almeno quanto min
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// Classify assegna una gravità a un evento del bus
func Classify(event events.Event) Severity {
	switch event.Type {
	case events.TypeAgentStatus:
		if event.To == string(models.StatusFailed) {
			return SeverityCritical
		}
	case events.TypeEscalationState:
		if event.To != string(models.EscalationResolved) {
			return SeverityInfo
		}
		switch models.Resolution(event.Metadata["resolution"]) {
		case models.ResolutionUnreachable:
			return SeverityCritical
		case models.ResolutionTimeout, models.ResolutionFailed:
			return SeverityWarning
		}
	}
	return SeverityInfo
}

// Describe produce il messaggio leggibile di un evento
func Describe(event events.Event) string {
	switch event.Type {
	case events.TypeAgentStatus:
		msg := fmt.Sprintf("agent %s moved from %s to %s", event.SubjectID, event.From, event.To)
		if event.Reason != "" {
			msg += ": " + event.Reason
		}
		return msg
	case events.TypeEscalationState:
		if resolution := event.Metadata["resolution"]; resolution != "" {
			return fmt.Sprintf("escalation %s for session %s resolved as %s", event.SubjectID, event.SessionID, resolution)
		}
		return fmt.Sprintf("escalation %s for session %s is %s", event.SubjectID, event.SessionID, event.To)
	default:
		return fmt.Sprintf("%s %s: %s", event.Type, event.SubjectID, event.To)
	}
}

// Rule seleziona gli eventi da notificare e i canali di destinazione
type Rule struct {
	Name        string
	Types       []events.Type // vuoto = tutti
	MinSeverity Severity
	Cooldown    time.Duration
	Channels    []string
}

// Match verifica tipo e gravità
func (r Rule) Match(event events.Event, severity Severity) bool {
	if len(r.Types) > 0 && !slices.Contains(r.Types, event.Type) {
		return false
	}
	return severity.AtLeast(r.MinSeverity)
}

// RuleEngine valuta le regole applicando il cooldown per regola e tipo di transizione
type RuleEngine struct {
	rules []Rule

	mu          sync.Mutex
	lastTrigger map[string]time.Time
	now         func() time.Time
}

// NewRuleEngine crea un nuovo rule engine
func NewRuleEngine(rules []Rule) *RuleEngine {
	return &RuleEngine{
		rules:       rules,
		lastTrigger: make(map[string]time.Time),
		now:         time.Now,
	}
}

// Rules restituisce le regole configurate
func (re *RuleEngine) Rules() []Rule {
	return re.rules
}

// Evaluate restituisce le regole che scattano per l'evento
func (re *RuleEngine) Evaluate(event events.Event, severity Severity) []Rule {
	re.mu.Lock()
	defer re.mu.Unlock()

	now := re.now()
	var fired []Rule
	for _, rule := range re.rules {
		if !rule.Match(event, severity) {
			continue
		}

		// una valanga di timeout identici produce una sola notifica per finestra
		key := rule.Name + "|" + string(event.Type) + "|" + event.To + "|" + event.Metadata["resolution"]
		if rule.Cooldown > 0 {
			if last, ok := re.lastTrigger[key]; ok && now.Sub(last) < rule.Cooldown {
				continue
			}
		}
		re.lastTrigger[key] = now
		fired = append(fired, rule)
	}
	return fired
}
