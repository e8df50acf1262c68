package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/biodoia/hacp/internal/providers"
	"github.com/biodoia/hacp/pkg/config"
	"github.com/biodoia/hacp/pkg/resilience"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

const seniorPrompt = "You are a senior assistant taking over a conversation from a first-line agent. " +
	"Answer the user's request directly and accurately."

// Completer genera una risposta testuale, es. anthropic.Adapter
type Completer interface {
	Complete(ctx context.Context, system string, history []string, input string) (string, error)
}

// errHandoffReleased chiude il permesso del breaker di un handoff mai eseguito
var errHandoffReleased = errors.New("handoff released before answer")

// ModelSenior è un senior basato su un modello, protetto da circuit breaker
// e bulkhead. Accept prenota uno slot del bulkhead e un permesso del breaker:
// un senior saturo o con il breaker aperto non conferma il passaggio di consegne.
type ModelSenior struct {
	tier     string
	model    Completer
	breaker  *gobreaker.TwoStepCircuitBreaker[string]
	bulkhead *resilience.Bulkhead

	mu        sync.Mutex
	reserved  map[uuid.UUID]*reservation
	pending   map[uuid.UUID]struct{} // Accept in corso
	abandoned map[uuid.UUID]struct{} // rilasciati mentre Accept era in corso
}

// reservation è la capacità prenotata da Accept per un handoff
type reservation struct {
	release func()      // slot del bulkhead
	done    func(error) // esito per il breaker
}

func (r *reservation) cancel() {
	r.done(errHandoffReleased)
	r.release()
}

// NewModelSenior crea un senior sopra il modello indicato
func NewModelSenior(tier string, model Completer, cfg config.BreakerConfig) *ModelSenior {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	return &ModelSenior{
		tier:  tier,
		model: model,
		breaker: gobreaker.NewTwoStepCircuitBreaker[string](gobreaker.Settings{
			Name:        "senior-" + tier,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsExcluded: func(err error) bool {
				return errors.Is(err, errHandoffReleased)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("tier", tier).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Senior circuit breaker state changed")
			},
		}),
		reserved:  make(map[uuid.UUID]*reservation),
		pending:   make(map[uuid.UUID]struct{}),
		abandoned: make(map[uuid.UUID]struct{}),
	}
}

// WithBulkhead limita le risposte concorrenti del senior
func (s *ModelSenior) WithBulkhead(b *resilience.Bulkhead) *ModelSenior {
	s.bulkhead = b
	return s
}

// Tier implementa Senior
func (s *ModelSenior) Tier() string { return s.tier }

// Accept implementa Senior prenotando la capacità per la risposta
func (s *ModelSenior) Accept(ctx context.Context, h Handoff) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.pending[h.EventID] = struct{}{}
	s.mu.Unlock()

	r, err := s.reserve(ctx)

	s.mu.Lock()
	delete(s.pending, h.EventID)
	_, abandoned := s.abandoned[h.EventID]
	delete(s.abandoned, h.EventID)
	if err == nil && !abandoned {
		s.reserved[h.EventID] = r
	}
	s.mu.Unlock()

	switch {
	case err != nil:
		return err
	case abandoned:
		r.cancel()
		return fmt.Errorf("%w: handoff %s abandoned", ErrSeniorUnavailable, h.EventID)
	}
	return nil
}

// Release libera la capacità prenotata per un handoff che non riceverà Answer
func (s *ModelSenior) Release(h Handoff) {
	s.mu.Lock()
	r, ok := s.reserved[h.EventID]
	delete(s.reserved, h.EventID)
	if _, running := s.pending[h.EventID]; !ok && running {
		s.abandoned[h.EventID] = struct{}{}
	}
	s.mu.Unlock()

	if ok {
		r.cancel()
	}
}

// Reserved restituisce gli handoff confermati in attesa di Answer
func (s *ModelSenior) Reserved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reserved)
}

// Answer implementa Senior. Senza una prenotazione di Accept la capacità
// viene richiesta qui.
func (s *ModelSenior) Answer(ctx context.Context, h Handoff) (string, error) {
	s.mu.Lock()
	r, ok := s.reserved[h.EventID]
	delete(s.reserved, h.EventID)
	s.mu.Unlock()

	if !ok {
		var err error
		if r, err = s.reserve(ctx); err != nil {
			return "", err
		}
	}
	defer r.release()

	answer, err := s.model.Complete(ctx, seniorPrompt, h.Context, handoffPrompt(h))
	r.done(err)
	if err != nil {
		return "", err
	}
	return answer, nil
}

// reserve ottiene uno slot del bulkhead e poi un permesso del breaker
func (s *ModelSenior) reserve(ctx context.Context) (*reservation, error) {
	release := func() {}
	if s.bulkhead != nil {
		rel, err := s.bulkhead.Acquire(ctx)
		if errors.Is(err, resilience.ErrBulkheadFull) {
			return nil, fmt.Errorf("%w: %w", ErrSeniorUnavailable, err)
		}
		if err != nil {
			return nil, err
		}
		release = rel
	}

	done, err := s.breaker.Allow()
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: circuit breaker for %s: %w", ErrSeniorUnavailable, s.tier, err)
	}
	return &reservation{release: release, done: done}, nil
}

// AdapterSenior usa come senior un agente già creato su un provider
type AdapterSenior struct {
	tier      string
	adapter   providers.Adapter
	remoteID  string
	operation string
}

// NewAdapterSenior crea un senior sopra l'agente remoto indicato
func NewAdapterSenior(tier string, adapter providers.Adapter, remoteID string) *AdapterSenior {
	return &AdapterSenior{tier: tier, adapter: adapter, remoteID: remoteID, operation: "chat"}
}

// Tier implementa Senior
func (s *AdapterSenior) Tier() string { return s.tier }

// Accept verifica la raggiungibilità del provider, se l'adapter lo supporta
func (s *AdapterSenior) Accept(ctx context.Context, h Handoff) error {
	hc, ok := s.adapter.(providers.HealthChecker)
	if !ok {
		return ctx.Err()
	}
	if err := hc.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrSeniorUnavailable, err)
	}
	return nil
}

// Answer implementa Senior
func (s *AdapterSenior) Answer(ctx context.Context, h Handoff) (string, error) {
	resp, err := s.adapter.Invoke(ctx, s.remoteID, s.operation, providers.Payload{
		Input:   handoffPrompt(h),
		Context: h.Context,
		Metadata: map[string]string{
			"escalation_id": h.EventID.String(),
			"session_id":    h.SessionID.String(),
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// handoffPrompt descrive al senior la richiesta e il motivo dell'escalation
func handoffPrompt(h Handoff) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Escalation reason: %s\n", h.Reason)
	if h.Operation != "" {
		fmt.Fprintf(&b, "Operation: %s\n", h.Operation)
	}
	if h.Detail != "" {
		fmt.Fprintf(&b, "First-line agent outcome: %s\n", h.Detail)
	}
	fmt.Fprintf(&b, "\nUser request:\n%s", h.Input)
	return b.String()
}

var (
	_ Senior   = (*ModelSenior)(nil)
	_ Releaser = (*ModelSenior)(nil)
	_ Senior   = (*AdapterSenior)(nil)
)
