package providers

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/biodoia/hacp/pkg/config"
)

// Invocation registra una chiamata Invoke ricevuta da Fake
type Invocation struct {
	RemoteID string
	Op       string
	Payload  Payload
}

// Fake è un adapter in memoria, usato dal driver "fake" per lo sviluppo locale e nei test.
// Le funzioni opzionali sostituiscono il comportamento di default.
type Fake struct {
	kind Kind

	CreateFunc      func(ctx context.Context, spec AgentSpec) (string, error)
	DeprovisionFunc func(ctx context.Context, remoteID string) error
	InvokeFunc      func(ctx context.Context, remoteID, op string, payload Payload) (*Response, error)

	mu          sync.Mutex
	seq         int
	live        map[string]AgentSpec
	removed     []string
	invocations []Invocation
}

// NewFake crea un adapter fake per il provider indicato
func NewFake(kind Kind) *Fake {
	return &Fake{
		kind: kind,
		live: make(map[string]AgentSpec),
	}
}

// Kind implementa Adapter
func (f *Fake) Kind() Kind {
	return f.kind
}

// CreateAgent implementa Adapter
func (f *Fake) CreateAgent(ctx context.Context, spec AgentSpec) (string, error) {
	var (
		id  string
		err error
	)
	if f.CreateFunc != nil {
		id, err = f.CreateFunc(ctx, spec)
	} else {
		f.mu.Lock()
		f.seq++
		id = fmt.Sprintf("%s-%d", f.kind, f.seq)
		f.mu.Unlock()
	}
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	f.live[id] = spec
	f.mu.Unlock()
	return id, nil
}

// Deprovision implementa Adapter
func (f *Fake) Deprovision(ctx context.Context, remoteID string) error {
	if f.DeprovisionFunc != nil {
		if err := f.DeprovisionFunc(ctx, remoteID); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, remoteID)
	f.removed = append(f.removed, remoteID)
	return nil
}

// Invoke implementa Adapter. Senza InvokeFunc risponde con l'input e la
// confidenza indicata in payload.Metadata["confidence"] (default 0.9).
func (f *Fake) Invoke(ctx context.Context, remoteID, op string, payload Payload) (*Response, error) {
	f.mu.Lock()
	f.invocations = append(f.invocations, Invocation{RemoteID: remoteID, Op: op, Payload: payload})
	f.mu.Unlock()

	if f.InvokeFunc != nil {
		return f.InvokeFunc(ctx, remoteID, op, payload)
	}

	confidence := 0.9
	if raw, ok := payload.Metadata["confidence"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			confidence = v
		}
	}
	return &Response{
		Content:    fmt.Sprintf("[%s/%s] %s", f.kind, op, payload.Input),
		Confidence: confidence,
	}, nil
}

// HealthCheck implementa HealthChecker
func (f *Fake) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// Live restituisce gli identificativi remoti ancora esistenti
func (f *Fake) Live() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.live))
	for id := range f.live {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Removed restituisce gli identificativi deprovisionati, in ordine
func (f *Fake) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.removed)
}

// Invocations restituisce le chiamate Invoke ricevute
func (f *Fake) Invocations() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.invocations)
}

// FakeFactory è il driver "fake": nessuna chiamata di rete, utile in sviluppo
func FakeFactory(kind Kind, cfg config.ProviderConfig) (Adapter, error) {
	return NewFake(kind), nil
}
