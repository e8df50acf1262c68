package providers

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/biodoia/hacp/pkg/config"
	"github.com/rs/zerolog/log"
)

var (
	ErrProviderNotFound      = errors.New("provider not found")
	ErrProviderAlreadyExists = errors.New("provider already exists")
	ErrUnknownDriver         = errors.New("unknown provider driver")
)

// Factory costruisce un adapter per il provider indicato a partire dalla configurazione
type Factory func(kind Kind, cfg config.ProviderConfig) (Adapter, error)

// HealthStatus rappresenta lo stato di salute di un provider
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// ProviderMetadata contiene metadata su un adapter registrato
type ProviderMetadata struct {
	Kind              Kind
	Driver            string
	RegisteredAt      time.Time
	LastHealthCheck   time.Time
	HealthCheckStatus HealthStatus
	LastError         string
}

// Registry associa i provider ai rispettivi adapter
type Registry struct {
	mu       sync.RWMutex
	adapters map[Kind]Adapter
	metadata map[Kind]*ProviderMetadata
	drivers  map[string]Factory
}

// NewRegistry crea un nuovo registry
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[Kind]Adapter),
		metadata: make(map[Kind]*ProviderMetadata),
		drivers:  make(map[string]Factory),
	}
}

// RegisterDriver rende disponibile un driver per nome ("openai", "rest", ...)
func (r *Registry) RegisterDriver(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = factory
}

// Build costruisce l'adapter del provider con il driver indicato in configurazione e lo registra
func (r *Registry) Build(kind Kind, cfg config.ProviderConfig) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.drivers[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q for provider %s", ErrUnknownDriver, cfg.Driver, kind)
	}

	adapter, err := factory(kind, cfg)
	if err != nil {
		return nil, fmt.Errorf("build provider %s: %w", kind, err)
	}
	if err := r.register(adapter, cfg.Driver); err != nil {
		return nil, err
	}
	return adapter, nil
}

// Register registra un adapter già costruito
func (r *Registry) Register(adapter Adapter) error {
	return r.register(adapter, "custom")
}

func (r *Registry) register(adapter Adapter, driver string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := adapter.Kind()
	if _, exists := r.adapters[kind]; exists {
		return fmt.Errorf("%w: %s", ErrProviderAlreadyExists, kind)
	}

	r.adapters[kind] = adapter
	r.metadata[kind] = &ProviderMetadata{
		Kind:              kind,
		Driver:            driver,
		RegisteredAt:      time.Now(),
		HealthCheckStatus: HealthStatusUnknown,
	}

	log.Info().
		Str("provider", string(kind)).
		Str("driver", driver).
		Msg("Provider registered")

	return nil
}

// Replace sostituisce l'adapter di un provider (usato per applicare i decorator)
func (r *Registry) Replace(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Kind()] = adapter
}

// Get restituisce l'adapter di un provider
func (r *Registry) Get(kind Kind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.adapters[kind]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, kind)
	}
	return adapter, nil
}

// Has verifica se esiste un adapter per il provider
func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[kind]
	return ok
}

// Kinds restituisce i provider registrati, ordinati
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.adapters))
	for kind := range r.adapters {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// GetMetadata restituisce una copia dei metadata di un provider
func (r *Registry) GetMetadata(kind Kind) (ProviderMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, exists := r.metadata[kind]
	if !exists {
		return ProviderMetadata{}, fmt.Errorf("%w: %s", ErrProviderNotFound, kind)
	}
	return *meta, nil
}

// HealthCheck esegue in parallelo l'health check degli adapter che lo supportano
func (r *Registry) HealthCheck(ctx context.Context) map[Kind]error {
	r.mu.RLock()
	targets := make(map[Kind]HealthChecker, len(r.adapters))
	for kind, adapter := range r.adapters {
		if hc, ok := adapter.(HealthChecker); ok {
			targets[kind] = hc
		}
	}
	r.mu.RUnlock()

	results := make(map[Kind]error, len(targets))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for kind, hc := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			err := hc.HealthCheck(ctx)
			latency := time.Since(start)

			resultsMu.Lock()
			results[kind] = err
			resultsMu.Unlock()

			r.mu.Lock()
			if meta, ok := r.metadata[kind]; ok {
				meta.LastHealthCheck = time.Now()
				if err != nil {
					meta.HealthCheckStatus = HealthStatusUnhealthy
					meta.LastError = err.Error()
				} else {
					meta.HealthCheckStatus = HealthStatusHealthy
					meta.LastError = ""
				}
			}
			r.mu.Unlock()

			if err != nil {
				log.Warn().
					Err(err).
					Str("provider", string(kind)).
					Msg("Provider health check failed")
			} else {
				log.Debug().
					Str("provider", string(kind)).
					Dur("latency", latency).
					Msg("Provider health check succeeded")
			}
		}()
	}

	wg.Wait()
	return results
}
