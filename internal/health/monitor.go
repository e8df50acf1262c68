package health

import (
	"context"
	"sync"
	"time"

	"github.com/biodoia/hacp/internal/providers"
	"github.com/rs/zerolog/log"
)

// Checker è il registry dei provider visto dal monitor
type Checker interface {
	HealthCheck(ctx context.Context) map[providers.Kind]error
}

// Observer riceve l'esito di ogni health check
type Observer interface {
	ObserveHealth(kind providers.Kind, err error)
}

// Monitor gestisce il monitoraggio periodico della salute dei provider.
// Non riconcilia i binding: segnala soltanto i provider non raggiungibili.
type Monitor struct {
	checker  Checker
	observer Observer
	interval time.Duration
	timeout  time.Duration

	mu   sync.RWMutex
	last map[providers.Kind]error

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewMonitor crea un nuovo monitor
func NewMonitor(checker Checker, observer Observer, interval time.Duration) *Monitor {
	if interval <= 0 {
		log.Warn().Dur("interval", interval).Msg("Invalid health check interval, using default 5m")
		interval = 5 * time.Minute
	}
	return &Monitor{
		checker:  checker,
		observer: observer,
		interval: interval,
		timeout:  10 * time.Second,
		last:     make(map[providers.Kind]error),
		done:     make(chan struct{}),
	}
}

// Start avvia il monitoraggio
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		// Run initial check
		m.CheckNow(context.Background())

		for {
			select {
			case <-ticker.C:
				m.CheckNow(context.Background())
			case <-m.done:
				return
			}
		}
	}()

	log.Info().Dur("interval", m.interval).Msg("Health monitoring started")
}

// Stop ferma il monitoraggio
func (m *Monitor) Stop() {
	m.once.Do(func() {
		close(m.done)
		m.wg.Wait()
		log.Info().Msg("Health monitoring stopped")
	})
}

// CheckNow esegue subito un health check di tutti i provider
func (m *Monitor) CheckNow(ctx context.Context) map[providers.Kind]error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	results := m.checker.HealthCheck(ctx)

	m.mu.Lock()
	for kind, err := range results {
		prev, seen := m.last[kind]
		m.last[kind] = err

		switch {
		case err != nil && (!seen || prev == nil):
			log.Warn().Err(err).Str("provider", string(kind)).Msg("Provider unhealthy")
		case err == nil && seen && prev != nil:
			log.Info().Str("provider", string(kind)).Msg("Provider recovered")
		}
	}
	m.mu.Unlock()

	if m.observer != nil {
		for kind, err := range results {
			m.observer.ObserveHealth(kind, err)
		}
	}

	log.Debug().Int("count", len(results)).Msg("Health check completed")
	return results
}

// Healthy restituisce true se tutti i provider controllati sono sani
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, err := range m.last {
		if err != nil {
			return false
		}
	}
	return true
}

// Status restituisce l'ultimo esito per provider
func (m *Monitor) Status() map[providers.Kind]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[providers.Kind]string, len(m.last))
	for kind, err := range m.last {
		if err != nil {
			out[kind] = err.Error()
		} else {
			out[kind] = "ok"
		}
	}
	return out
}
