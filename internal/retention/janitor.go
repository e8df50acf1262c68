// Package retention pianifica con un'espressione cron la pulizia delle
// righe di audit e delle escalation archiviate.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/biodoia/hacp/internal/registry"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Purger è implementato dal registry
type Purger interface {
	Purge(ctx context.Context, before time.Time) (registry.PurgeResult, error)
}

// Config configura il janitor
type Config struct {
	Schedule string        // espressione cron standard o descrittore, es. "@daily"
	MaxAge   time.Duration // età oltre la quale le righe vengono rimosse
	Timeout  time.Duration // durata massima di una singola esecuzione
}

// Janitor esegue la pulizia secondo la schedulazione
type Janitor struct {
	store  Purger
	config Config
	cron   *cron.Cron
	now    func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	last    registry.PurgeResult
}

// New crea un janitor validando l'espressione cron
func New(store Purger, cfg Config) (*Janitor, error) {
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("retention: max age must be positive, got %s", cfg.MaxAge)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@daily"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	j := &Janitor{
		store:  store,
		config: cfg,
		cron:   cron.New(),
		now:    time.Now,
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, j.runScheduled); err != nil {
		return nil, fmt.Errorf("retention: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

// Start avvia lo scheduler
func (j *Janitor) Start() {
	j.cron.Start()
	log.Info().
		Str("schedule", j.config.Schedule).
		Dur("max_age", j.config.MaxAge).
		Msg("Retention janitor started")
}

// Stop ferma lo scheduler attendendo l'esecuzione in corso
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// RunOnce esegue subito una pulizia
func (j *Janitor) RunOnce(ctx context.Context) (registry.PurgeResult, error) {
	cutoff := j.now().UTC().Add(-j.config.MaxAge)

	res, err := j.store.Purge(ctx, cutoff)
	if err != nil {
		return res, err
	}

	j.mu.Lock()
	j.lastRun = j.now()
	j.last = res
	j.mu.Unlock()

	log.Info().
		Time("cutoff", cutoff).
		Int64("transitions", res.Transitions).
		Int64("escalations", res.Escalations).
		Msg("Retention purge completed")
	return res, nil
}

// LastRun restituisce l'ultima esecuzione riuscita
func (j *Janitor) LastRun() (time.Time, registry.PurgeResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun, j.last
}

func (j *Janitor) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), j.config.Timeout)
	defer cancel()

	if _, err := j.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Retention purge failed")
	}
}
