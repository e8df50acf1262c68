package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrBulkheadFull viene restituito quando non si ottiene uno slot entro QueueTimeout
	ErrBulkheadFull = errors.New("bulkhead is full")
)

// BulkheadConfig contiene la configurazione del bulkhead
type BulkheadConfig struct {
	// MaxConcurrent numero massimo di esecuzioni concorrenti
	MaxConcurrent int

	// QueueTimeout attesa massima di uno slot libero
	QueueTimeout time.Duration
}

// DefaultBulkheadConfig restituisce una configurazione di default
func DefaultBulkheadConfig() BulkheadConfig {
	return BulkheadConfig{
		MaxConcurrent: 10,
		QueueTimeout:  5 * time.Second,
	}
}

// BulkheadStats fotografa l'uso del bulkhead
type BulkheadStats struct {
	Active    int64
	Completed int64
	Rejected  int64
}

// Bulkhead limita le esecuzioni concorrenti verso una risorsa condivisa
type Bulkhead struct {
	config BulkheadConfig
	sem    *semaphore.Weighted

	active    atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
}

// NewBulkhead crea un nuovo bulkhead
func NewBulkhead(config BulkheadConfig) *Bulkhead {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultBulkheadConfig().MaxConcurrent
	}
	if config.QueueTimeout <= 0 {
		config.QueueTimeout = DefaultBulkheadConfig().QueueTimeout
	}
	return &Bulkhead{
		config: config,
		sem:    semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}
}

// Execute esegue fn appena c'è uno slot libero. Se lo slot non arriva entro
// QueueTimeout restituisce ErrBulkheadFull; se ctx scade prima, ctx.Err().
func (b *Bulkhead) Execute(ctx context.Context, fn func() error) error {
	release, err := b.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return fn()
}

// Acquire riserva uno slot con le stesse regole di Execute. Lo slot resta
// occupato finché non viene chiamata release, anche da un'altra goroutine.
func (b *Bulkhead) Acquire(ctx context.Context) (release func(), err error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.config.QueueTimeout)
	err = b.sem.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.rejected.Add(1)
		return nil, ErrBulkheadFull
	}

	b.active.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			b.active.Add(-1)
			b.completed.Add(1)
			b.sem.Release(1)
		})
	}, nil
}

// Stats restituisce le statistiche correnti
func (b *Bulkhead) Stats() BulkheadStats {
	return BulkheadStats{
		Active:    b.active.Load(),
		Completed: b.completed.Load(),
		Rejected:  b.rejected.Load(),
	}
}
