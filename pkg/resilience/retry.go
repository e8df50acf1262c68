package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/biodoia/hacp/pkg/apperrors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrMaxRetriesExceeded viene restituito quando si supera il numero massimo di retry
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// RetryConfig contiene la configurazione del retry
type RetryConfig struct {
	// MaxRetries numero massimo di retry dopo il primo tentativo (0 = nessun retry)
	MaxRetries int

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// Jitter abilita jitter nel backoff, nella misura di JitterFraction (0.0-1.0)
	Jitter         bool
	JitterFraction float64

	// RetryableChecker decide se un errore può essere ritentato.
	// Se nil vengono ritentati solo gli errori transienti della tassonomia.
	RetryableChecker func(error) bool

	// OnRetry callback chiamata prima di ogni retry
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultRetryConfig restituisce una configurazione di default
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		JitterFraction:    0.2,
	}
}

// Retry implementa retry logic con exponential backoff e jitter
type Retry struct {
	config RetryConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetry crea un nuovo retry handler
func NewRetry(config RetryConfig) *Retry {
	defaults := DefaultRetryConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.JitterFraction < 0 || config.JitterFraction > 1 {
		config.JitterFraction = defaults.JitterFraction
	}
	if config.RetryableChecker == nil {
		config.RetryableChecker = apperrors.IsTransient
	}

	return &Retry{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// MaxRetries restituisce il numero di retry configurato
func (r *Retry) MaxRetries() int {
	return r.config.MaxRetries
}

// Execute esegue fn con retry. Gli errori non ritentabili vengono restituiti
// invariati; all'esaurimento dei tentativi l'ultimo errore è unito a ErrMaxRetriesExceeded.
func (r *Retry) Execute(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		if !r.config.RetryableChecker(err) {
			return err
		}

		if attempt >= r.config.MaxRetries {
			if r.config.MaxRetries > 0 {
				log.Warn().
					Err(err).
					Int("attempts", attempt+1).
					Msg("Max retries exceeded")
			}
			return errors.Join(ErrMaxRetriesExceeded, err)
		}

		backoff := r.calculateBackoff(attempt)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt+1, err, backoff)
		}

		log.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", r.config.MaxRetries).
			Dur("backoff", backoff).
			Msg("Retrying after error")

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		}
	}
}

// calculateBackoff calcola il backoff per un tentativo: initial * multiplier^attempt
func (r *Retry) calculateBackoff(attempt int) time.Duration {
	backoff := float64(r.config.InitialBackoff) * math.Pow(r.config.BackoffMultiplier, float64(attempt))
	if backoff > float64(r.config.MaxBackoff) {
		backoff = float64(r.config.MaxBackoff)
	}

	if r.config.Jitter {
		r.mu.Lock()
		// backoff ± (backoff * jitterFraction * random(-1, 1))
		backoff += backoff * r.config.JitterFraction * (r.rng.Float64()*2 - 1)
		r.mu.Unlock()
	}

	return time.Duration(backoff)
}
