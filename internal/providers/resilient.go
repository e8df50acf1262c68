package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/biodoia/hacp/pkg/apperrors"
	"github.com/biodoia/hacp/pkg/config"
	"github.com/biodoia/hacp/pkg/resilience"
	"github.com/biodoia/hacp/pkg/tracing"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen viene restituito quando il circuit breaker del provider è aperto
var ErrCircuitOpen = errors.New("circuit breaker open")

// CallObserver riceve l'esito di ogni chiamata verso un provider
type CallObserver interface {
	ObserveCall(kind Kind, op string, duration time.Duration, err error)
	ObserveBreakerState(kind Kind, state string)
}

// ResilientConfig configura il decorator resiliente
type ResilientConfig struct {
	Timeout   time.Duration
	Retry     resilience.RetryConfig
	Breaker   config.BreakerConfig
	RateLimit float64 // richieste al secondo, 0 = illimitato
	Burst     int
	Observer  CallObserver
}

// Resilient decora un Adapter con timeout, retry dei soli errori transienti,
// circuit breaker e rate limiting lato client
type Resilient struct {
	inner    Adapter
	timeout  time.Duration
	retry    *resilience.Retry
	breaker  *gobreaker.CircuitBreaker[any]
	limiter  *rate.Limiter
	observer CallObserver
}

// NewResilient crea il decorator per l'adapter indicato
func NewResilient(inner Adapter, cfg ResilientConfig) *Resilient {
	kind := inner.Kind()

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	threshold := cfg.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	retryCfg := cfg.Retry
	retryCfg.RetryableChecker = func(err error) bool {
		return apperrors.IsTransient(err) && !errors.Is(err, ErrCircuitOpen)
	}

	r := &Resilient{
		inner:    inner,
		timeout:  cfg.Timeout,
		retry:    resilience.NewRetry(retryCfg),
		observer: cfg.Observer,
	}

	r.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "provider-" + string(kind),
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// solo i guasti del provider contano, non gli errori di validazione o di configurazione
		IsSuccessful: func(err error) bool {
			return err == nil || !apperrors.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("provider", string(kind)).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Provider circuit breaker state changed")
			if r.observer != nil {
				r.observer.ObserveBreakerState(kind, to.String())
			}
		},
	})

	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return r
}

// Kind restituisce il provider dell'adapter decorato
func (r *Resilient) Kind() Kind {
	return r.inner.Kind()
}

// Unwrap restituisce l'adapter decorato
func (r *Resilient) Unwrap() Adapter {
	return r.inner
}

// BreakerState restituisce lo stato corrente del circuit breaker
func (r *Resilient) BreakerState() string {
	return r.breaker.State().String()
}

// CreateAgent implementa Adapter
func (r *Resilient) CreateAgent(ctx context.Context, spec AgentSpec) (string, error) {
	return call(ctx, r, "create_agent", func(ctx context.Context) (string, error) {
		return r.inner.CreateAgent(ctx, spec)
	})
}

// Deprovision implementa Adapter
func (r *Resilient) Deprovision(ctx context.Context, remoteID string) error {
	_, err := call(ctx, r, "deprovision", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.Deprovision(ctx, remoteID)
	})
	return err
}

// Invoke implementa Adapter
func (r *Resilient) Invoke(ctx context.Context, remoteID, op string, payload Payload) (*Response, error) {
	return call(ctx, r, "invoke", func(ctx context.Context) (*Response, error) {
		return r.inner.Invoke(ctx, remoteID, op, payload)
	})
}

// HealthCheck delega all'adapter decorato, se lo supporta
func (r *Resilient) HealthCheck(ctx context.Context) error {
	hc, ok := r.inner.(HealthChecker)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return hc.HealthCheck(ctx)
}

func call[T any](ctx context.Context, r *Resilient, op string, fn func(context.Context) (T, error)) (T, error) {
	kind := r.inner.Kind()
	start := time.Now()

	ctx, span := tracing.Start(ctx, "provider."+op, tracing.String("provider", string(kind)))

	var result T
	err := r.retry.Execute(ctx, func() error {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return ClassifyTransport(kind, op, err)
			}
		}

		v, err := r.breaker.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			return fn(callCtx)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return apperrors.Transient(string(kind), op, fmt.Errorf("%w: %w", ErrCircuitOpen, err))
			}
			return err
		}
		result, _ = v.(T)
		return nil
	})

	if r.observer != nil {
		r.observer.ObserveCall(kind, op, time.Since(start), err)
	}
	tracing.End(span, err)
	return result, err
}
