package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Sink riceve gli eventi pubblicati sul bus
type Sink interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// BusConfig configura il bus
type BusConfig struct {
	SinkTimeout time.Duration
	AsyncMode   bool // se true gli eventi vengono consegnati da un worker
	BufferSize  int
}

// Bus distribuisce ogni evento a tutti i sink registrati. Un sink che
// fallisce viene loggato e non blocca gli altri.
type Bus struct {
	config BusConfig

	mu    sync.RWMutex
	sinks []Sink

	queue   chan Event
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewBus crea un nuovo bus
func NewBus(cfg BusConfig) *Bus {
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}

	b := &Bus{
		config: cfg,
		stopCh: make(chan struct{}),
	}

	if cfg.AsyncMode {
		b.queue = make(chan Event, cfg.BufferSize)
		b.wg.Add(1)
		go b.worker()
	}

	return b
}

// Register aggiunge un sink
func (b *Bus) Register(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sinks = append(b.sinks, sink)
	log.Debug().Str("sink", sink.Name()).Msg("Event sink registered")
}

// Publish implementa Publisher
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if !b.config.AsyncMode {
		b.deliver(context.WithoutCancel(ctx), event)
		return
	}

	select {
	case b.queue <- event:
	case <-b.stopCh:
		log.Warn().Str("type", string(event.Type)).Msg("Event bus stopped, dropping event")
	default:
		log.Warn().
			Str("type", string(event.Type)).
			Str("subject_id", event.SubjectID).
			Msg("Event queue full, dropping event")
	}
}

// Close ferma il worker asincrono consegnando gli eventi in coda
func (b *Bus) Close() {
	b.stopped.Do(func() {
		close(b.stopCh)
		b.wg.Wait()
	})
}

func (b *Bus) worker() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.queue:
			b.deliver(context.Background(), event)
		case <-b.stopCh:
			for {
				select {
				case event := <-b.queue:
					b.deliver(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, event Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	for _, sink := range sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, b.config.SinkTimeout)
		err := sink.Send(sinkCtx, event)
		cancel()

		if err != nil {
			log.Error().
				Err(err).
				Str("sink", sink.Name()).
				Str("type", string(event.Type)).
				Str("subject_id", event.SubjectID).
				Msg("Failed to deliver event")
		}
	}
}
