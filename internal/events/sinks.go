package events

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/biodoia/hacp/pkg/config"
	"github.com/biodoia/hacp/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// LogSink scrive ogni evento come riga di log strutturata
type LogSink struct{}

// Name implementa Sink
func (LogSink) Name() string { return "log" }

// Send implementa Sink
func (LogSink) Send(ctx context.Context, event Event) error {
	log.Info().
		Str("type", string(event.Type)).
		Str("subject_id", event.SubjectID).
		Str("agent_id", event.AgentID).
		Str("session_id", event.SessionID).
		Str("from", event.From).
		Str("to", event.To).
		Str("reason", event.Reason).
		Time("at", event.Timestamp).
		Msg("State transition")
	return nil
}

// RedisSink pubblica gli eventi in JSON su un canale Redis pub/sub
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink crea il sink e verifica la connessione
func NewRedisSink(ctx context.Context, cfg config.RedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Host,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisSinkWithClient(client, cfg.Channel), nil
}

// NewRedisSinkWithClient crea il sink su un client esistente
func NewRedisSinkWithClient(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = "hacp:transitions"
	}
	return &RedisSink{client: client, channel: channel}
}

// Name implementa Sink
func (s *RedisSink) Name() string { return "redis" }

// Client restituisce il client Redis, condiviso con il rate limiter distribuito
func (s *RedisSink) Client() *redis.Client { return s.client }

// Channel restituisce il canale di pubblicazione
func (s *RedisSink) Channel() string { return s.channel }

// Send implementa Sink
func (s *RedisSink) Send(ctx context.Context, event Event) error {
	payload, err := event.JSON()
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

// Close chiude il client Redis
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// TransitionRecorder è il registry visto dal sink di audit
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, record *models.TransitionRecord) error
}

// StoreSink scrive ogni evento nella tabella di audit
type StoreSink struct {
	store TransitionRecorder
}

// NewStoreSink crea il sink di audit
func NewStoreSink(store TransitionRecorder) *StoreSink {
	return &StoreSink{store: store}
}

// Name implementa Sink
func (s *StoreSink) Name() string { return "audit" }

// Send implementa Sink
func (s *StoreSink) Send(ctx context.Context, event Event) error {
	return s.store.RecordTransition(ctx, &models.TransitionRecord{
		Type:      string(event.Type),
		SubjectID: event.SubjectID,
		AgentID:   event.AgentID,
		From:      event.From,
		To:        event.To,
		Reason:    event.Reason,
		Timestamp: event.Timestamp,
	})
}

// MemorySink conserva gli eventi in memoria; usato dai test e dalla CLI
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Name implementa Sink
func (s *MemorySink) Name() string { return "memory" }

// Send implementa Sink
func (s *MemorySink) Send(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Publish permette di usare il sink direttamente come Publisher
func (s *MemorySink) Publish(ctx context.Context, event Event) {
	_ = s.Send(ctx, event)
}

// Events restituisce una copia degli eventi ricevuti
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// Transitions restituisce la sequenza "from->to" per il soggetto indicato
func (s *MemorySink) Transitions(subjectID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, e := range s.events {
		if e.SubjectID == subjectID {
			out = append(out, e.From+"->"+e.To)
		}
	}
	return out
}

var (
	_ Sink      = LogSink{}
	_ Sink      = (*RedisSink)(nil)
	_ Sink      = (*StoreSink)(nil)
	_ Sink      = (*MemorySink)(nil)
	_ Publisher = (*MemorySink)(nil)
	_ Publisher = (*Bus)(nil)
)
