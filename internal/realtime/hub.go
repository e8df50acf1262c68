// Package realtime trasmette le transizioni del bus eventi ai client della
// console tramite Server-Sent Events.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/biodoia/hacp/internal/events"
	"github.com/rs/zerolog/log"
)

// Config configura l'hub
type Config struct {
	BufferSize int           // eventi in coda per client
	Heartbeat  time.Duration // intervallo dei commenti keep-alive
}

// Subscription è un client SSE connesso
type Subscription struct {
	ID        uint64
	Connected time.Time

	events chan Message
	once   sync.Once
}

// Message è un evento numerato pronto per lo stream
type Message struct {
	ID    uint64
	Event events.Event
}

// Events restituisce il canale degli eventi; viene chiuso quando il client
// è disconnesso dall'hub.
func (s *Subscription) Events() <-chan Message {
	return s.events
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.events) })
}

// Hub è un sink del bus eventi che replica ogni evento ai client connessi.
// Un client che non tiene il passo viene disconnesso e dovrà riconnettersi.
type Hub struct {
	config Config

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	eventID atomic.Uint64
	dropped atomic.Uint64
}

// NewHub crea un nuovo hub
func NewHub(cfg Config) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	return &Hub{
		config: cfg,
		subs:   make(map[uint64]*Subscription),
	}
}

// Heartbeat restituisce l'intervallo di keep-alive
func (h *Hub) Heartbeat() time.Duration {
	return h.config.Heartbeat
}

// Subscribe registra un nuovo client
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		ID:        h.nextID,
		Connected: time.Now(),
		events:    make(chan Message, h.config.BufferSize),
	}
	if h.closed {
		sub.close()
		return sub
	}
	h.subs[sub.ID] = sub

	log.Debug().Uint64("subscriber", sub.ID).Int("subscribers", len(h.subs)).Msg("Stream client connected")
	return sub
}

// Unsubscribe rimuove un client
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.ID]; ok {
		delete(h.subs, sub.ID)
		sub.close()
		log.Debug().Uint64("subscriber", sub.ID).Int("subscribers", len(h.subs)).Msg("Stream client disconnected")
	}
}

// Subscribers restituisce il numero di client connessi
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped restituisce quanti client sono stati disconnessi perché lenti
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Name implementa events.Sink
func (h *Hub) Name() string { return "stream" }

// Send implementa events.Sink
func (h *Hub) Send(ctx context.Context, event events.Event) error {
	msg := Message{ID: h.eventID.Add(1), Event: event}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		select {
		case sub.events <- msg:
		default:
			delete(h.subs, id)
			sub.close()
			h.dropped.Add(1)
			log.Warn().Uint64("subscriber", id).Msg("Stream client buffer full, disconnecting")
		}
	}
	return nil
}

// Close disconnette tutti i client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.close()
	}
}

// WriteMessage scrive un evento nel formato text/event-stream
func WriteMessage(w io.Writer, msg Message) error {
	data, err := json.Marshal(msg.Event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.ID, msg.Event.Type, data)
	return err
}

// WriteHeartbeat scrive un commento keep-alive
func WriteHeartbeat(w io.Writer) error {
	_, err := io.WriteString(w, ": ping\n\n")
	return err
}
