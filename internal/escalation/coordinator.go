// Package escalation implementa la macchina a stati per sessione che passa
// una conversazione dall'agente primario a un assistente senior:
// normal → escalating → escalated → resolved, con escalating → resolved
// diretto quando il senior non è raggiungibile. Ogni ciclo termina entro il
// budget configurato, anche se il senior ignora la cancellazione.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/biodoia/hacp/internal/events"
	"github.com/biodoia/hacp/pkg/apperrors"
	"github.com/biodoia/hacp/pkg/models"
	"github.com/biodoia/hacp/pkg/tracing"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// ChannelSenior identifica le risposte dell'assistente senior
	ChannelSenior = "senior"
	// ChannelSystem identifica i messaggi di fallback generati dal core
	ChannelSystem = "system"
)

var (
	ErrEscalationInProgress = errors.New("an escalation is already in progress for this session")
	ErrEventNotFound        = errors.New("escalation event not found")
	ErrSessionMismatch      = errors.New("session belongs to another agent")
	ErrSeniorUnavailable    = errors.New("senior assistant unavailable")
)

// Handoff è il contesto passato all'assistente senior
type Handoff struct {
	EventID   uuid.UUID
	SessionID uuid.UUID
	AgentID   uuid.UUID
	Reason    models.TriggerReason
	Operation string
	Input     string
	Context   []string
	Detail    string // risposta o errore del primario
}

// Senior è l'assistente di livello superiore
type Senior interface {
	// Tier identifica l'assistente, registrato come target dell'evento
	Tier() string

	// Accept è l'acknowledgment sincrono del passaggio di consegne
	Accept(ctx context.Context, h Handoff) error

	// Answer produce la risposta finale
	Answer(ctx context.Context, h Handoff) (string, error)
}

// Releaser è implementato dai senior che prenotano capacità in Accept.
// Release libera la prenotazione di un handoff che non arriverà ad Answer.
type Releaser interface {
	Release(h Handoff)
}

// Archive è la destinazione in sola lettura dei cicli conclusi
type Archive interface {
	SaveSession(ctx context.Context, session *models.ConversationSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.ConversationSession, error)
	SaveEscalation(ctx context.Context, event *models.EscalationEvent) error
	GetEscalation(ctx context.Context, id uuid.UUID) (*models.EscalationEvent, error)
}

// Observer riceve le escalation risolte, per le metriche
type Observer interface {
	ObserveEscalation(reason, resolution string, duration time.Duration)
}

// Config configura il coordinator
type Config struct {
	Timeout         time.Duration // budget complessivo di un ciclo
	AckTimeout      time.Duration
	FallbackMessage string // risposta al chiamante quando il senior non risponde in tempo
	DegradedMessage string // risposta quando il senior non è raggiungibile o fallisce
	Sanitizer       Sanitizer

	// SessionIdleTimeout è l'inattività dopo cui una sessione non attiva
	// esce dalla memoria; OpenSession la ricarica dall'archivio
	SessionIdleTimeout time.Duration
}

// Sanitizer ripulisce i testi del handoff prima che raggiungano il senior,
// es. security.Sanitizer. flagged segnala un tentativo di prompt injection.
type Sanitizer interface {
	Sanitize(text string) (clean string, flagged bool)
}

// Trigger descrive la richiesta di escalation
type Trigger struct {
	SessionID uuid.UUID
	AgentID   uuid.UUID
	Reason    models.TriggerReason
	Operation string
	Input     string
	Context   []string
	Detail    string
}

// Outcome è l'esito di un ciclo, sempre con una risposta non vuota
type Outcome struct {
	EventID    uuid.UUID         `json:"event_id"`
	SessionID  uuid.UUID         `json:"session_id"`
	Resolution models.Resolution `json:"resolution"`
	Response   string            `json:"response"`
	Channel    string            `json:"channel"`
	Tier       string            `json:"tier"`
	Degraded   bool              `json:"degraded"`
	// Err è valorizzato per i cicli non risolti dal senior, es. EscalationTimeout
	Err error `json:"-"`
}

// Status è lo stato osservabile di un evento
type Status struct {
	EventID    uuid.UUID              `json:"event_id"`
	SessionID  uuid.UUID              `json:"session_id"`
	State      models.EscalationState `json:"state"`
	Resolution models.Resolution      `json:"resolution,omitempty"`
	Reason     models.TriggerReason   `json:"trigger_reason"`
	TargetTier string                 `json:"target_tier"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
	AgentID    uuid.UUID              `json:"-"`
}

type sessionEntry struct {
	lock    chan struct{}
	session models.ConversationSession

	lastUsed time.Time
	waiters  int  // richieste in attesa su lock
	archived bool // lo stato in memoria coincide con quello archiviato
}

// Coordinator possiede sessioni ed eventi di escalation finché sono vivi
type Coordinator struct {
	senior   Senior
	archive  Archive
	events   events.Publisher
	observer Observer
	config   Config

	mu       sync.Mutex
	sessions map[uuid.UUID]*sessionEntry
	live     map[uuid.UUID]*models.EscalationEvent

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCoordinator crea un nuovo coordinator
func NewCoordinator(senior Senior, archive Archive, publisher events.Publisher, observer Observer, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.AckTimeout <= 0 || cfg.AckTimeout > cfg.Timeout {
		cfg.AckTimeout = min(5*time.Second, cfg.Timeout)
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = "A senior assistant could not answer in time. Your request has been recorded."
	}
	if cfg.DegradedMessage == "" {
		cfg.DegradedMessage = "The senior assistant is currently unavailable. Please try again later."
	}
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = 30 * time.Minute
	}
	if publisher == nil {
		publisher = events.Discard
	}
	return &Coordinator{
		senior:   senior,
		archive:  archive,
		events:   publisher,
		observer: observer,
		config:   cfg,
		sessions: make(map[uuid.UUID]*sessionEntry),
		live:     make(map[uuid.UUID]*models.EscalationEvent),
		done:     make(chan struct{}),
	}
}

// Start avvia la rimozione periodica delle sessioni inattive
func (c *Coordinator) Start() {
	interval := max(c.config.SessionIdleTimeout/2, time.Second)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := c.EvictIdle(context.Background(), time.Now().Add(-c.config.SessionIdleTimeout)); n > 0 {
					log.Debug().Int("evicted", n).Int("open", c.Sessions()).Msg("Idle sessions evicted")
				}
			case <-c.done:
				return
			}
		}
	}()
	log.Info().Dur("idle_timeout", c.config.SessionIdleTimeout).Msg("Session sweeper started")
}

// Stop ferma la rimozione periodica
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// Sessions restituisce il numero di sessioni in memoria
func (c *Coordinator) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// EvictIdle rimuove dalla memoria le sessioni senza escalation attiva,
// senza richieste in corso e non usate dopo before. Le sessioni mai
// archiviate vengono salvate prima di uscire, così OpenSession le ritrova.
func (c *Coordinator) EvictIdle(ctx context.Context, before time.Time) int {
	var unsaved []models.ConversationSession

	c.mu.Lock()
	evicted := 0
	for id, entry := range c.sessions {
		if entry.waiters > 0 || entry.session.EscalationState.Active() || entry.lastUsed.After(before) {
			continue
		}
		// il lock preso resta tale: l'entry non sarà più raggiungibile
		select {
		case entry.lock <- struct{}{}:
		default:
			continue
		}
		delete(c.sessions, id)
		evicted++
		if !entry.archived {
			unsaved = append(unsaved, entry.session)
		}
	}
	c.mu.Unlock()

	for i := range unsaved {
		if err := c.archive.SaveSession(ctx, &unsaved[i]); err != nil {
			log.Error().Err(err).Str("session_id", unsaved[i].ID.String()).Msg("Failed to archive evicted session")
		}
	}
	return evicted
}

// Tier restituisce l'identificativo del senior
func (c *Coordinator) Tier() string {
	return c.senior.Tier()
}

// OpenSession restituisce la sessione indicata, creandola se non esiste.
// Con sessionID nullo viene aperta una nuova sessione.
func (c *Coordinator) OpenSession(ctx context.Context, agentID, sessionID uuid.UUID) (models.ConversationSession, error) {
	if sessionID == uuid.Nil {
		sessionID = uuid.New()
	}

	c.mu.Lock()
	if entry, ok := c.sessions[sessionID]; ok {
		defer c.mu.Unlock()
		if entry.session.AgentID != agentID {
			return models.ConversationSession{}, apperrors.Validation("open_session", ErrSessionMismatch)
		}
		entry.lastUsed = time.Now()
		return entry.session, nil
	}
	c.mu.Unlock()

	session := models.ConversationSession{
		ID:              sessionID,
		AgentID:         agentID,
		StartedAt:       time.Now().UTC(),
		EscalationState: models.EscalationNormal,
	}
	inArchive := false
	if archived, err := c.archive.GetSession(ctx, sessionID); err == nil {
		if archived.AgentID != agentID {
			return models.ConversationSession{}, apperrors.Validation("open_session", ErrSessionMismatch)
		}
		session = *archived
		inArchive = true
		// un ciclo rimasto aperto da un processo precedente non può più concludersi
		if session.EscalationState.Active() {
			session.EscalationState = models.EscalationResolved
			session.ActiveEscalationID = nil
			inArchive = false
		}
	} else if !apperrors.Is(err, apperrors.KindNotFound) {
		return models.ConversationSession{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sessions[sessionID]; ok {
		if existing.session.AgentID != agentID {
			return models.ConversationSession{}, apperrors.Validation("open_session", ErrSessionMismatch)
		}
		existing.lastUsed = time.Now()
		return existing.session, nil
	}
	c.sessions[sessionID] = &sessionEntry{
		lock:     make(chan struct{}, 1),
		session:  session,
		lastUsed: time.Now(),
		archived: inArchive,
	}
	return session, nil
}

// Lock serializza le richieste di una sessione. Richieste di sessioni
// diverse procedono in parallelo; l'attesa rispetta ctx.
func (c *Coordinator) Lock(ctx context.Context, sessionID uuid.UUID) (func(), error) {
	c.mu.Lock()
	entry, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, apperrors.Newf(apperrors.KindNotFound, "lock_session", "session %s not open", sessionID)
	}
	entry.waiters++
	entry.lastUsed = time.Now()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		entry.waiters--
		c.mu.Unlock()
	}()

	select {
	case entry.lock <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				c.mu.Lock()
				entry.lastUsed = time.Now()
				c.mu.Unlock()
				<-entry.lock
			})
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Session restituisce una copia dello stato della sessione
func (c *Coordinator) Session(sessionID uuid.UUID) (models.ConversationSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.sessions[sessionID]
	if !ok {
		return models.ConversationSession{}, false
	}
	return entry.session, true
}

// FindSession restituisce la sessione indicata, ricaricandola dall'archivio
// se è uscita dalla memoria
func (c *Coordinator) FindSession(ctx context.Context, sessionID uuid.UUID) (models.ConversationSession, error) {
	if session, ok := c.Session(sessionID); ok {
		return session, nil
	}
	archived, err := c.archive.GetSession(ctx, sessionID)
	if err != nil {
		return models.ConversationSession{}, err
	}
	return c.OpenSession(ctx, archived.AgentID, sessionID)
}

// Escalate esegue un ciclo completo. Un trigger su una sessione con
// un'escalation già attiva viene rifiutato con ErrEscalationInProgress.
func (c *Coordinator) Escalate(ctx context.Context, t Trigger) (*Outcome, error) {
	ctx, span := tracing.Start(ctx, "escalation.escalate",
		tracing.String("session_id", t.SessionID.String()),
		tracing.String("reason", string(t.Reason)))

	out, err := c.escalate(ctx, t)
	if out != nil {
		span.SetAttributes(tracing.String("resolution", string(out.Resolution)), tracing.Bool("degraded", out.Degraded))
	}
	tracing.End(span, err)
	return out, err
}

func (c *Coordinator) escalate(ctx context.Context, t Trigger) (*Outcome, error) {
	start := time.Now()

	event, err := c.begin(ctx, t)
	if err != nil {
		return nil, err
	}

	handoff := Handoff{
		EventID:   event.ID,
		SessionID: t.SessionID,
		AgentID:   t.AgentID,
		Reason:    t.Reason,
		Operation: t.Operation,
		Input:     t.Input,
		Context:   t.Context,
		Detail:    t.Detail,
	}
	if c.config.Sanitizer != nil {
		handoff = c.sanitize(handoff)
	}

	budgetCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	ackCtx, ackCancel := context.WithTimeout(budgetCtx, c.config.AckTimeout)
	_, err = await(ackCtx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.senior.Accept(ctx, handoff)
	})
	ackCancel()
	if err != nil {
		if r, ok := c.senior.(Releaser); ok {
			r.Release(handoff)
		}
		log.Warn().
			Err(err).
			Str("event_id", event.ID.String()).
			Str("tier", c.senior.Tier()).
			Msg("Senior assistant unreachable")
		return c.resolve(ctx, event, start, models.ResolutionUnreachable, string(models.TriggerProviderError),
			c.config.DegradedMessage, ChannelSystem, err.Error(), nil), nil
	}

	c.advance(ctx, event, models.EscalationEscalated)

	answer, err := await(budgetCtx, func(ctx context.Context) (string, error) {
		return c.senior.Answer(ctx, handoff)
	})

	switch {
	case err == nil && answer != "":
		return c.resolve(ctx, event, start, models.ResolutionAnswered, string(models.ResolutionAnswered),
			answer, ChannelSenior, "", nil), nil

	case err == nil:
		return c.resolve(ctx, event, start, models.ResolutionFailed, "empty answer",
			c.config.DegradedMessage, ChannelSystem, "senior returned an empty answer", nil), nil

	case ctx.Err() == nil && errors.Is(budgetCtx.Err(), context.DeadlineExceeded):
		timeoutErr := apperrors.New(apperrors.KindEscalationTimeout, "escalate",
			fmt.Errorf("senior %s did not answer within %s", c.senior.Tier(), c.config.Timeout))
		return c.resolve(ctx, event, start, models.ResolutionTimeout, string(models.ResolutionTimeout),
			c.config.FallbackMessage, ChannelSystem, timeoutErr.Error(), timeoutErr), nil

	case errors.Is(err, ErrSeniorUnavailable):
		log.Warn().Err(err).Str("event_id", event.ID.String()).Msg("Senior assistant unreachable after acknowledgment")
		return c.resolve(ctx, event, start, models.ResolutionUnreachable, string(models.TriggerProviderError),
			c.config.DegradedMessage, ChannelSystem, err.Error(), nil), nil

	default:
		log.Warn().Err(err).Str("event_id", event.ID.String()).Msg("Senior assistant failed")
		return c.resolve(ctx, event, start, models.ResolutionFailed, string(models.ResolutionFailed),
			c.config.DegradedMessage, ChannelSystem, err.Error(), err), nil
	}
}

// begin applica la guardia e porta la sessione in escalating
func (c *Coordinator) begin(ctx context.Context, t Trigger) (*models.EscalationEvent, error) {
	c.mu.Lock()
	entry, ok := c.sessions[t.SessionID]
	if !ok {
		c.mu.Unlock()
		return nil, apperrors.Newf(apperrors.KindNotFound, "escalate", "session %s not open", t.SessionID)
	}
	if entry.session.AgentID != t.AgentID {
		c.mu.Unlock()
		return nil, apperrors.Validation("escalate", ErrSessionMismatch)
	}
	if entry.session.EscalationState.Active() {
		c.mu.Unlock()
		return nil, apperrors.New(apperrors.KindConflict, "escalate", ErrEscalationInProgress)
	}

	from := entry.session.EscalationState
	event := &models.EscalationEvent{
		ID:            uuid.New(),
		SessionID:     t.SessionID,
		AgentID:       t.AgentID,
		TriggerReason: t.Reason,
		TargetTier:    c.senior.Tier(),
		State:         models.EscalationEscalating,
		Detail:        t.Detail,
		CreatedAt:     time.Now().UTC(),
	}
	entry.session.EscalationState = models.EscalationEscalating
	entry.session.ActiveEscalationID = &event.ID
	entry.session.UpdatedAt = event.CreatedAt
	entry.archived = false
	c.live[event.ID] = event
	c.mu.Unlock()

	log.Info().
		Str("event_id", event.ID.String()).
		Str("session_id", t.SessionID.String()).
		Str("reason", string(t.Reason)).
		Str("tier", event.TargetTier).
		Msg("Escalation started")

	c.emit(ctx, event, string(from), models.EscalationEscalating, string(t.Reason), nil)
	return event, nil
}

func (c *Coordinator) advance(ctx context.Context, event *models.EscalationEvent, to models.EscalationState) {
	c.mu.Lock()
	from := event.State
	event.State = to
	if entry, ok := c.sessions[event.SessionID]; ok {
		entry.session.EscalationState = to
		entry.session.UpdatedAt = time.Now().UTC()
	}
	c.mu.Unlock()

	c.emit(ctx, event, string(from), to, "", nil)
}

func (c *Coordinator) resolve(ctx context.Context, event *models.EscalationEvent, start time.Time,
	resolution models.Resolution, reason, response, channel, detail string, cause error) *Outcome {

	now := time.Now().UTC()

	c.mu.Lock()
	from := event.State
	event.State = models.EscalationResolved
	event.Resolution = resolution
	event.Response = response
	event.ResolvedAt = &now
	if detail != "" {
		event.Detail = detail
	}
	archived := *event

	var session models.ConversationSession
	entry, ok := c.sessions[event.SessionID]
	if ok {
		entry.session.EscalationState = models.EscalationResolved
		entry.session.ActiveEscalationID = nil
		entry.session.Escalations++
		entry.session.UpdatedAt = now
		session = entry.session
	}
	c.mu.Unlock()

	c.emit(ctx, event, string(from), models.EscalationResolved, reason, map[string]string{
		"resolution": string(resolution),
		"trigger":    string(archived.TriggerReason),
	})

	// l'archiviazione non dipende dalla sorte del chiamante
	archiveCtx := context.WithoutCancel(ctx)
	if err := c.archive.SaveEscalation(archiveCtx, &archived); err != nil {
		log.Error().Err(err).Str("event_id", event.ID.String()).Msg("Failed to archive escalation event")
	} else {
		c.mu.Lock()
		delete(c.live, event.ID)
		c.mu.Unlock()
	}
	if ok {
		if err := c.archive.SaveSession(archiveCtx, &session); err != nil {
			log.Error().Err(err).Str("session_id", session.ID.String()).Msg("Failed to archive session")
		} else {
			c.mu.Lock()
			if entry.session.UpdatedAt.Equal(now) {
				entry.archived = true
			}
			entry.lastUsed = time.Now()
			c.mu.Unlock()
		}
	}

	if c.observer != nil {
		c.observer.ObserveEscalation(string(archived.TriggerReason), string(resolution), time.Since(start))
	}

	log.Info().
		Str("event_id", event.ID.String()).
		Str("session_id", event.SessionID.String()).
		Str("resolution", string(resolution)).
		Dur("duration", time.Since(start)).
		Msg("Escalation resolved")

	return &Outcome{
		EventID:    event.ID,
		SessionID:  event.SessionID,
		Resolution: resolution,
		Response:   response,
		Channel:    channel,
		Tier:       archived.TargetTier,
		Degraded:   resolution != models.ResolutionAnswered,
		Err:        cause,
	}
}

func (c *Coordinator) emit(ctx context.Context, event *models.EscalationEvent, from string, to models.EscalationState, reason string, metadata map[string]string) {
	e := events.EscalationChanged(event.ID.String(), event.SessionID.String(), event.AgentID.String(), from, string(to), reason)
	e.Metadata = metadata
	c.events.Publish(ctx, e)
}

// sanitize ripulisce input e contesto del handoff
func (c *Coordinator) sanitize(h Handoff) Handoff {
	input, flagged := c.config.Sanitizer.Sanitize(h.Input)
	h.Input = input

	cleaned := make([]string, 0, len(h.Context))
	for _, turn := range h.Context {
		turn, f := c.config.Sanitizer.Sanitize(turn)
		flagged = flagged || f
		if turn != "" {
			cleaned = append(cleaned, turn)
		}
	}
	h.Context = cleaned

	if flagged {
		log.Warn().
			Str("escalation_id", h.EventID.String()).
			Str("session_id", h.SessionID.String()).
			Msg("Possible prompt injection in escalation handoff")
	}
	return h
}

// Status restituisce stato e risoluzione di un evento, vivo o archiviato
func (c *Coordinator) Status(ctx context.Context, eventID uuid.UUID) (Status, error) {
	c.mu.Lock()
	event, ok := c.live[eventID]
	var snapshot models.EscalationEvent
	if ok {
		snapshot = *event
	}
	c.mu.Unlock()

	if !ok {
		archived, err := c.archive.GetEscalation(ctx, eventID)
		if apperrors.Is(err, apperrors.KindNotFound) {
			return Status{}, apperrors.New(apperrors.KindNotFound, "escalation_status", fmt.Errorf("%w: %s", ErrEventNotFound, eventID))
		}
		if err != nil {
			return Status{}, err
		}
		snapshot = *archived
	}

	return Status{
		EventID:    snapshot.ID,
		SessionID:  snapshot.SessionID,
		State:      snapshot.State,
		Resolution: snapshot.Resolution,
		Reason:     snapshot.TriggerReason,
		TargetTier: snapshot.TargetTier,
		ResolvedAt: snapshot.ResolvedAt,
		AgentID:    snapshot.AgentID,
	}, nil
}

// await esegue fn in una goroutine e ritorna appena ctx scade, anche se fn
// non rispetta la cancellazione
func await[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)

	go func() {
		v, err := fn(ctx)
		ch <- result{value: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
