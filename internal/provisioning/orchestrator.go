// Package provisioning materializza un AgentConfig su uno o due provider.
// In modalità dual le due creazioni partono in parallelo e il join è l'unico
// punto di decisione: se una fallisce, il lato riuscito viene smontato e il
// registry non vede mai un agente legato a metà.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/biodoia/hacp/internal/capabilities"
	"github.com/biodoia/hacp/internal/events"
	"github.com/biodoia/hacp/internal/providers"
	"github.com/biodoia/hacp/internal/registry"
	"github.com/biodoia/hacp/internal/routing"
	"github.com/biodoia/hacp/pkg/apperrors"
	"github.com/biodoia/hacp/pkg/models"
	"github.com/biodoia/hacp/pkg/tracing"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrConfigConflict         = errors.New("agent is active with a different configuration")
	ErrProvisioningInProgress = errors.New("agent provisioning already in progress")
	ErrAgentPaused            = errors.New("agent is paused with live bindings, resume it instead")
	ErrNotEntitled            = errors.New("capabilities exceed owner entitlement")
	ErrAdapterUnavailable     = errors.New("no adapter registered for provider")
	ErrPartialProvisioning    = errors.New("dual provisioning partially failed")
	ErrOwnerMismatch          = errors.New("agent belongs to another owner")
	ErrNotBound               = errors.New("agent has no complete set of bindings")
)

// Store è il registry visto dall'orchestrator
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	BeginProvisioning(ctx context.Context, agent *models.Agent, from ...models.AgentStatus) (models.AgentStatus, error)
	CommitBindings(ctx context.Context, id uuid.UUID, bindings []models.ProviderBinding) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	ReleaseBindings(ctx context.Context, id uuid.UUID) error
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, to models.AgentStatus, from ...models.AgentStatus) (bool, error)
}

// Adapters risolve l'adapter di un provider
type Adapters interface {
	Get(kind providers.Kind) (providers.Adapter, error)
	Has(kind providers.Kind) bool
}

// Config configura l'orchestrator
type Config struct {
	CallTimeout     time.Duration // timeout di ogni CreateAgent, retry inclusi
	TeardownTimeout time.Duration
}

// Result è l'esito di Provision
type Result struct {
	AgentID  uuid.UUID                `json:"agent_id"`
	Status   models.AgentStatus       `json:"status"`
	Bindings []models.ProviderBinding `json:"bindings"`
	Reused   bool                     `json:"reused"` // true se l'agente era già attivo con la stessa configurazione
}

// Orchestrator guida gli adapter per materializzare gli agenti
type Orchestrator struct {
	store        Store
	adapters     Adapters
	catalog      *capabilities.Catalog
	entitlements capabilities.Entitlements
	routing      *routing.Engine
	events       events.Publisher
	config       Config
}

// New crea un nuovo orchestrator
func New(store Store, adapters Adapters, catalog *capabilities.Catalog, entitlements capabilities.Entitlements, engine *routing.Engine, publisher events.Publisher, cfg Config) *Orchestrator {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 45 * time.Second
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 30 * time.Second
	}
	if publisher == nil {
		publisher = events.Discard
	}
	return &Orchestrator{
		store:        store,
		adapters:     adapters,
		catalog:      catalog,
		entitlements: entitlements,
		routing:      engine,
		events:       publisher,
		config:       cfg,
	}
}

// Provision porta l'agente in active oppure in failed, mai a metà
func (o *Orchestrator) Provision(ctx context.Context, cfg models.AgentConfig) (*Result, error) {
	ctx, span := tracing.Start(ctx, "provisioning.provision",
		tracing.String("owner_id", cfg.OwnerID),
		tracing.String("mode", string(cfg.Mode)))

	res, err := o.provision(ctx, cfg)
	if res != nil {
		span.SetAttributes(tracing.String("agent_id", res.AgentID.String()), tracing.String("status", string(res.Status)))
	}
	tracing.End(span, err)
	return res, err
}

func (o *Orchestrator) provision(ctx context.Context, cfg models.AgentConfig) (*Result, error) {
	cfg.Normalize()
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}

	ops, err := o.prepare(ctx, cfg)
	if err != nil {
		return nil, err
	}

	existing, err := o.store.Get(ctx, cfg.ID)
	if err != nil && !apperrors.Is(err, apperrors.KindNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.OwnerID != cfg.OwnerID {
			return nil, apperrors.Validation("provision", ErrOwnerMismatch)
		}
		switch existing.Status {
		case models.StatusActive:
			if existing.ConfigHash == cfg.Hash() && existing.IsFullyBound() {
				log.Debug().Str("agent_id", cfg.ID.String()).Msg("Agent already active, provisioning is a no-op")
				return &Result{AgentID: existing.ID, Status: existing.Status, Bindings: existing.Bindings, Reused: true}, nil
			}
			return nil, apperrors.Validation("provision", ErrConfigConflict)
		case models.StatusProvisioning:
			return nil, apperrors.New(apperrors.KindConflict, "provision", ErrProvisioningInProgress)
		case models.StatusPaused:
			if len(existing.Bindings) > 0 {
				return nil, apperrors.New(apperrors.KindConflict, "provision", ErrAgentPaused)
			}
		}
	}

	agent := models.NewAgent(cfg)
	previous, err := o.store.BeginProvisioning(ctx, agent, models.StatusPending, models.StatusFailed, models.StatusPaused)
	if errors.Is(err, registry.ErrStatusConflict) {
		return nil, apperrors.New(apperrors.KindConflict, "provision", ErrProvisioningInProgress)
	}
	if err != nil {
		return nil, err
	}
	o.transition(ctx, agent.ID, previous, models.StatusProvisioning, "")

	log.Info().
		Str("agent_id", agent.ID.String()).
		Str("owner_id", cfg.OwnerID).
		Str("mode", string(cfg.Mode)).
		Strs("operations", ops).
		Msg("Provisioning agent")

	spec := providers.AgentSpec{
		AgentID:      agent.ID.String(),
		Name:         cfg.Name,
		Description:  cfg.Description,
		Instructions: cfg.Instructions,
		Capabilities: cfg.Capabilities,
		Operations:   ops,
	}

	bindings, err := o.createAll(ctx, cfg.Mode, spec)
	if err != nil {
		o.fail(ctx, agent.ID, err)
		return &Result{AgentID: agent.ID, Status: models.StatusFailed}, err
	}

	if err := o.store.CommitBindings(ctx, agent.ID, bindings); err != nil {
		o.teardown(ctx, bindings)
		commitErr := apperrors.New(apperrors.KindProvisioningFailed, "provision", fmt.Errorf("commit failed: %w", err))
		o.fail(ctx, agent.ID, commitErr)
		return &Result{AgentID: agent.ID, Status: models.StatusFailed}, commitErr
	}
	o.transition(ctx, agent.ID, models.StatusProvisioning, models.StatusActive, "")

	log.Info().
		Str("agent_id", agent.ID.String()).
		Int("bindings", len(bindings)).
		Msg("Agent provisioned")

	return &Result{AgentID: agent.ID, Status: models.StatusActive, Bindings: bindings}, nil
}

// prepare valida la configurazione e restituisce le operation kind sbloccate
func (o *Orchestrator) prepare(ctx context.Context, cfg models.AgentConfig) ([]string, error) {
	if err := o.validate(cfg); err != nil {
		return nil, apperrors.Validation("provision", err)
	}

	allowed, err := o.entitlements.AllowedCapabilities(ctx, cfg.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlements for %s: %w", cfg.OwnerID, err)
	}
	if missing := allowed.Missing(cfg.Capabilities); len(missing) > 0 {
		return nil, apperrors.Validation("provision", fmt.Errorf("%w: %v", ErrNotEntitled, missing))
	}

	ops := o.catalog.Operations(cfg.Capabilities)
	engine, err := o.routing.WithOverrides(cfg.RoutingOverrides)
	if err != nil {
		return nil, apperrors.Validation("provision", err)
	}
	if err := engine.Validate(ops); err != nil {
		return nil, apperrors.Validation("provision", err)
	}
	return ops, nil
}

func (o *Orchestrator) validate(cfg models.AgentConfig) error {
	var errs []error
	if cfg.OwnerID == "" {
		errs = append(errs, errors.New("owner_id is required"))
	}
	if cfg.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(cfg.Capabilities) == 0 {
		errs = append(errs, errors.New("capability set must not be empty"))
	}
	if !cfg.Mode.Valid() {
		errs = append(errs, fmt.Errorf("unknown mode %q", cfg.Mode))
	}
	if !cfg.PermissionTier.Valid() {
		errs = append(errs, fmt.Errorf("unknown permission tier %q", cfg.PermissionTier))
	}
	if unknown := o.catalog.Unknown(cfg.Capabilities); len(unknown) > 0 {
		errs = append(errs, fmt.Errorf("unknown capabilities %v", unknown))
	}
	for _, kind := range cfg.Mode.ProviderKinds() {
		if !o.adapters.Has(kind) {
			errs = append(errs, fmt.Errorf("%w %s", ErrAdapterUnavailable, kind))
		}
	}
	return errors.Join(errs...)
}

type outcome struct {
	kind     providers.Kind
	remoteID string
	err      error
}

// createAll chiama CreateAgent su ogni provider della modalità. In dual le
// chiamate sono concorrenti con timeout indipendenti: la cancellazione di una
// non cancella l'altra, e il join attende sempre entrambe.
func (o *Orchestrator) createAll(ctx context.Context, mode models.AgentMode, spec providers.AgentSpec) ([]models.ProviderBinding, error) {
	kinds := mode.ProviderKinds()
	outcomes := make([]outcome, len(kinds))

	var g errgroup.Group
	for i, kind := range kinds {
		g.Go(func() error {
			outcomes[i] = o.create(ctx, kind, spec)
			return outcomes[i].err
		})
	}
	_ = g.Wait()

	var (
		bindings []models.ProviderBinding
		failures []error
		failed   []providers.Kind
	)
	for _, out := range outcomes {
		if out.err != nil {
			failures = append(failures, out.err)
			failed = append(failed, out.kind)
			continue
		}
		bindings = append(bindings, models.ProviderBinding{
			ProviderKind: out.kind,
			RemoteID:     out.remoteID,
			CreatedAt:    time.Now().UTC(),
		})
	}

	if len(failures) == 0 {
		return bindings, nil
	}

	if len(bindings) > 0 {
		o.teardown(ctx, bindings)
		return nil, &apperrors.Error{
			Kind:     apperrors.KindPartialProvisioning,
			Op:       "provision",
			Provider: string(failed[0]),
			Err:      fmt.Errorf("%w: %w", ErrPartialProvisioning, errors.Join(failures...)),
		}
	}

	return nil, surface(failed[0], errors.Join(failures...))
}

func (o *Orchestrator) create(ctx context.Context, kind providers.Kind, spec providers.AgentSpec) outcome {
	adapter, err := o.adapters.Get(kind)
	if err != nil {
		return outcome{kind: kind, err: apperrors.Permanent(string(kind), "create_agent", err)}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
	defer cancel()

	start := time.Now()
	remoteID, err := adapter.CreateAgent(callCtx, spec)
	if err != nil {
		log.Warn().
			Err(err).
			Str("agent_id", spec.AgentID).
			Str("provider", string(kind)).
			Dur("duration", time.Since(start)).
			Msg("CreateAgent failed")
		return outcome{kind: kind, err: err}
	}

	log.Debug().
		Str("agent_id", spec.AgentID).
		Str("provider", string(kind)).
		Str("remote_id", remoteID).
		Dur("duration", time.Since(start)).
		Msg("CreateAgent succeeded")
	return outcome{kind: kind, remoteID: remoteID}
}

// surface applica la politica di propagazione: gli errori permanenti e di
// validazione passano invariati, quelli transienti esauriti diventano
// ProvisioningFailed
func surface(kind providers.Kind, err error) error {
	switch apperrors.KindOf(err) {
	case apperrors.KindPermanentProvider, apperrors.KindValidation:
		return err
	default:
		return &apperrors.Error{Kind: apperrors.KindProvisioningFailed, Op: "provision", Provider: string(kind), Err: err}
	}
}

// teardown rimuove i binding indicati con un contesto che sopravvive alla
// cancellazione del chiamante
func (o *Orchestrator) teardown(ctx context.Context, bindings []models.ProviderBinding) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.TeardownTimeout)
	defer cancel()

	for _, b := range bindings {
		adapter, err := o.adapters.Get(b.ProviderKind)
		if err == nil {
			err = adapter.Deprovision(ctx, b.RemoteID)
		}
		if err != nil {
			log.Error().
				Err(err).
				Str("provider", string(b.ProviderKind)).
				Str("remote_id", b.RemoteID).
				Msg("Teardown failed, remote resource may be orphaned")
			continue
		}
		log.Info().
			Str("provider", string(b.ProviderKind)).
			Str("remote_id", b.RemoteID).
			Msg("Remote resource torn down")
	}
}

func (o *Orchestrator) fail(ctx context.Context, id uuid.UUID, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := o.store.MarkFailed(ctx, id, cause.Error()); err != nil {
		log.Error().Err(err).Str("agent_id", id.String()).Msg("Failed to mark agent as failed")
	}
	o.transition(ctx, id, models.StatusProvisioning, models.StatusFailed, string(apperrors.KindOf(cause)))

	log.Warn().
		Err(cause).
		Str("agent_id", id.String()).
		Str("kind", string(apperrors.KindOf(cause))).
		Msg("Agent provisioning failed")
}

func (o *Orchestrator) transition(ctx context.Context, id uuid.UUID, from, to models.AgentStatus, reason string) {
	o.events.Publish(ctx, events.AgentStatusChanged(id.String(), string(from), string(to), reason))
}

// Deprovision rimuove le risorse remote e porta l'agente in paused
func (o *Orchestrator) Deprovision(ctx context.Context, id uuid.UUID) error {
	agent, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if agent.Status == models.StatusProvisioning {
		return apperrors.New(apperrors.KindConflict, "deprovision", ErrProvisioningInProgress)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.TeardownTimeout)
	defer cancel()

	var errs []error
	for _, b := range agent.Bindings {
		adapter, err := o.adapters.Get(b.ProviderKind)
		if err == nil {
			err = adapter.Deprovision(ctx, b.RemoteID)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s remote %s: %w", b.ProviderKind, b.RemoteID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return apperrors.New(apperrors.KindProvisioningFailed, "deprovision", err)
	}

	if err := o.store.ReleaseBindings(ctx, id); err != nil {
		return err
	}
	o.transition(ctx, id, agent.Status, models.StatusPaused, "deprovisioned")

	log.Info().Str("agent_id", id.String()).Int("bindings", len(agent.Bindings)).Msg("Agent deprovisioned")
	return nil
}

// Pause sospende un agente attivo mantenendo i binding
func (o *Orchestrator) Pause(ctx context.Context, id uuid.UUID) error {
	ok, err := o.store.CompareAndSetStatus(ctx, id, models.StatusPaused, models.StatusActive)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Newf(apperrors.KindConflict, "pause", "agent %s is not active", id)
	}
	o.transition(ctx, id, models.StatusActive, models.StatusPaused, "paused")
	return nil
}

// Resume riattiva un agente sospeso che ha ancora tutti i binding
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID) error {
	agent, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !agent.IsFullyBound() {
		return apperrors.New(apperrors.KindConflict, "resume", ErrNotBound)
	}

	ok, err := o.store.CompareAndSetStatus(ctx, id, models.StatusActive, models.StatusPaused)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Newf(apperrors.KindConflict, "resume", "agent %s is not paused", id)
	}
	o.transition(ctx, id, models.StatusPaused, models.StatusActive, "resumed")
	return nil
}

var _ Store = (*registry.Store)(nil)
