package console

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/biodoia/hacp/internal/capabilities"
	"github.com/biodoia/hacp/internal/escalation"
	"github.com/biodoia/hacp/internal/events"
	"github.com/biodoia/hacp/internal/providers"
	"github.com/biodoia/hacp/internal/provisioning"
	"github.com/biodoia/hacp/internal/registry"
	"github.com/biodoia/hacp/internal/routing"
	"github.com/biodoia/hacp/pkg/apperrors"
	"github.com/biodoia/hacp/pkg/database"
	"github.com/biodoia/hacp/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSenior struct {
	block bool
}

func (s *stubSenior) Tier() string { return "senior" }

func (s *stubSenior) Accept(ctx context.Context, h escalation.Handoff) error { return nil }

func (s *stubSenior) Answer(ctx context.Context, h escalation.Handoff) (string, error) {
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "senior: " + h.Input, nil
}

type routingRecorder struct {
	decisions []string
}

func (r *routingRecorder) ObserveRouting(op string, provider providers.Kind, usedFallback bool) {
	d := op + ":" + string(provider)
	if usedFallback {
		d += ":fallback"
	}
	r.decisions = append(r.decisions, d)
}

type fixture struct {
	service     *Service
	coordinator *escalation.Coordinator
	fakeA       *providers.Fake
	fakeB       *providers.Fake
	sink        *events.MemorySink
	senior      *stubSenior
	routes      *routingRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.New(&database.Config{Type: "sqlite", Connection: ":memory:", LogLevel: "silent"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	store := registry.New(db)
	fakeA := providers.NewFake(models.ProviderA)
	fakeB := providers.NewFake(models.ProviderB)
	adapters := providers.NewRegistry()
	require.NoError(t, adapters.Register(fakeA))
	require.NoError(t, adapters.Register(fakeB))

	engine, err := routing.NewEngine(routing.DefaultPolicy())
	require.NoError(t, err)

	catalog := capabilities.DefaultCatalog()
	sink := &events.MemorySink{}
	orchestrator := provisioning.New(store, adapters, catalog,
		capabilities.StaticEntitlements(capabilities.NewSet(catalog.Names()...)),
		engine, sink, provisioning.Config{CallTimeout: time.Second, TeardownTimeout: time.Second})

	senior := &stubSenior{}
	coordinator := escalation.NewCoordinator(senior, store, sink, nil, escalation.Config{
		Timeout:         100 * time.Millisecond,
		AckTimeout:      50 * time.Millisecond,
		FallbackMessage: "no senior answer in time",
		DegradedMessage: "senior unavailable",
	})

	routes := &routingRecorder{}
	return &fixture{
		service:     New(store, orchestrator, adapters, engine, catalog, coordinator, routes),
		coordinator: coordinator,
		fakeA:       fakeA,
		fakeB:       fakeB,
		sink:        sink,
		senior:      senior,
		routes:      routes,
	}
}

func (f *fixture) provision(t *testing.T, mode models.AgentMode, caps ...string) uuid.UUID {
	t.Helper()
	res, err := f.service.ProvisionAgent(context.Background(), models.AgentConfig{
		OwnerID:        "owner-1",
		Name:           "Helper",
		Instructions:   "Be helpful.",
		Mode:           mode,
		Capabilities:   caps,
		PermissionTier: models.TierTeam,
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, res.Status)
	return res.AgentID
}

func withConfidence(input, confidence string) providers.Payload {
	return providers.Payload{Input: input, Metadata: map[string]string{"confidence": confidence}}
}

func TestProvisionAgent_Single(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.ProvisionAgent(context.Background(), models.AgentConfig{
		OwnerID:      "owner-1",
		Name:         "Helper",
		Mode:         models.ModeSingleA,
		Capabilities: []string{"chat"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, res.Status)
	require.Len(t, res.Bindings, 1)
	assert.Equal(t, models.ProviderA, res.Bindings[0].ProviderKind)
	assert.Empty(t, res.Error)
}

func TestProvisionAgent_DualFailureReportsFailed(t *testing.T) {
	f := newFixture(t)
	f.fakeB.CreateFunc = func(ctx context.Context, spec providers.AgentSpec) (string, error) {
		return "", apperrors.Permanent("B", "create_agent", errors.New("quota exceeded"))
	}

	res, err := f.service.ProvisionAgent(context.Background(), models.AgentConfig{
		OwnerID:      "owner-1",
		Name:         "Helper",
		Mode:         models.ModeDual,
		Capabilities: []string{"chat"},
	})
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Empty(t, res.Bindings)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, f.fakeA.Live())
}

func TestRouteRequest_DualPrimary(t *testing.T) {
	f := newFixture(t)
	id := f.provision(t, models.ModeDual, "voice")

	out, err := f.service.RouteRequest(context.Background(), RouteInput{
		AgentID:    id,
		Operation:  "voice",
		Payload:    withConfidence("hello", "0.9"),
		CallerRole: "team",
	})
	require.NoError(t, err)
	assert.False(t, out.Escalated)
	assert.Equal(t, ChannelPrimary, out.Channel)
	assert.Equal(t, models.ProviderA, out.Provider)
	assert.Equal(t, "[A/voice] hello", out.Response)
	assert.NotEqual(t, uuid.Nil, out.SessionID)
	assert.Equal(t, []string{"voice:A"}, f.routes.decisions)
}

func TestRouteRequest_DualLowConfidenceUsesFallback(t *testing.T) {
	f := newFixture(t)
	id := f.provision(t, models.ModeDual, "document-review")

	out, err := f.service.RouteRequest(context.Background(), RouteInput{
		AgentID:    id,
		Operation:  "document-review",
		Payload:    withConfidence("contract", "0.5"),
		CallerRole: "team",
	})
	require.NoError(t, err)
	assert.False(t, out.Escalated)
	assert.True(t, out.UsedFallback)
	assert.Equal(t, models.ProviderA, out.Provider)
	assert.Equal(t, "[A/document-review] contract", out.Response)
	assert.Equal(t, []string{"document-review:B", "document-review:A:fallback"}, f.routes.decisions)
	assert.Len(t, f.fakeB.Invocations(), 1)
	assert.Len(t, f.fakeA.Invocations(), 1)
}

func TestRouteRequest_ProviderErrorEscalates(t *testing.T) {
	f := newFixture(t)
	id := f.provision(t, models.ModeSingleB, "chat")
	f.fakeB.InvokeFunc = func(ctx context.Context, remoteID, op string, payload providers.Payload) (*providers.Response, error) {
		return nil, apperrors.Transient("B", "invoke", errors.New("upstream 503"))
	}

	out, err := f.service.RouteRequest(context.Background(), RouteInput{
		AgentID:    id,
		Operation:  "chat",
		Payload:    providers.Payload{Input: "where is my order"},
		CallerRole: "team",
	})
	require.NoError(t, err)
	assert.True(t, out.Escalated)
	assert.Equal(t, escalation.ChannelSenior, out.Channel)
	assert.Equal(t, "senior: where is my order", out.Response)
	require.NotNil(t, out.EscalationID)

	assert.Equal(t, []string{"normal->escalating", "escalating->escalated", "escalated->resolved"},
		f.sink.Transitions(out.EscalationID.String()))

	status, err := f.service.GetEscalationStatus(context.Background(), *out.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, models.EscalationResolved, status.State)
	assert.Equal(t, models.ResolutionAnswered, status.Resolution)
	assert.Equal(t, models.TriggerProviderError, status.Reason)
}

func TestRouteRequest_SingleLowConfidenceEscalates(t *testing.T) {
	f := newFixture(t)
	id := f.provision(t, models.ModeSingleA, "chat")

	out, err := f.service.RouteRequest(context.Background(), RouteInput{
		AgentID:    id,
		Operation:  "chat",
		Payload:    withConfidence("tricky", "0.2"),
		CallerRole: "admin",
	})
	require.NoError(t, err)
	assert.True(t, out.Escalated)
	assert.InDelta(t, 0.2, out.Confidence, 1e-9)

	status, err := f.service.GetEscalationStatus(context.Background(), *out.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerLowConfidence, status.Reason)
}

func TestRouteRequest_SeniorTimeoutReturnsFallbackMessage(t *testing.T) {
	f := newFixture(t)
	f.senior.block = true
	id := f.provision(t, models.ModeSingleA, "chat")

	start := time.Now()
	out, err := f.service.RouteRequest(context.Background(), RouteInput{
		AgentID:             id,
		Operation:           "chat",
		Payload:             providers.Payload{Input: "help"},
		EscalationRequested: true,
		CallerRole:          "team",
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, out.Escalated)
	assert.True(t, out.Degraded)
	assert.Equal(t, "no senior answer in time", out.Response)
	assert.Equal(t, escalation.ChannelSystem, out.Channel)

	// nessuna chiamata al primario per un'escalation esplicita
	assert.Empty(t, f.fakeA.Invocations())

	status, err := f.service.GetEscalationStatus(context.Background(), *out.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionTimeout, status.Resolution)
}

func TestRouteRequest_SessionContinuity(t *testing.T) {
	f := newFixture(t)
	id := f.provision(t, models.ModeSingleA, "chat")
	ctx := context.Background()

	first, err := f.service.RouteRequest(ctx, RouteInput{AgentID: id, Operation: "chat", Payload: providers.Payload{Input: "one"}, CallerRole: "team"})
	require.NoError(t, err)

	second, err := f.service.RouteRequest(ctx, RouteInput{
		AgentID:    id,
		SessionID:  first.SessionID,
		Operation:  "chat",
		Payload:    providers.Payload{Input: "two"},
		CallerRole: "team",
	})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	out, err := f.service.EscalateSession(ctx, first.SessionID, providers.Payload{Input: "human please"}, "team")
	require.NoError(t, err)
	assert.True(t, out.Escalated)
	assert.Equal(t, "senior: human please", out.Response)

	_, err = f.service.EscalateSession(ctx, uuid.New(), providers.Payload{Input: "x"}, "team")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEscalateSession_AfterEviction(t *testing.T) {
	f := newFixture(t)
	id := f.provision(t, models.ModeSingleA, "chat")
	ctx := context.Background()

	first, err := f.service.RouteRequest(ctx, RouteInput{AgentID: id, Operation: "chat", Payload: providers.Payload{Input: "one"}, CallerRole: "team"})
	require.NoError(t, err)

	require.Equal(t, 1, f.coordinator.EvictIdle(ctx, time.Now().Add(time.Minute)))
	require.Zero(t, f.coordinator.Sessions())

	session, err := f.service.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, id, session.AgentID)

	out, err := f.service.EscalateSession(ctx, first.SessionID, providers.Payload{Input: "human please"}, "team")
	require.NoError(t, err)
	assert.True(t, out.Escalated)
	assert.Equal(t, first.SessionID, out.SessionID)
}

func TestRouteRequest_Rejections(t *testing.T) {
	f := newFixture(t)
	id := f.provision(t, models.ModeSingleA, "chat")
	ctx := context.Background()

	_, err := f.service.RouteRequest(ctx, RouteInput{AgentID: id, Operation: "chat", CallerRole: "public"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.service.RouteRequest(ctx, RouteInput{AgentID: id, Operation: "summarize", CallerRole: "team"})
	assert.ErrorIs(t, err, ErrOperationNotEnabled)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	_, err = f.service.RouteRequest(ctx, RouteInput{AgentID: uuid.New(), Operation: "chat", CallerRole: "team"})
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	require.NoError(t, f.service.PauseAgent(ctx, id))
	_, err = f.service.RouteRequest(ctx, RouteInput{AgentID: id, Operation: "chat", CallerRole: "team"})
	assert.ErrorIs(t, err, ErrAgentNotActive)

	require.NoError(t, f.service.ResumeAgent(ctx, id))
	_, err = f.service.RouteRequest(ctx, RouteInput{AgentID: id, Operation: "chat", Payload: providers.Payload{Input: "hi"}, CallerRole: "team"})
	assert.NoError(t, err)

	require.NoError(t, f.service.DeprovisionAgent(ctx, id))
	agent, err := f.service.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, agent.Status)
	assert.Empty(t, agent.Bindings)
}
