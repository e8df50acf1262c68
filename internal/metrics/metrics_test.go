package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/biodoia/hacp/internal/events"
	"github.com/biodoia/hacp/pkg/apperrors"
	"github.com/biodoia/hacp/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collectors) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestCollectors_ProviderCalls(t *testing.T) {
	c := New("test")

	c.ObserveCall(models.ProviderA, "invoke", 10*time.Millisecond, nil)
	c.ObserveCall(models.ProviderA, "invoke", 20*time.Millisecond, apperrors.Transient("A", "invoke", errors.New("503")))
	c.ObserveBreakerState(models.ProviderB, "open")
	c.ObserveHealth(models.ProviderA, errors.New("down"))

	body := scrape(t, c)
	assert.Contains(t, body, `test_provider_calls_total{op="invoke",outcome="success",provider="A"} 1`)
	assert.Contains(t, body, `test_provider_calls_total{op="invoke",outcome="transient_provider",provider="A"} 1`)
	assert.Contains(t, body, `test_provider_breaker_state{provider="B"} 2`)
	assert.Contains(t, body, `test_provider_healthy{provider="A"} 0`)

	c.ObserveBreakerState(models.ProviderB, "closed")
	assert.Contains(t, scrape(t, c), `test_provider_breaker_state{provider="B"} 0`)
}

func TestCollectors_EventSink(t *testing.T) {
	c := New("test")

	require.NoError(t, c.Send(context.Background(), events.AgentStatusChanged("a", "provisioning", "active", "")))
	require.NoError(t, c.Send(context.Background(), events.AgentStatusChanged("b", "provisioning", "active", "")))

	assert.Contains(t, scrape(t, c), `test_state_transitions_total{to="active",type="agent.status"} 2`)
}

func TestCollectors_RoutingAndEscalations(t *testing.T) {
	c := New("test")
	c.ObserveRouting("voice", models.ProviderB, true)
	c.ObserveEscalation("provider-error", "answered", time.Second)

	body := scrape(t, c)
	assert.Contains(t, body, `test_routing_decisions_total{fallback="true",operation="voice",provider="B"} 1`)
	assert.Contains(t, body, `test_escalations_total{reason="provider-error",resolution="answered"} 1`)
	assert.Contains(t, body, "test_escalation_duration_seconds_count 1")
}
