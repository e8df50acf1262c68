package realtime

import (
	"bytes"
	"context"
	"testing"

	"github.com/biodoia/hacp/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_FanOut(t *testing.T) {
	hub := NewHub(Config{BufferSize: 4})
	a := hub.Subscribe()
	b := hub.Subscribe()
	assert.Equal(t, 2, hub.Subscribers())

	require.NoError(t, hub.Send(context.Background(), events.AgentStatusChanged("agent-1", "pending", "provisioning", "")))

	for _, sub := range []*Subscription{a, b} {
		msg := <-sub.Events()
		assert.Equal(t, uint64(1), msg.ID)
		assert.Equal(t, "provisioning", msg.Event.To)
	}

	hub.Unsubscribe(a)
	_, open := <-a.Events()
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers())

	// un secondo Unsubscribe non deve andare in panic
	hub.Unsubscribe(a)
}

func TestHub_DisconnectsSlowClient(t *testing.T) {
	hub := NewHub(Config{BufferSize: 1})
	slow := hub.Subscribe()

	ctx := context.Background()
	require.NoError(t, hub.Send(ctx, events.AgentStatusChanged("a", "pending", "provisioning", "")))
	require.NoError(t, hub.Send(ctx, events.AgentStatusChanged("a", "provisioning", "active", "")))

	assert.Equal(t, 0, hub.Subscribers())
	assert.Equal(t, uint64(1), hub.Dropped())

	msg, open := <-slow.Events()
	require.True(t, open)
	assert.Equal(t, "provisioning", msg.Event.To)
	_, open = <-slow.Events()
	assert.False(t, open)
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	hub := NewHub(Config{})
	sub := hub.Subscribe()
	hub.Close()

	_, open := <-sub.Events()
	assert.False(t, open)

	late := hub.Subscribe()
	_, open = <-late.Events()
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestWriteMessage(t *testing.T) {
	var buf bytes.Buffer
	event := events.EscalationChanged("evt-1", "sess-1", "agent-1", "normal", "escalating", "explicit-request")
	require.NoError(t, WriteMessage(&buf, Message{ID: 7, Event: event}))

	out := buf.String()
	assert.Contains(t, out, "id: 7\nevent: escalation.state\ndata: {")
	assert.Contains(t, out, `"subject_id":"evt-1"`)
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\n\n")))

	buf.Reset()
	require.NoError(t, WriteHeartbeat(&buf))
	assert.Equal(t, ": ping\n\n", buf.String())
}
