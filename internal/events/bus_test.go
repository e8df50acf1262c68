package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/biodoia/hacp/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{}

func (failingSink) Name() string { return "failing" }

func (failingSink) Send(ctx context.Context, event Event) error {
	return errors.New("sink down")
}

type recorderStub struct {
	records []*models.TransitionRecord
}

func (r *recorderStub) RecordTransition(ctx context.Context, record *models.TransitionRecord) error {
	r.records = append(r.records, record)
	return nil
}

func TestBus_SyncDelivery(t *testing.T) {
	bus := NewBus(BusConfig{})
	defer bus.Close()

	memory := &MemorySink{}
	recorder := &recorderStub{}
	bus.Register(failingSink{})
	bus.Register(LogSink{})
	bus.Register(memory)
	bus.Register(NewStoreSink(recorder))

	bus.Publish(context.Background(), AgentStatusChanged("agent-1", "pending", "provisioning", ""))
	bus.Publish(context.Background(), AgentStatusChanged("agent-1", "provisioning", "active", ""))

	assert.Equal(t, []string{"pending->provisioning", "provisioning->active"}, memory.Transitions("agent-1"))
	require.Len(t, recorder.records, 2)
	assert.Equal(t, "agent.status", recorder.records[1].Type)
	assert.Equal(t, "active", recorder.records[1].To)
	assert.False(t, recorder.records[0].Timestamp.IsZero())
}

func TestBus_AsyncDrainsOnClose(t *testing.T) {
	bus := NewBus(BusConfig{AsyncMode: true, BufferSize: 16})
	memory := &MemorySink{}
	bus.Register(memory)

	for range 5 {
		bus.Publish(context.Background(), EscalationChanged("esc-1", "sess-1", "agent-1", "normal", "escalating", "explicit-request"))
	}
	bus.Close()

	assert.Len(t, memory.Events(), 5)
}

func TestBus_CancelledContextStillDelivers(t *testing.T) {
	bus := NewBus(BusConfig{})
	memory := &MemorySink{}
	bus.Register(memory)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, AgentStatusChanged("agent-1", "provisioning", "failed", "caller went away"))

	assert.Len(t, memory.Events(), 1)
}

func TestEvent_JSON(t *testing.T) {
	event := EscalationChanged("esc-1", "sess-1", "agent-1", "escalating", "escalated", "")
	data, err := event.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"escalation.state"`)
	assert.Contains(t, string(data), `"session_id":"sess-1"`)
}

func TestRedisSink_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	sink := NewRedisSinkWithClient(client, "")
	defer sink.Close()

	assert.Equal(t, "hacp:transitions", sink.Channel())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, sink.Send(ctx, AgentStatusChanged("a", "pending", "provisioning", "")))
}
