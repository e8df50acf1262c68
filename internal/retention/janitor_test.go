package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/biodoia/hacp/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePurger struct {
	before []time.Time
	err    error
}

func (f *fakePurger) Purge(ctx context.Context, before time.Time) (registry.PurgeResult, error) {
	f.before = append(f.before, before)
	return registry.PurgeResult{Transitions: 3, Escalations: 1}, f.err
}

func TestNew_Validation(t *testing.T) {
	_, err := New(&fakePurger{}, Config{Schedule: "@daily"})
	require.Error(t, err, "max age is required")

	_, err = New(&fakePurger{}, Config{Schedule: "not a schedule", MaxAge: time.Hour})
	require.Error(t, err)

	j, err := New(&fakePurger{}, Config{MaxAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "@daily", j.config.Schedule)
}

func TestRunOnce_UsesCutoff(t *testing.T) {
	store := &fakePurger{}
	j, err := New(store, Config{Schedule: "0 3 * * *", MaxAge: 24 * time.Hour})
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	res, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Transitions)
	require.Len(t, store.before, 1)
	assert.Equal(t, now.Add(-24*time.Hour), store.before[0])

	last, lastRes := j.LastRun()
	assert.Equal(t, now, last)
	assert.Equal(t, res, lastRes)
}

func TestRunOnce_Error(t *testing.T) {
	j, err := New(&fakePurger{err: errors.New("disk full")}, Config{MaxAge: time.Hour})
	require.NoError(t, err)

	_, err = j.RunOnce(context.Background())
	require.Error(t, err)

	last, _ := j.LastRun()
	assert.True(t, last.IsZero())
}

func TestStartStop(t *testing.T) {
	j, err := New(&fakePurger{}, Config{Schedule: "@every 1h", MaxAge: time.Hour})
	require.NoError(t, err)
	j.Start()
	j.Stop()
}
