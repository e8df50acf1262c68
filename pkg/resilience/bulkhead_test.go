package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkhead_RejectsWhenFull(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{MaxConcurrent: 1, QueueTimeout: 20 * time.Millisecond})

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrBulkheadFull)
	assert.Equal(t, int64(1), b.Stats().Active)

	close(release)
	require.NoError(t, <-done)

	boom := errors.New("boom")
	assert.ErrorIs(t, b.Execute(context.Background(), func() error { return boom }), boom)

	stats := b.Stats()
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestBulkhead_ContextCancelled(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{MaxConcurrent: 1, QueueTimeout: time.Second})

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Execute(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := b.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(0), b.Stats().Rejected)
}

func TestBulkhead_AcquireHoldsSlotUntilRelease(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{MaxConcurrent: 1, QueueTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	release, err := b.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Stats().Active)

	_, err = b.Acquire(ctx)
	assert.ErrorIs(t, err, ErrBulkheadFull)

	release()
	release() // idempotente
	assert.Equal(t, int64(0), b.Stats().Active)

	again, err := b.Acquire(ctx)
	require.NoError(t, err)
	again()
	assert.Equal(t, int64(2), b.Stats().Completed)
}
