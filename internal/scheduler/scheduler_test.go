package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler("test", 10*time.Millisecond, TaskFunc(func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestScheduler_ContinuesAfterFailure(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler("failing", 10*time.Millisecond, TaskFunc(func(context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	}))

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_AlignsToInterval(t *testing.T) {
	s := NewScheduler("align", time.Hour, TaskFunc(func(context.Context) error { return nil }))
	wait := s.untilNext()
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Hour)
}
