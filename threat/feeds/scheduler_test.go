package feeds

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewScheduler_Validation(t *testing.T) {
	run := func(context.Context) error { return nil }

	_, err := NewScheduler(SchedulerConfig{Spec: "not a schedule", Run: run})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewScheduler(SchedulerConfig{Spec: "@hourly"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	for _, spec := range []string{"0 */6 * * *", "30 0 */6 * * *", "@every 15m", "@daily"} {
		_, err := NewScheduler(SchedulerConfig{Spec: spec, Run: run})
		assert.NoError(t, err, spec)
	}
}

func TestScheduler_RunOnStart(t *testing.T) {
	ran := make(chan struct{}, 1)
	s, err := NewScheduler(SchedulerConfig{
		Spec:       "@yearly",
		RunOnStart: true,
		Timeout:    time.Second,
		Logger:     zaptest.NewLogger(t).Sugar(),
		Run: func(ctx context.Context) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			ran <- struct{}{}
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.False(t, s.Next().IsZero())

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("run on start never happened")
	}

	s.Stop()
	assert.False(t, s.IsRunning())
	assert.True(t, s.Next().IsZero())
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	var runs atomic.Int32
	release := make(chan struct{})
	s, err := NewScheduler(SchedulerConfig{
		Spec: "@yearly",
		Run: func(ctx context.Context) error {
			runs.Add(1)
			<-release
			return nil
		},
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.trigger()
		close(done)
	}()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	s.trigger()
	assert.EqualValues(t, 1, runs.Load())

	close(release)
	<-done
}

func TestScheduler_StopCancelsRun(t *testing.T) {
	started := make(chan struct{})
	s, err := NewScheduler(SchedulerConfig{
		Spec:       "@yearly",
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	<-started

	s.Stop()
	assert.False(t, s.IsRunning())
}
