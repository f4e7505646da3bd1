package retry

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(d time.Duration) SchedulerOption {
	return WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(d)
	})
}

func TestScheduler_NotRetryable(t *testing.T) {
	s := NewScheduler(slog.Default())
	_, err := s.Schedule("config", NewBadRequestError("bad"), func() {
		t.Fatal("must not run")
	})
	require.ErrorIs(t, err, ErrNotRetryable)
	assert.False(t, s.Pending("config"))
}

func TestScheduler_HonoursServerMinimum(t *testing.T) {
	s := NewScheduler(slog.Default(), constant(time.Millisecond))
	defer s.Stop()

	delay, err := s.Schedule("config", NewUnavailableError("busy", time.Hour), func() {})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, delay)
	assert.True(t, s.Pending("config"))
}

func TestScheduler_Runs(t *testing.T) {
	s := NewScheduler(slog.Default(), constant(time.Millisecond))
	defer s.Stop()

	var ran atomic.Int32
	_, err := s.Schedule("config", NewUnavailableError("busy", 0), func() { ran.Add(1) })
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, time.Millisecond)
}

func TestScheduler_Supersede(t *testing.T) {
	s := NewScheduler(slog.Default(), constant(50*time.Millisecond))
	defer s.Stop()

	var ran atomic.Int32
	_, err := s.Schedule("config", NewUnavailableError("busy", 0), func() { ran.Add(1) })
	require.NoError(t, err)
	s.Supersede("config")
	assert.False(t, s.Pending("config"))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, ran.Load())
}

func TestScheduler_RescheduleReplaces(t *testing.T) {
	s := NewScheduler(slog.Default(), constant(20*time.Millisecond))
	defer s.Stop()

	var first, second atomic.Int32
	_, err := s.Schedule("packages", NewUnavailableError("busy", 0), func() { first.Add(1) })
	require.NoError(t, err)
	_, err = s.Schedule("packages", NewUnavailableError("busy", 0), func() { second.Add(1) })
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, first.Load())
}

func TestScheduler_Exhausted(t *testing.T) {
	s := NewScheduler(slog.Default(), WithBackOff(func() backoff.BackOff {
		return &backoff.StopBackOff{}
	}))
	_, err := s.Schedule("config", NewUnavailableError("busy", 0), func() {})
	require.ErrorIs(t, err, ErrExhausted)
}

func TestAdmission(t *testing.T) {
	now := time.Now()
	a := NewAdmission(1, 1)

	assert.Nil(t, a.Admit(now))
	rejected := a.Admit(now)
	require.NotNil(t, rejected)
	assert.Equal(t, Unavailable, rejected.Kind)
	assert.InDelta(t, float64(time.Second), float64(rejected.RetryAfter), float64(10*time.Millisecond))

	// a rejected reservation gives its token back
	assert.Nil(t, a.Admit(now.Add(time.Second)))
}

func TestAdmission_Disabled(t *testing.T) {
	a := NewAdmission(0, 0)
	now := time.Now()
	for range 100 {
		assert.Nil(t, a.Admit(now))
	}
}
