package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(cfg Config) (*Scheduler, *time.Time) {
	s := New(cfg, nil)
	now := time.Now()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestAcquireOpenCircuit(t *testing.T) {
	s, _ := newTestScheduler(Config{FailureThreshold: 5, Cooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		s.ReportFailure("ex.com")
	}
	ok, err := s.Acquire(ctx, "ex.com")
	require.NoError(t, err)
	assert.True(t, ok, "circuit still closed below threshold")
	s.Release("ex.com")

	s.ReportFailure("ex.com")
	assert.Equal(t, CircuitOpen, s.Circuit("ex.com"))

	ok, err = s.Acquire(ctx, "ex.com")
	require.NoError(t, err)
	assert.False(t, ok, "open circuit refuses without error")
}

func TestCircuitScopedPerDomain(t *testing.T) {
	s, _ := newTestScheduler(Config{FailureThreshold: 2, Cooldown: time.Minute})
	ctx := context.Background()

	s.ReportFailure("bad.com")
	s.ReportFailure("bad.com")

	ok, err := s.Acquire(ctx, "bad.com")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Acquire(ctx, "good.com")
	require.NoError(t, err)
	assert.True(t, ok)
	s.Release("good.com")
}

func TestHalfOpenSingleProbe(t *testing.T) {
	s, now := newTestScheduler(Config{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	s.ReportFailure("ex.com")
	require.Equal(t, CircuitOpen, s.Circuit("ex.com"))

	*now = now.Add(61 * time.Second)
	require.Equal(t, CircuitHalfOpen, s.Circuit("ex.com"))

	ok, err := s.Acquire(ctx, "ex.com")
	require.NoError(t, err)
	assert.True(t, ok, "cooldown elapsed admits a probe")

	ok, err = s.Acquire(ctx, "ex.com")
	require.NoError(t, err)
	assert.False(t, ok, "only one probe at a time")
	s.Release("ex.com")
}

func TestProbeSuccessClosesCircuit(t *testing.T) {
	s, now := newTestScheduler(Config{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	s.ReportFailure("ex.com")
	*now = now.Add(2 * time.Minute)

	ok, _ := s.Acquire(ctx, "ex.com")
	require.True(t, ok)
	s.Release("ex.com")
	s.ReportSuccess("ex.com")

	assert.Equal(t, CircuitClosed, s.Circuit("ex.com"))
	ok, _ = s.Acquire(ctx, "ex.com")
	assert.True(t, ok)
	s.Release("ex.com")
}

func TestProbeFailureReopensCircuit(t *testing.T) {
	s, now := newTestScheduler(Config{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	s.ReportFailure("ex.com")
	*now = now.Add(2 * time.Minute)

	ok, _ := s.Acquire(ctx, "ex.com")
	require.True(t, ok)
	s.Release("ex.com")
	s.ReportFailure("ex.com")

	assert.Equal(t, CircuitOpen, s.Circuit("ex.com"))
	ok, _ = s.Acquire(ctx, "ex.com")
	assert.False(t, ok, "failed probe restarts the cooldown")
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	s, _ := newTestScheduler(Config{FailureThreshold: 3, Cooldown: time.Minute})

	s.ReportFailure("ex.com")
	s.ReportFailure("ex.com")
	s.ReportSuccess("ex.com")
	s.ReportFailure("ex.com")
	s.ReportFailure("ex.com")

	assert.Equal(t, CircuitClosed, s.Circuit("ex.com"),
		"failures must be consecutive to trip the breaker")
}

func TestPerDomainConcurrencyBound(t *testing.T) {
	s, _ := newTestScheduler(Config{PerDomainConcurrency: 1})
	ctx := context.Background()

	ok, err := s.Acquire(ctx, "ex.com")
	require.NoError(t, err)
	require.True(t, ok)

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(blocked, "ex.com")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Release("ex.com")
	ok, err = s.Acquire(ctx, "ex.com")
	require.NoError(t, err)
	assert.True(t, ok)
	s.Release("ex.com")
}

func TestGlobalConcurrencyBound(t *testing.T) {
	s, _ := newTestScheduler(Config{GlobalConcurrency: 1})
	ctx := context.Background()

	ok, err := s.Acquire(ctx, "a.com")
	require.NoError(t, err)
	require.True(t, ok)

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(blocked, "b.com")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Release("a.com")
}
