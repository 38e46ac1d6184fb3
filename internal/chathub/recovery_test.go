package chathub

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		jitter  time.Duration
		want    time.Duration
	}{
		{0, 0, time.Second},
		{1, 0, 2 * time.Second},
		{2, time.Second, 5 * time.Second},
		{3, 0, 8 * time.Second},
		{5, 500 * time.Millisecond, 32500 * time.Millisecond},
		{6, 0, 60 * time.Second},
		{30, time.Second, 60 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(tt.attempt, tt.jitter), "attempt %d", tt.attempt)
	}
}

func retryScheduled(r *ConnectionRecovery, attempt int) func() bool {
	return func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.attempt == attempt && r.timer != nil
	}
}

func TestConnectionRecovery_RetriesWithBackoff(t *testing.T) {
	// Arrange
	clk := clock.NewMock()
	var calls int32
	r := NewConnectionRecovery(clk, func() { atomic.AddInt32(&calls, 1) })
	r.jitter = func() time.Duration { return 0 }

	// Act
	r.SetConnected(false)

	// Assert
	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, d := range delays {
		require.True(t, retryScheduled(r, i)(), "retry %d scheduled", i)
		clk.Add(d - time.Millisecond)
		assert.Equal(t, int32(i), atomic.LoadInt32(&calls), "not before the delay")
		clk.Add(time.Millisecond)
		require.Eventually(t, retryScheduled(r, i+1), time.Second, time.Millisecond)
	}

	clk.Add(16 * time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 5 }, time.Second, time.Millisecond)

	clk.Add(time.Hour)
	assert.Never(t, func() bool { return atomic.LoadInt32(&calls) > 5 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 5, r.Attempts())
}

func TestConnectionRecovery_ReconnectResetsAttempts(t *testing.T) {
	clk := clock.NewMock()
	var r *ConnectionRecovery
	var calls int32
	succeed := int32(0)
	r = NewConnectionRecovery(clk, func() {
		atomic.AddInt32(&calls, 1)
		if atomic.LoadInt32(&succeed) == 1 {
			r.SetConnected(true)
		}
	})
	r.jitter = func() time.Duration { return 0 }

	r.SetConnected(false)
	clk.Add(time.Second)
	require.Eventually(t, retryScheduled(r, 1), time.Second, time.Millisecond)

	atomic.StoreInt32(&succeed, 1)
	clk.Add(2 * time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 && r.Attempts() == 0 }, time.Second, time.Millisecond)

	// A new outage starts from the first delay again.
	atomic.StoreInt32(&succeed, 0)
	r.SetConnected(false)
	require.True(t, retryScheduled(r, 0)())
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, time.Second, time.Millisecond)
}

func TestConnectionRecovery_StopCancelsRetry(t *testing.T) {
	clk := clock.NewMock()
	var calls int32
	r := NewConnectionRecovery(clk, func() { atomic.AddInt32(&calls, 1) })
	r.jitter = func() time.Duration { return 0 }

	r.SetConnected(false)
	r.Stop()
	clk.Add(time.Minute)

	assert.Never(t, func() bool { return atomic.LoadInt32(&calls) > 0 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestConnectionRecovery_ResetAfterStop(t *testing.T) {
	clk := clock.NewMock()
	var calls int32
	r := NewConnectionRecovery(clk, func() { atomic.AddInt32(&calls, 1) })
	r.jitter = func() time.Duration { return 0 }
	r.Stop()

	r.Reset()
	r.SetConnected(false)

	require.True(t, retryScheduled(r, 0)())
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)
}
