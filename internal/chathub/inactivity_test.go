package chathub

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inactivityRecorder struct {
	mu       sync.Mutex
	warnings []int
	expired  int
}

func (r *inactivityRecorder) warn(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, n)
}

func (r *inactivityRecorder) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired++
}

func (r *inactivityRecorder) snapshot() ([]int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.warnings...), r.expired
}

func (r *inactivityRecorder) warningCount() int {
	w, _ := r.snapshot()
	return len(w)
}

func TestInactivityMonitor_WarnsThenExpires(t *testing.T) {
	// Arrange
	clk := clock.NewMock()
	rec := &inactivityRecorder{}
	m := NewInactivityMonitor(clk, time.Minute, 4, rec.warn, rec.expire)

	// Act
	m.Start()
	for i := 1; i <= 4; i++ {
		clk.Add(time.Minute)
		require.Eventually(t, func() bool { return rec.warningCount() == i }, time.Second, time.Millisecond)
		assert.Equal(t, i, m.Minutes())
	}
	clk.Add(time.Minute)

	// Assert
	require.Eventually(t, func() bool { return m.Phase() == InactivityEnded }, time.Second, time.Millisecond)
	warnings, expired := rec.snapshot()
	assert.Equal(t, []int{1, 2, 3, 4}, warnings)
	assert.Equal(t, 1, expired)
}

func TestInactivityMonitor_ResetRestartsCycle(t *testing.T) {
	clk := clock.NewMock()
	rec := &inactivityRecorder{}
	m := NewInactivityMonitor(clk, time.Minute, 4, rec.warn, rec.expire)

	m.Start()
	for i := 1; i <= 4; i++ {
		clk.Add(time.Minute)
		require.Eventually(t, func() bool { return rec.warningCount() == i }, time.Second, time.Millisecond)
	}

	// Activity at t=250s.
	clk.Add(10 * time.Second)
	m.Reset()
	assert.Equal(t, 0, m.Minutes())

	// t=300s: the original deadline passes without expiry.
	clk.Add(50 * time.Second)
	assert.Never(t, func() bool {
		_, expired := rec.snapshot()
		return expired > 0
	}, 50*time.Millisecond, 5*time.Millisecond)

	// t=310s: first warning of the new cycle.
	clk.Add(10 * time.Second)
	require.Eventually(t, func() bool { return rec.warningCount() == 5 }, time.Second, time.Millisecond)
	warnings, _ := rec.snapshot()
	assert.Equal(t, 1, warnings[4])
	assert.Equal(t, InactivityWarning, m.Phase())
}

func TestInactivityMonitor_ResetIgnoredWhenIdle(t *testing.T) {
	clk := clock.NewMock()
	rec := &inactivityRecorder{}
	m := NewInactivityMonitor(clk, time.Minute, 4, rec.warn, rec.expire)

	m.Reset()
	clk.Add(2 * time.Minute)

	assert.Equal(t, InactivityIdle, m.Phase())
	assert.Never(t, func() bool { return rec.warningCount() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestInactivityMonitor_StopCancels(t *testing.T) {
	clk := clock.NewMock()
	rec := &inactivityRecorder{}
	m := NewInactivityMonitor(clk, time.Minute, 4, rec.warn, rec.expire)

	m.Start()
	m.Stop()
	clk.Add(10 * time.Minute)

	assert.Equal(t, InactivityIdle, m.Phase())
	assert.Never(t, func() bool { return rec.warningCount() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestInactivityMonitor_StopDuringAutoEndLetsExpiryFinish(t *testing.T) {
	clk := clock.NewMock()
	entered := make(chan struct{})
	release := make(chan struct{})
	m := NewInactivityMonitor(clk, time.Minute, 0, nil, func() {
		close(entered)
		<-release
	})

	m.Start()
	clk.Add(time.Minute)
	<-entered

	m.Start()
	m.Stop()
	m.Reset()
	assert.Equal(t, InactivityAutoEnding, m.Phase())

	close(release)
	require.Eventually(t, func() bool { return m.Phase() == InactivityEnded }, time.Second, time.Millisecond)
}

func TestInactivityMonitor_StartDuringAutoEndRestartsAfterExpiry(t *testing.T) {
	clk := clock.NewMock()
	rec := &inactivityRecorder{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m := NewInactivityMonitor(clk, time.Minute, 1, rec.warn, func() {
		once.Do(func() {
			close(entered)
			<-release
		})
		rec.expire()
	})

	m.Start()
	clk.Add(time.Minute)
	require.Eventually(t, func() bool { return rec.warningCount() == 1 }, time.Second, time.Millisecond)
	clk.Add(time.Minute)
	<-entered

	// The chat came back while the expiry was still running.
	m.Start()
	assert.Equal(t, InactivityAutoEnding, m.Phase())
	close(release)

	require.Eventually(t, func() bool { return m.Phase() == InactivityWarning }, time.Second, time.Millisecond)
	assert.Equal(t, 0, m.Minutes())
	clk.Add(time.Minute)
	require.Eventually(t, func() bool { return rec.warningCount() == 2 }, time.Second, time.Millisecond)
}
