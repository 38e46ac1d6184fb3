package chathub

import (
	"clinicchat/backend/internal/config"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// backoffDelay is BackoffBase·2^attempt plus jitter, capped at BackoffCap.
func backoffDelay(attempt int, jitter time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := config.BackoffCap
	if attempt < 16 {
		d = config.BackoffBase << uint(attempt)
	}
	d += jitter
	if d > config.BackoffCap {
		d = config.BackoffCap
	}
	return d
}

func randomJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(config.BackoffJitter)))
}

// ConnectionRecovery retries onReconnect with exponential backoff after the
// connection is reported lost, at most BackoffMaxAttempts times. Reporting
// the connection as up resets the attempt counter.
type ConnectionRecovery struct {
	clock       clock.Clock
	onReconnect func()
	jitter      func() time.Duration

	mu        sync.Mutex
	connected bool
	attempt   int
	timer     *clock.Timer
	gen       uint64
	stopped   bool
}

// NewConnectionRecovery creates a recovery loop that starts out connected.
func NewConnectionRecovery(clk clock.Clock, onReconnect func()) *ConnectionRecovery {
	return &ConnectionRecovery{
		clock:       clk,
		onReconnect: onReconnect,
		jitter:      randomJitter,
		connected:   true,
	}
}

// SetConnected reports the connection state. A transition to disconnected
// schedules the first retry.
func (r *ConnectionRecovery) SetConnected(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || connected == r.connected {
		return
	}
	r.connected = connected
	r.gen++
	r.stopTimerLocked()

	if connected {
		r.attempt = 0
		return
	}
	r.scheduleLocked()
}

// Attempts returns how many retries have been made since the connection
// was lost.
func (r *ConnectionRecovery) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Stop cancels any scheduled retry for good.
func (r *ConnectionRecovery) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.gen++
	r.stopTimerLocked()
}

// Reset returns a stopped loop to its initial connected state so it can be
// used again.
func (r *ConnectionRecovery) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = false
	r.connected = true
	r.attempt = 0
	r.gen++
	r.stopTimerLocked()
}

func (r *ConnectionRecovery) scheduleLocked() {
	if r.attempt >= config.BackoffMaxAttempts {
		zap.S().Warnw("giving up on change feed reconnect", "attempts", r.attempt)
		return
	}
	gen := r.gen
	delay := backoffDelay(r.attempt, r.jitter())
	r.timer = r.clock.AfterFunc(delay, func() { r.retry(gen) })
}

func (r *ConnectionRecovery) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *ConnectionRecovery) retry(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.connected || r.stopped {
		r.mu.Unlock()
		return
	}
	r.attempt++
	r.timer = nil
	attempt := r.attempt
	r.mu.Unlock()

	zap.S().Infow("reconnecting change feed", "attempt", attempt)
	r.onReconnect()

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen == r.gen && !r.connected && !r.stopped {
		r.scheduleLocked()
	}
}
