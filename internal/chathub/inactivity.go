package chathub

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// InactivityPhase is the state of an InactivityMonitor.
type InactivityPhase int

const (
	// InactivityIdle: not counting.
	InactivityIdle InactivityPhase = iota
	// InactivityWarning: counting; Minutes() warnings have been issued.
	InactivityWarning
	// InactivityAutoEnding: the expiry callback is running.
	InactivityAutoEnding
	// InactivityEnded: the expiry callback has returned.
	InactivityEnded
)

func (p InactivityPhase) String() string {
	switch p {
	case InactivityIdle:
		return "idle"
	case InactivityWarning:
		return "warning"
	case InactivityAutoEnding:
		return "auto-ending"
	case InactivityEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// InactivityMonitor issues a warning every step of silence and calls the
// expiry callback one step after the last warning. It owns a single timer;
// a generation counter invalidates callbacks of timers that were replaced.
//
// Callbacks run without the monitor lock held, so they may call back into
// the monitor.
type InactivityMonitor struct {
	clock     clock.Clock
	step      time.Duration
	warnings  int
	onWarning func(n int)
	onExpire  func()

	mu      sync.Mutex
	phase   InactivityPhase
	minutes int
	timer   *clock.Timer
	gen     uint64
	// restart is set by Start while auto-ending; the countdown begins again
	// once the expiry callback returns.
	restart bool
}

// NewInactivityMonitor creates an idle monitor.
func NewInactivityMonitor(clk clock.Clock, step time.Duration, warnings int, onWarning func(n int), onExpire func()) *InactivityMonitor {
	return &InactivityMonitor{
		clock:     clk,
		step:      step,
		warnings:  warnings,
		onWarning: onWarning,
		onExpire:  onExpire,
	}
}

// Start begins a fresh countdown. While auto-ending it is deferred until
// the expiry callback returns.
func (m *InactivityMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == InactivityAutoEnding {
		m.restart = true
		return
	}
	m.restartLocked()
}

// Reset restarts a running countdown after activity. It does nothing when
// the monitor is not counting, including while auto-ending.
func (m *InactivityMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != InactivityWarning {
		return
	}
	m.restartLocked()
}

// Stop cancels the countdown. While auto-ending the expiry is left to
// finish and the monitor settles into InactivityEnded afterwards.
func (m *InactivityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == InactivityAutoEnding {
		m.restart = false
		return
	}
	m.stopTimerLocked()
	m.gen++
	m.phase = InactivityIdle
	m.minutes = 0
}

// Phase returns the current phase.
func (m *InactivityMonitor) Phase() InactivityPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Minutes returns the number of steps elapsed in the current countdown.
func (m *InactivityMonitor) Minutes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minutes
}

func (m *InactivityMonitor) restartLocked() {
	m.stopTimerLocked()
	m.gen++
	m.phase = InactivityWarning
	m.minutes = 0
	m.armLocked()
}

func (m *InactivityMonitor) armLocked() {
	gen := m.gen
	m.timer = m.clock.AfterFunc(m.step, func() { m.fire(gen) })
}

func (m *InactivityMonitor) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *InactivityMonitor) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.phase != InactivityWarning {
		m.mu.Unlock()
		return
	}

	m.minutes++
	if m.minutes <= m.warnings {
		n := m.minutes
		m.armLocked()
		m.mu.Unlock()
		if m.onWarning != nil {
			m.onWarning(n)
		}
		return
	}

	m.phase = InactivityAutoEnding
	m.restart = false
	m.timer = nil
	m.mu.Unlock()

	if m.onExpire != nil {
		m.onExpire()
	}

	m.mu.Lock()
	if m.phase == InactivityAutoEnding {
		m.phase = InactivityEnded
		if m.restart {
			m.restart = false
			m.restartLocked()
		}
	}
	m.mu.Unlock()
}
