package chathub

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Poller runs a callback immediately and then once per interval. A nil
// callback disables it; setting a callback again runs it immediately.
type Poller struct {
	clock clock.Clock

	mu       sync.Mutex
	fn       func(ctx context.Context)
	interval time.Duration
	runNow   bool

	wake chan struct{}
}

// NewPoller creates a disabled poller.
func NewPoller(clk clock.Clock, interval time.Duration) *Poller {
	return &Poller{
		clock:    clk,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// SetCallback replaces the callback. Passing nil disables polling.
func (p *Poller) SetCallback(fn func(ctx context.Context)) {
	p.mu.Lock()
	wasEnabled := p.fn != nil
	p.fn = fn
	enabled := fn != nil
	if enabled && !wasEnabled {
		p.runNow = true
	}
	p.mu.Unlock()

	if enabled != wasEnabled {
		p.signal()
	}
}

// SetInterval changes the cadence. The next run is one new interval away.
func (p *Poller) SetInterval(d time.Duration) {
	p.mu.Lock()
	if p.interval == d {
		p.mu.Unlock()
		return
	}
	p.interval = d
	p.mu.Unlock()
	p.signal()
}

// Trigger asks for an immediate run if the poller is enabled.
func (p *Poller) Trigger() {
	p.mu.Lock()
	p.runNow = true
	p.mu.Unlock()
	p.signal()
}

// Enabled reports whether a callback is set.
func (p *Poller) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fn != nil
}

func (p *Poller) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drives the poller until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.mu.Lock()
	p.runNow = true
	p.mu.Unlock()

	for {
		p.mu.Lock()
		fn, interval, runNow := p.fn, p.interval, p.runNow
		if fn != nil {
			p.runNow = false
		}
		p.mu.Unlock()

		// The timer is armed before the callback so the cadence does not
		// drift by the callback's duration.
		var (
			timer  *clock.Timer
			timerC <-chan time.Time
		)
		if fn != nil && interval > 0 {
			timer = p.clock.Timer(interval)
			timerC = timer.C
		}
		if fn != nil && runNow {
			fn(ctx)
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-p.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
			p.mu.Lock()
			p.runNow = true
			p.mu.Unlock()
		}
	}
}
