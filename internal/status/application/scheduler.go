package application

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// DefaultAutoRefresh is the interval between background refreshes.
const DefaultAutoRefresh = 30 * time.Second

// Refresher is what the auto-refresher drives.
type Refresher interface {
	Refresh(ctx context.Context) error
	CancelRefresh() bool
	HasSelection() bool
	Unauthenticated() bool
}

// AutoRefresher re-runs Refresh on an interval while the view is visible.
type AutoRefresher struct {
	target   Refresher
	interval time.Duration
	logger   *log.Logger

	mu        sync.Mutex
	suspended bool
	ticks     func(time.Duration) (<-chan time.Time, func())
}

// NewAutoRefresher constructs an AutoRefresher. A non-positive interval uses DefaultAutoRefresh.
func NewAutoRefresher(target Refresher, interval time.Duration, logger *log.Logger) *AutoRefresher {
	if interval <= 0 {
		interval = DefaultAutoRefresh
	}
	return &AutoRefresher{
		target:   target,
		interval: interval,
		logger:   logger,
		ticks: func(d time.Duration) (<-chan time.Time, func()) {
			ticker := time.NewTicker(d)
			return ticker.C, ticker.Stop
		},
	}
}

// Start runs the loop until ctx ends or the session becomes unauthenticated.
func (a *AutoRefresher) Start(ctx context.Context) {
	if a == nil || a.target == nil {
		return
	}
	tick, stop := a.ticks(a.interval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if a.target.Unauthenticated() {
				a.logf("status auto-refresh stopped: unauthenticated")
				return
			}
			if !a.active() {
				continue
			}
			a.runOnce(ctx)
		}
	}
}

// Suspend pauses refreshes while the view is hidden and cancels the one in
// flight.
func (a *AutoRefresher) Suspend() {
	a.mu.Lock()
	already := a.suspended
	a.suspended = true
	a.mu.Unlock()
	if already {
		return
	}
	if a.target.CancelRefresh() {
		a.logf("status auto-refresh suspended: in-flight refresh cancelled")
		return
	}
	a.logf("status auto-refresh suspended")
}

// Resume restarts refreshes after Suspend.
func (a *AutoRefresher) Resume() {
	a.mu.Lock()
	was := a.suspended
	a.suspended = false
	a.mu.Unlock()
	if was {
		a.logf("status auto-refresh resumed")
	}
}

// Suspended reports whether refreshes are paused.
func (a *AutoRefresher) Suspended() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.suspended
}

func (a *AutoRefresher) active() bool {
	return !a.Suspended() && a.target.HasSelection()
}

func (a *AutoRefresher) runOnce(ctx context.Context) {
	err := a.target.Refresh(ctx)
	switch {
	case err == nil, errors.Is(err, ErrSuperseded):
	case errors.Is(err, ErrUnauthenticated):
		a.logf("status auto-refresh: session ended")
	default:
		a.logf("status auto-refresh error: %v", err)
	}
}

func (a *AutoRefresher) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}
