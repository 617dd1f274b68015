package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	anomaly "sensorwatch/internal/anomaly/domain"
)

type countingRefresher struct {
	mu       sync.Mutex
	calls    int
	cancels  int
	selected bool
	ended    bool
	done     chan struct{}
}

func (c *countingRefresher) Refresh(context.Context) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	c.done <- struct{}{}
	return nil
}

func (c *countingRefresher) CancelRefresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	return false
}

func (c *countingRefresher) HasSelection() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

func (c *countingRefresher) Unauthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *countingRefresher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func manualTicks(ch chan time.Time) func(time.Duration) (<-chan time.Time, func()) {
	return func(time.Duration) (<-chan time.Time, func()) {
		return ch, func() {}
	}
}

func TestAutoRefresherSkipsWhileSuspended(t *testing.T) {
	target := &countingRefresher{selected: true, done: make(chan struct{}, 1)}
	ticks := make(chan time.Time)
	refresher := NewAutoRefresher(target, time.Second, nil)
	refresher.ticks = manualTicks(ticks)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		refresher.Start(ctx)
		close(stopped)
	}()

	ticks <- time.Now()
	<-target.done
	if target.count() != 1 {
		t.Fatalf("expected one refresh, got %d", target.count())
	}

	refresher.Suspend()
	refresher.Suspend()
	ticks <- time.Now()
	ticks <- time.Now()
	if target.count() != 1 {
		t.Fatalf("expected no refresh while suspended, got %d", target.count())
	}
	target.mu.Lock()
	cancels := target.cancels
	target.mu.Unlock()
	if cancels != 1 {
		t.Fatalf("expected one cancel for repeated suspends, got %d", cancels)
	}

	refresher.Resume()
	ticks <- time.Now()
	<-target.done
	if target.count() != 2 {
		t.Fatalf("expected refresh after resume, got %d", target.count())
	}

	cancel()
	<-stopped
}

func TestAutoRefresherWaitsForSelection(t *testing.T) {
	target := &countingRefresher{done: make(chan struct{}, 1)}
	ticks := make(chan time.Time)
	refresher := NewAutoRefresher(target, 0, nil)
	if refresher.interval != DefaultAutoRefresh {
		t.Fatalf("expected default interval, got %s", refresher.interval)
	}
	refresher.ticks = manualTicks(ticks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go refresher.Start(ctx)

	ticks <- time.Now()
	ticks <- time.Now()
	if target.count() != 0 {
		t.Fatalf("expected no refresh without a device, got %d", target.count())
	}
}

func TestAutoRefresherStopsWhenUnauthenticated(t *testing.T) {
	target := &countingRefresher{selected: true, ended: true, done: make(chan struct{}, 1)}
	ticks := make(chan time.Time, 1)
	refresher := NewAutoRefresher(target, time.Second, nil)
	refresher.ticks = manualTicks(ticks)

	stopped := make(chan struct{})
	go func() {
		refresher.Start(context.Background())
		close(stopped)
	}()
	ticks <- time.Now()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected loop to stop after the session ended")
	}
	if target.count() != 0 {
		t.Fatalf("expected no refresh, got %d", target.count())
	}
}

func TestSuspendCancelsRefreshInFlight(t *testing.T) {
	h := newHarness(t)
	h.devices.readings = []anomaly.Reading{sample(at(12, 0), 22, 55, 80)}
	late := anomaly.Record{ID: "late", DeviceID: "dev-1", Timestamp: at(11, 0), Type: anomaly.TypeSuddenDrop, Severity: anomaly.SeverityHigh, DetectionMethod: anomaly.MethodRuleBased}

	started := make(chan struct{})
	release := make(chan struct{})
	h.service.historyHook = func(call int) ([]anomaly.Record, bool) {
		if call == 1 {
			close(started)
			<-release
		}
		return []anomaly.Record{late}, true
	}

	done := make(chan error, 1)
	go func() { done <- h.vm.Refresh(context.Background()) }()
	<-started

	refresher := NewAutoRefresher(h.vm, time.Second, nil)
	refresher.Suspend()
	if !refresher.Suspended() {
		t.Fatalf("expected suspended")
	}
	if h.vm.State().Loading {
		t.Fatalf("expected loading cleared once the refresh was cancelled")
	}
	close(release)
	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected cancelled refresh to be superseded, got %v", err)
	}
	if ids := issueIDs(h.vm.State()); len(ids) != 0 {
		t.Fatalf("cancelled refresh published issues %v", ids)
	}
	if h.vm.CancelRefresh() {
		t.Fatalf("expected nothing left to cancel")
	}

	refresher.Resume()
	if err := h.vm.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh after resume: %v", err)
	}
	if ids := issueIDs(h.vm.State()); len(ids) != 1 || ids[0] != "late" {
		t.Fatalf("expected history after resume, got %v", ids)
	}
}
