// Package netmon observes device connectivity. It consumes a push-style
// stream of platform connectivity events, derives a coarse quality grade,
// and exposes the last-known status plus a subscription mechanism that
// fires on transition edges.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetcomply/dutysync/internal/types"
)

// Event is one platform connectivity change.
type Event struct {
	Connected      bool
	Type           string // "wifi", "cellular", ...
	Reachable      *bool  // nil when the platform cannot tell
	SignalStrength *int   // 0-100 when available
}

// Prober performs an active, bounded-time connectivity check. Used when
// the passive signal is ambiguous.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor is the single long-lived connectivity observer.
type Monitor struct {
	prober Prober

	mu      sync.RWMutex
	status  types.NetworkStatus
	subs    map[int]func(types.NetworkStatus)
	nextSub int
	waiters []chan struct{}
}

// New creates a monitor with an unknown initial status.
func New(prober Prober) *Monitor {
	return &Monitor{
		prober: prober,
		status: types.NetworkStatus{Quality: types.QualityUnknown},
		subs:   make(map[int]func(types.NetworkStatus)),
	}
}

// Run consumes events until ctx is cancelled. Blocks.
func (m *Monitor) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Apply(ev)
		}
	}
}

// Apply recomputes the status from one platform event and notifies
// subscribers. Transition timestamps are stamped only on actual edges,
// not on every event.
func (m *Monitor) Apply(ev Event) {
	m.mu.Lock()

	prev := m.status
	now := time.Now().UTC()

	m.status.Connected = ev.Connected
	m.status.ConnectionType = ev.Type
	m.status.InternetReachable = ev.Reachable
	m.status.Quality = deriveQuality(ev)

	var reconnected bool
	if ev.Connected && !prev.Connected {
		m.status.LastConnectedAt = now
		reconnected = true
	}
	if !ev.Connected && prev.Connected {
		m.status.LastDisconnectedAt = now
	}

	status := m.status
	callbacks := make([]func(types.NetworkStatus), 0, len(m.subs))
	for _, fn := range m.subs {
		callbacks = append(callbacks, fn)
	}

	var waiters []chan struct{}
	if reconnected {
		waiters = m.waiters
		m.waiters = nil
	}
	m.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	for _, fn := range callbacks {
		notify(fn, status)
	}
}

// notify invokes one subscriber, isolating panics so a failing listener
// cannot prevent notification of the rest.
func notify(fn func(types.NetworkStatus), status types.NetworkStatus) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("network subscriber panicked", "panic", r, "component", "netmon")
		}
	}()
	fn(status)
}

// Status returns the last-known status. Never blocks.
func (m *Monitor) Status() types.NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe registers a callback. It is called once immediately with the
// current status, then on every subsequent event.
func (m *Monitor) Subscribe(fn func(types.NetworkStatus)) int {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	status := m.status
	m.mu.Unlock()

	notify(fn, status)
	return id
}

// Unsubscribe removes a subscription.
func (m *Monitor) Unsubscribe(id int) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

// TestConnection actively probes the remote endpoint within the timeout.
func (m *Monitor) TestConnection(ctx context.Context, timeout time.Duration) error {
	if m.prober == nil {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.prober.Ping(probeCtx)
}

// WaitForConnection blocks until the next disconnected→connected edge,
// returning true, or until the timeout elapses, returning false. Returns
// true immediately when already connected.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	m.mu.Lock()
	if m.status.Connected {
		m.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// deriveQuality grades connectivity: signal-strength thresholds when the
// platform reports one, otherwise "good" while connected.
func deriveQuality(ev Event) types.ConnectionQuality {
	if !ev.Connected {
		return types.QualityUnknown
	}
	if ev.SignalStrength == nil {
		return types.QualityGood
	}
	switch s := *ev.SignalStrength; {
	case s >= 75:
		return types.QualityExcellent
	case s >= 40:
		return types.QualityGood
	default:
		return types.QualityPoor
	}
}
