package netmon

import (
	"context"
	"time"
)

// ProbeSource synthesizes connectivity events by periodically probing the
// remote endpoint. It stands in for the platform connectivity capability
// on hosts that have no push-style signal of their own; on devices the
// platform glue feeds Monitor.Apply directly instead.
type ProbeSource struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	events   chan Event
}

// NewProbeSource creates a probe-driven event source.
func NewProbeSource(prober Prober, interval, timeout time.Duration) *ProbeSource {
	return &ProbeSource{
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		events:   make(chan Event, 1),
	}
}

// Events returns the event stream consumed by Monitor.Run.
func (s *ProbeSource) Events() <-chan Event {
	return s.events
}

// Run probes immediately on start, then on each tick. Blocks until ctx is
// cancelled, then closes the event stream.
func (s *ProbeSource) Run(ctx context.Context) {
	defer close(s.events)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *ProbeSource) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.prober.Ping(probeCtx)
	cancel()

	reachable := err == nil
	ev := Event{
		Connected: reachable,
		Type:      "ip",
		Reachable: &reachable,
	}

	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
