// Package connmon tracks reachability of the plant server. Connectivity is
// observed, never assumed: a health endpoint is polled and transitions are
// reported to subscribers. The sync queue drains on every offline-to-online
// transition.
package connmon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const defaultInterval = 15 * time.Second

// Monitor polls a health URL and reports online/offline transitions.
type Monitor struct {
	healthURL string
	client    *http.Client
	interval  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	online   bool
	checked  bool
	onOnline []func()
	onChange []func(online bool)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithClient overrides the HTTP client used for probes.
func WithClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

// New builds a Monitor probing baseURL's health endpoint. The monitor
// starts pessimistic: offline until the first successful probe.
func New(baseURL string, opts ...Option) *Monitor {
	m := &Monitor{
		healthURL: baseURL + "/health",
		client:    &http.Client{Timeout: 5 * time.Second},
		interval:  defaultInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsOnline reports the last observed state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline subscribes to offline-to-online transitions. Callbacks run in
// their own goroutine.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// OnChange subscribes to every state transition.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Run polls until ctx is cancelled. The first probe happens immediately.
func (m *Monitor) Run(ctx context.Context) {
	m.CheckNow(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow performs one probe and returns the observed state.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	online := m.probe(ctx) == nil
	m.transition(online)
	return online
}

func (m *Monitor) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.healthURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (m *Monitor) transition(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	first := !m.checked
	m.online = online
	m.checked = true

	var fire []func()
	if online && !wasOnline {
		fire = append(fire, m.onOnline...)
	}
	var changed []func(bool)
	if first || wasOnline != online {
		changed = append(changed, m.onChange...)
	}
	m.mu.Unlock()

	if first || wasOnline != online {
		m.logger.Info("connectivity changed", "online", online)
	}
	for _, fn := range fire {
		go fn()
	}
	for _, fn := range changed {
		go fn(online)
	}
}
