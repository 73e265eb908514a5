// Package connectivity tracks whether the authoritative server is reachable.
// Browser-style online/offline events are not reliable on every platform, so the
// monitor combines pushed reports, a periodic probe, and a manual override used
// for demos and tests.
package connectivity

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mediflowhq/inventory_agent/config"
)

// ProbeFunc reports whether the server currently answers. True means reachable.
type ProbeFunc func(ctx context.Context) bool

type Monitor struct {
	mu       sync.Mutex
	signal   bool  // last probe/report result: true = offline
	override *bool // manual override, takes precedence until cleared
	notified bool  // last value subscribers saw
	subs     map[int]func(offline bool)
	nextSub  int

	probe ProbeFunc
	done  chan struct{}
	once  sync.Once
}

// NewMonitor starts polling immediately. The initial state comes from one
// synchronous probe so the first reader never sees a default guess.
func NewMonitor(probe ProbeFunc) *Monitor {
	m := &Monitor{
		probe: probe,
		subs:  map[int]func(offline bool){},
		done:  make(chan struct{}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	m.signal = !probe(ctx)
	cancel()
	m.notified = m.effectiveLocked()

	go m.poll()
	return m
}

// DefaultProbe answers whether the server's health endpoint responds.
func DefaultProbe(baseURL string) ProbeFunc {
	client := &http.Client{Timeout: 800 * time.Millisecond}
	url := strings.TrimRight(baseURL, "/") + "/healthz"
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < 500
	}
}

func (m *Monitor) poll() {
	interval := config.ConnectivityPollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			reachable := m.probe(ctx)
			cancel()
			m.ingest(!reachable)
		}
	}
}

// IsOffline returns the effective state: the override when set, otherwise the
// last probe/report signal.
func (m *Monitor) IsOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveLocked()
}

// SetOffline forces the state for demos/debugging. Passing nil clears the
// override and the monitor falls back to the real signal.
func (m *Monitor) SetOffline(v *bool) {
	m.mu.Lock()
	m.override = v
	cbs := m.transitionLocked()
	m.mu.Unlock()
	m.fire(cbs)
}

// ReportOffline feeds an external offline event (OS signal, failed request).
func (m *Monitor) ReportOffline() { m.ingest(true) }

// ReportOnline feeds an external online event (OS signal, sync-ready push).
func (m *Monitor) ReportOnline() { m.ingest(false) }

func (m *Monitor) ingest(offline bool) {
	m.mu.Lock()
	m.signal = offline
	cbs := m.transitionLocked()
	m.mu.Unlock()
	m.fire(cbs)
}

// Subscribe registers a change callback and returns its release. Callbacks fire
// at most once per logical transition; repeated identical reads are silent.
func (m *Monitor) Subscribe(cb func(offline bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = cb
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Close stops polling and clears all subscriptions.
func (m *Monitor) Close() {
	m.once.Do(func() { close(m.done) })
	m.mu.Lock()
	m.subs = map[int]func(offline bool){}
	m.mu.Unlock()
}

func (m *Monitor) effectiveLocked() bool {
	if m.override != nil {
		return *m.override
	}
	return m.signal
}

// transitionLocked returns the callbacks to fire when the effective state
// actually changed, or nil.
func (m *Monitor) transitionLocked() []func(offline bool) {
	effective := m.effectiveLocked()
	if effective == m.notified {
		return nil
	}
	m.notified = effective
	cbs := make([]func(offline bool), 0, len(m.subs))
	for _, cb := range m.subs {
		cbs = append(cbs, cb)
	}
	return cbs
}

func (m *Monitor) fire(cbs []func(offline bool)) {
	if len(cbs) == 0 {
		return
	}
	offline := m.IsOffline()
	for _, cb := range cbs {
		cb(offline)
	}
}
