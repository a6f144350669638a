// Package connectivity tracks whether the remote service is reachable.
//
// A Monitor probes the service health endpoint on a fixed interval and
// publishes a connectivity_changed event on every transition. Components
// consult Online() instead of probing themselves, so the whole process
// agrees on one answer.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/memofeed/internal/events"
	"github.com/kimhsiao/memofeed/internal/logging"
)

// Prober checks service reachability. The remote client satisfies this.
type Prober interface {
	Health(ctx context.Context) error
}

// Monitor probes connectivity and broadcasts transitions.
type Monitor struct {
	prober   Prober
	bus      *events.Bus
	interval time.Duration
	timeout  time.Duration
	logger   *logging.Logger

	mu      sync.RWMutex
	online  bool
	running bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor probing on the given interval. The monitor
// starts pessimistic: offline until the first successful probe.
func NewMonitor(prober Prober, bus *events.Bus, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		prober:   prober,
		bus:      bus,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logging.Get().Named("connectivity"),
	}
}

// Start probes once immediately, then begins the periodic probe loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.CheckNow()

	m.wg.Add(1)
	go m.probeLoop()

	m.logger.Info("Connectivity monitor started", map[string]interface{}{
		"interval_seconds": int(m.interval.Seconds()),
	})
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Connectivity monitor stopped")
}

// Online reports the last known connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// CheckNow runs a probe immediately and returns the resulting state.
func (m *Monitor) CheckNow() bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	online := m.prober.Health(ctx) == nil
	m.SetOnline(online)
	return online
}

// SetOnline records a connectivity observation. Components that notice a
// definitive signal (a failed request, an OS network change) can push the
// state here without waiting for the next probe. Transitions publish a
// connectivity_changed event.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Info("Connectivity changed", map[string]interface{}{
		"online": online,
	})
	if m.bus != nil {
		m.bus.Publish(events.TypeConnectivityChanged, events.ConnectivityChange{Online: online})
	}
}

func (m *Monitor) probeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckNow()
		}
	}
}
