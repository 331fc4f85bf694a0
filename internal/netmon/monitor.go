// Package netmon tracks connectivity to the school backend through a
// three-state machine (online, offline, reconnecting) and a lightweight
// reachability probe. The sync engine subscribes to the restored event
// to drain the queue the moment the connection comes back.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the current connectivity assessment.
type State string

const (
	StateOnline State = "online"
	// StateOffline means connectivity is known lost; probes continue on
	// a capped exponential backoff.
	StateOffline State = "offline"
	// StateReconnecting means connectivity was reported restored but the
	// probe has not confirmed it yet.
	StateReconnecting State = "reconnecting"
)

// Prober is the lightweight reachability check. The REST client's
// health endpoint implements it in production.
type Prober interface {
	Probe(ctx context.Context) error
}

// Config holds the probe backoff tunables.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Minute
	}
}

// Monitor owns the connectivity state machine.
type Monitor struct {
	prober Prober
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	attempts   int
	onRestored []func()
	running    bool

	probeCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a monitor that starts out online. A nil prober always
// succeeds, leaving the monitor driven by Report signals alone.
func New(prober Prober, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Monitor{
		prober:  prober,
		cfg:     cfg,
		logger:  logger.With("component", "netmon"),
		state:   StateOnline,
		probeCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// State returns the current connectivity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnRestored registers a callback fired on every transition into online.
// Callbacks run on the monitor goroutine and must not block.
func (m *Monitor) OnRestored(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRestored = append(m.onRestored, fn)
}

// Start launches the probe loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop terminates the probe loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

// ReportDown records an authoritative connectivity-loss signal
// (the platform's offline event, or a connection-level network error).
func (m *Monitor) ReportDown() {
	m.mu.Lock()
	if m.state == StateOffline {
		m.mu.Unlock()
		return
	}
	m.state = StateOffline
	m.attempts = 0
	m.mu.Unlock()

	m.logger.Info("connectivity lost")
	m.kickProbe()
}

// ReportUp records a connectivity-restored signal. The monitor moves to
// reconnecting and probes immediately; online is only entered once the
// probe succeeds.
func (m *Monitor) ReportUp() {
	m.mu.Lock()
	if m.state == StateOnline {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.attempts = 0
	m.mu.Unlock()

	m.logger.Info("connectivity reported restored, probing")
	m.kickProbe()
}

// ReportSuspect handles an apply failure that happened while online.
// One failed call is a signal to re-probe, not proof of an outage, so
// the monitor moves to reconnecting instead of flapping offline.
func (m *Monitor) ReportSuspect() {
	m.mu.Lock()
	if m.state != StateOnline {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.attempts = 0
	m.mu.Unlock()

	m.logger.Info("apply failed while online, re-probing")
	m.kickProbe()
}

func (m *Monitor) kickProbe() {
	select {
	case m.probeCh <- struct{}{}:
	default:
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	var timer *time.Timer
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
	defer stopTimer()

	for {
		var timerCh <-chan time.Time
		if timer != nil {
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-m.probeCh:
			stopTimer()
		case <-timerCh:
			timer = nil
		}

		if m.State() == StateOnline {
			continue
		}

		if err := m.probe(ctx); err != nil {
			m.mu.Lock()
			m.state = StateOffline
			m.attempts++
			delay := m.probeBackoff(m.attempts)
			m.mu.Unlock()

			m.logger.Debug("probe failed", "error", err, "next_probe_in", delay)
			stopTimer()
			timer = time.NewTimer(delay)
			continue
		}

		m.mu.Lock()
		m.state = StateOnline
		m.attempts = 0
		callbacks := make([]func(), len(m.onRestored))
		copy(callbacks, m.onRestored)
		m.mu.Unlock()

		m.logger.Info("connectivity restored")
		for _, fn := range callbacks {
			fn()
		}
	}
}

func (m *Monitor) probe(ctx context.Context) error {
	if m.prober == nil {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.prober.Probe(probeCtx)
}

// probeBackoff returns the delay before probe attempt n+1.
func (m *Monitor) probeBackoff(attempts int) time.Duration {
	d := m.cfg.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= m.cfg.MaxDelay {
			return m.cfg.MaxDelay
		}
	}
	return d
}
