package netmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Prober performs one reachability check against the server. A nil error
// means the server answered; link-layer connectivity alone is not enough.
type Prober interface {
	Probe(ctx context.Context) error
}

// Config holds the probing cadence and the debounce window.
type Config struct {
	// Interval between reachability probes.
	Interval time.Duration
	// Debounce is how long a state change must hold before an edge is
	// reported. Flaps shorter than this produce no notification.
	Debounce time.Duration
}

// DefaultConfig returns the production probing configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Debounce: 1500 * time.Millisecond,
	}
}

// Monitor tracks server reachability and notifies subscribers of
// debounced online/offline edges.
type Monitor struct {
	prober Prober
	cfg    Config
	logger *zap.Logger

	mu           sync.RWMutex
	online       bool
	pending      *bool
	pendingSince time.Time
	subs         []chan bool

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewMonitor creates a Monitor. It does not probe until Start is called.
func NewMonitor(prober Prober, cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}
	return &Monitor{prober: prober, cfg: cfg, logger: logger}
}

// Start seeds the current state with one immediate probe and begins the
// periodic probe loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	// First reading is applied directly; debounce only guards transitions.
	initial := m.probe(ctx)
	m.mu.Lock()
	m.online = initial
	m.mu.Unlock()
	m.logger.Info("connectivity monitor started", zap.Bool("online", initial))

	go m.loop(ctx)
}

// Stop halts the probe loop. Subscribers receive no further edges.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.started = false
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(m.probe(ctx), time.Now())
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
	defer cancel()
	return m.prober.Probe(probeCtx) == nil
}

// observe feeds one raw reading into the debounce state machine.
func (m *Monitor) observe(reachable bool, now time.Time) {
	m.mu.Lock()

	if reachable == m.online {
		m.pending = nil
		m.mu.Unlock()
		return
	}
	if m.pending == nil || *m.pending != reachable {
		r := reachable
		m.pending = &r
		m.pendingSince = now
		m.mu.Unlock()
		return
	}
	if now.Sub(m.pendingSince) < m.cfg.Debounce {
		m.mu.Unlock()
		return
	}

	m.online = reachable
	m.pending = nil
	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", reachable))
	for _, ch := range subs {
		select {
		case ch <- reachable:
		default:
			// Slow subscriber; the edge is dropped rather than blocking
			// the probe loop. IsOnline always has the current state.
		}
	}
}

// IsOnline returns the current debounced reachability.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe returns a channel receiving debounced online/offline edges.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 8)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}
