package network

import (
	"context"
	"net"
	"sync"
	"time"

	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

// Prober checks backend reachability once.
type Prober interface {
	Probe(ctx context.Context) (models.NetworkState, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (models.NetworkState, error)

func (f ProberFunc) Probe(ctx context.Context) (models.NetworkState, error) { return f(ctx) }

// TCPProber reports connected when addr accepts a TCP connection within timeout.
func TCPProber(addr string, timeout time.Duration) Prober {
	return ProberFunc(func(ctx context.Context) (models.NetworkState, error) {
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return models.NetworkState{IsConnected: false, Type: "tcp"}, err
		}
		_ = conn.Close()
		return models.NetworkState{IsConnected: true, Type: "tcp"}, nil
	})
}

// Monitor debounces raw reachability observations into committed
// transitions and fans them out to subscribers.
type Monitor struct {
	mu        sync.Mutex
	state     models.NetworkState
	pending   *models.NetworkState
	timer     *time.Timer
	gen       uint64
	debounce  time.Duration
	listeners map[int]func(models.NetworkState)
	nextID    int
	logger    *zerolog.Logger
}

func NewMonitor(debounce time.Duration, logger *zerolog.Logger) *Monitor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Monitor{
		state:     models.NetworkState{IsConnected: false, Type: models.DefaultNetworkType},
		debounce:  debounce,
		listeners: make(map[int]func(models.NetworkState)),
		logger:    logger,
	}
}

func (m *Monitor) CurrentState() models.NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnChange registers fn for committed transitions.
func (m *Monitor) OnChange(fn func(models.NetworkState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Observe feeds one raw observation. Only connectivity changes count as
// transitions; a type change alone updates the committed state silently.
func (m *Monitor) Observe(state models.NetworkState) {
	if state.Type == "" {
		state.Type = models.DefaultNetworkType
	}

	m.mu.Lock()
	if state.IsConnected == m.state.IsConnected {
		m.state.Type = state.Type
		m.cancelPendingLocked()
		m.mu.Unlock()
		return
	}

	if m.debounce <= 0 {
		m.cancelPendingLocked()
		m.mu.Unlock()
		m.commit(state)
		return
	}

	if m.pending != nil && m.pending.IsConnected == state.IsConnected {
		m.pending = &state
		m.mu.Unlock()
		return
	}

	m.cancelPendingLocked()
	m.pending = &state
	gen := m.gen
	m.timer = time.AfterFunc(m.debounce, func() { m.fire(gen) })
	m.mu.Unlock()
}

// cancelPendingLocked drops the pending transition. Bumping gen makes a
// timer callback that already started a no-op.
func (m *Monitor) cancelPendingLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending = nil
}

func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	if m.pending == nil || gen != m.gen {
		m.mu.Unlock()
		return
	}
	state := *m.pending
	m.pending = nil
	m.timer = nil
	m.mu.Unlock()
	m.commit(state)
}

func (m *Monitor) commit(state models.NetworkState) {
	m.mu.Lock()
	if state.IsConnected == m.state.IsConnected {
		m.mu.Unlock()
		return
	}
	m.state = state
	fns := make([]func(models.NetworkState), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Info().Bool("connected", state.IsConnected).Str("type", state.Type).Msg("network state changed")
	for _, fn := range fns {
		fn(state)
	}
}

// Run polls prober every interval until ctx is done. A probe error counts
// as disconnected.
func (m *Monitor) Run(ctx context.Context, prober Prober, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m.poll(ctx, prober)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cancelPendingLocked()
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.poll(ctx, prober)
		}
	}
}

func (m *Monitor) poll(ctx context.Context, prober Prober) {
	state, err := prober.Probe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Debug().Err(err).Msg("network probe failed")
		state.IsConnected = false
	}
	m.Observe(state)
}
