package connectivity

import (
	"sync"
	"time"

	"github.com/mfalcao/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Monitor tracks network reachability as observed by the transport
// adapters. Transitions are debounced: a reported change only commits after
// the settle delay passes without a contradicting report, so sub-second
// flapping never triggers redundant flush cycles.
//
// The daemon starts offline; the transport reports online once its first
// connection is up.
type Monitor struct {
	bus    *bus.Bus
	logger *zap.Logger
	settle time.Duration

	mu      sync.Mutex
	online  bool
	target  bool
	pending bool
	timer   *time.Timer
}

// NewMonitor creates a monitor with the given settle delay. A zero delay
// commits transitions immediately.
func NewMonitor(b *bus.Bus, settle time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		bus:    b,
		logger: logger,
		settle: settle,
	}
}

// Online returns the current committed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Report feeds one reachability observation. Safe for concurrent use.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending {
		if m.target == online {
			return
		}
	} else if m.online == online {
		return
	}

	m.target = online
	m.pending = true
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.settle <= 0 {
		m.commitLocked()
		return
	}
	m.timer = time.AfterFunc(m.settle, m.commit)
}

func (m *Monitor) commit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pending {
		return
	}
	m.commitLocked()
}

func (m *Monitor) commitLocked() {
	m.pending = false
	if m.online == m.target {
		// The flap cancelled itself out inside the settle window.
		return
	}
	m.online = m.target
	if m.online {
		m.logger.Info("connectivity online")
		m.bus.Emit(bus.KindNetOnline, nil)
	} else {
		m.logger.Warn("connectivity offline")
		m.bus.Emit(bus.KindNetOffline, nil)
	}
}

// Stop cancels any pending transition timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.pending = false
}
