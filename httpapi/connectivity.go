package httpapi

import (
	"context"
	"sync"
)

// ConnectivityProbe reports whether the environment is known to be
// offline and lets a caller wait for the next offline-to-online
// transition. Implementations are platform specific: a desktop app might
// watch interface state, a mobile shell its reachability callbacks.
type ConnectivityProbe interface {
	// Offline reports whether the environment is currently known to be
	// offline. False means online or unknown.
	Offline() bool

	// AwaitOnline blocks until the environment transitions online or the
	// context is done. Returns immediately when already online.
	AwaitOnline(ctx context.Context) error
}

// Monitor is a manually driven ConnectivityProbe. The embedding
// application feeds it link-state changes via SetOnline; waiters blocked
// in AwaitOnline are released on the offline-to-online transition.
//
// The zero value is not usable; call NewMonitor.
type Monitor struct {
	mu     sync.Mutex
	online bool
	wakeCh chan struct{}
}

// NewMonitor creates a Monitor that starts in the online state.
func NewMonitor() *Monitor {
	return &Monitor{
		online: true,
		wakeCh: make(chan struct{}),
	}
}

// Offline implements ConnectivityProbe.
func (m *Monitor) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.online
}

// SetOnline records a link-state change. Transitioning to online releases
// every goroutine blocked in AwaitOnline exactly once.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if online == m.online {
		return
	}
	m.online = online
	if online {
		close(m.wakeCh)
		m.wakeCh = make(chan struct{})
	}
}

// AwaitOnline implements ConnectivityProbe.
func (m *Monitor) AwaitOnline(ctx context.Context) error {
	m.mu.Lock()
	if m.online {
		m.mu.Unlock()
		return nil
	}
	wake := m.wakeCh
	m.mu.Unlock()

	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
