// Package lifecycle connects the host application's startup and shutdown
// events to the components that must react to them.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Event identifies a host lifecycle notification.
type Event string

const (
	// EventReady is emitted once the host has finished its own setup.
	EventReady Event = "ready"
	// EventWindowDestroyed is emitted when the host window has been closed.
	EventWindowDestroyed Event = "window_destroyed"
	// EventExitRequested is emitted when the application is asked to quit.
	EventExitRequested Event = "exit_requested"
)

// ErrShutdown is returned by Ready when shutdown has already happened.
var ErrShutdown = errors.New("lifecycle: already shut down")

// ReadyHook runs during the host's ready phase. A returned error is reported
// to the host but does not abort the remaining hooks.
type ReadyHook func(ctx context.Context) error

// ShutdownHook runs once, on the first shutdown event.
type ShutdownHook func(ev Event)

// Manager dispatches host lifecycle events to registered hooks. Ready hooks run
// at most once and shutdown hooks run at most once, regardless of how many
// shutdown events the host delivers.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	ready    []ReadyHook
	shutdown []ShutdownHook

	// phase serializes the ready and shutdown phases so a backend is never
	// started after shutdown hooks have run.
	phase        sync.Mutex
	readyOnce    sync.Once
	readyErr     error
	shutdownOnce sync.Once
	shutdownEv   Event
	done         chan struct{}
}

// NewManager constructs an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger,
		done:   make(chan struct{}),
	}
}

// OnReady registers a hook for the ready phase.
func (m *Manager) OnReady(hook ReadyHook) {
	if hook == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = append(m.ready, hook)
}

// OnShutdown registers a hook for the shutdown phase.
func (m *Manager) OnShutdown(hook ShutdownHook) {
	if hook == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = append(m.shutdown, hook)
}

// Ready runs every ready hook in registration order and returns their joined
// errors. Later calls return the first result without running hooks again.
// After Shutdown, Ready runs no hooks and returns ErrShutdown.
func (m *Manager) Ready(ctx context.Context) error {
	m.phase.Lock()
	defer m.phase.Unlock()
	m.readyOnce.Do(func() {
		select {
		case <-m.done:
			m.readyErr = ErrShutdown
			return
		default:
		}

		m.mu.Lock()
		hooks := append([]ReadyHook(nil), m.ready...)
		m.mu.Unlock()

		m.logger.Debug("lifecycle event", "event", EventReady, "hooks", len(hooks))
		var errs []error
		for _, hook := range hooks {
			if err := hook(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		m.readyErr = errors.Join(errs...)
	})
	return m.readyErr
}

// Shutdown runs the shutdown hooks in reverse registration order on the first
// call. Subsequent calls, with any event, are no-ops.
func (m *Manager) Shutdown(ev Event) {
	m.shutdownOnce.Do(func() {
		m.phase.Lock()
		defer m.phase.Unlock()

		m.mu.Lock()
		hooks := append([]ShutdownHook(nil), m.shutdown...)
		m.mu.Unlock()

		m.shutdownEv = ev
		m.logger.Debug("lifecycle event", "event", ev, "hooks", len(hooks))
		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i](ev)
		}
		close(m.done)
	})
}

// Done is closed once the shutdown hooks have run.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// ShutdownEvent returns the event that triggered shutdown, or "" before it.
func (m *Manager) ShutdownEvent() Event {
	select {
	case <-m.done:
		return m.shutdownEv
	default:
		return ""
	}
}
