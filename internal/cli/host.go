package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/Paintersrp/tether/internal/api"
	httpapi "github.com/Paintersrp/tether/internal/api/http"
	"github.com/Paintersrp/tether/internal/config"
	"github.com/Paintersrp/tether/internal/lifecycle"
	"github.com/Paintersrp/tether/internal/logmux"
	"github.com/Paintersrp/tether/internal/supervisor"
)

const (
	eventBuffer = 256

	// drainTimeout bounds how long shutdown waits for the backend's output
	// to be fully relayed.
	drainTimeout = 5 * time.Second
)

// host wires one supervised backend to the lifecycle hooks of a shell.
type host struct {
	manifest  *config.Manifest
	logger    *slog.Logger
	lifecycle *lifecycle.Manager
	backend   *supervisor.Supervisor
	events    chan supervisor.Event
	mux       *logmux.Mux

	// listener overrides the manifest API address, used by tests.
	listener net.Listener
}

func newHost(m *config.Manifest, logger *slog.Logger) (*host, error) {
	if m == nil || m.Backend == nil {
		return nil, errors.New("manifest has no backend")
	}
	events := make(chan supervisor.Event, eventBuffer)
	sup := supervisor.New(
		supervisor.WithName(m.Backend.Name),
		supervisor.WithDir(m.Backend.ResolvedWorkdir),
		supervisor.WithEnv(m.Backend.Env),
		supervisor.WithEvents(events),
		supervisor.WithLogger(logger),
	)

	mux := logmux.New(events, eventBuffer)

	mgr := lifecycle.NewManager(logger)
	executable, args := m.Backend.Launch()
	lifecycle.Bind(mgr, sup, lifecycle.Launch{Executable: executable, Args: args})

	return &host{
		manifest:  m,
		logger:    logger,
		lifecycle: mgr,
		backend:   sup,
		events:    events,
		mux:       mux,
	}, nil
}

// forward hands relayed events to handle in the background. After the
// lifecycle shuts down it waits for the backend's goroutines, closes the
// event pipeline and keeps forwarding until the relay is empty, so the
// stopping and stopped events are always handled. The returned channel is
// closed when forwarding ends.
func (h *host) forward(handle func(supervisor.Event)) <-chan struct{} {
	finished := make(chan struct{})
	abandon := make(chan struct{})

	go func() {
		<-h.lifecycle.Done()
		drained := make(chan struct{})
		go func() {
			h.backend.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			close(h.events)
		case <-time.After(drainTimeout):
			h.logger.Warn("backend output still open after shutdown", "backend", h.backend.Name())
			close(abandon)
		}
	}()

	go func() {
		defer close(finished)
		out := h.mux.Output()
		for {
			select {
			case evt, ok := <-out:
				if !ok {
					return
				}
				handle(evt)
			case <-abandon:
				return
			}
		}
	}()
	return finished
}

// startAPI serves the control API when enabled. The returned channel yields
// the server's exit error once ctx is cancelled; it is nil when disabled.
func (h *host) startAPI(ctx stdcontext.Context) (<-chan error, error) {
	if !h.manifest.API.Enabled && h.listener == nil {
		return nil, nil
	}
	server, err := httpapi.NewServer(httpapi.Config{
		Addr:       h.manifest.API.Addr,
		Listener:   h.listener,
		Logger:     h.logger,
		Controller: &api.Host{App: h.manifest.App.Name, Supervisor: h.backend, Lifecycle: h.lifecycle},
	})
	if err != nil {
		return nil, fmt.Errorf("control api: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(ctx)
	}()
	return errCh, nil
}

// ready emits the host's ready event. A backend that fails to spawn is
// reported but does not stop the shell.
func (h *host) ready(ctx stdcontext.Context) {
	err := h.lifecycle.Ready(ctx)
	var spawnErr *supervisor.SpawnError
	switch {
	case err == nil:
	case errors.As(err, &spawnErr):
		// Already logged by the bound hook.
	default:
		h.logger.Warn("ready hooks", "error", err)
	}
}
