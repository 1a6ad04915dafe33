package lifecycle

import (
	"context"
	"errors"

	"github.com/Paintersrp/tether/internal/supervisor"
)

// Backend is the part of a supervisor the host hooks need.
type Backend interface {
	Start(executable string, args []string) error
	Stop()
	Name() string
}

// Launch names the program started on ready.
type Launch struct {
	Executable string
	Args       []string
}

// Bind registers hooks that start sup when the host is ready and stop it on
// the first shutdown event. A spawn failure is logged and returned from
// Manager.Ready; the host keeps running without its backend.
func Bind(m *Manager, sup Backend, launch Launch) {
	m.OnReady(func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := sup.Start(launch.Executable, launch.Args)
		var spawnErr *supervisor.SpawnError
		switch {
		case err == nil:
		case errors.As(err, &spawnErr):
			m.logger.Error("backend unavailable, continuing without it", "backend", sup.Name(), "error", err)
		default:
			m.logger.Warn("backend start", "backend", sup.Name(), "error", err)
		}
		return err
	})
	m.OnShutdown(func(ev Event) {
		m.logger.Info("stopping backend", "backend", sup.Name(), "event", ev)
		sup.Stop()
	})
}
