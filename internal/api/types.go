package api

import (
	stdcontext "context"
	"errors"
	"time"

	"github.com/Paintersrp/tether/internal/lifecycle"
	"github.com/Paintersrp/tether/internal/supervisor"
)

var (
	ErrNoBackend = errors.New("no backend configured")
)

// ProcessReport describes the tracked backend process.
type ProcessReport struct {
	LaunchID   string    `json:"launch_id"`
	PID        int       `json:"pid"`
	Executable string    `json:"executable"`
	Args       []string  `json:"args"`
	StartedAt  time.Time `json:"started_at"`
	Exited     bool      `json:"exited"`
	ExitError  string    `json:"exit_error,omitempty"`
}

// StatusReport aggregates the host and backend state.
type StatusReport struct {
	App         string           `json:"app"`
	Backend     string           `json:"backend"`
	State       supervisor.State `json:"state"`
	GeneratedAt time.Time        `json:"generated_at"`
	Shutdown    lifecycle.Event  `json:"shutdown,omitempty"`
	Process     *ProcessReport   `json:"process,omitempty"`
}

// ShutdownResult captures the outcome of a shutdown request.
type ShutdownResult struct {
	Event       lifecycle.Event `json:"event"`
	RequestedAt time.Time       `json:"requested_at"`
	// AlreadyShutdown is set when an earlier event had already run the
	// shutdown hooks.
	AlreadyShutdown bool `json:"already_shutdown"`
}

// Controller exposes host operations required by control servers.
type Controller interface {
	Status(stdcontext.Context) (*StatusReport, error)
	RequestShutdown(stdcontext.Context) (*ShutdownResult, error)
}

// Host is the Controller backed by a running shell.
type Host struct {
	App        string
	Supervisor *supervisor.Supervisor
	Lifecycle  *lifecycle.Manager
}

// Status reports the supervisor state and tracked process, if any.
func (h *Host) Status(ctx stdcontext.Context) (*StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.Supervisor == nil {
		return nil, ErrNoBackend
	}
	report := &StatusReport{
		App:         h.App,
		Backend:     h.Supervisor.Name(),
		State:       h.Supervisor.State(),
		GeneratedAt: time.Now().UTC(),
	}
	if h.Lifecycle != nil {
		report.Shutdown = h.Lifecycle.ShutdownEvent()
	}
	if info, ok := h.Supervisor.Process(); ok {
		report.Process = &ProcessReport{
			LaunchID:   info.LaunchID,
			PID:        info.PID,
			Executable: info.Executable,
			Args:       append([]string(nil), info.Args...),
			StartedAt:  info.StartedAt,
			Exited:     info.Exited,
		}
		if info.ExitErr != nil {
			report.Process.ExitError = info.ExitErr.Error()
		}
	}
	return report, nil
}

// RequestShutdown emits ExitRequested on the lifecycle manager.
func (h *Host) RequestShutdown(ctx stdcontext.Context) (*ShutdownResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.Lifecycle == nil {
		return nil, ErrNoBackend
	}
	result := &ShutdownResult{
		Event:       lifecycle.EventExitRequested,
		RequestedAt: time.Now().UTC(),
	}
	if prior := h.Lifecycle.ShutdownEvent(); prior != "" {
		result.Event = prior
		result.AlreadyShutdown = true
		return result, nil
	}
	h.Lifecycle.Shutdown(lifecycle.EventExitRequested)
	return result, nil
}
