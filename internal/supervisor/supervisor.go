package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Paintersrp/tether/internal/metrics"
)

// State reports whether the supervisor currently tracks a process.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

var (
	// ErrAlreadyRunning is returned by Start when a process is already tracked.
	// The tracked process is left untouched.
	ErrAlreadyRunning = errors.New("backend process already running")

	// ErrEmptyExecutable is wrapped by a SpawnError when Start receives no
	// executable path.
	ErrEmptyExecutable = errors.New("executable path is empty")
)

// SpawnError reports that the backend process could not be created. It wraps
// the underlying OS error, so errors.Is(err, exec.ErrNotFound) and
// errors.Is(err, fs.ErrPermission) work on it.
type SpawnError struct {
	Executable string
	Args       []string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// KillFunc issues a single termination request for p.
type KillFunc func(p *os.Process) error

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithName labels events, logs and metrics produced for the backend.
func WithName(name string) Option {
	return func(s *Supervisor) {
		if name != "" {
			s.name = name
		}
	}
}

// WithDir sets the working directory of spawned processes.
func WithDir(dir string) Option {
	return func(s *Supervisor) {
		s.dir = dir
	}
}

// WithEnv appends KEY=VALUE pairs to the inherited environment of spawned
// processes.
func WithEnv(env map[string]string) Option {
	return func(s *Supervisor) {
		for k, v := range env {
			s.env = append(s.env, fmt.Sprintf("%s=%s", k, v))
		}
	}
}

// WithEvents routes lifecycle events and the backend's output lines to events.
// The channel is owned by the caller and is never closed by the supervisor.
// Without an event sink the backend's output is discarded.
func WithEvents(events chan<- Event) Option {
	return func(s *Supervisor) {
		s.events = events
	}
}

// WithLogger sets the logger used for lifecycle diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithKillFunc replaces the platform kill routine.
func WithKillFunc(kill KillFunc) Option {
	return func(s *Supervisor) {
		if kill != nil {
			s.kill = kill
		}
	}
}

// Info is a snapshot of the tracked process.
type Info struct {
	LaunchID   string
	PID        int
	Executable string
	Args       []string
	StartedAt  time.Time
	Exited     bool
	ExitErr    error
}

// Supervisor owns zero or one backend process handles.
type Supervisor struct {
	name   string
	dir    string
	env    []string
	events chan<- Event
	logger *slog.Logger
	kill   KillFunc

	mu   sync.Mutex
	proc *managedProcess

	// background tracks output forwarders and reapers.
	background sync.WaitGroup
}

type managedProcess struct {
	launchID   string
	cmd        *exec.Cmd
	executable string
	args       []string
	startedAt  time.Time

	// quit is closed by Stop so output forwarders stop blocking on the sink.
	quit chan struct{}
	// output holds the read ends of the child's stdout and stderr pipes.
	output []*os.File

	exitMu  sync.Mutex
	exited  bool
	exitErr error
}

// New constructs an idle supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		name:   "backend",
		logger: slog.Default(),
		kill:   killProcess,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the backend label.
func (s *Supervisor) Name() string {
	return s.name
}

// State reports Idle or Running.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return StateIdle
	}
	return StateRunning
}

// Process returns a snapshot of the tracked process, if any.
func (s *Supervisor) Process() (Info, bool) {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return Info{}, false
	}
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	return Info{
		LaunchID:   p.launchID,
		PID:        p.cmd.Process.Pid,
		Executable: p.executable,
		Args:       append([]string(nil), p.args...),
		StartedAt:  p.startedAt,
		Exited:     p.exited,
		ExitErr:    p.exitErr,
	}, true
}

// Start spawns executable with args and tracks the resulting process. It
// returns ErrAlreadyRunning when a process is already tracked and a
// *SpawnError when the OS refuses to create the process. On any error no
// handle is stored.
func (s *Supervisor) Start(executable string, args []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		return fmt.Errorf("start %s: %w", s.name, ErrAlreadyRunning)
	}

	args = append([]string(nil), args...)
	trySend(s.events, systemEvent(s.name, EventTypeStarting, strings.TrimSpace(executable+" "+strings.Join(args, " ")), ""))

	if executable == "" {
		return s.spawnFailed(&SpawnError{Executable: executable, Args: args, Err: ErrEmptyExecutable})
	}

	cmd := exec.Command(executable, args...)
	cmd.Dir = s.dir
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}
	configureCmdSysProcAttr(cmd)

	p := &managedProcess{
		launchID:   uuid.NewString(),
		cmd:        cmd,
		executable: executable,
		args:       args,
		quit:       make(chan struct{}),
	}

	// Plain pipes keep cmd.Wait independent of the output: a helper that
	// inherits stdout must not delay reaping the backend itself.
	if s.events != nil {
		writers, err := p.openOutput()
		if err != nil {
			return s.spawnFailed(&SpawnError{Executable: executable, Args: args, Err: err})
		}
		defer closeAll(writers)
		cmd.Stdout, cmd.Stderr = writers[0], writers[1]
	}

	if err := cmd.Start(); err != nil {
		closeAll(p.output)
		return s.spawnFailed(&SpawnError{Executable: executable, Args: args, Err: err})
	}

	if s.events != nil {
		s.background.Add(2)
		go s.forward(p, p.output[0], LogSourceStdout)
		go s.forward(p, p.output[1], LogSourceStderr)
	}
	p.startedAt = time.Now()
	s.proc = p

	s.background.Add(1)
	go s.reap(p)

	metrics.IncrementBackendSpawn(s.name, true)
	metrics.SetBackendRunning(s.name, true)
	s.logger.Info("backend started", "backend", s.name, "pid", cmd.Process.Pid, "launch_id", p.launchID, "executable", executable)

	evt := systemEvent(s.name, EventTypeStarted, fmt.Sprintf("pid %d", cmd.Process.Pid), "")
	evt.LaunchID = p.launchID
	evt.PID = cmd.Process.Pid
	trySend(s.events, evt)
	return nil
}

func (s *Supervisor) spawnFailed(err *SpawnError) error {
	metrics.IncrementBackendSpawn(s.name, false)
	s.logger.Error("backend failed to start", "backend", s.name, "executable", err.Executable, "error", err.Err)
	evt := systemEvent(s.name, EventTypeSpawnFailed, err.Error(), "error")
	evt.Err = err
	trySend(s.events, evt)
	return err
}

// Stop kills the tracked process, if any, and returns the supervisor to Idle.
// The handle is removed under the lock, so concurrent or repeated calls issue
// at most one kill request. Kill failures are logged and discarded; Stop does
// not wait for the process to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()

	if p == nil {
		return
	}

	pid := p.cmd.Process.Pid
	stopping := systemEvent(s.name, EventTypeStopping, fmt.Sprintf("killing pid %d", pid), "")
	stopping.LaunchID = p.launchID
	stopping.PID = pid
	trySend(s.events, stopping)

	close(p.quit)
	if err := s.kill(p.cmd.Process); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			s.logger.Debug("backend already exited", "backend", s.name, "pid", pid)
		} else {
			s.logger.Warn("kill backend", "backend", s.name, "pid", pid, "error", err)
		}
	}
	// Output after the kill is discarded; closing the read ends releases
	// the forwarders even if a stray helper keeps the pipes open.
	closeAll(p.output)

	metrics.IncrementBackendKill(s.name)
	metrics.SetBackendRunning(s.name, false)
	s.logger.Info("backend stopped", "backend", s.name, "pid", pid, "launch_id", p.launchID)

	stopped := systemEvent(s.name, EventTypeStopped, "", "")
	stopped.LaunchID = p.launchID
	stopped.PID = pid
	trySend(s.events, stopped)
}

// Wait blocks until the output forwarders and reapers of every process
// started so far have returned. Once Wait returns after Stop, the supervisor
// sends no further events. Wait must not run concurrently with Start.
func (s *Supervisor) Wait() {
	s.background.Wait()
}

// reap collects the exit status so no zombie is left behind. It does not
// release the handle: the process stays tracked until Stop.
func (s *Supervisor) reap(p *managedProcess) {
	defer s.background.Done()
	err := p.cmd.Wait()

	p.exitMu.Lock()
	p.exited = true
	p.exitErr = err
	p.exitMu.Unlock()

	select {
	case <-p.quit:
		return
	default:
	}

	level := "info"
	message := "exited"
	if err != nil {
		level = "warn"
		message = fmt.Sprintf("exited: %v", err)
	}
	s.logger.Info("backend exited", "backend", s.name, "pid", p.cmd.Process.Pid, "error", err)
	evt := systemEvent(s.name, EventTypeExited, message, level)
	evt.LaunchID = p.launchID
	evt.PID = p.cmd.Process.Pid
	evt.Err = err
	trySend(s.events, evt)
}

func (s *Supervisor) forward(p *managedProcess, r *os.File, source string) {
	defer s.background.Done()
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		evt := Event{
			Timestamp: time.Now(),
			Backend:   s.name,
			LaunchID:  p.launchID,
			Type:      EventTypeLog,
			Message:   strings.TrimRight(scanner.Text(), "\r\n"),
			Level:     "info",
			Source:    source,
			PID:       p.cmd.Process.Pid,
		}
		if source == LogSourceStderr {
			evt.Level = "warn"
		}
		select {
		case s.events <- evt:
		case <-p.quit:
			return
		}
	}
}

// openOutput creates the stdout and stderr pipes. The read ends are kept on
// p; the write ends are returned for the child.
func (p *managedProcess) openOutput() ([]*os.File, error) {
	var writers []*os.File
	for i := 0; i < 2; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(p.output)
			closeAll(writers)
			p.output = nil
			return nil, fmt.Errorf("create output pipe: %w", err)
		}
		p.output = append(p.output, r)
		writers = append(writers, w)
	}
	return writers, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
