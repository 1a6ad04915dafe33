//go:build !windows

package supervisor

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingKill(counter *atomic.Int32) KillFunc {
	return func(p *os.Process) error {
		counter.Add(1)
		return killProcess(p)
	}
}

// processGone treats zombies as gone: an orphaned grandchild may linger
// unreaped when the test runs under a minimal init.
func processGone(pid int) bool {
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return true
	}
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	stat := string(data)
	idx := strings.LastIndexByte(stat, ')')
	if idx < 0 || idx+2 >= len(stat) {
		return false
	}
	return stat[idx+2] == 'Z'
}

func waitForEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestStartStopSleep(t *testing.T) {
	var kills atomic.Int32
	events := make(chan Event, 16)
	sup := New(WithName("api"), WithLogger(quietLogger()), WithEvents(events), WithKillFunc(countingKill(&kills)))

	require.NoError(t, sup.Start("/bin/sleep", []string{"100"}))
	assert.Equal(t, StateRunning, sup.State())

	info, ok := sup.Process()
	require.True(t, ok)
	assert.Positive(t, info.PID)
	assert.NotEmpty(t, info.LaunchID)
	assert.Equal(t, "/bin/sleep", info.Executable)
	assert.Equal(t, []string{"100"}, info.Args)

	started := waitForEvent(t, events, EventTypeStarted)
	assert.Equal(t, info.PID, started.PID)
	assert.Equal(t, info.LaunchID, started.LaunchID)

	sup.Stop()
	assert.Equal(t, StateIdle, sup.State())
	assert.EqualValues(t, 1, kills.Load())

	// The reaper collects the killed child, after which the PID is gone.
	require.Eventually(t, func() bool { return processGone(info.PID) }, 5*time.Second, 20*time.Millisecond)

	sup.Stop()
	assert.EqualValues(t, 1, kills.Load(), "second stop must not issue another kill")
	assert.Equal(t, StateIdle, sup.State())
}

func TestStartWhileRunningIsRefused(t *testing.T) {
	sup := New(WithLogger(quietLogger()))
	require.NoError(t, sup.Start("/bin/sleep", []string{"100"}))
	t.Cleanup(sup.Stop)

	first, ok := sup.Process()
	require.True(t, ok)

	err := sup.Start("/bin/sleep", []string{"200"})
	require.ErrorIs(t, err, ErrAlreadyRunning)

	var spawnErr *SpawnError
	assert.False(t, errors.As(err, &spawnErr))

	current, ok := sup.Process()
	require.True(t, ok)
	assert.Equal(t, first.PID, current.PID)
	assert.Equal(t, first.LaunchID, current.LaunchID)
	assert.False(t, processGone(first.PID))
}

func TestStopAfterSelfExit(t *testing.T) {
	var kills atomic.Int32
	events := make(chan Event, 16)
	sup := New(WithLogger(quietLogger()), WithEvents(events), WithKillFunc(countingKill(&kills)))

	require.NoError(t, sup.Start("/bin/sh", []string{"-c", "exit 3"}))

	exited := waitForEvent(t, events, EventTypeExited)
	require.Error(t, exited.Err)
	assert.Equal(t, "warn", exited.Level)

	// Exiting on its own does not release the handle.
	assert.Equal(t, StateRunning, sup.State())
	info, ok := sup.Process()
	require.True(t, ok)
	assert.True(t, info.Exited)

	sup.Stop()
	assert.Equal(t, StateIdle, sup.State())
	assert.EqualValues(t, 1, kills.Load())
}

func TestConcurrentStopKillsOnce(t *testing.T) {
	var kills atomic.Int32
	sup := New(WithLogger(quietLogger()), WithKillFunc(countingKill(&kills)))
	require.NoError(t, sup.Start("/bin/sleep", []string{"100"}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Stop()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, kills.Load())
	assert.Equal(t, StateIdle, sup.State())
}

func TestConcurrentStartTracksOne(t *testing.T) {
	sup := New(WithLogger(quietLogger()))
	t.Cleanup(sup.Stop)

	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		refused atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := sup.Start("/bin/sleep", []string{"100"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyRunning):
				refused.Add(1)
			default:
				t.Errorf("unexpected start error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 7, refused.Load())
}

func TestRestartAfterStop(t *testing.T) {
	sup := New(WithLogger(quietLogger()))
	require.NoError(t, sup.Start("/bin/sleep", []string{"100"}))
	first, _ := sup.Process()
	sup.Stop()

	require.NoError(t, sup.Start("/bin/sleep", []string{"100"}))
	t.Cleanup(sup.Stop)
	second, ok := sup.Process()
	require.True(t, ok)
	assert.NotEqual(t, first.LaunchID, second.LaunchID)
}

func TestStartNonExecutableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backend.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 1\n"), 0o644))

	sup := New(WithLogger(quietLogger()))
	err := sup.Start(path, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.Equal(t, StateIdle, sup.State())
}

func TestOutputForwarded(t *testing.T) {
	events := make(chan Event, 32)
	sup := New(WithName("api"), WithLogger(quietLogger()), WithEvents(events))
	t.Cleanup(sup.Stop)

	require.NoError(t, sup.Start("/bin/sh", []string{"-c", "echo 'Running on port 5050'; echo boom >&2"}))

	var stdout, stderr []Event
	deadline := time.After(5 * time.Second)
	for len(stdout) == 0 || len(stderr) == 0 {
		select {
		case evt := <-events:
			if evt.Type != EventTypeLog {
				continue
			}
			if evt.Source == LogSourceStdout {
				stdout = append(stdout, evt)
			} else {
				stderr = append(stderr, evt)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for output events")
		}
	}

	assert.Equal(t, "Running on port 5050", stdout[0].Message)
	assert.Equal(t, "info", stdout[0].Level)
	assert.Equal(t, "api", stdout[0].Backend)
	assert.Equal(t, "boom", stderr[0].Message)
	assert.Equal(t, "warn", stderr[0].Level)
}

func TestWorkdirAndEnv(t *testing.T) {
	dir := t.TempDir()
	events := make(chan Event, 32)
	sup := New(
		WithLogger(quietLogger()),
		WithEvents(events),
		WithDir(dir),
		WithEnv(map[string]string{"TETHER_TEST_PORT": "5050"}),
	)
	t.Cleanup(sup.Stop)

	require.NoError(t, sup.Start("/bin/sh", []string{"-c", "pwd; echo $TETHER_TEST_PORT"}))

	var lines []string
	deadline := time.After(5 * time.Second)
	for len(lines) < 2 {
		select {
		case evt := <-events:
			if evt.Type == EventTypeLog {
				lines = append(lines, evt.Message)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for output, got %v", lines)
		}
	}

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(lines[0])
	require.NoError(t, err)
	assert.Equal(t, resolved, got)
	assert.Equal(t, "5050", lines[1])
}

func TestStopKillsProcessGroup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	sup := New(WithLogger(quietLogger()))

	script := "sleep 100 & echo $! > " + pidFile + "; wait"
	require.NoError(t, sup.Start("/bin/sh", []string{"-c", script}))

	var childPID int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return false
		}
		childPID = pid
		return true
	}, 5*time.Second, 20*time.Millisecond)

	sup.Stop()

	require.Eventually(t, func() bool { return processGone(childPID) }, 5*time.Second, 20*time.Millisecond)
}

func TestReapDoesNotWaitForInheritedOutput(t *testing.T) {
	events := make(chan Event, 32)
	sup := New(WithName("api"), WithLogger(quietLogger()), WithEvents(events))

	// The background sleep inherits stdout and stderr and outlives the shell.
	require.NoError(t, sup.Start("/bin/sh", []string{"-c", "sleep 30 & exit 0"}))
	info, ok := sup.Process()
	require.True(t, ok)

	exited := waitForEvent(t, events, EventTypeExited)
	assert.NoError(t, exited.Err)
	assert.Equal(t, info.PID, exited.PID)

	current, ok := sup.Process()
	require.True(t, ok)
	assert.True(t, current.Exited)
	assert.True(t, processGone(info.PID), "exited backend must be reaped")

	sup.Stop()

	waited := make(chan struct{})
	go func() {
		sup.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("forwarders still running after stop")
	}
}

func TestWaitReturnsAfterStop(t *testing.T) {
	events := make(chan Event, 32)
	sup := New(WithLogger(quietLogger()), WithEvents(events))
	require.NoError(t, sup.Start("/bin/sh", []string{"-c", "while true; do echo tick; sleep 0.05; done"}))

	waitForEvent(t, events, EventTypeLog)
	sup.Stop()

	waited := make(chan struct{})
	go func() {
		sup.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor goroutines did not finish after stop")
	}

	// Nothing is sent once Wait has returned.
	for len(events) > 0 {
		<-events
	}
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, len(events))
}
