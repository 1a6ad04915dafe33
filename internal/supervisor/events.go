package supervisor

import "time"

// EventType captures lifecycle notifications emitted by a supervisor.
type EventType string

const (
	EventTypeStarting    EventType = "starting"
	EventTypeStarted     EventType = "started"
	EventTypeSpawnFailed EventType = "spawn_failed"
	EventTypeLog         EventType = "log"
	EventTypeExited      EventType = "exited"
	EventTypeStopping    EventType = "stopping"
	EventTypeStopped     EventType = "stopped"
)

const (
	LogSourceStdout = "stdout"
	LogSourceStderr = "stderr"
	LogSourceSystem = "system"
)

// Event represents a single lifecycle or output notification for the backend.
type Event struct {
	Timestamp time.Time
	Backend   string
	LaunchID  string
	Type      EventType
	Message   string
	Level     string
	Source    string
	PID       int
	Err       error
}

// trySend delivers evt without blocking. Lifecycle events are emitted from Start
// and Stop, which must never wait on a slow consumer.
func trySend(events chan<- Event, evt Event) {
	if events == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case events <- evt:
	default:
	}
}

func systemEvent(backend string, t EventType, message, level string) Event {
	if level == "" {
		level = "info"
	}
	return Event{
		Timestamp: time.Now(),
		Backend:   backend,
		Type:      t,
		Message:   message,
		Level:     level,
		Source:    LogSourceSystem,
	}
}
