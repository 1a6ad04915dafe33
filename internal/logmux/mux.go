package logmux

import (
	"fmt"
	"time"

	"github.com/Paintersrp/tether/internal/supervisor"
)

// Mux relays one supervisor's events through a bounded channel. Lifecycle
// events are always delivered. When downstream consumers cannot keep up with
// backend output, the mux drops log records and later emits a synthesized
// warning event carrying the number of discarded lines.
type Mux struct {
	out chan supervisor.Event

	// dropped is only touched by the relay goroutine.
	dropped dropRecord
}

type dropRecord struct {
	backend  string
	launchID string
	count    int
}

// New starts relaying source into a channel of the provided size. A size of
// zero results in a minimally buffered channel. The output channel is closed
// once source has been closed and every pending record delivered.
func New(source <-chan supervisor.Event, size int) *Mux {
	if size <= 0 {
		size = 1
	}
	m := &Mux{out: make(chan supervisor.Event, size)}
	go m.relay(source)
	return m
}

// Output exposes the relayed event channel.
func (m *Mux) Output() <-chan supervisor.Event {
	return m.out
}

func (m *Mux) relay(source <-chan supervisor.Event) {
	defer close(m.out)
	for evt := range source {
		evt = normalize(evt)
		if evt.Type != supervisor.EventTypeLog {
			m.flushDropped()
			m.out <- evt
			continue
		}
		if !m.flushDropped() || !m.trySend(evt) {
			m.recordDrop(evt)
		}
	}
	if m.dropped.count > 0 {
		m.out <- m.dropped.event()
	}
}

// flushDropped reports whether no drop warning remains pending.
func (m *Mux) flushDropped() bool {
	if m.dropped.count == 0 {
		return true
	}
	if !m.trySend(m.dropped.event()) {
		return false
	}
	m.dropped = dropRecord{}
	return true
}

func (m *Mux) recordDrop(evt supervisor.Event) {
	m.dropped.count++
	m.dropped.backend = evt.Backend
	if evt.LaunchID != "" {
		m.dropped.launchID = evt.LaunchID
	}
}

func (m *Mux) trySend(evt supervisor.Event) bool {
	select {
	case m.out <- evt:
		return true
	default:
		return false
	}
}

func normalize(evt supervisor.Event) supervisor.Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Source == "" {
		if evt.Type == supervisor.EventTypeLog {
			evt.Source = supervisor.LogSourceStdout
		} else {
			evt.Source = supervisor.LogSourceSystem
		}
	}
	if evt.Level == "" {
		if evt.Source == supervisor.LogSourceStderr {
			evt.Level = "warn"
		} else {
			evt.Level = "info"
		}
	}
	return evt
}

func (r dropRecord) event() supervisor.Event {
	return supervisor.Event{
		Timestamp: time.Now(),
		Backend:   r.backend,
		LaunchID:  r.launchID,
		Type:      supervisor.EventTypeLog,
		Message:   fmt.Sprintf("dropped=%d", r.count),
		Level:     "warn",
		Source:    supervisor.LogSourceSystem,
	}
}
