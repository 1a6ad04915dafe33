package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/tether/internal/supervisor"
)

// LogRecord represents a supervisor event ready for JSON encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	Backend   string    `json:"backend"`
	LaunchID  string    `json:"launch_id,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Source    string    `json:"source"`
	Error     string    `json:"error,omitempty"`
}

// NewLogRecord converts a supervisor event into a structured log record.
func NewLogRecord(event supervisor.Event) LogRecord {
	level := event.Level
	if level == "" {
		if inferred := inferLogLevel(event.Message); inferred != "" {
			level = inferred
		} else {
			level = "info"
		}
	}
	source := event.Source
	if source == "" {
		source = supervisor.LogSourceSystem
	}
	eventType := string(event.Type)
	if eventType == "" {
		eventType = string(supervisor.EventTypeLog)
	}
	record := LogRecord{
		Timestamp: event.Timestamp,
		Backend:   event.Backend,
		LaunchID:  event.LaunchID,
		PID:       event.PID,
		Type:      eventType,
		Level:     level,
		Message:   RedactSecrets(event.Message),
		Source:    source,
	}
	if event.Err != nil {
		record.Error = RedactSecrets(event.Err.Error())
	}
	return record
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|warning|info|debug)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn", "warning":
		return "warn"
	case "info":
		return "info"
	case "debug":
		return "debug"
	default:
		return ""
	}
}

// EncodeLogEvent encodes an event to JSON, reporting errors to stderr if needed.
func EncodeLogEvent(enc *json.Encoder, stderr io.Writer, event supervisor.Event) {
	if enc == nil {
		return
	}
	record := NewLogRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}

// FormatEvent renders an event as a single prefixed line, for example
// "[api] Running on port 5050" or "[api error] Traceback ...".
func FormatEvent(event supervisor.Event) string {
	record := NewLogRecord(event)
	name := record.Backend
	if name == "" {
		name = "backend"
	}

	if event.Type != "" && event.Type != supervisor.EventTypeLog {
		line := fmt.Sprintf("[%s] %s", name, event.Type)
		if record.Message != "" {
			line += ": " + record.Message
		}
		if record.Error != "" && !strings.Contains(record.Message, record.Error) {
			line += " (" + record.Error + ")"
		}
		return line
	}

	if record.Source == supervisor.LogSourceStderr {
		return fmt.Sprintf("[%s error] %s", name, record.Message)
	}
	return fmt.Sprintf("[%s] %s", name, record.Message)
}

// WriteEvent writes event to out as text or, when enc is non-nil, as JSON.
func WriteEvent(out, stderr io.Writer, enc *json.Encoder, event supervisor.Event) {
	if enc != nil {
		EncodeLogEvent(enc, stderr, event)
		return
	}
	fmt.Fprintln(out, FormatEvent(event))
}
