package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/docker/go-connections/nat"
)

// Validate checks the manifest for values the schema cannot express.
func (m *Manifest) Validate() error {
	if m.Backend == nil {
		return errors.New("backend: section is required")
	}
	if strings.TrimSpace(m.Backend.Command) == "" {
		return errors.New("backend.command: must not be empty")
	}
	if m.Backend.Port != "" {
		if err := validatePort(m.Backend.Port); err != nil {
			return fmt.Errorf("backend.port: %w", err)
		}
	}
	for key := range m.Backend.Env {
		if key == "" || strings.ContainsAny(key, "= \t") {
			return fmt.Errorf("backend.env: invalid variable name %q", key)
		}
	}
	switch m.Logging.Format {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("logging.format: unsupported format %q", m.Logging.Format)
	}
	switch strings.ToLower(m.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported level %q", m.Logging.Level)
	}
	if m.API.Enabled {
		if _, _, err := net.SplitHostPort(m.API.Addr); err != nil {
			return fmt.Errorf("api.addr: %w", err)
		}
	}
	return nil
}

func validatePort(raw string) error {
	port, err := nat.ParsePort(raw)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", raw, err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	return nil
}
