package config

import (
	"log/slog"
	"strings"
)

const (
	DefaultVersion     = "v1"
	DefaultAppName     = "tether"
	DefaultBackendName = "backend"
	DefaultAPIAddr     = "127.0.0.1:7664"

	LogFormatText = "text"
	LogFormatJSON = "json"

	// CommandOverrideEnv replaces backend.command when set, so a packaged app
	// can point at a different interpreter without editing the manifest.
	CommandOverrideEnv = "TETHER_BACKEND_COMMAND"
)

// Manifest mirrors the tether.yaml document structure.
type Manifest struct {
	Version string       `yaml:"version"`
	App     AppSpec      `yaml:"app"`
	Backend *BackendSpec `yaml:"backend"`
	Logging LoggingSpec  `yaml:"logging"`
	API     APISpec      `yaml:"api"`

	// Source is the absolute path the manifest was loaded from.
	Source string `yaml:"-"`
}

// AppSpec contains metadata about the host application.
type AppSpec struct {
	Name    string `yaml:"name"`
	Workdir string `yaml:"workdir"`
}

// BackendSpec describes the external process launched when the host is ready.
type BackendSpec struct {
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Port        string            `yaml:"port"`
	Workdir     string            `yaml:"workdir"`
	Env         map[string]string `yaml:"env"`
	EnvFromFile string            `yaml:"envFromFile"`

	ResolvedWorkdir string `yaml:"-"`
}

// LoggingSpec configures the shell's own diagnostics.
type LoggingSpec struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// APISpec configures the local control API.
type APISpec struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Launch returns the executable and argument list for the backend. A
// configured port is appended as the final positional argument.
func (b *BackendSpec) Launch() (string, []string) {
	if b == nil {
		return "", nil
	}
	args := append([]string(nil), b.Args...)
	if b.Port != "" {
		args = append(args, b.Port)
	}
	return b.Command, args
}

// SlogLevel maps the configured level onto slog. Unknown values fall back to
// info.
func (l LoggingSpec) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ApplyDefaults fills unset fields with their default values.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if m.App.Name == "" {
		m.App.Name = DefaultAppName
	}
	if m.Backend != nil && m.Backend.Name == "" {
		m.Backend.Name = DefaultBackendName
	}
	if m.Logging.Format == "" {
		m.Logging.Format = LogFormatText
	}
	if m.Logging.Level == "" {
		m.Logging.Level = "info"
	}
	if m.API.Addr == "" {
		m.API.Addr = DefaultAPIAddr
	}
}
