package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads a tether manifest from the provided path.
func Load(path string) (*Manifest, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}
	if raw == nil {
		raw = make(map[string]any)
	}
	if err := validateAgainstSchema(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var doc Manifest
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}
	doc.Source = absPath

	manifestDir := filepath.Dir(absPath)
	doc.App.Workdir = resolveWorkdir(manifestDir, os.ExpandEnv(doc.App.Workdir))

	if backend := doc.Backend; backend != nil {
		if override := strings.TrimSpace(os.Getenv(CommandOverrideEnv)); override != "" {
			backend.Command = override
		}
		backend.Command = os.ExpandEnv(backend.Command)
		for i, arg := range backend.Args {
			backend.Args[i] = os.ExpandEnv(arg)
		}
		backend.Port = strings.TrimSpace(os.ExpandEnv(backend.Port))
		backend.ResolvedWorkdir = resolveWorkdir(doc.App.Workdir, os.ExpandEnv(backend.Workdir))

		env, err := resolveEnv(backend)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", absPath, err)
		}
		backend.Env = env
	}

	doc.ApplyDefaults()
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return &doc, nil
}

func resolveWorkdir(base, workdir string) string {
	if workdir == "" {
		return base
	}
	if filepath.IsAbs(workdir) {
		return filepath.Clean(workdir)
	}
	return filepath.Clean(filepath.Join(base, workdir))
}

// resolveEnv merges the env file with the inline env. Inline values win.
func resolveEnv(backend *BackendSpec) (map[string]string, error) {
	var fileEnv map[string]string
	if backend.EnvFromFile != "" {
		expanded := os.ExpandEnv(backend.EnvFromFile)
		if !filepath.IsAbs(expanded) {
			expanded = filepath.Clean(filepath.Join(backend.ResolvedWorkdir, expanded))
		}
		backend.EnvFromFile = expanded

		var err error
		fileEnv, err = godotenv.Read(expanded)
		if err != nil {
			return nil, fmt.Errorf("backend.envFromFile: load env file %q: %w", expanded, err)
		}
	}

	if len(fileEnv) == 0 && len(backend.Env) == 0 {
		return nil, nil
	}
	merged := make(map[string]string, len(fileEnv)+len(backend.Env))
	for k, v := range fileEnv {
		merged[k] = v
	}
	for k, v := range backend.Env {
		merged[k] = os.ExpandEnv(v)
	}
	return merged, nil
}
