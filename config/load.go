package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultPath returns $HOME/.config/pizauth.conf, spec.md §6's default
// -c path.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/pizauth.conf"
	}
	return filepath.Join(home, ".config", "pizauth.conf")
}

// runtimeDir picks $XDG_RUNTIME_DIR if set, falling back to a
// user-private directory under os.TempDir otherwise, per spec.md §6's
// "derived from the user's runtime directory".
func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("pizauth-%d", os.Getuid()))
}

// DefaultSocketPath returns the default path for the daemon's IPC socket.
func DefaultSocketPath() string {
	return filepath.Join(runtimeDir(), "pizauth.sock")
}

// DefaultPIDPath returns the default path for the `-d` detached daemon's
// PID file.
func DefaultPIDPath() string {
	return filepath.Join(runtimeDir(), "pizauth.pid")
}

// Load reads and parses the configuration file at path, applying defaults
// and validating mandatory keys per spec.md §6. On failure the returned
// error names the first offending account (via *Error) and the caller's
// previously-installed configuration, if any, is left untouched — Load
// itself has no side effects on shared state.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg, err := Parse(string(data))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
