// Package config loads ~/.taskdeck/config.toml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/taskdeck/internal/activity"
	"github.com/asheshgoplani/taskdeck/internal/idle"
	"github.com/asheshgoplani/taskdeck/internal/logging"
)

const (
	// FileName is the config file inside the taskdeck home.
	FileName = "config.toml"
	// HomeEnv overrides the taskdeck home directory.
	HomeEnv = "TASKDECK_HOME"
)

// Duration is a time.Duration written as a Go duration string ("800ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the root of config.toml.
type Config struct {
	// Theme selects the CLI palette: "dark" or "light".
	Theme     string                     `toml:"theme"`
	Status    StatusSettings             `toml:"status"`
	Lifecycle LifecycleSettings          `toml:"lifecycle"`
	Logs      LogSettings                `toml:"logs"`
	Web       WebSettings                `toml:"web"`
	Hooks     HookSettings               `toml:"hooks"`
	Patterns  map[string]PatternSettings `toml:"patterns"`
	Projects  map[string]ProjectSettings `toml:"projects"`
}

// StatusSettings tunes the activity hysteresis and idle detection.
type StatusSettings struct {
	HoldWindow    Duration `toml:"hold_window"`
	ClearWindow   Duration `toml:"clear_window"`
	IdleAfter     Duration `toml:"idle_after"`
	SweepInterval Duration `toml:"sweep_interval"`
}

// LifecycleSettings configures the lifecycle scripts.
type LifecycleSettings struct {
	TeardownTimeout Duration `toml:"teardown_timeout"`
	ScriptTimeout   Duration `toml:"script_timeout"`
	Setup           string   `toml:"setup"`
	Stop            string   `toml:"stop"`
	Teardown        string   `toml:"teardown"`
	// AutoArchive archives tasks once they settle after working.
	AutoArchive bool `toml:"auto_archive"`
}

// ProjectSettings overrides lifecycle scripts per project ID.
type ProjectSettings struct {
	Setup    string `toml:"setup"`
	Stop     string `toml:"stop"`
	Teardown string `toml:"teardown"`
}

// LogSettings mirrors logging.Config.
type LogSettings struct {
	Dir        string `toml:"dir"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	PprofAddr  string `toml:"pprof_addr"`
}

// WebSettings configures the HTTP API.
type WebSettings struct {
	Listen string `toml:"listen"`
	Token  string `toml:"token"`
	// IngestRate is the sustained session-event rate (events/second).
	IngestRate int `toml:"ingest_rate"`
}

// HookSettings locates the protocol status files.
type HookSettings struct {
	Dir string `toml:"dir"`
}

// PatternSettings overrides a session kind's classification grammar.
// Busy/Idle replace the built-ins; Extra* append to them.
type PatternSettings struct {
	Busy         []string `toml:"busy"`
	Idle         []string `toml:"idle"`
	ExtraBusy    []string `toml:"extra_busy"`
	ExtraIdle    []string `toml:"extra_idle"`
	SpinnerChars []string `toml:"spinner_chars"`
}

// Default returns the built-in configuration.
func Default() *Config {
	act := activity.DefaultConfig()
	idl := idle.DefaultConfig()
	return &Config{
		Theme:  "dark",
		Status: StatusSettings{
			HoldWindow:    Duration{act.HoldWindow},
			ClearWindow:   Duration{act.ClearWindow},
			IdleAfter:     Duration{idl.IdleAfter},
			SweepInterval: Duration{idl.SweepInterval},
		},
		Lifecycle: LifecycleSettings{
			TeardownTimeout: Duration{10 * time.Second},
			ScriptTimeout:   Duration{5 * time.Minute},
		},
		Logs: LogSettings{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 10,
			Compress:   true,
		},
		Web: WebSettings{
			Listen:     "127.0.0.1:8421",
			IngestRate: 200,
		},
		Patterns: map[string]PatternSettings{},
		Projects: map[string]ProjectSettings{},
	}
}

// HomeDir returns $TASKDECK_HOME or ~/.taskdeck.
func HomeDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".taskdeck"), nil
}

// DefaultPath returns the config file path inside HomeDir.
func DefaultPath() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects non-positive timings and raises ClearWindow to at
// least HoldWindow.
func (c *Config) Validate() error {
	checks := []struct {
		name string
		d    time.Duration
	}{
		{"status.hold_window", c.Status.HoldWindow.Duration},
		{"status.clear_window", c.Status.ClearWindow.Duration},
		{"status.idle_after", c.Status.IdleAfter.Duration},
		{"status.sweep_interval", c.Status.SweepInterval.Duration},
		{"lifecycle.teardown_timeout", c.Lifecycle.TeardownTimeout.Duration},
		{"lifecycle.script_timeout", c.Lifecycle.ScriptTimeout.Duration},
	}
	for _, ch := range checks {
		if ch.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", ch.name, ch.d)
		}
	}
	if c.Status.ClearWindow.Duration < c.Status.HoldWindow.Duration {
		c.Status.ClearWindow = c.Status.HoldWindow
	}
	if c.Web.IngestRate <= 0 {
		c.Web.IngestRate = Default().Web.IngestRate
	}
	return nil
}

// Save writes the config atomically (temp file, fsync, rename).
func Save(path string, c *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("# taskdeck configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write config: %w", err)
	}
	_ = f.Sync()
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize config: %w", err)
	}
	return nil
}

// ActivityConfig returns the aggregator windows.
func (c *Config) ActivityConfig() activity.Config {
	return activity.Config{
		HoldWindow:  c.Status.HoldWindow.Duration,
		ClearWindow: c.Status.ClearWindow.Duration,
	}
}

// IdleConfig returns the idle tracker timing.
func (c *Config) IdleConfig() idle.Config {
	return idle.Config{
		IdleAfter:     c.Status.IdleAfter.Duration,
		SweepInterval: c.Status.SweepInterval.Duration,
	}
}

// Classifier builds a classifier with the configured pattern overrides.
func (c *Config) Classifier() *activity.Classifier {
	overrides := make(map[string]*activity.RawPatterns)
	extras := make(map[string]*activity.RawPatterns)
	for kind, p := range c.Patterns {
		if p.Busy != nil || p.Idle != nil || p.SpinnerChars != nil {
			overrides[kind] = &activity.RawPatterns{Busy: p.Busy, Idle: p.Idle, SpinnerChars: p.SpinnerChars}
		}
		if len(p.ExtraBusy) > 0 || len(p.ExtraIdle) > 0 {
			extras[kind] = &activity.RawPatterns{Busy: p.ExtraBusy, Idle: p.ExtraIdle}
		}
	}
	return activity.NewClassifier(overrides, extras)
}

// LoggingConfig maps [logs] onto logging.Config. An empty dir defaults to
// <home>/logs.
func (c *Config) LoggingConfig(home string, stderr bool) logging.Config {
	dir := c.Logs.Dir
	if dir == "" && home != "" {
		dir = filepath.Join(home, "logs")
	}
	return logging.Config{
		LogDir:     dir,
		Level:      c.Logs.Level,
		Format:     c.Logs.Format,
		MaxSizeMB:  c.Logs.MaxSizeMB,
		MaxBackups: c.Logs.MaxBackups,
		MaxAgeDays: c.Logs.MaxAgeDays,
		Compress:   c.Logs.Compress,
		Stderr:     stderr,
		PprofAddr:  c.Logs.PprofAddr,
	}
}

// HooksDir returns [hooks].dir or <home>/hooks.
func (c *Config) HooksDir(home string) string {
	if c.Hooks.Dir != "" {
		return c.Hooks.Dir
	}
	return filepath.Join(home, "hooks")
}

// Scripts returns the lifecycle scripts for a project, falling back to the
// global [lifecycle] entries field by field.
func (c *Config) Scripts(projectID string) ProjectSettings {
	out := ProjectSettings{
		Setup:    c.Lifecycle.Setup,
		Stop:     c.Lifecycle.Stop,
		Teardown: c.Lifecycle.Teardown,
	}
	if p, ok := c.Projects[projectID]; ok {
		if p.Setup != "" {
			out.Setup = p.Setup
		}
		if p.Stop != "" {
			out.Stop = p.Stop
		}
		if p.Teardown != "" {
			out.Teardown = p.Teardown
		}
	}
	return out
}
