// Package config loads stagehand configuration: where state lives, logging,
// the event database, the API server, pipeline templates and the built-in
// executors bound to each stage name.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/lucasnoah/stagehand/internal/artifact"
	"github.com/lucasnoah/stagehand/internal/logging"
)

// Stage executor types.
const (
	StageTypeNoop    = "noop"
	StageTypeCommand = "command"
	StageTypeGate    = "gate"
)

// DefaultTemplate is the template used when none is named.
const DefaultTemplate = "implement"

// ImplementStages is the stage order of the built-in implement template.
var ImplementStages = []string{"intake", "clarify", "analyze", "spec", "red", "green", "refactor", "deliver"}

// Config is the top-level configuration.
type Config struct {
	StateDir      string                 `yaml:"state_dir"`
	Log           logging.Config         `yaml:"log"`
	Database      DatabaseConfig         `yaml:"database"`
	Server        ServerConfig           `yaml:"server"`
	Templates     map[string][]string    `yaml:"templates"`
	Stages        map[string]StageConfig `yaml:"stages"`
	MaxIterations int                    `yaml:"max_iterations"`
}

// DatabaseConfig configures the Postgres event log. An empty URL disables it.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StageConfig binds a stage name to a built-in executor.
type StageConfig struct {
	Type           string           `yaml:"type"`
	Command        string           `yaml:"command"`
	Timeout        time.Duration    `yaml:"timeout"`
	Message        string           `yaml:"message"`
	MessageFile    string           `yaml:"message_file"`
	Options        []string         `yaml:"options"`
	ParseOutput    bool             `yaml:"parse_output"`
	RequiredInputs []string         `yaml:"required_inputs"`
	OutputSchema   *artifact.Schema `yaml:"output_schema"`
}

// Defaults.
const (
	DefaultServerAddr     = "127.0.0.1:8089"
	DefaultMaxIterations  = 100
	DefaultCommandTimeout = 10 * time.Minute
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// TemplateOrders returns a copy of the templates suitable for the controller.
func (c *Config) TemplateOrders() map[string][]string {
	out := make(map[string][]string, len(c.Templates))
	for name, order := range c.Templates {
		out[name] = append([]string(nil), order...)
	}
	return out
}

// StageNames returns every stage referenced by a template or configured
// explicitly.
func (c *Config) StageNames() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, order := range c.Templates {
		for _, name := range order {
			add(name)
		}
	}
	for name := range c.Stages {
		add(name)
	}
	return names
}

// applyDefaults fills unset fields and adds the built-in implement template.
func applyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.StateDir = filepath.Join(home, ".stagehand", "pipelines")
		} else {
			cfg.StateDir = filepath.Join(".stagehand", "pipelines")
		}
	}

	def := logging.DefaultConfig()
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Format
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}

	if cfg.Templates == nil {
		cfg.Templates = make(map[string][]string)
	}
	if _, ok := cfg.Templates[DefaultTemplate]; !ok {
		cfg.Templates[DefaultTemplate] = append([]string(nil), ImplementStages...)
	}

	for name, st := range cfg.Stages {
		if st.Type == "" {
			st.Type = StageTypeNoop
		}
		if st.Type == StageTypeCommand && st.Timeout == 0 {
			st.Timeout = DefaultCommandTimeout
		}
		cfg.Stages[name] = st
	}
}
