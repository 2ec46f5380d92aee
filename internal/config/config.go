// Package config resolves commonroom settings from a YAML or TOML file,
// environment variables and built-in defaults, in that order of increasing
// precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"commonroom/pkg/protocol"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListen         = "127.0.0.1:3001"
	DefaultSettleInterval = 2 * time.Second
	DefaultPollInterval   = 5 * time.Second
	DefaultConnectorAgent = "the_gemini_connector"
)

// Environment variables.
const (
	EnvHome     = "COMMONROOM_HOME"
	EnvConfig   = "COMMONROOM_CONFIG"
	EnvRoom     = "COMMONROOM_ROOM"
	EnvListen   = "COMMONROOM_LISTEN"
	EnvLogLevel = "COMMONROOM_LOG_LEVEL"
	EnvAPIKey   = "GEMINI_API_KEY"
	EnvModel    = "GEMINI_MODEL"
)

// configNames are probed in order under the home directory.
var configNames = []string{"commonroom.yaml", "commonroom.yml", "commonroom.toml"}

// Duration is a time.Duration written as a Go duration string ("2s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler (used by go-toml).
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Config is the resolved configuration of one commonroom installation.
type Config struct {
	// Home is the state directory; it is never read from the file.
	Home string `yaml:"-" toml:"-"`
	// Path is the file the configuration was read from, if any.
	Path string `yaml:"-" toml:"-"`

	Room            string   `yaml:"room" toml:"room"`
	HelpersDir      string   `yaml:"helpers_dir" toml:"helpers_dir"`
	Listen          string   `yaml:"listen" toml:"listen"`
	LogDir          string   `yaml:"log_dir" toml:"log_dir"`
	LogLevel        string   `yaml:"log_level" toml:"log_level"`
	SettleInterval  Duration `yaml:"settle_interval" toml:"settle_interval"`
	PollInterval    Duration `yaml:"poll_interval" toml:"poll_interval"`
	AutoCreateInbox bool     `yaml:"auto_create_inbox" toml:"auto_create_inbox"`
	PolledAgents    []string `yaml:"polled_agents" toml:"polled_agents"`
	ConnectorAgent  string   `yaml:"connector_agent" toml:"connector_agent"`
	EventDB         string   `yaml:"event_db" toml:"event_db"`
	PIDPath         string   `yaml:"pid_path" toml:"pid_path"`
	GeminiModel     string   `yaml:"gemini_model" toml:"gemini_model"`

	Processes []protocol.ProcessEntry `yaml:"processes" toml:"processes"`

	// GeminiAPIKey only ever comes from the environment.
	GeminiAPIKey string `yaml:"-" toml:"-"`
}

// Load resolves the configuration. path may be empty, in which case
// COMMONROOM_CONFIG is consulted and then the home directory is searched.
// A missing file is not an error; every setting has a default.
func Load(path string) (*Config, error) {
	// .env is optional and never overrides variables already set.
	_ = godotenv.Load()

	home, err := ResolveHome()
	if err != nil {
		return nil, err
	}
	cfg := &Config{Home: home}

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		path = findConfig(home)
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
		cfg.Path = path
	}
	if err := godotenv.Load(filepath.Join(home, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", filepath.Join(home, ".env"), err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveHome returns COMMONROOM_HOME or ~/.commonroom.
func ResolveHome() (string, error) {
	if v := os.Getenv(EnvHome); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.HomeDir), nil
}

func findConfig(home string) string {
	for _, name := range configNames {
		p := filepath.Join(home, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// readFile decodes path as YAML or TOML according to its extension.
func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // config path is operator-supplied
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("config %s: unsupported format (want .yaml, .yml or .toml)", path)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRoom); v != "" {
		c.Room = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.GeminiModel = v
	}
	c.GeminiAPIKey = os.Getenv(EnvAPIKey)
}

func (c *Config) applyDefaults() {
	if c.Room == "" {
		c.Room = filepath.Join(c.Home, protocol.RoomDir)
	}
	if c.HelpersDir == "" {
		c.HelpersDir = filepath.Join(c.Home, "helpers")
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.Home, "processes")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SettleInterval.Duration <= 0 {
		c.SettleInterval.Duration = DefaultSettleInterval
	}
	if c.PollInterval.Duration <= 0 {
		c.PollInterval.Duration = DefaultPollInterval
	}
	if c.ConnectorAgent == "" {
		c.ConnectorAgent = DefaultConnectorAgent
	}
	if c.PolledAgents == nil {
		c.PolledAgents = []string{c.ConnectorAgent}
	}
	if c.EventDB == "" {
		c.EventDB = filepath.Join(c.Home, "events.db")
	}
	if c.PIDPath == "" {
		c.PIDPath = filepath.Join(c.Home, "commonroom.pid")
	}
	for i := range c.Processes {
		if c.Processes[i].Name == "" {
			c.Processes[i].Name = c.Processes[i].ID
		}
		if c.Processes[i].Probe.Kind == "" {
			c.Processes[i].Probe.Kind = protocol.ProbePID
		}
	}
}

// Validate checks the process table and agent names.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Processes))
	for i, p := range c.Processes {
		switch {
		case p.ID == "":
			return fmt.Errorf("processes[%d]: id is required", i)
		case p.Command == "":
			return fmt.Errorf("process %s: command is required", p.ID)
		case seen[p.ID]:
			return fmt.Errorf("process %s: duplicate id", p.ID)
		}
		seen[p.ID] = true
		switch p.Probe.Kind {
		case protocol.ProbePID:
		case protocol.ProbePort:
			if p.Probe.Port <= 0 || p.Probe.Port > 65535 {
				return fmt.Errorf("process %s: port probe needs a port in 1-65535", p.ID)
			}
		default:
			return fmt.Errorf("process %s: unknown probe kind %q", p.ID, p.Probe.Kind)
		}
	}
	for _, a := range c.PolledAgents {
		if a == "" || strings.ContainsAny(a, `/\`) || strings.HasPrefix(a, ".") {
			return fmt.Errorf("polled_agents: invalid agent %q", a)
		}
	}
	return nil
}

// IsPolled reports whether agent's inbox is consumed by polling.
func (c *Config) IsPolled(agent string) bool {
	for _, a := range c.PolledAgents {
		if a == agent {
			return true
		}
	}
	return false
}
