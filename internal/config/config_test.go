package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"commonroom/internal/config"
	"commonroom/pkg/protocol"
)

// isolate points every commonroom env var at a fresh home.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv(config.EnvHome, home)
	for _, k := range []string{config.EnvConfig, config.EnvRoom, config.EnvListen, config.EnvLogLevel, config.EnvAPIKey, config.EnvModel} {
		t.Setenv(k, "")
	}
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	checks := map[string][2]string{
		"Room":       {cfg.Room, filepath.Join(home, protocol.RoomDir)},
		"HelpersDir": {cfg.HelpersDir, filepath.Join(home, "helpers")},
		"Listen":     {cfg.Listen, config.DefaultListen},
		"EventDB":    {cfg.EventDB, filepath.Join(home, "events.db")},
		"PIDPath":    {cfg.PIDPath, filepath.Join(home, "commonroom.pid")},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %q, want %q", name, c[0], c[1])
		}
	}
	if cfg.SettleInterval.Duration != config.DefaultSettleInterval {
		t.Errorf("SettleInterval = %v", cfg.SettleInterval)
	}
	if cfg.PollInterval.Duration != config.DefaultPollInterval {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if !cfg.IsPolled(config.DefaultConnectorAgent) {
		t.Errorf("connector agent should be polled by default, got %v", cfg.PolledAgents)
	}
	if cfg.Path != "" {
		t.Errorf("Path = %q, want empty without a file", cfg.Path)
	}
}

func TestLoad_YAML(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, "commonroom.yaml"), `
room: /srv/room
listen: ":8080"
settle_interval: 500ms
poll_interval: 1s
auto_create_inbox: true
polled_agents: [connector]
processes:
  - id: backend
    command: node
    args: [server.js]
    probe:
      kind: port
      port: 3001
  - id: worker
    name: Worker
    command: sleep
    args: ["3600"]
`)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Room != "/srv/room" || cfg.Listen != ":8080" {
		t.Errorf("room/listen = %q/%q", cfg.Room, cfg.Listen)
	}
	if cfg.SettleInterval.Duration != 500*time.Millisecond || cfg.PollInterval.Duration != time.Second {
		t.Errorf("intervals = %v/%v", cfg.SettleInterval, cfg.PollInterval)
	}
	if !cfg.AutoCreateInbox || !cfg.IsPolled("connector") || cfg.IsPolled(config.DefaultConnectorAgent) {
		t.Errorf("unexpected flags: %+v", cfg)
	}
	if len(cfg.Processes) != 2 {
		t.Fatalf("processes = %d, want 2", len(cfg.Processes))
	}
	if p := cfg.Processes[0]; p.Probe.Kind != protocol.ProbePort || p.Probe.Port != 3001 || p.Name != "backend" {
		t.Errorf("backend entry = %+v", p)
	}
	if p := cfg.Processes[1]; p.Probe.Kind != protocol.ProbePID || p.Name != "Worker" {
		t.Errorf("worker entry = %+v", p)
	}
	if !strings.HasSuffix(cfg.Path, "commonroom.yaml") {
		t.Errorf("Path = %q", cfg.Path)
	}
}

func TestLoad_TOMLExplicitPath(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "room.toml")
	writeFile(t, path, `
room = "/tmp/room"
settle_interval = "3s"

[[processes]]
id = "api"
command = "python"
args = ["-m", "http.server"]
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Room != "/tmp/room" || cfg.SettleInterval.Duration != 3*time.Second {
		t.Errorf("room/settle = %q/%v", cfg.Room, cfg.SettleInterval)
	}
	if len(cfg.Processes) != 1 || cfg.Processes[0].Args[1] != "http.server" {
		t.Errorf("processes = %+v", cfg.Processes)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, "commonroom.yaml"), "room: /from/file\nlisten: \":1\"\n")
	t.Setenv(config.EnvRoom, "/from/env")
	t.Setenv(config.EnvListen, "127.0.0.1:9999")
	t.Setenv(config.EnvAPIKey, "secret")
	t.Setenv(config.EnvModel, "gemini-1.5-flash")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Room != "/from/env" || cfg.Listen != "127.0.0.1:9999" {
		t.Errorf("env did not override file: room=%q listen=%q", cfg.Room, cfg.Listen)
	}
	if cfg.GeminiAPIKey != "secret" || cfg.GeminiModel != "gemini-1.5-flash" {
		t.Errorf("gemini settings = %q/%q", cfg.GeminiAPIKey, cfg.GeminiModel)
	}
}

func TestLoad_ConfigEnvVar(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.yml")
	writeFile(t, path, "listen: \":7000\"\n")
	t.Setenv(config.EnvConfig, path)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":7000" || cfg.Path != path {
		t.Errorf("listen=%q path=%q", cfg.Listen, cfg.Path)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"bad extension", "c.json", "{}", "unsupported format"},
		{"bad yaml", "c.yaml", "room: [", "parse config"},
		{"bad duration", "c.yaml", "poll_interval: soon\n", "invalid duration"},
		{"missing id", "c.yaml", "processes:\n  - command: x\n", "id is required"},
		{"missing command", "c.yaml", "processes:\n  - id: x\n", "command is required"},
		{"duplicate", "c.yaml", "processes:\n  - {id: a, command: x}\n  - {id: a, command: y}\n", "duplicate id"},
		{"port probe without port", "c.yaml", "processes:\n  - {id: a, command: x, probe: {kind: port}}\n", "port probe"},
		{"unknown probe", "c.yaml", "processes:\n  - {id: a, command: x, probe: {kind: http}}\n", "unknown probe"},
		{"bad polled agent", "c.yaml", "polled_agents: [\"../x\"]\n", "invalid agent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			path := filepath.Join(t.TempDir(), tt.file)
			writeFile(t, path, tt.content)
			_, err := config.Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}
