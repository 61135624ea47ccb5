package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_UsesConfigPathEnvWhenPathEmpty(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "from-env.json")

	seed := DefaultConfig()
	seed.Gateway.Port = 29999

	loader := NewLoader()
	if err := loader.Save(cfgPath, seed); err != nil {
		t.Fatalf("save config: %v", err)
	}

	t.Setenv(ConfigPathEnv, cfgPath)

	got, err := NewLoader().Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got.Gateway.Port != 29999 {
		t.Fatalf("expected gateway port 29999, got %d", got.Gateway.Port)
	}
}

func TestLoad_CreatesMissingFileWithDefaults(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "nested", "config.json")

	got, err := NewLoader().Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("expected config file to be created: %v", err)
	}
	if got.Session.IdleTimeoutMinutes != DefaultConfig().Session.IdleTimeoutMinutes {
		t.Fatalf("expected default idle timeout, got %d", got.Session.IdleTimeoutMinutes)
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	content := `{"agent": {"model": "from-file"}, "session": {"welcome_message": "Hi from file"}}`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BIZAGENT_AGENT_MODEL", "from-env")

	got, err := NewLoader().Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got.Agent.Model != "from-env" {
		t.Fatalf("expected env override, got %q", got.Agent.Model)
	}
	if got.Session.WelcomeMessage != "Hi from file" {
		t.Fatalf("expected file value, got %q", got.Session.WelcomeMessage)
	}
}

func TestApplyCopiesHotReloadableSections(t *testing.T) {
	cfg := DefaultConfig()
	fresh := DefaultConfig()
	fresh.Agent.Model = "reloaded"
	fresh.Session.IdleTimeoutMinutes = 5
	fresh.Gateway.Port = 1

	cfg.Apply(fresh)

	if cfg.AgentSnapshot().Model != "reloaded" {
		t.Fatalf("agent section not applied")
	}
	if cfg.SessionSnapshot().IdleTimeoutMinutes != 5 {
		t.Fatalf("session section not applied")
	}
	if cfg.Gateway.Port == 1 {
		t.Fatalf("gateway section must not be hot-reloaded")
	}
}

func TestSessionDurations(t *testing.T) {
	var s SessionConfig
	if s.PingInterval().Seconds() != 25 || s.PongTimeout().Seconds() != 60 {
		t.Fatalf("unexpected keepalive defaults %v %v", s.PingInterval(), s.PongTimeout())
	}
	if s.IdleTimeout() != 0 {
		t.Fatalf("zero idle minutes must disable sweeping")
	}
	s.IdleTimeoutMinutes = 2
	if s.IdleTimeout().Minutes() != 2 {
		t.Fatalf("unexpected idle timeout %v", s.IdleTimeout())
	}
}
