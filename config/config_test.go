package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServerConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.DB != "engram.db" {
		t.Errorf("db: %q", cfg.DB)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("poll interval: %v", cfg.PollInterval)
	}
	if cfg.Defaults.DecayRate != 0.05 || cfg.Defaults.PruneThreshold != 0.1 {
		t.Errorf("consolidation defaults: %+v", cfg.Defaults)
	}
	if cfg.Defaults.MinInterval != 60*time.Minute {
		t.Errorf("min interval: %v", cfg.Defaults.MinInterval)
	}
	if len(cfg.Agents) != 0 {
		t.Errorf("unexpected agents: %v", cfg.Agents)
	}
}

func TestLoadServerConfigFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
db: /var/lib/engram/engram.db
poll_interval: 10s
defaults:
  decay_rate: 0.08
  decay_curve: linear
agents:
  planner:
    tier: veteran
    schedule: 30m
    max_pins: 40
    type_quotas:
      fact: 200
  scratch:
    disabled: true
`)

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.DB != "/var/lib/engram/engram.db" {
		t.Errorf("db: %q", cfg.DB)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("poll interval: %v", cfg.PollInterval)
	}
	if cfg.Defaults.DecayRate != 0.08 {
		t.Errorf("decay rate override: %v", cfg.Defaults.DecayRate)
	}
	if cfg.Defaults.DecayCurve != "linear" {
		t.Errorf("decay curve override: %q", cfg.Defaults.DecayCurve)
	}
	// Untouched defaults survive the merge.
	if cfg.Defaults.PruneThreshold != 0.1 {
		t.Errorf("prune threshold default lost: %v", cfg.Defaults.PruneThreshold)
	}
	if cfg.Defaults.ReinforceWindow != 24*time.Hour {
		t.Errorf("reinforce window default lost: %v", cfg.Defaults.ReinforceWindow)
	}

	planner := cfg.Agents["planner"]
	if planner == nil {
		t.Fatal("planner agent missing")
	}
	if planner.ID != "planner" {
		t.Errorf("agent id not backfilled from key: %q", planner.ID)
	}
	if planner.Tier != "veteran" || planner.Schedule != "30m" || planner.MaxPins != 40 {
		t.Errorf("planner config: %+v", planner)
	}
	if planner.TypeQuotas["fact"] != 200 {
		t.Errorf("type quotas: %v", planner.TypeQuotas)
	}
	if scratch := cfg.Agents["scratch"]; scratch == nil || !scratch.Disabled {
		t.Errorf("scratch agent: %+v", scratch)
	}
}

func TestLoadServerConfigMalformedFile(t *testing.T) {
	path := writeConfig(t, "agents: [not, a, map]")
	if _, err := LoadServerConfig(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestSaveAndReloadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultServerConfig()
	cfg.DB = "custom.db"
	cfg.Agents["a1"] = &AgentConfig{ID: "a1", Tier: "probationary"}

	if err := SaveServerConfig(cfg, path); err != nil {
		t.Fatalf("SaveServerConfig: %v", err)
	}

	loaded, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if loaded.DB != "custom.db" {
		t.Errorf("db after roundtrip: %q", loaded.DB)
	}
	if a := loaded.Agents["a1"]; a == nil || a.Tier != "probationary" {
		t.Errorf("agent after roundtrip: %+v", loaded.Agents["a1"])
	}
}

func TestGetServerConfigPathEnvOverride(t *testing.T) {
	t.Setenv("ENGRAM_CONFIG_PATH", "/tmp/engram-test.yaml")
	if got := GetServerConfigPath(); got != "/tmp/engram-test.yaml" {
		t.Fatalf("env override not honored: %q", got)
	}
}
