package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Dispatch.FollowerThreshold != 0.92 {
		t.Errorf("follower threshold = %v, want 0.92", cfg.Dispatch.FollowerThreshold)
	}
	if cfg.Dispatch.MixedThreshold != 0.75 {
		t.Errorf("mixed threshold = %v, want 0.75", cfg.Dispatch.MixedThreshold)
	}
	if cfg.Crystal.MinUsage != 3 || cfg.Crystal.MinSuccess != 0.9 || cfg.Crystal.MatchThreshold != 0.95 {
		t.Errorf("crystal defaults = %+v, want min_usage=3 min_success=0.9 match=0.95", cfg.Crystal)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "goalforge" {
		t.Errorf("Name = %q, want goalforge", cfg.Name)
	}
}

func TestLoadParsesYAMLAndKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
dispatch:
  strategy: cost
  follower_threshold: 0.85
budget:
  initial_usd: 2.5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.Strategy != "cost" {
		t.Errorf("Strategy = %q, want cost", cfg.Dispatch.Strategy)
	}
	if cfg.Dispatch.FollowerThreshold != 0.85 {
		t.Errorf("FollowerThreshold = %v, want 0.85", cfg.Dispatch.FollowerThreshold)
	}
	if cfg.Budget.InitialUSD != 2.5 {
		t.Errorf("InitialUSD = %v, want 2.5", cfg.Budget.InitialUSD)
	}
	// Unset fields keep defaults.
	if cfg.Dispatch.MixedThreshold != 0.75 {
		t.Errorf("MixedThreshold = %v, want default 0.75", cfg.Dispatch.MixedThreshold)
	}
	if cfg.Replay.MaxContainers != 4 {
		t.Errorf("MaxContainers = %v, want default 4", cfg.Replay.MaxContainers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GOALFORGE_STRATEGY", "speed")
	t.Setenv("GOALFORGE_BUDGET_USD", "1.25")
	t.Setenv("GOALFORGE_DB", "/tmp/other.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.Strategy != "speed" {
		t.Errorf("Strategy = %q, want speed", cfg.Dispatch.Strategy)
	}
	if cfg.Budget.InitialUSD != 1.25 {
		t.Errorf("InitialUSD = %v, want 1.25", cfg.Budget.InitialUSD)
	}
	if cfg.Storage.DatabasePath != "/tmp/other.db" {
		t.Errorf("DatabasePath = %q, want /tmp/other.db", cfg.Storage.DatabasePath)
	}
}

func TestValidateRejectsBadStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dispatch.Strategy = "ensemble"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dispatch.MixedThreshold = 0.95
	cfg.Dispatch.FollowerThreshold = 0.80
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when mixed > follower threshold")
	}
}

func TestDurationHelpersFallBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dispatch.OracleTimeout = "garbage"
	if got := cfg.GetOracleTimeout().Seconds(); got != 2 {
		t.Errorf("GetOracleTimeout fallback = %vs, want 2s", got)
	}
	cfg.Index.CacheTTL = ""
	if got := cfg.GetCacheTTL().Minutes(); got != 5 {
		t.Errorf("GetCacheTTL fallback = %vm, want 5m", got)
	}
}
