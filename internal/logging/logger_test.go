package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// resetState clears package-level logging state between tests.
func resetState() {
	CloseAll()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	workspace = ""
	configLoaded = false
	config = loggingConfig{}
	logLevel = LevelInfo
}

// TestAllCategoriesLog tests that all categories create log files when debug_mode is true
func TestAllCategoriesLog(t *testing.T) {
	tempDir := t.TempDir()

	configDir := filepath.Join(tempDir, ".goalforge")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configContent := `{
		"logging": {
			"level": "debug",
			"debug_mode": true
		}
	}`
	configPath := filepath.Join(configDir, "config.json")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsDebugMode() {
		t.Error("Expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot,
		CategoryDispatch,
		CategoryStore,
		CategoryBudget,
		CategoryReplay,
		CategoryTools,
		CategoryCrystal,
		CategoryOracle,
		CategoryEmbedding,
		CategoryIndex,
		CategoryAPI,
	}

	for _, cat := range categories {
		Get(cat).Info("test message for %s", cat)
	}
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(tempDir, ".goalforge", "logs"))
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	found := make(map[string]bool)
	for _, e := range entries {
		for _, cat := range categories {
			if strings.HasSuffix(e.Name(), "_"+string(cat)+".log") {
				found[string(cat)] = true
			}
		}
	}
	for _, cat := range categories {
		if !found[string(cat)] {
			t.Errorf("No log file created for category %s", cat)
		}
	}
}

// TestTimerStopWithInfo verifies the timer logs with and without detail.
func TestTimerStopWithInfo(t *testing.T) {
	tempDir := t.TempDir()

	configDir := filepath.Join(tempDir, ".goalforge")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	configContent := `{
		"logging": {
			"level": "debug",
			"debug_mode": true
		}
	}`
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	StartTimer(CategoryDispatch, "execute").StopWithInfo("goal=say hello")
	StartTimer(CategoryDispatch, "plain").StopWithInfo()
	CloseAll()

	logsDir := filepath.Join(tempDir, ".goalforge", "logs")
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}
	var content string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_dispatch.log") {
			data, err := os.ReadFile(filepath.Join(logsDir, e.Name()))
			if err != nil {
				t.Fatalf("Failed to read log: %v", err)
			}
			content = string(data)
		}
	}
	if !strings.Contains(content, "execute (goal=say hello) completed in") {
		t.Errorf("Timer detail missing from log: %q", content)
	}
	if !strings.Contains(content, "plain completed in") {
		t.Errorf("Detail-free timer line missing from log: %q", content)
	}
}

// TestNoLoggingInProductionMode verifies logging is a no-op without a config file.
func TestNoLoggingInProductionMode(t *testing.T) {
	tempDir := t.TempDir()

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if IsDebugMode() {
		t.Error("Expected debug mode to be disabled with no config")
	}

	// Should not panic and should not create a logs directory.
	Dispatch("this should go nowhere")
	StoreDebug("neither should this")

	if _, err := os.Stat(filepath.Join(tempDir, ".goalforge", "logs")); !os.IsNotExist(err) {
		t.Error("Logs directory should not exist in production mode")
	}
}

// TestCategoryFilter verifies disabled categories produce no-op loggers.
func TestCategoryFilter(t *testing.T) {
	tempDir := t.TempDir()

	configDir := filepath.Join(tempDir, ".goalforge")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	configContent := `{
		"logging": {
			"level": "debug",
			"debug_mode": true,
			"categories": {
				"dispatch": true,
				"oracle": false
			}
		}
	}`
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsCategoryEnabled(CategoryDispatch) {
		t.Error("dispatch category should be enabled")
	}
	if IsCategoryEnabled(CategoryOracle) {
		t.Error("oracle category should be disabled")
	}
	// Unlisted categories default to enabled.
	if !IsCategoryEnabled(CategoryStore) {
		t.Error("unlisted category should default to enabled")
	}
	CloseAll()
}
