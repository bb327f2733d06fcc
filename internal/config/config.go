// Package config holds goalforge configuration, loaded from YAML with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all goalforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM configuration (oracle + learner backends)
	LLM LLMConfig `yaml:"llm"`

	// Trace storage
	Storage StorageConfig `yaml:"storage"`

	// Mode dispatch
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Monetary budget
	Budget BudgetConfig `yaml:"budget"`

	// Sequence replay
	Replay ReplayConfig `yaml:"replay"`

	// Crystallization gate
	Crystal CrystalConfig `yaml:"crystal"`

	// Tool search index / example cache
	Index IndexConfig `yaml:"index"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the LLM backend used by the oracle and learner.
type LLMConfig struct {
	Provider string `yaml:"provider"` // genai, ollama
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// StorageConfig configures trace and tool persistence.
type StorageConfig struct {
	DatabasePath    string  `yaml:"database_path"`
	ConfidenceFloor float64 `yaml:"confidence_floor"` // Minimum rating for FindExact hits
}

// DispatchConfig configures the mode selector.
type DispatchConfig struct {
	Strategy            string   `yaml:"strategy"` // auto, cost, speed, forced-learner, forced-follower, sentience
	FollowerThreshold   float64  `yaml:"follower_threshold"`
	MixedThreshold      float64  `yaml:"mixed_threshold"`
	ComplexityKeywords  []string `yaml:"complexity_keywords"`
	ComplexityThreshold int      `yaml:"complexity_threshold"`
	OracleTimeout       string   `yaml:"oracle_timeout"`
	OracleCandidates    int      `yaml:"oracle_candidates"` // Keyword-match candidates offered to the oracle
}

// BudgetConfig configures the spend ledger.
type BudgetConfig struct {
	InitialUSD float64 `yaml:"initial_usd"`
	LedgerPath string  `yaml:"ledger_path"`
}

// ReplayConfig configures the sequence executor.
type ReplayConfig struct {
	MaxContainers int    `yaml:"max_containers"`
	CallTimeout   string `yaml:"call_timeout"`
}

// CrystalConfig configures the crystallization gate.
type CrystalConfig struct {
	MinUsage       int     `yaml:"min_usage"`
	MinSuccess     float64 `yaml:"min_success"`
	MatchThreshold float64 `yaml:"match_threshold"`
	ToolsDir       string  `yaml:"tools_dir"` // Crystallized tool sources, watched for hot reload
}

// IndexConfig configures tool search and example mining.
type IndexConfig struct {
	MaxExamples int     `yaml:"max_examples"`
	MinSuccess  float64 `yaml:"min_success"`
	CacheTTL    string  `yaml:"cache_ttl"`
}

// EmbeddingConfig configures the embedding backend for index search.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama, genai, none
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIModel     string `yaml:"genai_model"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "goalforge",
		Version: "0.3.0",

		LLM: LLMConfig{
			Provider: "genai",
			Model:    "gemini-2.0-flash",
			Timeout:  "120s",
		},

		Storage: StorageConfig{
			DatabasePath:    ".goalforge/traces.db",
			ConfidenceFloor: 0.3,
		},

		Dispatch: DispatchConfig{
			Strategy:          "auto",
			FollowerThreshold: 0.92,
			MixedThreshold:    0.75,
			ComplexityKeywords: []string{
				"and", "then", "coordinate", "delegate",
				"after", "meanwhile", "both", "orchestrate",
				"in parallel", "multiple agents", "collaborate",
			},
			ComplexityThreshold: 3,
			OracleTimeout:       "2s",
			OracleCandidates:    5,
		},

		Budget: BudgetConfig{
			InitialUSD: 10.0,
			LedgerPath: ".goalforge/ledger.json",
		},

		Replay: ReplayConfig{
			MaxContainers: 4,
			CallTimeout:   "30s",
		},

		Crystal: CrystalConfig{
			MinUsage:       3,
			MinSuccess:     0.9,
			MatchThreshold: 0.95,
			ToolsDir:       ".goalforge/tools",
		},

		Index: IndexConfig{
			MaxExamples: 3,
			MinSuccess:  0.8,
			CacheTTL:    "5m",
		},

		Embedding: EmbeddingConfig{
			Provider:       "none",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides overrides config fields from environment variables.
func (c *Config) applyEnvOverrides() {
	// LLM API key from environment (check in priority order)
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "genai"
		}
	}
	if key := os.Getenv("GOALFORGE_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}

	if path := os.Getenv("GOALFORGE_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if path := os.Getenv("GOALFORGE_LEDGER"); path != "" {
		c.Budget.LedgerPath = path
	}
	if strategy := os.Getenv("GOALFORGE_STRATEGY"); strategy != "" {
		c.Dispatch.Strategy = strategy
	}
	if budget := os.Getenv("GOALFORGE_BUDGET_USD"); budget != "" {
		if v, err := strconv.ParseFloat(budget, 64); err == nil && v >= 0 {
			c.Budget.InitialUSD = v
		}
	}
	if endpoint := os.Getenv("OLLAMA_HOST"); endpoint != "" {
		c.Embedding.OllamaEndpoint = endpoint
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetOracleTimeout returns the oracle match timeout as a duration.
func (c *Config) GetOracleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Dispatch.OracleTimeout)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetCallTimeout returns the per-tool-call replay timeout as a duration.
func (c *Config) GetCallTimeout() time.Duration {
	d, err := time.ParseDuration(c.Replay.CallTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetCacheTTL returns the example cache TTL as a duration.
func (c *Config) GetCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Index.CacheTTL)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// ValidStrategies lists all supported dispatch strategies.
var ValidStrategies = []string{
	"auto", "cost", "speed", "forced-learner", "forced-follower", "sentience",
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validStrategy := false
	for _, s := range ValidStrategies {
		if c.Dispatch.Strategy == s {
			validStrategy = true
			break
		}
	}
	if !validStrategy {
		return fmt.Errorf("invalid dispatch strategy: %s (valid: %v)", c.Dispatch.Strategy, ValidStrategies)
	}

	if c.Dispatch.MixedThreshold > c.Dispatch.FollowerThreshold {
		return fmt.Errorf("mixed_threshold (%.2f) must not exceed follower_threshold (%.2f)",
			c.Dispatch.MixedThreshold, c.Dispatch.FollowerThreshold)
	}
	if c.Budget.InitialUSD < 0 {
		return fmt.Errorf("initial budget must be non-negative, got %.2f", c.Budget.InitialUSD)
	}
	if c.Replay.MaxContainers <= 0 {
		return fmt.Errorf("max_containers must be positive, got %d", c.Replay.MaxContainers)
	}
	if c.Crystal.MinUsage <= 0 {
		return fmt.Errorf("crystal min_usage must be positive, got %d", c.Crystal.MinUsage)
	}

	return nil
}
