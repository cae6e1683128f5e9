package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting. Load layers defaults, an optional
// YAML file named by HERALD_CONFIG, then environment variables.
type Config struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	APIToken string `yaml:"api_token"`

	NatsURL   string `yaml:"nats_url"`
	NatsToken string `yaml:"nats_token"`

	// OracleProvider is anthropic, openai or ollama.
	OracleProvider  string        `yaml:"oracle_provider"`
	AnthropicAPIKey string        `yaml:"anthropic_api_key"`
	Model           string        `yaml:"model"`
	OpenAIBaseURL   string        `yaml:"openai_base_url"`
	OpenAIAPIKey    string        `yaml:"openai_api_key"`
	OracleTimeout   time.Duration `yaml:"oracle_timeout"`
	OracleRetries   int           `yaml:"oracle_retries"`
	OracleMaxTokens int           `yaml:"oracle_max_tokens"`

	NewsDir     string `yaml:"news_dir"`
	NewsPattern string `yaml:"news_pattern"`
	TargetCount int    `yaml:"target_count"`
	ScanAll     bool   `yaml:"scan_all"`
	Category    string `yaml:"category"`
	Keyword     string `yaml:"keyword"`

	BatchSize int `yaml:"batch_size"`
	// BatchWorkers above 1 extracts batches concurrently.
	BatchWorkers int `yaml:"batch_workers"`

	CacheBackend    string        `yaml:"cache_backend"`
	CachePath       string        `yaml:"cache_path"`
	DatabaseURL     string        `yaml:"database_url"`
	CacheMaxEntries int           `yaml:"cache_max_entries"`
	OracleCacheTTL  time.Duration `yaml:"oracle_cache_ttl"`
	DataCacheTTL    time.Duration `yaml:"data_cache_ttl"`
	ItemCacheTTL    time.Duration `yaml:"item_cache_ttl"`

	RulesFile string   `yaml:"rules_file"`
	Holdings  []string `yaml:"holdings"`

	MonitorInterval time.Duration `yaml:"monitor_interval"`

	Analyze         bool   `yaml:"analyze"`
	AnalyzeParallel bool   `yaml:"analyze_parallel"`
	TablesFile      string `yaml:"tables_file"`

	EventThreshold    float64 `yaml:"quality_event_threshold"`
	AnalysisThreshold float64 `yaml:"quality_analysis_threshold"`

	StatePath  string `yaml:"state_path"`
	RunOnStart bool   `yaml:"run_on_start"`

	SlackBotToken string `yaml:"slack_bot_token"`
	SlackChannel  string `yaml:"slack_alert_channel"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:     8760,
		LogLevel: "info",

		NatsURL: "",

		OracleProvider:  "anthropic",
		Model:           "claude-sonnet-4-20250514",
		OpenAIBaseURL:   "http://localhost:11434/v1",
		OracleTimeout:   120 * time.Second,
		OracleRetries:   0,
		OracleMaxTokens: 4096,

		NewsDir:     "~/news",
		NewsPattern: "*.txt",
		TargetCount: 100,

		BatchSize:    50,
		BatchWorkers: 1,

		CacheBackend:    "sqlite",
		CachePath:       "~/.herald/cache.db",
		CacheMaxEntries: 10000,
		OracleCacheTTL:  24 * time.Hour,
		DataCacheTTL:    time.Hour,
		ItemCacheTTL:    30 * time.Minute,

		MonitorInterval: 30 * time.Second,

		Analyze:         false,
		AnalyzeParallel: true,

		EventThreshold:    0.8,
		AnalysisThreshold: 0.7,

		StatePath: "~/.herald/state.json",
	}
}

// Load returns the effective configuration. It always returns a usable
// Config; a non-nil error reports a config file problem that was ignored.
func Load() (Config, error) {
	cfg := Defaults()

	var fileErr error
	if path := os.Getenv("HERALD_CONFIG"); path != "" {
		fileErr = cfg.mergeFile(path)
		if fileErr != nil {
			cfg = Defaults()
		}
	}

	cfg.applyEnv()
	return cfg, fileErr
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("HERALD_PORT", c.Port)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.APIToken = envStr("HERALD_API_TOKEN", c.APIToken)

	c.NatsURL = envStr("NATS_URL", c.NatsURL)
	c.NatsToken = envStr("NATS_TOKEN", c.NatsToken)

	c.OracleProvider = strings.ToLower(envStr("ORACLE_PROVIDER", c.OracleProvider))
	c.AnthropicAPIKey = envStr("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.Model = envStr("HERALD_MODEL", c.Model)
	c.OpenAIBaseURL = envStr("OPENAI_BASE_URL", c.OpenAIBaseURL)
	c.OpenAIAPIKey = envStr("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OracleTimeout = envDuration("ORACLE_TIMEOUT", c.OracleTimeout)
	c.OracleRetries = envInt("ORACLE_RETRIES", c.OracleRetries)
	c.OracleMaxTokens = envInt("ORACLE_MAX_TOKENS", c.OracleMaxTokens)

	c.NewsDir = envStr("HERALD_NEWS_DIR", c.NewsDir)
	c.NewsPattern = envStr("HERALD_NEWS_PATTERN", c.NewsPattern)
	c.TargetCount = envInt("HERALD_TARGET_COUNT", c.TargetCount)
	c.ScanAll = envBool("HERALD_SCAN_ALL", c.ScanAll)
	c.Category = envStr("HERALD_CATEGORY", c.Category)
	c.Keyword = envStr("HERALD_KEYWORD", c.Keyword)

	c.BatchSize = envInt("HERALD_BATCH_SIZE", c.BatchSize)
	c.BatchWorkers = envInt("HERALD_BATCH_WORKERS", c.BatchWorkers)

	c.CacheBackend = strings.ToLower(envStr("CACHE_BACKEND", c.CacheBackend))
	c.CachePath = envStr("CACHE_PATH", c.CachePath)
	c.DatabaseURL = envStr("DATABASE_URL", c.DatabaseURL)
	c.CacheMaxEntries = envInt("CACHE_MAX_ENTRIES", c.CacheMaxEntries)
	c.OracleCacheTTL = envDuration("ORACLE_CACHE_TTL", c.OracleCacheTTL)
	c.DataCacheTTL = envDuration("DATA_CACHE_TTL", c.DataCacheTTL)
	c.ItemCacheTTL = envDuration("ITEM_CACHE_TTL", c.ItemCacheTTL)

	c.RulesFile = envStr("HERALD_RULES_FILE", c.RulesFile)
	c.Holdings = envList("HERALD_HOLDINGS", c.Holdings)

	c.MonitorInterval = envDuration("MONITOR_INTERVAL", c.MonitorInterval)

	c.Analyze = envBool("HERALD_ANALYZE", c.Analyze)
	c.AnalyzeParallel = envBool("HERALD_ANALYZE_PARALLEL", c.AnalyzeParallel)
	c.TablesFile = envStr("HERALD_TABLES_FILE", c.TablesFile)

	c.EventThreshold = envFloat("QUALITY_EVENT_THRESHOLD", c.EventThreshold)
	c.AnalysisThreshold = envFloat("QUALITY_ANALYSIS_THRESHOLD", c.AnalysisThreshold)

	c.StatePath = envStr("HERALD_STATE_PATH", c.StatePath)
	c.RunOnStart = envBool("HERALD_RUN_ON_START", c.RunOnStart)

	c.SlackBotToken = envStr("SLACK_BOT_TOKEN", c.SlackBotToken)
	c.SlackChannel = envStr("SLACK_ALERT_CHANNEL", c.SlackChannel)
}

// Validate reports settings that make the service unusable.
func (c Config) Validate() error {
	var errs []error
	switch c.OracleProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider"))
		}
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("unknown oracle provider %q", c.OracleProvider))
	}
	switch c.CacheBackend {
	case "sqlite", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres cache backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.CacheBackend))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envList splits a comma-separated value, dropping blanks.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
