package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// CompletionConfig holds settings for the outbound chat-completion service.
type CompletionConfig struct {
	// BaseURL is the OpenAI-compatible API base, e.g. https://openrouter.ai/api/v1.
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	// TimeoutSeconds bounds the outbound call. Expiry is reported as a
	// completion failure, never retried.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// LedgerConfig tunes the usage ledger thresholds and failure heuristic.
type LedgerConfig struct {
	// FailedQueryLimit is the failed-query count above which the persona
	// asks for a logic rewrite.
	FailedQueryLimit int `yaml:"failed_query_limit"`
	// MessageLimit is the total-message count above which the same signal fires.
	MessageLimit int `yaml:"message_limit"`
	// FailurePhrases are matched case-insensitively against completion
	// replies to count a turn as failed. A soft metric, not load-bearing.
	FailurePhrases []string `yaml:"failure_phrases"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AdminName is the sole administrative identity the persona answers to.
	AdminName string `yaml:"admin_name"`

	// VisitorLogCap bounds the visitor log; appends beyond it evict the oldest entry.
	VisitorLogCap int `yaml:"visitor_log_cap"`

	// RetentionAuditLogDays prunes old audit_log rows. 0 = keep forever.
	RetentionAuditLogDays int `yaml:"retention_audit_log_days"`

	MaxRequestBytes int64 `yaml:"max_request_bytes"`

	Completion CompletionConfig `yaml:"completion"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	CORS       CORSConfig       `yaml:"cors"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`

	// PERSONA holds the persona rules text loaded from <home>/PERSONA.md,
	// empty when the file is absent (built-in rules apply).
	PERSONA string `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "127.0.0.1:18791",
		LogLevel:              "info",
		AdminName:             "JOse",
		VisitorLogCap:         50,
		RetentionAuditLogDays: 365,
		MaxRequestBytes:       64 * 1024,
		Completion: CompletionConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			Model:          "google/gemma-2-9b-it:free",
			TimeoutSeconds: 60,
		},
		Ledger: LedgerConfig{
			FailedQueryLimit: 3,
			MessageLimit:     20,
			FailurePhrases:   []string{"i don't know", "unknown"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		CORS: CORSConfig{
			Enabled: true,
		},
	}
}

// HomeDir returns the charlesd data directory, honoring CHARLESD_HOME.
func HomeDir() string {
	if override := os.Getenv("CHARLESD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".charlesd")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, applies env overrides and
// normalization, and loads PERSONA.md. A missing config file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create charlesd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadPersonaFile(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18791"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.AdminName) == "" {
		cfg.AdminName = "JOse"
	}
	if cfg.VisitorLogCap <= 0 {
		cfg.VisitorLogCap = 50
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 64 * 1024
	}
	if cfg.Completion.BaseURL == "" {
		cfg.Completion.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Completion.Model == "" {
		cfg.Completion.Model = "google/gemma-2-9b-it:free"
	}
	if cfg.Completion.TimeoutSeconds <= 0 {
		cfg.Completion.TimeoutSeconds = 60
	}
	if cfg.Ledger.FailedQueryLimit <= 0 {
		cfg.Ledger.FailedQueryLimit = 3
	}
	if cfg.Ledger.MessageLimit <= 0 {
		cfg.Ledger.MessageLimit = 20
	}
	if len(cfg.Ledger.FailurePhrases) == 0 {
		cfg.Ledger.FailurePhrases = []string{"i don't know", "unknown"}
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 10
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CHARLESD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CHARLESD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CHARLESD_ADMIN_NAME"); raw != "" {
		cfg.AdminName = raw
	}
	if raw := os.Getenv("CHARLESD_VISITOR_LOG_CAP"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.VisitorLogCap = v
		}
	}
	if raw := os.Getenv("CHARLESD_MESSAGE_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Ledger.MessageLimit = v
		}
	}
	if raw := os.Getenv("OPENROUTER_API_KEY"); raw != "" {
		cfg.Completion.APIKey = raw
	}
	if raw := os.Getenv("CHARLESD_COMPLETION_BASE_URL"); raw != "" {
		cfg.Completion.BaseURL = raw
	}
	if raw := os.Getenv("CHARLESD_COMPLETION_MODEL"); raw != "" {
		cfg.Completion.Model = raw
	}
	if raw := os.Getenv("CHARLESD_COMPLETION_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Completion.TimeoutSeconds = v
		}
	}
}

func loadPersonaFile(cfg *Config) {
	personaPath := filepath.Join(cfg.HomeDir, "PERSONA.md")
	if b, err := os.ReadFile(personaPath); err == nil {
		cfg.PERSONA = string(b)
	}
}

// Fingerprint returns a stable hash of the active config, exposed in /healthz
// so operators can confirm which configuration a running daemon carries.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|admin=%s|cap=%d|model=%s|limits=%d/%d",
		c.BindAddr, c.LogLevel, c.AdminName, c.VisitorLogCap,
		c.Completion.Model, c.Ledger.FailedQueryLimit, c.Ledger.MessageLimit)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Save writes the config back to config.yaml, preserving unknown keys is not
// attempted; callers own the file.
func Save(homeDir string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(homeDir), data, 0o644)
}
