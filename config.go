package chatquota

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Quota    QuotaConfig    `yaml:"quota"`
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// QuotaConfig sets the anonymous free-tier budgets.
type QuotaConfig struct {
	DailyTokens   int64         `yaml:"daily_tokens"`
	DailyMessages int64         `yaml:"daily_messages"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	MaxSessions   int           `yaml:"max_sessions"`
	Timezone      string        `yaml:"timezone"` // IANA name; empty means local time
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	FragmentTimeout time.Duration `yaml:"fragment_timeout"`
	MaxMessageChars int           `yaml:"max_message_chars"`
	FailurePolicy   string        `yaml:"failure_policy"` // "preserve" (default) or "apology"
}

// UpstreamConfig selects the model that writes replies.
type UpstreamConfig struct {
	Provider  string `yaml:"provider"` // "openai" or "mock"
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Env   string `yaml:"env"`   // prod, dev, local
	Level string `yaml:"level"` // debug, info, warn, error
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("chatquota: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data, applies defaults and validates it.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("chatquota: parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	d := DefaultLimits()
	if c.Quota.DailyTokens == 0 {
		c.Quota.DailyTokens = d.DailyTokens
	}
	if c.Quota.DailyMessages == 0 {
		c.Quota.DailyMessages = d.DailyMessages
	}
	if c.Quota.IdleTimeout == 0 {
		c.Quota.IdleTimeout = d.IdleTimeout
	}
	if c.Quota.MaxSessions == 0 {
		c.Quota.MaxSessions = d.MaxSessions
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.FragmentTimeout == 0 {
		c.Server.FragmentTimeout = 60 * time.Second
	}
	if c.Server.MaxMessageChars == 0 {
		c.Server.MaxMessageChars = 4000
	}
	if c.Server.FailurePolicy == "" {
		c.Server.FailurePolicy = "preserve"
	}
	if c.Upstream.Provider == "" {
		c.Upstream.Provider = "mock"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "local"
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Quota.DailyTokens < 0 {
		return fmt.Errorf("chatquota: config: quota.daily_tokens must not be negative")
	}
	if c.Quota.DailyMessages < 0 {
		return fmt.Errorf("chatquota: config: quota.daily_messages must not be negative")
	}
	if c.Quota.IdleTimeout < 0 {
		return fmt.Errorf("chatquota: config: quota.idle_timeout must not be negative")
	}
	if c.Quota.MaxSessions < 0 {
		return fmt.Errorf("chatquota: config: quota.max_sessions must not be negative")
	}
	if c.Quota.Timezone != "" {
		if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
			return fmt.Errorf("chatquota: config: quota.timezone: %w", err)
		}
	}

	switch c.Server.FailurePolicy {
	case "", "preserve", "apology":
	default:
		return fmt.Errorf("chatquota: config: server.failure_policy must be \"preserve\" or \"apology\", got %q", c.Server.FailurePolicy)
	}

	switch c.Upstream.Provider {
	case "mock":
	case "openai":
		if c.Upstream.Model == "" {
			return fmt.Errorf("chatquota: config: upstream.model is required for provider %q", c.Upstream.Provider)
		}
		if c.Upstream.APIKey == "" {
			return fmt.Errorf("chatquota: config: upstream.api_key is required for provider %q", c.Upstream.Provider)
		}
	default:
		return fmt.Errorf("chatquota: config: invalid upstream.provider %q", c.Upstream.Provider)
	}

	return nil
}

// Limits converts the quota section into Manager limits.
func (c QuotaConfig) Limits() Limits {
	return Limits{
		DailyTokens:   c.DailyTokens,
		DailyMessages: c.DailyMessages,
		IdleTimeout:   c.IdleTimeout,
		MaxSessions:   c.MaxSessions,
	}
}

// Clock returns the accounting clock for the configured timezone.
func (c QuotaConfig) Clock() (SystemClock, error) {
	if c.Timezone == "" {
		return NewSystemClock(nil), nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return SystemClock{}, fmt.Errorf("chatquota: load timezone: %w", err)
	}
	return NewSystemClock(loc), nil
}

// AssemblerOptions returns the reply assembly options implied by the server
// section.
func (c ServerConfig) AssemblerOptions() []AssemblerOption {
	opts := []AssemblerOption{WithFragmentTimeout(c.FragmentTimeout)}
	if c.FailurePolicy == "apology" {
		opts = append(opts, WithFailurePolicy(FailureReplaceWithApology))
	}
	return opts
}
