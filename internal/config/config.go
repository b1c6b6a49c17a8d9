// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Loop      LoopConfig      `mapstructure:"loop" yaml:"loop"`
	Decision  DecisionConfig  `mapstructure:"decision" yaml:"decision"`
	Quota     QuotaConfig     `mapstructure:"quota" yaml:"quota"`
}

// LoggerConfig configures the zap logger and its file rotation.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // console or json
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // MB
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig configures the HTTP transport surface.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval"`
}

// DatabaseConfig selects and configures the repository backend.
type DatabaseConfig struct {
	// Type is "memory" or "postgres".
	Type string `mapstructure:"type" yaml:"type"`
	URL  string `mapstructure:"url" yaml:"url"`
}

// SchedulerConfig tunes the priority queue's scheduling loop.
type SchedulerConfig struct {
	// Concurrency bounds how many executions may run simultaneously.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`

	// IdleWait is how long the loop sleeps when the queue is empty.
	IdleWait time.Duration `mapstructure:"idle_wait" yaml:"idle_wait"`

	// ScanInterval is the cadence of the periodic scan that admits agents
	// with elapsed schedules.
	ScanInterval time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`
}

// BrowserConfig configures the automation session manager.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ViewportWidth   int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight  int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	DefaultAddress  string        `mapstructure:"default_address" yaml:"default_address"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout" yaml:"nav_timeout"`
	Args            []string      `mapstructure:"args" yaml:"args"`
}

// LoopConfig tunes the action-observation decision loop.
type LoopConfig struct {
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`

	// SettleDelay is applied after every action; InterActionDelay separates
	// one action's observation from the next decision call.
	SettleDelay      time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	InterActionDelay time.Duration `mapstructure:"inter_action_delay" yaml:"inter_action_delay"`
	InterKeyDelay    time.Duration `mapstructure:"inter_key_delay" yaml:"inter_key_delay"`
	DefaultWait      time.Duration `mapstructure:"default_wait" yaml:"default_wait"`
}

// DecisionConfig configures the decision-capability clients.
type DecisionConfig struct {
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	Model      string        `mapstructure:"model" yaml:"model"` // fallback vision model
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxTokens  int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// QuotaConfig sets defaults applied to organizations without explicit quotas.
type QuotaConfig struct {
	DefaultAPIQuota int `mapstructure:"default_api_quota" yaml:"default_api_quota"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "agentscale")
	v.SetDefault("logger.log_file", "agentscale.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s") // streaming responses manage their own deadlines
	v.SetDefault("server.keepalive_interval", "25s")

	// -- Database --
	v.SetDefault("database.type", "memory")

	// -- Scheduler --
	v.SetDefault("scheduler.concurrency", 1)
	v.SetDefault("scheduler.idle_wait", "5s")
	v.SetDefault("scheduler.scan_interval", "1m")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 720)
	v.SetDefault("browser.default_address", "https://example.com")
	v.SetDefault("browser.nav_timeout", "90s")

	// -- Loop --
	v.SetDefault("loop.max_iterations", 20)
	v.SetDefault("loop.settle_delay", "500ms")
	v.SetDefault("loop.inter_action_delay", "1s")
	v.SetDefault("loop.inter_key_delay", "100ms")
	v.SetDefault("loop.default_wait", "2s")

	// -- Decision --
	v.SetDefault("decision.endpoint", "https://api.openai.com")
	v.SetDefault("decision.model", "gpt-4o")
	v.SetDefault("decision.api_timeout", "2m")
	v.SetDefault("decision.max_tokens", 1000)

	// -- Quota --
	v.SetDefault("quota.default_api_quota", 1000)
}

// NewDefaultConfig creates a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("decision.api_key", "AGENTSCALE_DECISION_API_KEY")
	v.BindEnv("database.url", "AGENTSCALE_DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be a positive integer")
	}
	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("loop.max_iterations must be greater than 0")
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport dimensions must be positive")
	}
	if c.Database.Type != "memory" && c.Database.Type != "postgres" {
		return fmt.Errorf("database.type must be 'memory' or 'postgres', got %q", c.Database.Type)
	}
	if c.Database.Type == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database.url is required when database.type is 'postgres'")
	}
	return nil
}
