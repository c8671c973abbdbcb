// Package config provides configuration management for the Aether kernel.
// It supports loading configuration from environment variables, a config
// file, and defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the kernel.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Kernel    KernelConfig    `mapstructure:"kernel"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds embedded database configuration.
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	SnapshotDir   string `mapstructure:"snapshotDir"`
	HomeDir       string `mapstructure:"homeDir"`       // agent home roots: home/{agentUid}
	AllowFallback bool   `mapstructure:"allowFallback"` // permit in-memory fallback after recreate failure
}

// NATSConfig holds the optional NATS bus backend configuration. An empty
// URL selects the in-process bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret         string `mapstructure:"jwtSecret"`
	TokenDuration     int    `mapstructure:"tokenDuration"` // in seconds
	MinPasswordLength int    `mapstructure:"minPasswordLength"`
}

// KernelConfig holds process table and agent loop configuration.
type KernelConfig struct {
	MaxProcesses    int `mapstructure:"maxProcesses"`
	DefaultMaxSteps int `mapstructure:"defaultMaxSteps"`
	ReapGraceSec    int `mapstructure:"reapGraceSec"`
	ReapIntervalSec int `mapstructure:"reapIntervalSec"`
	MetricsSec      int `mapstructure:"metricsSec"`
	ToolTimeoutSec  int `mapstructure:"toolTimeoutSec"`
}

// SchedulerConfig holds cron and trigger driver configuration.
type SchedulerConfig struct {
	PollIntervalMs int `mapstructure:"pollIntervalMs"`
}

// MemoryConfig holds per-layer agent memory caps.
type MemoryConfig struct {
	EpisodicCap   int `mapstructure:"episodicCap"`
	SemanticCap   int `mapstructure:"semanticCap"`
	ProceduralCap int `mapstructure:"proceduralCap"`
	SocialCap     int `mapstructure:"socialCap"`
}

// AuditConfig holds audit log retention configuration.
type AuditConfig struct {
	RetentionDays int `mapstructure:"retentionDays"`
}

// WebhookConfig holds outbound webhook delivery defaults.
type WebhookConfig struct {
	TimeoutMs  int `mapstructure:"timeoutMs"`
	RetryCount int `mapstructure:"retryCount"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// PollInterval returns the scheduler poll interval as a time.Duration.
func (s *SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// LayerCap returns the configured cap for a memory layer.
func (m *MemoryConfig) LayerCap(layer string) int {
	switch layer {
	case "episodic":
		return m.EpisodicCap
	case "semantic":
		return m.SemanticCap
	case "procedural":
		return m.ProceduralCap
	case "social":
		return m.SocialCap
	default:
		return m.EpisodicCap
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7767)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", "./aether.db")
	v.SetDefault("database.snapshotDir", "./snapshots")
	v.SetDefault("database.homeDir", "./home")
	v.SetDefault("database.allowFallback", true)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "aether-kernel")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 86400)
	v.SetDefault("auth.minPasswordLength", 8)

	v.SetDefault("kernel.maxProcesses", 64)
	v.SetDefault("kernel.defaultMaxSteps", 32)
	v.SetDefault("kernel.reapGraceSec", 60)
	v.SetDefault("kernel.reapIntervalSec", 10)
	v.SetDefault("kernel.metricsSec", 15)
	v.SetDefault("kernel.toolTimeoutSec", 30)

	v.SetDefault("scheduler.pollIntervalMs", 1000)

	v.SetDefault("memory.episodicCap", 512)
	v.SetDefault("memory.semanticCap", 1024)
	v.SetDefault("memory.proceduralCap", 256)
	v.SetDefault("memory.socialCap", 256)

	v.SetDefault("audit.retentionDays", 90)

	v.SetDefault("webhook.timeoutMs", 10000)
	v.SetDefault("webhook.retryCount", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from defaults, an optional aether.yaml, and
// AETHER_* environment variables (highest precedence).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath loads configuration from a specific file path. An empty
// path searches the working directory and ~/.aether.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AETHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("aether")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.aether")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Kernel.MaxProcesses <= 0 {
		return fmt.Errorf("kernel.maxProcesses must be positive")
	}
	if cfg.Auth.MinPasswordLength < 4 {
		return fmt.Errorf("auth.minPasswordLength must be at least 4")
	}
	if cfg.Auth.JWTSecret == "" {
		// Dev convenience only: tokens do not survive restarts.
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	return nil
}

func generateDevSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "aether-dev-secret"
	}
	return hex.EncodeToString(buf)
}
