package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/biodoia/hacp/pkg/database"
	"github.com/spf13/viper"
)

// Config rappresenta la configurazione completa dell'applicazione
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      database.Config     `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	Provisioning  ProvisioningConfig  `mapstructure:"provisioning"`
	Routing       RoutingConfig       `mapstructure:"routing"`
	Escalation    EscalationConfig    `mapstructure:"escalation"`
	Entitlements  EntitlementsConfig  `mapstructure:"entitlements"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
}

// ServerConfig configurazione del server
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	TLS          struct {
		Enabled bool   `mapstructure:"enabled"`
		Cert    string `mapstructure:"cert"`
		Key     string `mapstructure:"key"`
	} `mapstructure:"tls"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
}

// RateLimitConfig limita le richieste per owner sulle API /v1
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
	Distributed       bool `mapstructure:"distributed"` // condiviso via redis
}

// RedisConfig configurazione Redis, usata per pubblicare gli eventi di transizione
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// AuthConfig configurazione JWT
type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// ProviderConfig descrive un singolo provider (A o B)
type ProviderConfig struct {
	Driver    string        `mapstructure:"driver"` // "openai", "rest"
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"` // richieste al secondo, 0 = illimitato
	Burst     int           `mapstructure:"burst"`
}

// RetryConfig configura i retry degli adapter
type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// BreakerConfig configura i circuit breaker degli adapter
type BreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

// ProvidersConfig configurazione providers
type ProvidersConfig struct {
	A                   ProviderConfig `mapstructure:"a"`
	B                   ProviderConfig `mapstructure:"b"`
	Retry               RetryConfig    `mapstructure:"retry"`
	Breaker             BreakerConfig  `mapstructure:"breaker"`
	HealthCheckInterval time.Duration  `mapstructure:"health_check_interval"`
}

// ProvisioningConfig configura l'orchestrator
type ProvisioningConfig struct {
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout"`
}

// RouteEntry è una voce della policy di routing
type RouteEntry struct {
	Primary   string  `mapstructure:"primary" yaml:"primary"`
	Fallback  string  `mapstructure:"fallback" yaml:"fallback,omitempty"`
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
}

// RoutingConfig configurazione routing
type RoutingConfig struct {
	Version    string                `mapstructure:"version"`
	PolicyFile string                `mapstructure:"policy_file"`
	Entries    map[string]RouteEntry `mapstructure:"entries"`
}

// SeniorConfig configura l'assistente senior
type SeniorConfig struct {
	Driver        string `mapstructure:"driver"` // "claude", "adapter"
	Tier          string `mapstructure:"tier"`
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	MaxTokens     int64  `mapstructure:"max_tokens"`
	MaxConcurrent int    `mapstructure:"max_concurrent"` // risposte concorrenti del driver "claude"
	Provider      string `mapstructure:"provider"`       // per driver "adapter"
	RemoteID      string `mapstructure:"remote_id"`
}

// EscalationConfig configura il coordinator delle escalation
type EscalationConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	AckTimeout      time.Duration `mapstructure:"ack_timeout"`
	FallbackMessage string        `mapstructure:"fallback_message"`
	DegradedMessage string        `mapstructure:"degraded_message"`
	MaxInputLength  int           `mapstructure:"max_input_length"` // rune inoltrate al senior per testo
	SessionIdle     time.Duration `mapstructure:"session_idle_timeout"`
	Senior          SeniorConfig  `mapstructure:"senior"`
}

// EntitlementsConfig associa i piani agli owner
type EntitlementsConfig struct {
	DefaultPlan string            `mapstructure:"default_plan"`
	Owners      map[string]string `mapstructure:"owners"` // owner id -> piano
}

// NotificationsConfig configura l'inoltro delle transizioni ai canali esterni
type NotificationsConfig struct {
	Enabled  bool               `mapstructure:"enabled"`
	Webhooks []WebhookConfig    `mapstructure:"webhooks"`
	Slack    []SlackConfig      `mapstructure:"slack"`
	Rules    []NotificationRule `mapstructure:"rules"`
}

// SlackConfig descrive un canale Slack raggiunto con un bot token
type SlackConfig struct {
	Name      string `mapstructure:"name"`
	Token     string `mapstructure:"token"`
	ChannelID string `mapstructure:"channel_id"`
	APIURL    string `mapstructure:"api_url"` // opzionale, per ambienti di test
}

// WebhookConfig descrive un endpoint webhook
type WebhookConfig struct {
	Name       string            `mapstructure:"name"`
	URL        string            `mapstructure:"url"`
	Secret     string            `mapstructure:"secret"`
	Headers    map[string]string `mapstructure:"headers"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	MaxRetries int               `mapstructure:"max_retries"`
	RetryWait  time.Duration     `mapstructure:"retry_wait"`
}

// NotificationRule seleziona gli eventi da inoltrare
type NotificationRule struct {
	Name        string        `mapstructure:"name"`
	Types       []string      `mapstructure:"types"` // agent.status, escalation.state
	MinSeverity string        `mapstructure:"min_severity"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
	Channels    []string      `mapstructure:"channels"`
}

// MonitoringConfig configurazione monitoring
type MonitoringConfig struct {
	Prometheus struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"prometheus"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Stream struct {
		Enabled    bool          `mapstructure:"enabled"`
		Heartbeat  time.Duration `mapstructure:"heartbeat"`
		BufferSize int           `mapstructure:"buffer_size"`
	} `mapstructure:"stream"`
	Tracing struct {
		Enabled     bool    `mapstructure:"enabled"`
		Exporter    string  `mapstructure:"exporter"` // "stdout", "noop"
		SampleRatio float64 `mapstructure:"sample_ratio"`
	} `mapstructure:"tracing"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// RetentionConfig pianifica la pulizia dell'audit e delle escalation archiviate
type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"` // espressione cron, es. "@daily"
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// Load carica la configurazione da file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// HACP_PROVIDERS_A_API_KEY -> providers.a.api_key
	v.SetEnvPrefix("HACP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults imposta i valori di default.
// AutomaticEnv risolve solo le chiavi note, quindi anche i segreti hanno un default vuoto.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.requests_per_minute", 120)
	v.SetDefault("server.rate_limit.burst", 20)
	v.SetDefault("server.rate_limit.distributed", false)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.connection", "./data/hacp.db")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.log_level", "warn")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "hacp:transitions")

	// Auth defaults
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "hacp")
	v.SetDefault("auth.token_ttl", "24h")

	// Providers defaults
	v.SetDefault("providers.a.driver", "openai")
	v.SetDefault("providers.a.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.a.api_key", "")
	v.SetDefault("providers.a.model", "gpt-4o-mini")
	v.SetDefault("providers.a.timeout", "30s")
	v.SetDefault("providers.a.rate_limit", 5.0)
	v.SetDefault("providers.a.burst", 10)
	v.SetDefault("providers.b.driver", "rest")
	v.SetDefault("providers.b.base_url", "http://localhost:8090")
	v.SetDefault("providers.b.api_key", "")
	v.SetDefault("providers.b.model", "")
	v.SetDefault("providers.b.timeout", "30s")
	v.SetDefault("providers.b.rate_limit", 5.0)
	v.SetDefault("providers.b.burst", 10)
	v.SetDefault("providers.retry.max_retries", 2)
	v.SetDefault("providers.retry.initial_delay", "200ms")
	v.SetDefault("providers.retry.max_delay", "5s")
	v.SetDefault("providers.retry.multiplier", 2.0)
	v.SetDefault("providers.breaker.max_requests", 1)
	v.SetDefault("providers.breaker.interval", "60s")
	v.SetDefault("providers.breaker.timeout", "30s")
	v.SetDefault("providers.breaker.failure_threshold", 5)
	v.SetDefault("providers.health_check_interval", "5m")

	// Provisioning defaults
	v.SetDefault("provisioning.call_timeout", "45s")
	v.SetDefault("provisioning.teardown_timeout", "30s")

	// Routing defaults, la policy di base vive in internal/routing
	v.SetDefault("routing.version", "v1")
	v.SetDefault("routing.policy_file", "")

	// Escalation defaults
	v.SetDefault("escalation.timeout", "30s")
	v.SetDefault("escalation.ack_timeout", "5s")
	v.SetDefault("escalation.fallback_message", "A senior assistant could not answer in time. Your request has been recorded and someone will follow up.")
	v.SetDefault("escalation.degraded_message", "The senior assistant is currently unavailable. Please try again later.")
	v.SetDefault("escalation.max_input_length", 8000)
	v.SetDefault("escalation.session_idle_timeout", "30m")
	v.SetDefault("escalation.senior.driver", "claude")
	v.SetDefault("escalation.senior.tier", "senior")
	v.SetDefault("escalation.senior.api_key", "")
	v.SetDefault("escalation.senior.model", "claude-sonnet-4-5")
	v.SetDefault("escalation.senior.max_tokens", 1024)
	v.SetDefault("escalation.senior.max_concurrent", 8)

	// Entitlements defaults
	v.SetDefault("entitlements.default_plan", "free")

	// Notifications defaults
	v.SetDefault("notifications.enabled", false)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.logging.level", "info")
	v.SetDefault("monitoring.logging.format", "json")
	v.SetDefault("monitoring.stream.enabled", true)
	v.SetDefault("monitoring.stream.heartbeat", "15s")
	v.SetDefault("monitoring.stream.buffer_size", 64)
	v.SetDefault("monitoring.tracing.enabled", false)
	v.SetDefault("monitoring.tracing.exporter", "stdout")
	v.SetDefault("monitoring.tracing.sample_ratio", 1.0)
	v.SetDefault("monitoring.retention.enabled", false)
	v.SetDefault("monitoring.retention.schedule", "@daily")
	v.SetDefault("monitoring.retention.max_age", "720h")
}

// Validate valida la configurazione
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.TLS.Enabled {
		if _, err := os.Stat(c.Server.TLS.Cert); os.IsNotExist(err) {
			return fmt.Errorf("TLS certificate not found: %s", c.Server.TLS.Cert)
		}
		if _, err := os.Stat(c.Server.TLS.Key); os.IsNotExist(err) {
			return fmt.Errorf("TLS key not found: %s", c.Server.TLS.Key)
		}
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("invalid rate limit: %d requests per minute", c.Server.RateLimit.RequestsPerMinute)
	}
	if c.Server.RateLimit.Distributed && !c.Redis.Enabled {
		return fmt.Errorf("distributed rate limiting requires redis")
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth enabled but auth.jwt_secret is empty")
	}

	if c.Escalation.Timeout <= 0 {
		return fmt.Errorf("invalid escalation timeout: %s", c.Escalation.Timeout)
	}
	if c.Escalation.AckTimeout <= 0 || c.Escalation.AckTimeout > c.Escalation.Timeout {
		return fmt.Errorf("invalid escalation ack timeout: %s", c.Escalation.AckTimeout)
	}

	if c.Providers.Retry.MaxRetries < 0 {
		return fmt.Errorf("invalid retry count: %d", c.Providers.Retry.MaxRetries)
	}

	if c.Notifications.Enabled {
		for _, wh := range c.Notifications.Webhooks {
			if wh.Name == "" || wh.URL == "" {
				return fmt.Errorf("notification webhook needs both name and url")
			}
		}
		for _, sc := range c.Notifications.Slack {
			if sc.Name == "" || sc.Token == "" || sc.ChannelID == "" {
				return fmt.Errorf("slack notification channel needs name, token and channel_id")
			}
		}
	}

	if c.Monitoring.Retention.Enabled && c.Monitoring.Retention.MaxAge <= 0 {
		return fmt.Errorf("invalid retention max age: %s", c.Monitoring.Retention.MaxAge)
	}

	for op, entry := range c.Routing.Entries {
		if entry.Threshold < 0 || entry.Threshold > 1 {
			return fmt.Errorf("routing entry %q: threshold %.2f out of [0,1]", op, entry.Threshold)
		}
	}

	return nil
}
