package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// GatewayConfig holds payment gateway configuration.
type GatewayConfig struct {
	// WebhookSecret is the shared HMAC secret for webhook signature verification.
	WebhookSecret string `mapstructure:"webhook_secret"`
	// SupportedCurrencies lists currency codes the gateway accepts.
	SupportedCurrencies []string `mapstructure:"supported_currencies"`
	// InvoiceTTL is how long a freshly created invoice stays payable.
	InvoiceTTL time.Duration `mapstructure:"invoice_ttl"`
	// StateRetention is how long the mock gateway keeps provider-side invoice state.
	StateRetention time.Duration `mapstructure:"state_retention"`
	// BreakerMaxFailures is the consecutive-failure count that opens the circuit.
	BreakerMaxFailures uint32 `mapstructure:"breaker_max_failures"`
	// BreakerTimeout is how long the circuit stays open before probing again.
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout"`
}

// ReconcileConfig holds reconciliation scheduler and task queue configuration.
type ReconcileConfig struct {
	PendingInterval time.Duration `mapstructure:"pending_interval"`
	ExpiryInterval  time.Duration `mapstructure:"expiry_interval"`
	ExpiryGrace     time.Duration `mapstructure:"expiry_grace"`
	PendingJitter   time.Duration `mapstructure:"pending_jitter"`
	ExpiryJitter    time.Duration `mapstructure:"expiry_jitter"`

	MaxConcurrent int             `mapstructure:"max_concurrent"`
	MaxAttempts   int             `mapstructure:"max_attempts"`
	TaskTimeout   time.Duration   `mapstructure:"task_timeout"`
	Backoff       []time.Duration `mapstructure:"backoff"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/blockcart")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults and env
	}

	v.SetEnvPrefix("BLOCKCART")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override with environment variables for sensitive values
	if secret := os.Getenv("BLOCKCART_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if secret := os.Getenv("BLOCKCART_WEBHOOK_SECRET"); secret != "" {
		cfg.Gateway.WebhookSecret = secret
	}
	if password := os.Getenv("BLOCKCART_DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if password := os.Getenv("BLOCKCART_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "blockcart")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Gateway defaults
	v.SetDefault("gateway.supported_currencies", []string{"BTC", "LTC", "DOGE"})
	v.SetDefault("gateway.invoice_ttl", 30*time.Minute)
	v.SetDefault("gateway.state_retention", time.Hour)
	v.SetDefault("gateway.breaker_max_failures", 5)
	v.SetDefault("gateway.breaker_timeout", 60*time.Second)

	// Reconcile defaults
	v.SetDefault("reconcile.pending_interval", 2*time.Minute)
	v.SetDefault("reconcile.expiry_interval", 5*time.Minute)
	v.SetDefault("reconcile.expiry_grace", 5*time.Minute)
	v.SetDefault("reconcile.pending_jitter", 30*time.Second)
	v.SetDefault("reconcile.expiry_jitter", 15*time.Second)
	v.SetDefault("reconcile.max_concurrent", 10)
	v.SetDefault("reconcile.max_attempts", 3)
	v.SetDefault("reconcile.task_timeout", 60*time.Second)
	v.SetDefault("reconcile.backoff", []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second})

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
