package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service.
type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Dispatch DispatchConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr              string        `mapstructure:"HTTP_ADDR"`
	ReadHeaderTimeout time.Duration `mapstructure:"HTTP_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `mapstructure:"HTTP_SHUTDOWN_TIMEOUT"`
}

// PostgresConfig holds PostgreSQL connection settings. An empty URL keeps
// the service in-memory.
type PostgresConfig struct {
	URL string `mapstructure:"DATABASE_URL"`
}

// RedisConfig holds Redis connection settings. An empty URL falls back to
// the in-memory geo index.
type RedisConfig struct {
	URL string `mapstructure:"REDIS_URL"`
}

// AuthConfig holds token issuance settings.
type AuthConfig struct {
	Mode string        `mapstructure:"AUTH_MODE"`
	TTL  time.Duration `mapstructure:"AUTH_TTL"`
}

// DispatchConfig holds coordination defaults.
type DispatchConfig struct {
	DefaultRadiusMiles float64       `mapstructure:"DISPATCH_DEFAULT_RADIUS_MILES"`
	IdempotencyTTL     time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"LOG_LEVEL"`
	Pretty bool   `mapstructure:"LOG_PRETTY"`
}

// Load reads configuration from environment variables and an optional
// .env file.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("HTTP_READ_HEADER_TIMEOUT", "5s")
	viper.SetDefault("HTTP_SHUTDOWN_TIMEOUT", "10s")

	viper.SetDefault("DATABASE_URL", "")
	viper.SetDefault("REDIS_URL", "")

	viper.SetDefault("AUTH_MODE", "memory")
	viper.SetDefault("AUTH_TTL", "720h")

	viper.SetDefault("DISPATCH_DEFAULT_RADIUS_MILES", 25.0)
	viper.SetDefault("IDEMPOTENCY_TTL", "30m")

	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_PRETTY", false)

	// Missing .env is fine; injected env vars take over.
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Addr:              viper.GetString("HTTP_ADDR"),
			ReadHeaderTimeout: viper.GetDuration("HTTP_READ_HEADER_TIMEOUT"),
			ShutdownTimeout:   viper.GetDuration("HTTP_SHUTDOWN_TIMEOUT"),
		},
		Postgres: PostgresConfig{
			URL: viper.GetString("DATABASE_URL"),
		},
		Redis: RedisConfig{
			URL: viper.GetString("REDIS_URL"),
		},
		Auth: AuthConfig{
			Mode: viper.GetString("AUTH_MODE"),
			TTL:  viper.GetDuration("AUTH_TTL"),
		},
		Dispatch: DispatchConfig{
			DefaultRadiusMiles: viper.GetFloat64("DISPATCH_DEFAULT_RADIUS_MILES"),
			IdempotencyTTL:     viper.GetDuration("IDEMPOTENCY_TTL"),
		},
		Log: LogConfig{
			Level:  viper.GetString("LOG_LEVEL"),
			Pretty: viper.GetBool("LOG_PRETTY"),
		},
	}
	return cfg, nil
}
