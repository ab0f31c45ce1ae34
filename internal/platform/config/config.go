package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"3090"`
	AppURL      string `env:"APP_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	ConnectionTTL      time.Duration `env:"CONNECTION_TTL" default:"1h"`
	ReaperInterval     time.Duration `env:"REAPER_INTERVAL" default:"5m"`
	ReaperInitialDelay time.Duration `env:"REAPER_INITIAL_DELAY" default:"30s"`
	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL" default:"5s"`
	StreamBufferSize   int           `env:"STREAM_BUFFER_SIZE" default:"32"`
	RegistryShards     int           `env:"REGISTRY_SHARDS" default:"32"`

	AuditQueueSize    int           `env:"AUDIT_QUEUE_SIZE" default:"1024"`
	AuditWriteTimeout time.Duration `env:"AUDIT_WRITE_TIMEOUT" default:"2s"`

	MaxConnections      int     `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectRate         float64 `env:"CONNECT_RATE" default:"5"`
	ConnectBurst        int     `env:"CONNECT_BURST" default:"20"`
	BroadcastRate       float64 `env:"BROADCAST_RATE" default:"50"`
	BroadcastBurst      int     `env:"BROADCAST_BURST" default:"100"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number, got %q", cfg.Port)
	}

	if cfg.AppURL != "" {
		if u, err := url.Parse(cfg.AppURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("APP_URL must be an absolute URL, got %q", cfg.AppURL)
		}
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"CONNECTION_TTL", cfg.ConnectionTTL},
		{"REAPER_INTERVAL", cfg.ReaperInterval},
		{"HEARTBEAT_INTERVAL", cfg.HeartbeatInterval},
		{"AUDIT_WRITE_TIMEOUT", cfg.AuditWriteTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if cfg.ReaperInitialDelay < 0 {
		return errors.New("REAPER_INITIAL_DELAY must not be negative")
	}

	counts := []struct {
		name  string
		value int
	}{
		{"STREAM_BUFFER_SIZE", cfg.StreamBufferSize},
		{"REGISTRY_SHARDS", cfg.RegistryShards},
		{"AUDIT_QUEUE_SIZE", cfg.AuditQueueSize},
		{"MAX_CONNECTIONS", cfg.MaxConnections},
		{"MAX_CONNECTIONS_PER_IP", cfg.MaxConnectionsPerIP},
		{"CONNECT_BURST", cfg.ConnectBurst},
		{"BROADCAST_BURST", cfg.BroadcastBurst},
	}
	for _, c := range counts {
		if c.value < 1 {
			return fmt.Errorf("%s must be at least 1", c.name)
		}
	}

	if cfg.ConnectRate <= 0 || cfg.BroadcastRate <= 0 {
		return errors.New("CONNECT_RATE and BROADCAST_RATE must be positive")
	}

	return nil
}
