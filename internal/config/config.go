package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr          string `env:"API_ADDR" envDefault:":8787"`
	MetricsAddr   string `env:"METRICS_ADDR" envDefault:":9787"`
	DatabaseURL   string `env:"DATABASE_URL"`
	MigrationsDir string `env:"RETRO_MIGRATIONS_DIR" envDefault:"./db/migrations"`
	CORSOrigin    string `env:"RETRO_CORS_ORIGIN" envDefault:"*"`

	// Redis is optional. Without it the process runs standalone: presence,
	// room broadcasts and the session cache stay local.
	RedisURL string `env:"REDIS_URL"`
	NodeID   string `env:"RETRO_NODE_ID"`

	TokenSecret string        `env:"RETRO_TOKEN_SECRET" envDefault:"retro-dev-secret"`
	TokenTTL    time.Duration `env:"RETRO_TOKEN_TTL" envDefault:"12h"`

	PresenceTimeout    time.Duration `env:"RETRO_PRESENCE_TIMEOUT" envDefault:"2s"`
	TeamUpdateAttempts int           `env:"RETRO_TEAM_UPDATE_ATTEMPTS" envDefault:"5"`
	SessionCacheSize   int           `env:"RETRO_SESSION_CACHE_SIZE" envDefault:"1024"`
	SessionCacheTTL    time.Duration `env:"RETRO_SESSION_CACHE_TTL" envDefault:"24h"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that would leave the service unable to make progress.
func (c Config) Validate() error {
	if c.TeamUpdateAttempts < 1 {
		return fmt.Errorf("RETRO_TEAM_UPDATE_ATTEMPTS must be at least 1")
	}
	if c.SessionCacheSize < 1 {
		return fmt.Errorf("RETRO_SESSION_CACHE_SIZE must be at least 1")
	}
	if c.PresenceTimeout <= 0 {
		return fmt.Errorf("RETRO_PRESENCE_TIMEOUT must be positive")
	}
	if c.TokenSecret == "" {
		return fmt.Errorf("RETRO_TOKEN_SECRET must not be empty")
	}
	return nil
}
