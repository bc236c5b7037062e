// internal/config/config.go
package config

import (
	"time"

	"github.com/caarlos0/env"
	_ "github.com/joho/godotenv/autoload"
	"github.com/pkg/errors"
)

// Config is the process configuration, read from the environment (and a .env
// file if present).
type Config struct {
	Port     string `env:"PORT"      envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB     int    `env:"REDIS_DB"   envDefault:"0"`

	// QueueBackend is "memory" or "redis"; LobbyBackend is "memory" or "postgres".
	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"memory"`
	LobbyBackend string `env:"LOBBY_BACKEND" envDefault:"memory"`

	QueueTimeoutSec       int `env:"QUEUE_TIMEOUT_SEC"       envDefault:"600"`
	SchedulerDebounceMs   int `env:"SCHEDULER_DEBOUNCE_MS"   envDefault:"2000"`
	SchedulerRescheduleMs int `env:"SCHEDULER_RESCHEDULE_MS" envDefault:"8000"`
	SchedulerPageSize     int `env:"SCHEDULER_PAGE_SIZE"     envDefault:"100"`

	EntitlementConcurrency int `env:"ENTITLEMENT_CONCURRENCY"   envDefault:"16"`
	EntitlementTimeoutMs   int `env:"ENTITLEMENT_TIMEOUT_MS"    envDefault:"1500"`
	EntitlementCacheTTLSec int `env:"ENTITLEMENT_CACHE_TTL_SEC" envDefault:"30"`

	LobbyInactivitySec    int `env:"LOBBY_INACTIVITY_SEC"     envDefault:"120"`
	LobbySweepAgeSec      int `env:"LOBBY_SWEEP_AGE_SEC"      envDefault:"300"`
	LobbySweepIntervalSec int `env:"LOBBY_SWEEP_INTERVAL_SEC" envDefault:"60"`
	LobbySweepLimit       int `env:"LOBBY_SWEEP_LIMIT"        envDefault:"100"`
	// LobbyGameTimeoutSec ends playing lobbies whose result never arrived.
	LobbyGameTimeoutSec int `env:"LOBBY_GAME_TIMEOUT_SEC" envDefault:"7200"`

	// Daily private lobby caps per tier; negative means unlimited.
	QuotaFree    int `env:"QUOTA_FREE"    envDefault:"3"`
	QuotaPlus    int `env:"QUOTA_PLUS"    envDefault:"10"`
	QuotaPremium int `env:"QUOTA_PREMIUM" envDefault:"-1"`

	// GameStarter is "local" (in-process ids) or "redis" (start records pushed
	// to GameStartQueue for the game service).
	GameStarter        string `env:"GAME_STARTER"          envDefault:"local"`
	GameStartQueue     string `env:"GAME_START_QUEUE"      envDefault:"cambia_game_starts"`
	GameStartKeyTTLSec int    `env:"GAME_START_KEY_TTL_SEC" envDefault:"86400"`
	// GameResultQueue is where the game service reports finished games when
	// GameStarter is "redis".
	GameResultQueue string `env:"GAME_RESULT_QUEUE" envDefault:"cambia_game_results"`

	JWTPublicKeyPath string `env:"JWT_PUBLIC_KEY_PATH"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	positive := map[string]int{
		"QUEUE_TIMEOUT_SEC":         c.QueueTimeoutSec,
		"SCHEDULER_DEBOUNCE_MS":     c.SchedulerDebounceMs,
		"SCHEDULER_RESCHEDULE_MS":   c.SchedulerRescheduleMs,
		"SCHEDULER_PAGE_SIZE":       c.SchedulerPageSize,
		"ENTITLEMENT_CONCURRENCY":   c.EntitlementConcurrency,
		"ENTITLEMENT_TIMEOUT_MS":    c.EntitlementTimeoutMs,
		"ENTITLEMENT_CACHE_TTL_SEC": c.EntitlementCacheTTLSec,
		"LOBBY_INACTIVITY_SEC":      c.LobbyInactivitySec,
		"LOBBY_SWEEP_AGE_SEC":       c.LobbySweepAgeSec,
		"LOBBY_SWEEP_INTERVAL_SEC":  c.LobbySweepIntervalSec,
		"LOBBY_SWEEP_LIMIT":         c.LobbySweepLimit,
		"LOBBY_GAME_TIMEOUT_SEC":    c.LobbyGameTimeoutSec,
		"GAME_START_KEY_TTL_SEC":    c.GameStartKeyTTLSec,
	}
	for name, v := range positive {
		if v <= 0 {
			return errors.Errorf("%s must be positive, got %d", name, v)
		}
	}
	switch c.QueueBackend {
	case "memory", "redis":
	default:
		return errors.Errorf("QUEUE_BACKEND must be memory or redis, got %q", c.QueueBackend)
	}
	switch c.LobbyBackend {
	case "memory", "postgres":
	default:
		return errors.Errorf("LOBBY_BACKEND must be memory or postgres, got %q", c.LobbyBackend)
	}
	switch c.GameStarter {
	case "local", "redis":
	default:
		return errors.Errorf("GAME_STARTER must be local or redis, got %q", c.GameStarter)
	}
	if c.LobbyBackend == "postgres" && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for the postgres lobby backend")
	}
	return nil
}

func (c *Config) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutSec) * time.Second
}

func (c *Config) SchedulerDebounce() time.Duration {
	return time.Duration(c.SchedulerDebounceMs) * time.Millisecond
}

func (c *Config) SchedulerReschedule() time.Duration {
	return time.Duration(c.SchedulerRescheduleMs) * time.Millisecond
}

func (c *Config) EntitlementTimeout() time.Duration {
	return time.Duration(c.EntitlementTimeoutMs) * time.Millisecond
}

func (c *Config) EntitlementCacheTTL() time.Duration {
	return time.Duration(c.EntitlementCacheTTLSec) * time.Second
}

func (c *Config) LobbyInactivity() time.Duration {
	return time.Duration(c.LobbyInactivitySec) * time.Second
}

func (c *Config) LobbySweepAge() time.Duration {
	return time.Duration(c.LobbySweepAgeSec) * time.Second
}

func (c *Config) LobbySweepInterval() time.Duration {
	return time.Duration(c.LobbySweepIntervalSec) * time.Second
}

func (c *Config) LobbyGameTimeout() time.Duration {
	return time.Duration(c.LobbyGameTimeoutSec) * time.Second
}

func (c *Config) GameStartKeyTTL() time.Duration {
	return time.Duration(c.GameStartKeyTTLSec) * time.Second
}

// UsesRedis reports whether any component needs the Redis client.
func (c *Config) UsesRedis() bool {
	return c.QueueBackend == "redis" || c.GameStarter == "redis"
}
