package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreBadger   = "badger"

	SessionRedis  = "redis"
	SessionMemory = "memory"

	IdentityJWT    = "jwt"
	IdentityRemote = "remote"
)

type Config struct {
	HTTPAddr      string `env:"HTTP_ADDR,default=:8080"`
	StoreDriver   string `env:"STORE_DRIVER,default=postgres"`
	DBDSN         string `env:"DB_DSN"`
	BadgerPath    string `env:"BADGER_PATH,default=./data/chat"`
	SessionDriver string `env:"SESSION_DRIVER,default=redis"`
	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	InstanceID    string `env:"INSTANCE_ID"`

	IdentityMode      string        `env:"IDENTITY_MODE,default=jwt"`
	JWTSecret         string        `env:"JWT_SECRET"`
	IdentityURL       string        `env:"IDENTITY_URL"`
	IntrospectTimeout time.Duration `env:"INTROSPECT_TIMEOUT,default=2s"`
	ProfileURL        string        `env:"PROFILE_URL,required=true"`
	ProfileTimeout    time.Duration `env:"PROFILE_TIMEOUT,default=2s"`

	FanoutWorkers     int `env:"FANOUT_WORKERS,default=8"`
	FanoutQueueSize   int `env:"FANOUT_QUEUE_SIZE,default=1024"`
	FanoutParallelism int `env:"FANOUT_PARALLELISM,default=16"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required when STORE_DRIVER=%s", StorePostgres)
		}
	case StoreBadger:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.SessionDriver {
	case SessionRedis, SessionMemory:
	default:
		return fmt.Errorf("unknown SESSION_DRIVER %q", c.SessionDriver)
	}

	switch c.IdentityMode {
	case IdentityJWT:
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required when IDENTITY_MODE=%s", IdentityJWT)
		}
	case IdentityRemote:
		if c.IdentityURL == "" {
			return fmt.Errorf("IDENTITY_URL is required when IDENTITY_MODE=%s", IdentityRemote)
		}
	default:
		return fmt.Errorf("unknown IDENTITY_MODE %q", c.IdentityMode)
	}

	if strings.Contains(c.InstanceID, ".") {
		return fmt.Errorf("INSTANCE_ID must not contain '.'")
	}
	if c.FanoutWorkers <= 0 || c.FanoutQueueSize <= 0 || c.FanoutParallelism <= 0 {
		return fmt.Errorf("fanout sizes must be positive")
	}
	return nil
}

func (c Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (c Config) Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.Level()}))
}
