// config - источник загрузки конфигурации sessionctl.
//
// Источники (по убыванию приоритета):
//  1. явный путь --config;
//  2. CONFIG_PATH;
//  3. ./local.yaml;
//  4. только ENV (cleanenv).
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Драйверы хранилища слотов.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

type Config struct {
	Env     string        `yaml:"env" env:"ENV" env-default:"local"`
	API     APIConfig     `yaml:"api"`
	Store   StoreConfig   `yaml:"store"`
	Renewal RenewalConfig `yaml:"renewal"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// APIConfig — внешний REST API аутентификации.
type APIConfig struct {
	BaseURL        string        `yaml:"base_url"        env:"API_BASE_URL"        env-default:"http://localhost:3001/api"`
	Timeout        time.Duration `yaml:"timeout"         env:"API_TIMEOUT"         env-default:"15s"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout" env:"API_REFRESH_TIMEOUT" env-default:"10s"`
	LogoutTimeout  time.Duration `yaml:"logout_timeout"  env:"API_LOGOUT_TIMEOUT"  env-default:"5s"`
	// ResponseShape — форма ответов: nested | flat | legacy.
	ResponseShape string `yaml:"response_shape" env:"API_RESPONSE_SHAPE" env-default:"nested"`
	UserAgent     string `yaml:"user_agent"     env:"API_USER_AGENT"     env-default:"betforbes-session/1.0"`
}

// StoreConfig — долговременное хранилище слотов.
type StoreConfig struct {
	Driver       string        `yaml:"driver"        env:"STORE_DRIVER"        env-default:"file"`
	Namespace    string        `yaml:"namespace"     env:"STORE_NAMESPACE"     env-default:"default"`
	FilePath     string        `yaml:"file_path"     env:"STORE_FILE_PATH"     env-default:".betforbes/session.json"`
	PollInterval time.Duration `yaml:"poll_interval" env:"STORE_POLL_INTERVAL" env-default:"500ms"`
	RedisURL     string        `yaml:"redis_url"     env:"STORE_REDIS_URL"`
	PostgresURL  string        `yaml:"postgres_url"  env:"STORE_POSTGRES_URL"`
	MongoURL     string        `yaml:"mongo_url"     env:"STORE_MONGO_URL"`
	// Migrate — применять встроенные миграции postgres при старте.
	Migrate bool `yaml:"migrate" env:"STORE_MIGRATE" env-default:"true"`
}

// RenewalConfig — проактивное обновление токена в agent.
type RenewalConfig struct {
	Interval  time.Duration `yaml:"interval"  env:"RENEWAL_INTERVAL"  env-default:"2m"`
	Threshold time.Duration `yaml:"threshold" env:"RENEWAL_THRESHOLD" env-default:"5m"`
}

// MetricsConfig — отдельный HTTP для Prometheus и health-проверок agent.
type MetricsConfig struct {
	Host string `yaml:"host"   env:"METRICS_HOST"   env-default:"127.0.0.1"`
	Port string `yaml:"port"   env:"METRICS_PORT"   env-default:"50095"`
}

func (m MetricsConfig) Addr() string { return net.JoinHostPort(m.Host, m.Port) }

// Validate проверяет согласованность драйвера и его параметров.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverFile:
		if c.Store.FilePath == "" {
			return fmt.Errorf("store.file_path is required for driver %q", c.Store.Driver)
		}
	case DriverRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for driver %q", c.Store.Driver)
		}
	case DriverPostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url is required for driver %q", c.Store.Driver)
		}
	case DriverMongo:
		if c.Store.MongoURL == "" {
			return fmt.Errorf("store.mongo_url is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	return nil
}

// MustLoad — паника при ошибке загрузки.
func MustLoad(path string) *Config {
	cfg, err := Load(path)

	if err != nil {
		panic(err)
	}

	return cfg
}

func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func load(path string) (*Config, error) {
	var cfg Config

	tryRead := func(p string) (*Config, error) {
		if p == "" {
			return nil, fmt.Errorf("empty config path")
		}

		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", p, err)
		}

		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to overlay env: %w", err)
		}

		return &cfg, nil
	}

	// 1) --config
	if path != "" {
		return tryRead(path)
	}

	// 2) CONFIG_PATH
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return tryRead(envPath)
	}

	// 3) ./local.yaml
	if _, err := os.Stat("local.yaml"); err == nil {
		return tryRead("local.yaml")
	}

	// 4) только ENV
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config not found: provide --config, CONFIG_PATH, local.yaml or env vars: %w", err)
	}
	return &cfg, nil
}
