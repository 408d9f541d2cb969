package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	goerrors "github.com/goliatone/go-errors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the process configuration, read from the environment.
type Config struct {
	ModulesPath  string        `env:"MODULES_PATH" envDefault:"modules"`
	CacheEnabled bool          `env:"MODULES_CACHE_ENABLED" envDefault:"true"`
	CacheTTL     time.Duration `env:"MODULES_CACHE_TTL" envDefault:"60m"`

	DBDriver    string `env:"DB_DRIVER" envDefault:"sqlite"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"file:modules.db?cache=shared"`
	TenantScope string `env:"TENANT_SCOPE" envDefault:"shared"`

	RedisAddr          string   `env:"REDIS_ADDR"`
	RedisChannelPrefix string   `env:"REDIS_CHANNEL_PREFIX" envDefault:"tenant."`
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic         string   `env:"KAFKA_TOPIC" envDefault:"module-state-changed"`

	BroadcastWorkers    int `env:"BROADCAST_WORKERS" envDefault:"4"`
	BroadcastMaxRetries int `env:"BROADCAST_MAX_RETRIES" envDefault:"3"`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	DefaultLocale  string `env:"DEFAULT_LOCALE" envDefault:"en"`
	FallbackLocale string `env:"FALLBACK_LOCALE" envDefault:"en"`
}

// Load reads the optional .env files, then the process environment.
// Variables already set in the environment win over .env values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to read "+file)
		}
	}

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid environment configuration")
	}
	return cfg, cfg.Validate()
}

// LoadFromMap parses configuration from an explicit variable map.
func LoadFromMap(vars map[string]string) (Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid environment configuration")
	}
	return cfg, cfg.Validate()
}

// Validate checks the enumerated settings.
func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return goerrors.New("DB_DRIVER must be sqlite or postgres", goerrors.CategoryValidation).
			WithMetadata(map[string]any{"DB_DRIVER": c.DBDriver})
	}

	switch c.TenantScope {
	case "shared", "schema":
	default:
		return goerrors.New("TENANT_SCOPE must be shared or schema", goerrors.CategoryValidation).
			WithMetadata(map[string]any{"TENANT_SCOPE": c.TenantScope})
	}

	if c.TenantScope == "schema" && c.DBDriver != DriverPostgres {
		return goerrors.New("TENANT_SCOPE=schema requires DB_DRIVER=postgres", goerrors.CategoryValidation)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid LOG_LEVEL")
	}
	return nil
}

// Level returns the logrus level for LOG_LEVEL.
func (c Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// BroadcastEnabled reports whether any outward broadcaster is configured.
func (c Config) BroadcastEnabled() bool {
	if c.RedisAddr != "" {
		return true
	}
	for _, b := range c.KafkaBrokers {
		if strings.Trim(b, " ,") != "" {
			return true
		}
	}
	return false
}
