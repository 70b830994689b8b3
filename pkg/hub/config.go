package hub

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/learnstack/fabric/pkg/store"
)

// Config carries everything the hub needs, loaded from the environment.
type Config struct {
	DBHost        string `env:"DB_HOST" envDefault:"localhost"`
	DBPort        int    `env:"DB_PORT" envDefault:"5432"`
	DBUser        string `env:"DB_USER" envDefault:"postgres"`
	DBPassword    string `env:"DB_PASSWORD"`
	DBName        string `env:"DB_NAME" envDefault:"fabric"`
	DBPoolSize    int    `env:"DB_POOL_SIZE" envDefault:"10"`
	DBTLSDisabled bool   `env:"DB_TLS_DISABLED" envDefault:"false"`

	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`

	TaskRetryDelays []time.Duration `env:"TASK_RETRY_DELAYS" envSeparator:"," envDefault:"1s,5s,15s,60s,300s"`

	PollBaseInterval  time.Duration `env:"POLL_BASE_INTERVAL" envDefault:"5s"`
	PollMaxInterval   time.Duration `env:"POLL_MAX_INTERVAL" envDefault:"60s"`
	PollBackoffFactor float64       `env:"POLL_BACKOFF_FACTOR" envDefault:"1.5"`
	PollBatchSize     int           `env:"POLL_BATCH_SIZE" envDefault:"10"`
}

// LoadConfig reads configuration from the environment, first loading a
// .env file when one exists.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) storeConfig() store.Config {
	return store.Config{
		Host:        c.DBHost,
		Port:        c.DBPort,
		User:        c.DBUser,
		Password:    c.DBPassword,
		Database:    c.DBName,
		PoolSize:    c.DBPoolSize,
		TLSDisabled: c.DBTLSDisabled,
	}
}
