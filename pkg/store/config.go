package store

import (
	"fmt"
	"time"
)

// Config holds database connection configuration.
type Config struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	TLSDisabled bool

	// Connection pool settings. PoolSize bounds MaxOpenConns and is the
	// concurrency ceiling for all store-touching operations.
	PoolSize        int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// PoolName labels this pool in health reports and the operation log.
	PoolName string
}

// DSN builds the pgx-compatible connection string.
func (c Config) DSN() string {
	sslMode := "require"
	if c.TLSDisabled {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode,
	)
}

// withDefaults fills zero-valued pool settings.
func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = c.PoolSize / 2
		if c.MaxIdleConns == 0 {
			c.MaxIdleConns = 1
		}
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.PoolName == "" {
		c.PoolName = "fabric_pool"
	}
	return c
}
