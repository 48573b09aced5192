package storage

import (
	"fmt"
	"time"
)

// Backend types
const (
	TypeMemory   = "memory"
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
)

// DefaultRedisChannel is the pub/sub channel lifecycle notifications are
// published on
const DefaultRedisChannel = "courier:notifications"

// Config for the persistence backend and the optional Redis and S3 sinks
type Config struct {
	Type string // "memory", "postgres", "sqlite"

	// PostgreSQL config
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration

	// SQLite config
	SQLitePath string

	// Redis notification channel
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
	RedisChannel    string

	// S3 archive of failed deliveries
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3Prefix       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             TypeMemory,
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		SQLitePath:       "courier.db",
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
		RedisChannel:     DefaultRedisChannel,
		S3Region:         "us-east-1",
		S3Prefix:         "failed-deliveries",
	}
}

// Persistent reports whether the backend survives restarts
func (c Config) Persistent() bool {
	return c.Type == TypePostgres || c.Type == TypeSQLite
}

// ArchiveEnabled reports whether failed deliveries are archived to S3
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

// Validate checks the backend settings
func (c Config) Validate() error {
	switch c.Type {
	case TypeMemory:
	case TypePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
		if c.PostgresMaxConns <= 0 {
			return fmt.Errorf("postgres max connections must be positive")
		}
		if c.PostgresMinConns < 0 || c.PostgresMinConns > c.PostgresMaxConns {
			return fmt.Errorf("postgres min connections must be between 0 and %d", c.PostgresMaxConns)
		}
	case TypeSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, postgres, or sqlite)", c.Type)
	}

	if c.RedisURL != "" && c.RedisChannel == "" {
		return fmt.Errorf("redis channel is required when redis is configured")
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		return fmt.Errorf("S3 region is required when the archive is enabled")
	}
	return nil
}
