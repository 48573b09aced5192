package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/platinummonkey/courier/pkg/storage"
)

// Dialect selects the SQL flavour of a connection
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// String returns the database/sql driver name
func (d Dialect) String() string {
	if d == DialectSQLite {
		return "sqlite3"
	}
	return "postgres"
}

// Rebind rewrites $n placeholders for the dialect. Queries are written with
// PostgreSQL placeholders and each placeholder appears once, in order.
func (d Dialect) Rebind(query string) string {
	if d != DialectSQLite {
		return query
	}

	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Placeholders returns n comma separated placeholders starting at $start
func (d Dialect) Placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		if d == DialectSQLite {
			parts[i] = "?"
		} else {
			parts[i] = "$" + strconv.Itoa(start+i)
		}
	}
	return strings.Join(parts, ", ")
}

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	Dialect     Dialect
	URL         string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// ConnectionConfigFrom derives the connection settings for a persistent
// storage config
func ConnectionConfigFrom(cfg storage.Config) (ConnectionConfig, error) {
	conn := ConnectionConfig{
		MaxConns:    cfg.PostgresMaxConns,
		MinConns:    cfg.PostgresMinConns,
		Timeout:     cfg.PostgresTimeout,
		MaxLifetime: time.Hour,
		MaxIdleTime: 10 * time.Minute,
	}

	switch cfg.Type {
	case storage.TypePostgres:
		conn.Dialect = DialectPostgres
		conn.URL = cfg.PostgresURL
	case storage.TypeSQLite:
		conn.Dialect = DialectSQLite
		conn.URL = sqliteDSN(cfg.SQLitePath)
		// SQLite serializes writers; a single connection avoids "database is locked"
		conn.MaxConns = 1
		conn.MinConns = 1
	default:
		return ConnectionConfig{}, fmt.Errorf("storage type %q has no SQL connection", cfg.Type)
	}
	if conn.Timeout <= 0 {
		conn.Timeout = 10 * time.Second
	}
	return conn, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL"
}

// Open opens and pings a database connection
func Open(ctx context.Context, config ConnectionConfig) (*sql.DB, error) {
	db, err := sql.Open(config.Dialect.String(), config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", config.Dialect, err)
	}

	db.SetMaxOpenConns(config.MaxConns)
	db.SetMaxIdleConns(config.MinConns)
	db.SetConnMaxLifetime(config.MaxLifetime)
	db.SetConnMaxIdleTime(config.MaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", config.Dialect, err)
	}

	return db, nil
}
