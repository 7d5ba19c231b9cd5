// Package db manages the optional Postgres connection pool backing
// internal/persistence. Persistence is opt-in: most runs never touch this
// package.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/emberquant/fxbacktest/internal/persistence"
	"github.com/emberquant/fxbacktest/internal/persistence/postgres"
)

// Config controls the optional Postgres connection.
type Config struct {
	DSN             string        `yaml:"dsn"`
	Enabled         bool          `yaml:"enabled"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns persistence disabled by default.
func DefaultConfig() Config {
	return Config{
		Enabled: false, MaxOpenConns: 10, MaxIdleConns: 5,
		ConnMaxLifetime: 30 * time.Minute, QueryTimeout: 15 * time.Second,
	}
}

// Manager owns the optional Postgres pool and exposes the repository
// collection built on top of it.
type Manager struct {
	db     *sqlx.DB
	config Config
	repos  *persistence.Repository
}

// NewManager opens (or, when disabled, skips opening) the connection and
// wires the repository collection.
func NewManager(config Config) (*Manager, error) {
	if !config.Enabled {
		return &Manager{config: config}, nil
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("persistence enabled but no DSN configured")
	}

	conn, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	conn.SetMaxOpenConns(config.MaxOpenConns)
	conn.SetMaxIdleConns(config.MaxIdleConns)
	conn.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Manager{
		db:     conn,
		config: config,
		repos: &persistence.Repository{
			Trades: postgres.NewTradesRepo(conn, config.QueryTimeout),
			Runs:   postgres.NewRunsRepo(conn, config.QueryTimeout),
		},
	}, nil
}

// Repository returns the wired repository collection, or nil if disabled.
func (m *Manager) Repository() *persistence.Repository { return m.repos }

// IsEnabled reports whether persistence was actually configured and connected.
func (m *Manager) IsEnabled() bool { return m.config.Enabled && m.db != nil }

// Close closes the underlying pool, a no-op when disabled.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}
