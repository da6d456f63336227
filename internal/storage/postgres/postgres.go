// Package postgres provides Postgres-backed persistence for domain policies
// and proxy health.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	PolicyTable     string        `mapstructure:"policy_table"`
	HealthTable     string        `mapstructure:"health_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// Default table names.
const (
	DefaultPolicyTable = "crawl_policies"
	DefaultHealthTable = "proxy_health"
)

// querier is satisfied by *pgxpool.Pool and pgxmock pools.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool opens a connection pool from cfg.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

func tableName(name, fallback string) (string, error) {
	if name == "" {
		name = fallback
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

// Migrate creates the policy and health tables when they do not exist.
func Migrate(ctx context.Context, db querier, cfg Config) error {
	policyTable, err := tableName(cfg.PolicyTable, DefaultPolicyTable)
	if err != nil {
		return err
	}
	healthTable, err := tableName(cfg.HealthTable, DefaultHealthTable)
	if err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	domain             TEXT PRIMARY KEY,
	transport          TEXT NOT NULL,
	current_delay      DOUBLE PRECISION NOT NULL,
	backoff_until      TIMESTAMPTZ,
	error_rate         DOUBLE PRECISION NOT NULL,
	header_family      TEXT NOT NULL,
	consecutive_blocks INTEGER NOT NULL DEFAULT 0,
	updated_at         TIMESTAMPTZ NOT NULL,
	expires_at         TIMESTAMPTZ
)`, policyTable),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	proxy_id               TEXT PRIMARY KEY,
	total_requests         BIGINT NOT NULL,
	successes              BIGINT NOT NULL,
	failures               BIGINT NOT NULL,
	consecutive_failures   INTEGER NOT NULL,
	cumulative_response_us BIGINT NOT NULL,
	banned_until           TIMESTAMPTZ,
	last_success           TIMESTAMPTZ,
	last_failure           TIMESTAMPTZ
)`, healthTable),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNullable(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
