package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

// HealthStore persists proxy health counters. Response time is kept in microseconds.
type HealthStore struct {
	db    querier
	table string
}

// NewHealthStore creates a HealthStore on db. An empty table uses DefaultHealthTable.
func NewHealthStore(db querier, table string) (*HealthStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, DefaultHealthTable)
	if err != nil {
		return nil, err
	}
	return &HealthStore{db: db, table: name}, nil
}

// LoadHealth implements crawler.HealthStore.
func (s *HealthStore) LoadHealth(ctx context.Context, proxyID string) (crawler.ProxyHealth, bool, error) {
	query := fmt.Sprintf(`
SELECT proxy_id, total_requests, successes, failures, consecutive_failures,
	cumulative_response_us, banned_until, last_success, last_failure
FROM %s
WHERE proxy_id = $1`, s.table)

	var (
		h                        crawler.ProxyHealth
		cumulativeUS             int64
		banned, success, failure *time.Time
	)
	err := s.db.QueryRow(ctx, query, proxyID).Scan(
		&h.ProxyID,
		&h.TotalRequests,
		&h.Successes,
		&h.Failures,
		&h.ConsecutiveFailures,
		&cumulativeUS,
		&banned,
		&success,
		&failure,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ProxyHealth{}, false, nil
	}
	if err != nil {
		return crawler.ProxyHealth{}, false, fmt.Errorf("select proxy health %s: %w", proxyID, err)
	}
	h.CumulativeResponseTime = time.Duration(cumulativeUS) * time.Microsecond
	h.BannedUntil = fromNullable(banned)
	h.LastSuccess = fromNullable(success)
	h.LastFailure = fromNullable(failure)
	return h, true, nil
}

// SaveHealth implements crawler.HealthStore.
func (s *HealthStore) SaveHealth(ctx context.Context, h crawler.ProxyHealth) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	proxy_id,
	total_requests,
	successes,
	failures,
	consecutive_failures,
	cumulative_response_us,
	banned_until,
	last_success,
	last_failure
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (proxy_id) DO UPDATE SET
	total_requests = EXCLUDED.total_requests,
	successes = EXCLUDED.successes,
	failures = EXCLUDED.failures,
	consecutive_failures = EXCLUDED.consecutive_failures,
	cumulative_response_us = EXCLUDED.cumulative_response_us,
	banned_until = EXCLUDED.banned_until,
	last_success = EXCLUDED.last_success,
	last_failure = EXCLUDED.last_failure`, s.table)

	_, err := s.db.Exec(ctx, query,
		h.ProxyID,
		h.TotalRequests,
		h.Successes,
		h.Failures,
		h.ConsecutiveFailures,
		h.CumulativeResponseTime.Microseconds(),
		nullableTime(h.BannedUntil),
		nullableTime(h.LastSuccess),
		nullableTime(h.LastFailure),
	)
	if err != nil {
		return fmt.Errorf("upsert proxy health %s: %w", h.ProxyID, err)
	}
	return nil
}

// DeleteHealth implements crawler.HealthStore.
func (s *HealthStore) DeleteHealth(ctx context.Context, proxyID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE proxy_id = $1`, s.table)
	if _, err := s.db.Exec(ctx, query, proxyID); err != nil {
		return fmt.Errorf("delete proxy health %s: %w", proxyID, err)
	}
	return nil
}
