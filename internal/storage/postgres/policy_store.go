package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

// PolicyStore persists domain policies in a single table. Expired rows are
// ignored on read and overwritten on the next save.
type PolicyStore struct {
	db    querier
	table string
	clock crawler.Clock
}

// NewPolicyStore creates a PolicyStore on db. An empty table uses DefaultPolicyTable.
func NewPolicyStore(db querier, table string, clock crawler.Clock) (*PolicyStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	name, err := tableName(table, DefaultPolicyTable)
	if err != nil {
		return nil, err
	}
	return &PolicyStore{db: db, table: name, clock: clock}, nil
}

// Load implements crawler.PolicyStore.
func (s *PolicyStore) Load(ctx context.Context, domain string) (crawler.DomainPolicy, bool, error) {
	query := fmt.Sprintf(`
SELECT domain, transport, current_delay, backoff_until, error_rate,
	header_family, consecutive_blocks, updated_at
FROM %s
WHERE domain = $1 AND (expires_at IS NULL OR expires_at > $2)`, s.table)

	var (
		p            crawler.DomainPolicy
		transport    string
		backoffUntil *time.Time
	)
	err := s.db.QueryRow(ctx, query, domain, s.clock.Now()).Scan(
		&p.Domain,
		&transport,
		&p.CurrentDelay,
		&backoffUntil,
		&p.ErrorRate,
		&p.HeaderFamily,
		&p.ConsecutiveBlocks,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.DomainPolicy{}, false, nil
	}
	if err != nil {
		return crawler.DomainPolicy{}, false, fmt.Errorf("select policy %s: %w", domain, err)
	}
	p.Transport = crawler.Transport(transport)
	p.BackoffUntil = fromNullable(backoffUntil)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, true, nil
}

// Save implements crawler.PolicyStore. A non-positive ttl stores without expiry.
func (s *PolicyStore) Save(ctx context.Context, p crawler.DomainPolicy, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := s.clock.Now().Add(ttl)
		expiresAt = &t
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	domain,
	transport,
	current_delay,
	backoff_until,
	error_rate,
	header_family,
	consecutive_blocks,
	updated_at,
	expires_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (domain) DO UPDATE SET
	transport = EXCLUDED.transport,
	current_delay = EXCLUDED.current_delay,
	backoff_until = EXCLUDED.backoff_until,
	error_rate = EXCLUDED.error_rate,
	header_family = EXCLUDED.header_family,
	consecutive_blocks = EXCLUDED.consecutive_blocks,
	updated_at = EXCLUDED.updated_at,
	expires_at = EXCLUDED.expires_at`, s.table)

	_, err := s.db.Exec(ctx, query,
		p.Domain,
		string(p.Transport),
		p.CurrentDelay,
		nullableTime(p.BackoffUntil),
		p.ErrorRate,
		p.HeaderFamily,
		p.ConsecutiveBlocks,
		p.UpdatedAt,
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert policy %s: %w", p.Domain, err)
	}
	return nil
}
