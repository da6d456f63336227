package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-crawler/internal/clock"
	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestTableNameValidation(t *testing.T) {
	t.Parallel()
	mock := newMock(t)

	_, err := NewPolicyStore(mock, "policies; DROP TABLE x", clock.NewManual(now))
	require.Error(t, err)
	_, err = NewHealthStore(mock, "bad-name")
	require.Error(t, err)
	_, err = NewPolicyStore(nil, "", clock.NewManual(now))
	require.Error(t, err)

	_, err = NewPool(context.Background(), Config{})
	require.Error(t, err)
}

func TestMigrate(t *testing.T) {
	t.Parallel()
	mock := newMock(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_policies").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS proxy_health").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, Migrate(context.Background(), mock, Config{}))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, Migrate(context.Background(), mock, Config{PolicyTable: "1bad"}))
}

func TestPolicyStoreSaveUpserts(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewPolicyStore(mock, "", clock.NewManual(now))
	require.NoError(t, err)

	p := crawler.DomainPolicy{
		Domain:            "shop.test",
		Transport:         crawler.TransportBrowser,
		CurrentDelay:      16,
		BackoffUntil:      now.Add(80 * time.Second),
		ErrorRate:         0.19,
		HeaderFamily:      "chrome-desktop",
		ConsecutiveBlocks: 2,
		UpdatedAt:         now,
	}
	mock.ExpectExec("INSERT INTO crawl_policies").
		WithArgs("shop.test", "browser", 16.0, pgxmock.AnyArg(), 0.19, "chrome-desktop", 2, now, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), p, 24*time.Hour))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyStoreLoad(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewPolicyStore(mock, "policies", clock.NewManual(now))
	require.NoError(t, err)

	backoff := now.Add(time.Minute)
	rows := pgxmock.NewRows([]string{
		"domain", "transport", "current_delay", "backoff_until", "error_rate",
		"header_family", "consecutive_blocks", "updated_at",
	}).AddRow("shop.test", "browser", 4.0, &backoff, 0.1, "firefox-desktop", 1, now)
	mock.ExpectQuery("SELECT domain, transport").
		WithArgs("shop.test", now).
		WillReturnRows(rows)

	got, ok, err := store.Load(context.Background(), "shop.test")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, crawler.TransportBrowser, got.Transport)
	require.Equal(t, 4.0, got.CurrentDelay)
	require.True(t, got.BackoffUntil.Equal(backoff))
	require.Equal(t, 1, got.ConsecutiveBlocks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyStoreLoadMissingAndFailure(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewPolicyStore(mock, "", clock.NewManual(now))
	require.NoError(t, err)

	mock.ExpectQuery("SELECT domain").
		WithArgs("gone.test", now).
		WillReturnError(pgx.ErrNoRows)
	_, ok, err := store.Load(context.Background(), "gone.test")
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectQuery("SELECT domain").
		WithArgs("down.test", now).
		WillReturnError(errors.New("connection refused"))
	_, _, err = store.Load(context.Background(), "down.test")
	require.ErrorContains(t, err, "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthStoreRoundTrip(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewHealthStore(mock, "")
	require.NoError(t, err)
	ctx := context.Background()

	h := crawler.ProxyHealth{
		ProxyID:                "p1",
		TotalRequests:          12,
		Successes:              10,
		Failures:               2,
		ConsecutiveFailures:    1,
		CumulativeResponseTime: 3 * time.Second,
		LastSuccess:            now,
	}
	mock.ExpectExec("INSERT INTO proxy_health").
		WithArgs("p1", int64(12), int64(10), int64(2), 1, int64(3_000_000),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SaveHealth(ctx, h))

	lastSuccess := now
	rows := pgxmock.NewRows([]string{
		"proxy_id", "total_requests", "successes", "failures", "consecutive_failures",
		"cumulative_response_us", "banned_until", "last_success", "last_failure",
	}).AddRow("p1", int64(12), int64(10), int64(2), 1, int64(3_000_000), nil, &lastSuccess, nil)
	mock.ExpectQuery("SELECT proxy_id").WithArgs("p1").WillReturnRows(rows)

	got, ok, err := store.LoadHealth(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, h, got)

	mock.ExpectExec("DELETE FROM proxy_health").WithArgs("p1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, store.DeleteHealth(ctx, "p1"))

	mock.ExpectQuery("SELECT proxy_id").WithArgs("p1").WillReturnError(pgx.ErrNoRows)
	_, ok, err = store.LoadHealth(ctx, "p1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}
