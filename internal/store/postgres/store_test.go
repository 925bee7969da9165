package postgres

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"40001", domain.ErrConflict},
		{"40P01", domain.ErrConflict},
		{"23505", domain.ErrAlreadyExists},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			err := classify(fmt.Errorf("exec: %w", &pgconn.PgError{Code: tc.code}))
			require.ErrorIs(t, err, tc.want)
			var pgErr *pgconn.PgError
			require.ErrorAs(t, err, &pgErr, "driver error stays reachable")
		})
	}

	other := &pgconn.PgError{Code: "23503"}
	assert.Same(t, other, classify(other))

	plain := errors.New("boom")
	assert.Equal(t, plain, classify(plain))
}

func TestQueryBuilders(t *testing.T) {
	since := time.Date(2026, 4, 12, 0, 0, 0, 0, time.UTC)
	until := since.Add(time.Hour)
	opts := domain.ListOpts{Limit: 10, Offset: 20, Since: &since, Until: &until}

	query, args := timeRange("SELECT 1 FROM orders WHERE user_address = $1", "created_at", []any{"0xabc"}, opts)
	query, args = pageClause(query, args, opts)

	assert.Equal(t,
		"SELECT 1 FROM orders WHERE user_address = $1 AND created_at >= $2 AND created_at <= $3 LIMIT $4 OFFSET $5",
		query)
	assert.Equal(t, []any{"0xabc", since, until, 10, 20}, args)

	query, args = pageClause("SELECT 1", nil, domain.ListOpts{})
	assert.Equal(t, "SELECT 1", query)
	assert.Empty(t, args)
}

func TestNotFound(t *testing.T) {
	assert.True(t, notFound(fmt.Errorf("scan: %w", pgx.ErrNoRows)))
	assert.False(t, notFound(errors.New("other")))
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/exchange?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "exchange", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}
