package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	q querier
}

const marketCols = `id, game_id, category_id, sequence, status, outcomes,
	quantities::text[], liquidity, volume, outcome,
	created_at, opened_at, closed_at, resolved_at, updated_at`

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m          domain.Market
		status     string
		quantities []string
	)
	err := row.Scan(
		&m.ID, &m.GameID, &m.CategoryID, &m.Sequence, &status, &m.Outcomes,
		&quantities, &m.Liquidity, &m.Volume, &m.Outcome,
		&m.CreatedAt, &m.OpenedAt, &m.ClosedAt, &m.ResolvedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.Quantities = make([]decimal.Decimal, len(quantities))
	for i, q := range quantities {
		if m.Quantities[i], err = decimal.NewFromString(q); err != nil {
			return domain.Market{}, fmt.Errorf("parse quantity %q: %w", q, err)
		}
	}
	return m, nil
}

func quantityStrings(qs []decimal.Decimal) []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.String()
	}
	return out
}

func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, game_id, category_id, sequence, status, outcomes,
			quantities, liquidity, volume, outcome,
			created_at, opened_at, closed_at, resolved_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::numeric[], $8, $9, $10,
			$11, $12, $13, $14, $15
		)`
	_, err := s.q.Exec(ctx, query,
		m.ID, m.GameID, m.CategoryID, m.Sequence, string(m.Status), m.Outcomes,
		quantityStrings(m.Quantities), m.Liquidity, m.Volume, m.Outcome,
		m.CreatedAt, m.OpenedAt, m.ClosedAt, m.ResolvedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, classify(err))
	}
	return nil
}

// Update rewrites the mutable columns of a market. Identity, outcomes and
// the quantity vector length never change.
func (s *MarketStore) Update(ctx context.Context, m domain.Market) error {
	const query = `
		UPDATE markets SET
			status      = $2,
			quantities  = $3::numeric[],
			liquidity   = $4,
			volume      = $5,
			outcome     = $6,
			opened_at   = $7,
			closed_at   = $8,
			resolved_at = $9,
			updated_at  = $10
		WHERE id = $1`
	tag, err := s.q.Exec(ctx, query,
		m.ID, string(m.Status), quantityStrings(m.Quantities), m.Liquidity, m.Volume,
		m.Outcome, m.OpenedAt, m.ClosedAt, m.ResolvedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *MarketStore) get(ctx context.Context, id, suffix string) (domain.Market, error) {
	m, err := scanMarket(s.q.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`+suffix, id))
	if err != nil {
		if notFound(err) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	return s.get(ctx, id, "")
}

// GetForUpdate retrieves a market and locks its row for the enclosing
// transaction.
func (s *MarketStore) GetForUpdate(ctx context.Context, id string) (domain.Market, error) {
	return s.get(ctx, id, " FOR UPDATE")
}

func (s *MarketStore) NextSequence(ctx context.Context, gameID, categoryID string) (int64, error) {
	var next int64
	err := s.q.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM markets WHERE game_id = $1 AND category_id = $2`,
		gameID, categoryID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("postgres: next sequence %s/%s: %w", gameID, categoryID, err)
	}
	return next, nil
}

func (s *MarketStore) Current(ctx context.Context, gameID, categoryID string) (domain.Market, error) {
	m, err := scanMarket(s.q.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets
		 WHERE game_id = $1 AND category_id = $2 AND status <> 'RESOLVED'
		 ORDER BY sequence DESC LIMIT 1`,
		gameID, categoryID,
	))
	if err != nil {
		if notFound(err) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: current market %s/%s: %w", gameID, categoryID, err)
	}
	return m, nil
}

func (s *MarketStore) History(ctx context.Context, gameID, categoryID string, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE game_id = $1 AND category_id = $2`
	args := []any{gameID, categoryID}
	query, args = timeRange(query, "created_at", args, opts)
	query += " ORDER BY sequence DESC"
	query, args = pageClause(query, args, opts)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: market history: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: market history rows: %w", err)
	}
	return markets, nil
}

func (s *MarketStore) CountByStatus(ctx context.Context, status domain.MarketStatus) (int64, error) {
	var n int64
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM markets WHERE status = $1`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count %s markets: %w", status, err)
	}
	return n, nil
}

func (s *MarketStore) AddVolume(ctx context.Context, id string, delta decimal.Decimal) error {
	tag, err := s.q.Exec(ctx, `UPDATE markets SET volume = volume + $2, updated_at = NOW() WHERE id = $1`, id, delta)
	if err != nil {
		return fmt.Errorf("postgres: add volume %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
