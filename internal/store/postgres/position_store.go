package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	q querier
}

const positionCols = `id, market_id, user_address, outcome, shares, cost, fee,
	session_id, session_status, created_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string
	err := row.Scan(
		&p.ID, &p.MarketID, &p.UserAddress, &p.Outcome, &p.Shares, &p.Cost, &p.Fee,
		&p.SessionID, &status, &p.CreatedAt, &p.UpdatedAt,
	)
	p.SessionStatus = domain.SessionStatus(status)
	return p, err
}

func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `INSERT INTO positions (` + positionCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.q.Exec(ctx, query,
		p.ID, p.MarketID, p.UserAddress, p.Outcome, p.Shares, p.Cost, p.Fee,
		p.SessionID, string(p.SessionStatus), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, classify(err))
	}
	return nil
}

func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.q.QueryRow(ctx, `SELECT `+positionCols+` FROM positions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if notFound(err) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PositionStore) UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE positions SET session_status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListOpen returns every stored position of the market, oldest first.
func (s *PositionStore) ListOpen(ctx context.Context, marketID string) ([]domain.Position, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 ORDER BY created_at ASC, id ASC`,
		marketID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions %s: %w", marketID, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return positions, nil
}

func (s *PositionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PositionStore) CountUnsettled(ctx context.Context) (int64, error) {
	var n int64
	err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM positions WHERE session_status <> 'settled'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count unsettled positions: %w", err)
	}
	return n, nil
}
