package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL. Rows
// are write-once; a second settlement of the same position is rejected by
// the unique index on position_id.
type SettlementStore struct {
	q querier
}

const settlementCols = `id, market_id, position_id, user_address, outcome, resolved_outcome,
	result, shares, cost, payout, profit, settled_at`

func (s *SettlementStore) Insert(ctx context.Context, st domain.Settlement) error {
	const query = `INSERT INTO settlements (` + settlementCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.q.Exec(ctx, query,
		st.ID, st.MarketID, st.PositionID, st.UserAddress, st.Outcome, st.ResolvedOutcome,
		string(st.Result), st.Shares, st.Cost, st.Payout, st.Profit, st.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert settlement %s: %w", st.ID, classify(err))
	}
	return nil
}

func (s *SettlementStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Settlement, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+settlementCols+` FROM settlements WHERE market_id = $1 ORDER BY settled_at ASC, id ASC`,
		marketID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Settlement
	for rows.Next() {
		var st domain.Settlement
		var result string
		if err := rows.Scan(
			&st.ID, &st.MarketID, &st.PositionID, &st.UserAddress, &st.Outcome, &st.ResolvedOutcome,
			&result, &st.Shares, &st.Cost, &st.Payout, &st.Profit, &st.SettledAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan settlement: %w", err)
		}
		st.Result = domain.SettlementResult(result)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list settlements rows: %w", err)
	}
	return out, nil
}
