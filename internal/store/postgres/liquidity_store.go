package postgres

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// LiquidityStore implements domain.LiquidityStore using PostgreSQL.
type LiquidityStore struct {
	q querier
}

const lpShareCols = `address, shares, total_deposited, total_withdrawn, first_deposit_at, last_action_at`

const lpEventCols = `id, address, type, amount, shares, share_price,
	pool_value_before, pool_value_after, created_at`

// GetShare locks the provider's row for the rest of the transaction.
func (s *LiquidityStore) GetShare(ctx context.Context, address string) (domain.LPShare, error) {
	var sh domain.LPShare
	err := s.q.QueryRow(ctx,
		`SELECT `+lpShareCols+` FROM lp_shares WHERE address = $1 FOR UPDATE`, address,
	).Scan(&sh.Address, &sh.Shares, &sh.TotalDeposited, &sh.TotalWithdrawn, &sh.FirstDepositAt, &sh.LastActionAt)
	if err != nil {
		if notFound(err) {
			return domain.LPShare{}, domain.ErrNotFound
		}
		return domain.LPShare{}, fmt.Errorf("postgres: get lp share %s: %w", address, err)
	}
	return sh, nil
}

// SaveShare inserts or replaces a provider's balance row.
func (s *LiquidityStore) SaveShare(ctx context.Context, sh domain.LPShare) error {
	const query = `
		INSERT INTO lp_shares (` + lpShareCols + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address) DO UPDATE SET
			shares          = EXCLUDED.shares,
			total_deposited = EXCLUDED.total_deposited,
			total_withdrawn = EXCLUDED.total_withdrawn,
			last_action_at  = EXCLUDED.last_action_at`
	_, err := s.q.Exec(ctx, query,
		sh.Address, sh.Shares, sh.TotalDeposited, sh.TotalWithdrawn, sh.FirstDepositAt, sh.LastActionAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save lp share %s: %w", sh.Address, err)
	}
	return nil
}

func (s *LiquidityStore) DeleteShare(ctx context.Context, address string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM lp_shares WHERE address = $1`, address)
	if err != nil {
		return fmt.Errorf("postgres: delete lp share %s: %w", address, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *LiquidityStore) TotalShares(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	if err := s.q.QueryRow(ctx, `SELECT COALESCE(SUM(shares), 0) FROM lp_shares`).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: total lp shares: %w", err)
	}
	return total, nil
}

func (s *LiquidityStore) CountProviders(ctx context.Context) (int64, error) {
	var n int64
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM lp_shares`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count lp providers: %w", err)
	}
	return n, nil
}

// AppendEvent inserts e and returns its assigned id.
func (s *LiquidityStore) AppendEvent(ctx context.Context, e domain.LPEvent) (int64, error) {
	const query = `
		INSERT INTO lp_events (address, type, amount, shares, share_price,
			pool_value_before, pool_value_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	var id int64
	err := s.q.QueryRow(ctx, query,
		e.Address, string(e.Type), e.Amount, e.Shares, e.SharePrice,
		e.PoolValueBefore, e.PoolValueAfter, e.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: append lp event: %w", err)
	}
	return id, nil
}

func (s *LiquidityStore) ListEvents(ctx context.Context, address string, opts domain.ListOpts) ([]domain.LPEvent, error) {
	query := `SELECT ` + lpEventCols + ` FROM lp_events WHERE 1=1`
	var args []any
	if address != "" {
		args = append(args, address)
		query += " AND address = $1"
	}
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	query += " ORDER BY id ASC"
	query, args = pageClause(query, args, opts)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list lp events: %w", err)
	}
	defer rows.Close()

	var events []domain.LPEvent
	for rows.Next() {
		var e domain.LPEvent
		var typ string
		if err := rows.Scan(
			&e.ID, &e.Address, &typ, &e.Amount, &e.Shares, &e.SharePrice,
			&e.PoolValueBefore, &e.PoolValueAfter, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan lp event: %w", err)
		}
		e.Type = domain.LPEventType(typ)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list lp events rows: %w", err)
	}
	return events, nil
}
