package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	q querier
}

const orderCols = `id, market_id, game_id, user_address, outcome, mcps, amount,
	max_shares, filled_amount, unfilled_amount, filled_shares, unfilled_shares,
	session_id, session_version, status, created_at, updated_at`

// restingOrder orders the book best price first, then oldest first.
const restingOrder = ` ORDER BY mcps DESC, created_at ASC, id ASC`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var status string
	err := row.Scan(
		&o.ID, &o.MarketID, &o.GameID, &o.UserAddress, &o.Outcome, &o.MCPS, &o.Amount,
		&o.MaxShares, &o.FilledAmount, &o.UnfilledAmount, &o.FilledShares, &o.UnfilledShares,
		&o.SessionID, &o.SessionVersion, &status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.OrderStatus(status)
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `INSERT INTO orders (` + orderCols + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := s.q.Exec(ctx, query,
		o.ID, o.MarketID, o.GameID, o.UserAddress, o.Outcome, o.MCPS, o.Amount,
		o.MaxShares, o.FilledAmount, o.UnfilledAmount, o.FilledShares, o.UnfilledShares,
		o.SessionID, o.SessionVersion, string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, classify(err))
	}
	return nil
}

// Update persists the fill totals and status of an order.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	const query = `
		UPDATE orders SET
			filled_amount   = $2,
			unfilled_amount = $3,
			filled_shares   = $4,
			unfilled_shares = $5,
			status          = $6,
			updated_at      = $7
		WHERE id = $1`
	tag, err := s.q.Exec(ctx, query,
		o.ID, o.FilledAmount, o.UnfilledAmount, o.FilledShares, o.UnfilledShares,
		string(o.Status), o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *OrderStore) get(ctx context.Context, id, suffix string) (domain.Order, error) {
	o, err := scanOrder(s.q.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`+suffix, id))
	if err != nil {
		if notFound(err) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	return s.get(ctx, id, "")
}

func (s *OrderStore) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return s.get(ctx, id, " FOR UPDATE")
}

// ListResting locks the returned rows so concurrent placements on the same
// outcome serialize on them.
func (s *OrderStore) ListResting(ctx context.Context, marketID, outcome string) ([]domain.Order, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE market_id = $1 AND outcome = $2 AND status IN ('OPEN', 'PARTIALLY_FILLED')`+
			restingOrder+` FOR UPDATE`,
		marketID, outcome,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resting orders %s/%s: %w", marketID, outcome, err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resting orders %s/%s: %w", marketID, outcome, err)
	}
	return orders, nil
}

func (s *OrderStore) ListRestingByMarket(ctx context.Context, marketID string) ([]domain.Order, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE market_id = $1 AND status IN ('OPEN', 'PARTIALLY_FILLED')`+restingOrder+` FOR UPDATE`,
		marketID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resting orders %s: %w", marketID, err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resting orders %s: %w", marketID, err)
	}
	return orders, nil
}

func (s *OrderStore) ListFilled(ctx context.Context, marketID string) ([]domain.Order, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE market_id = $1 AND filled_shares > 0
		 ORDER BY created_at ASC, id ASC`,
		marketID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list filled orders %s: %w", marketID, err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list filled orders %s: %w", marketID, err)
	}
	return orders, nil
}

func (s *OrderStore) ListByUser(ctx context.Context, address string, opts domain.ListOpts) ([]domain.Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders WHERE user_address = $1`
	args := []any{address}
	query, args = timeRange(query, "created_at", args, opts)
	query += " ORDER BY created_at DESC"
	query, args = pageClause(query, args, opts)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders of %s: %w", address, err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders of %s: %w", address, err)
	}
	return orders, nil
}

// InsertFills writes all fills of one placement in a single batch.
func (s *OrderStore) InsertFills(ctx context.Context, fills []domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	const query = `INSERT INTO fills (` + fillCols + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	batch := &pgx.Batch{}
	for _, f := range fills {
		batch.Queue(query,
			f.ID, f.MarketID, f.OrderID, f.CounterOrderID, f.UserAddress, f.Outcome,
			f.Shares, f.Price, f.Cost, f.CreatedAt,
		)
	}
	br := s.q.SendBatch(ctx, batch)
	defer br.Close()
	for _, f := range fills {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert fill %s: %w", f.ID, classify(err))
		}
	}
	return nil
}

const fillCols = `id, market_id, order_id, counter_order_id, user_address, outcome,
	shares, price, cost, created_at`

func (s *OrderStore) listFills(ctx context.Context, where string, arg string) ([]domain.Fill, error) {
	rows, err := s.q.Query(ctx, `SELECT `+fillCols+` FROM fills WHERE `+where+` = $1 ORDER BY created_at ASC, id ASC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		if err := rows.Scan(
			&f.ID, &f.MarketID, &f.OrderID, &f.CounterOrderID, &f.UserAddress, &f.Outcome,
			&f.Shares, &f.Price, &f.Cost, &f.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *OrderStore) ListFills(ctx context.Context, orderID string) ([]domain.Fill, error) {
	fills, err := s.listFills(ctx, "order_id", orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills of %s: %w", orderID, err)
	}
	return fills, nil
}

func (s *OrderStore) ListFillsByMarket(ctx context.Context, marketID string) ([]domain.Fill, error) {
	fills, err := s.listFills(ctx, "market_id", marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills of market %s: %w", marketID, err)
	}
	return fills, nil
}
