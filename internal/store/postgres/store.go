package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// querier is the subset of pgxpool.Pool and pgx.Tx the entity stores use, so
// one implementation serves both pooled reads and transactional writes.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store implements domain.Store on a connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type repos struct {
	q querier
}

func (r repos) Markets() domain.MarketStore         { return &MarketStore{q: r.q} }
func (r repos) Orders() domain.OrderStore           { return &OrderStore{q: r.q} }
func (r repos) Liquidity() domain.LiquidityStore    { return &LiquidityStore{q: r.q} }
func (r repos) Positions() domain.PositionStore     { return &PositionStore{q: r.q} }
func (r repos) Settlements() domain.SettlementStore { return &SettlementStore{q: r.q} }

func (s *Store) Markets() domain.MarketStore         { return repos{q: s.pool}.Markets() }
func (s *Store) Orders() domain.OrderStore           { return repos{q: s.pool}.Orders() }
func (s *Store) Liquidity() domain.LiquidityStore    { return repos{q: s.pool}.Liquidity() }
func (s *Store) Positions() domain.PositionStore     { return repos{q: s.pool}.Positions() }
func (s *Store) Settlements() domain.SettlementStore { return repos{q: s.pool}.Settlements() }
func (s *Store) Audit() domain.AuditStore            { return &AuditStore{q: s.pool} }

// WithTx runs fn in a SERIALIZABLE transaction. Serialization failures and
// deadlocks surface as domain.ErrConflict so callers may retry.
func (s *Store) WithTx(ctx context.Context, fn func(tx domain.Repositories) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(repos{q: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("postgres: commit: %w", err))
	}
	return nil
}

// classify maps PostgreSQL error codes onto domain sentinels.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	case "23505":
		return fmt.Errorf("%w: %w", domain.ErrAlreadyExists, err)
	}
	return err
}

// pageClause appends LIMIT/OFFSET for opts after the placeholders already
// bound in args.
func pageClause(query string, args []any, opts domain.ListOpts) (string, []any) {
	argIdx := len(args) + 1
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

// timeRange appends created_at bounds for opts.
func timeRange(query, col string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND %s >= $%d", col, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND %s <= $%d", col, len(args))
	}
	return query, args
}

func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var _ domain.Store = (*Store)(nil)
