package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists markets.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	Update(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	// GetForUpdate reads a market and, inside a transaction, locks its row.
	GetForUpdate(ctx context.Context, id string) (Market, error)
	NextSequence(ctx context.Context, gameID, categoryID string) (int64, error)
	Current(ctx context.Context, gameID, categoryID string) (Market, error)
	History(ctx context.Context, gameID, categoryID string, opts ListOpts) ([]Market, error)
	CountByStatus(ctx context.Context, status MarketStatus) (int64, error)
	AddVolume(ctx context.Context, id string, delta decimal.Decimal) error
}

// OrderStore persists P2P orders and their fills.
type OrderStore interface {
	Create(ctx context.Context, o Order) error
	Update(ctx context.Context, o Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	GetForUpdate(ctx context.Context, id string) (Order, error)
	// ListResting returns OPEN and PARTIALLY_FILLED orders on one outcome,
	// best price first, then oldest first.
	ListResting(ctx context.Context, marketID, outcome string) ([]Order, error)
	ListRestingByMarket(ctx context.Context, marketID string) ([]Order, error)
	// ListFilled returns every order of the market with nonzero filled shares,
	// whatever its status.
	ListFilled(ctx context.Context, marketID string) ([]Order, error)
	ListByUser(ctx context.Context, address string, opts ListOpts) ([]Order, error)
	InsertFills(ctx context.Context, fills []Fill) error
	ListFills(ctx context.Context, orderID string) ([]Fill, error)
	ListFillsByMarket(ctx context.Context, marketID string) ([]Fill, error)
}

// LiquidityStore persists the LP share ledger and its event log.
type LiquidityStore interface {
	GetShare(ctx context.Context, address string) (LPShare, error)
	SaveShare(ctx context.Context, s LPShare) error
	DeleteShare(ctx context.Context, address string) error
	TotalShares(ctx context.Context) (decimal.Decimal, error)
	CountProviders(ctx context.Context) (int64, error)
	AppendEvent(ctx context.Context, e LPEvent) (int64, error)
	// ListEvents returns events oldest first; an empty address lists all.
	ListEvents(ctx context.Context, address string, opts ListOpts) ([]LPEvent, error)
}

// PositionStore persists active positions.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error
	ListOpen(ctx context.Context, marketID string) ([]Position, error)
	Delete(ctx context.Context, id string) error
	CountUnsettled(ctx context.Context) (int64, error)
}

// SettlementStore persists the write-once settlement log.
type SettlementStore interface {
	Insert(ctx context.Context, s Settlement) error
	ListByMarket(ctx context.Context, marketID string) ([]Settlement, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Repositories groups the per-entity stores. The same set is handed to
// transaction callbacks, bound to that transaction.
type Repositories interface {
	Markets() MarketStore
	Orders() OrderStore
	Liquidity() LiquidityStore
	Positions() PositionStore
	Settlements() SettlementStore
}

// Store is the durable store the exchange core runs on.
type Store interface {
	Repositories
	Audit() AuditStore
	// WithTx runs fn in a single serializable transaction. Any error returned
	// by fn rolls back every write made through the supplied repositories.
	WithTx(ctx context.Context, fn func(tx Repositories) error) error
}
