package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

var errUsage = errors.New("usage: pitchmarket [-config path] <command> [flags]")

type command struct {
	summary string
	run     func(ctx context.Context, a *App, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"migrate":         {"apply pending schema migrations", runMigrate},
		"create-market":   {"create a PENDING market for a game and category", runCreateMarket},
		"open":            {"open a market for trading", runTransition("open")},
		"close":           {"close a market and expire its resting orders", runTransition("close")},
		"resolve":         {"resolve a closed market and settle its positions", runResolve},
		"market":          {"show one market", runGetMarket},
		"current":         {"show the current market of a game and category", runCurrent},
		"history":         {"list the markets of a game and category", runHistory},
		"place-order":     {"place a peer-to-peer order", runPlaceOrder},
		"cancel-order":    {"cancel a resting order", runCancelOrder},
		"settle-order":    {"mark a filled order of a resolved market settled", runSettleOrder},
		"orders":          {"list a user's orders", runListOrders},
		"fills":           {"list the fills of an order", runListFills},
		"depth":           {"show aggregated order book depth", runDepth},
		"deposit":         {"record an LP deposit", runDeposit},
		"withdraw":        {"record an LP withdrawal", runWithdraw},
		"pool-stats":      {"show pool statistics for a pool value", runPoolStats},
		"lp-events":       {"list LP deposits and withdrawals", runLPEvents},
		"open-position":   {"record a position taken on an open market", runOpenPosition},
		"advance-session": {"move a position's session to settling or settled", runAdvanceSession},
		"settle":          {"settle every open position of a resolved market", runSettle},
		"settlements":     {"list the settlements of a market", runSettlements},
		"archive":         {"archive a resolved market or LP history to object storage", runArchive},
		"audit":           {"list audit log entries", runAudit},
		"watch":           {"stream exchange events", runWatch},
	}
}

// commandNames lists the registered commands in sorted order.
func commandNames() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// decimalFlag parses a flag value into an exact decimal.
type decimalFlag struct {
	d *decimal.Decimal
}

func (f decimalFlag) String() string {
	if f.d == nil {
		return "0"
	}
	return f.d.String()
}

func (f decimalFlag) Set(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	*f.d = d
	return nil
}

func newFlags(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func decimalVar(fs *flag.FlagSet, name, usage string) *decimal.Decimal {
	d := new(decimal.Decimal)
	fs.Var(decimalFlag{d: d}, name, usage)
	return d
}

func required(fs *flag.FlagSet, names ...string) error {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	var missing []string
	for _, n := range names {
		if !set[n] {
			missing = append(missing, "-"+n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing %s", fs.Name(), strings.Join(missing, ", "))
	}
	return nil
}

func parse(fs *flag.FlagSet, args []string, names ...string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	return required(fs, names...)
}

func (a *App) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withLock runs fn under a distributed lock on key when Redis is enabled.
func (a *App) withLock(ctx context.Context, key string, fn func() error) error {
	if a.deps.Locks == nil {
		return fn()
	}
	unlock, err := a.deps.Locks.Acquire(ctx, key, a.cfg.Redis.LockTTL.Duration)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()
	return fn()
}

func runMigrate(ctx context.Context, a *App, args []string) error {
	if err := parse(newFlags("migrate", a.out), args); err != nil {
		return err
	}
	if a.deps.Postgres == nil {
		return errors.New("migrate: the memory driver has no schema")
	}
	applied, err := a.deps.Postgres.RunMigrations(ctx)
	if err != nil {
		return err
	}
	return a.print(map[string]any{"applied": applied})
}

func runCreateMarket(ctx context.Context, a *App, args []string) error {
	fs := newFlags("create-market", a.out)
	game := fs.String("game", "", "game id")
	category := fs.String("category", "", "category id")
	if err := parse(fs, args, "game", "category"); err != nil {
		return err
	}
	m, err := a.deps.Markets.Create(ctx, *game, *category)
	if err != nil {
		return err
	}
	return a.print(m)
}

func runTransition(to string) func(context.Context, *App, []string) error {
	return func(ctx context.Context, a *App, args []string) error {
		fs := newFlags(to, a.out)
		id := fs.String("market", "", "market id")
		if err := parse(fs, args, "market"); err != nil {
			return err
		}
		var (
			m   domain.Market
			err error
		)
		if to == "open" {
			m, err = a.deps.Markets.Open(ctx, *id)
		} else {
			err = a.withLock(ctx, "market:"+*id, func() error {
				var err error
				m, err = a.deps.Markets.Close(ctx, *id)
				return err
			})
		}
		if err != nil {
			return err
		}
		return a.print(m)
	}
}

func runResolve(ctx context.Context, a *App, args []string) error {
	fs := newFlags("resolve", a.out)
	id := fs.String("market", "", "market id")
	outcome := fs.String("outcome", "", "winning outcome")
	if err := parse(fs, args, "market", "outcome"); err != nil {
		return err
	}
	return a.withLock(ctx, "market:"+*id, func() error {
		res, err := a.deps.Markets.Resolve(ctx, *id, *outcome, nil)
		if err != nil {
			return err
		}
		return a.print(res)
	})
}

func runGetMarket(ctx context.Context, a *App, args []string) error {
	fs := newFlags("market", a.out)
	id := fs.String("market", "", "market id")
	if err := parse(fs, args, "market"); err != nil {
		return err
	}
	m, err := a.deps.Markets.Get(ctx, *id)
	if err != nil {
		return err
	}
	return a.print(m)
}

func runCurrent(ctx context.Context, a *App, args []string) error {
	fs := newFlags("current", a.out)
	game := fs.String("game", "", "game id")
	category := fs.String("category", "", "category id")
	if err := parse(fs, args, "game", "category"); err != nil {
		return err
	}
	m, err := a.deps.Markets.Current(ctx, *game, *category)
	if err != nil {
		return err
	}
	return a.print(m)
}

func listOpts(fs *flag.FlagSet) *domain.ListOpts {
	opts := &domain.ListOpts{}
	fs.IntVar(&opts.Limit, "limit", 50, "maximum rows")
	fs.IntVar(&opts.Offset, "offset", 0, "rows to skip")
	return opts
}

func runHistory(ctx context.Context, a *App, args []string) error {
	fs := newFlags("history", a.out)
	game := fs.String("game", "", "game id")
	category := fs.String("category", "", "category id")
	opts := listOpts(fs)
	if err := parse(fs, args, "game", "category"); err != nil {
		return err
	}
	ms, err := a.deps.Markets.History(ctx, *game, *category, *opts)
	if err != nil {
		return err
	}
	return a.print(ms)
}

func runPlaceOrder(ctx context.Context, a *App, args []string) error {
	fs := newFlags("place-order", a.out)
	id := fs.String("market", "", "market id")
	user := fs.String("user", "", "user address")
	outcome := fs.String("outcome", "", "outcome to back")
	mcps := decimalVar(fs, "mcps", "maximum cost per share, strictly between 0 and 1")
	amount := decimalVar(fs, "amount", "capital to commit")
	session := fs.String("session", "", "session id")
	version := fs.Int64("session-version", 0, "session version")
	if err := parse(fs, args, "market", "user", "outcome", "mcps", "amount"); err != nil {
		return err
	}
	m, err := a.deps.Markets.Get(ctx, *id)
	if err != nil {
		return err
	}
	res, err := a.deps.Book.PlaceOrder(ctx, domain.PlaceOrderRequest{
		MarketID:       m.ID,
		GameID:         m.GameID,
		UserAddress:    *user,
		Outcome:        *outcome,
		MCPS:           *mcps,
		Amount:         *amount,
		SessionID:      *session,
		SessionVersion: *version,
	}, m.Outcomes)
	if err != nil {
		return err
	}
	return a.print(res)
}

func orderFlag(name string, a *App, args []string) (string, error) {
	fs := newFlags(name, a.out)
	id := fs.String("order", "", "order id")
	if err := parse(fs, args, "order"); err != nil {
		return "", err
	}
	return *id, nil
}

func runCancelOrder(ctx context.Context, a *App, args []string) error {
	id, err := orderFlag("cancel-order", a, args)
	if err != nil {
		return err
	}
	o, err := a.deps.Book.CancelOrder(ctx, id)
	if err != nil {
		return err
	}
	return a.print(o)
}

func runSettleOrder(ctx context.Context, a *App, args []string) error {
	id, err := orderFlag("settle-order", a, args)
	if err != nil {
		return err
	}
	o, err := a.deps.Book.SettleOrder(ctx, id)
	if err != nil {
		return err
	}
	return a.print(o)
}

func runListFills(ctx context.Context, a *App, args []string) error {
	id, err := orderFlag("fills", a, args)
	if err != nil {
		return err
	}
	fills, err := a.deps.Book.ListFills(ctx, id)
	if err != nil {
		return err
	}
	return a.print(fills)
}

func runListOrders(ctx context.Context, a *App, args []string) error {
	fs := newFlags("orders", a.out)
	user := fs.String("user", "", "user address")
	opts := listOpts(fs)
	if err := parse(fs, args, "user"); err != nil {
		return err
	}
	orders, err := a.deps.Book.ListUserOrders(ctx, *user, *opts)
	if err != nil {
		return err
	}
	return a.print(orders)
}

func runDepth(ctx context.Context, a *App, args []string) error {
	fs := newFlags("depth", a.out)
	id := fs.String("market", "", "market id")
	if err := parse(fs, args, "market"); err != nil {
		return err
	}
	m, err := a.deps.Markets.Get(ctx, *id)
	if err != nil {
		return err
	}
	d, err := a.deps.Book.Depth(ctx, m.ID, m.Outcomes)
	if err != nil {
		return err
	}
	return a.print(d)
}

func runDeposit(ctx context.Context, a *App, args []string) error {
	fs := newFlags("deposit", a.out)
	addr := fs.String("address", "", "LP address")
	amount := decimalVar(fs, "amount", "deposit amount")
	pool := decimalVar(fs, "pool-value", "pool value before the deposit")
	if err := parse(fs, args, "address", "amount", "pool-value"); err != nil {
		return err
	}
	res, err := a.deps.Pool.RecordDeposit(ctx, *addr, *amount, *pool)
	if err != nil {
		return err
	}
	return a.print(res)
}

func runWithdraw(ctx context.Context, a *App, args []string) error {
	fs := newFlags("withdraw", a.out)
	addr := fs.String("address", "", "LP address")
	shares := decimalVar(fs, "shares", "shares to burn")
	pool := decimalVar(fs, "pool-value", "pool value before the withdrawal")
	if err := parse(fs, args, "address", "shares", "pool-value"); err != nil {
		return err
	}
	stats, err := a.deps.Pool.CurrentPoolStats(ctx, *pool)
	if err != nil {
		return err
	}
	if !stats.CanWithdraw {
		return fmt.Errorf("withdraw: %s: %w", stats.LockReason, domain.ErrInvalidState)
	}
	res, err := a.deps.Pool.RecordWithdrawal(ctx, *addr, *shares, *pool)
	if err != nil {
		return err
	}
	return a.print(res)
}

func runPoolStats(ctx context.Context, a *App, args []string) error {
	fs := newFlags("pool-stats", a.out)
	pool := decimalVar(fs, "pool-value", "current pool value")
	if err := parse(fs, args, "pool-value"); err != nil {
		return err
	}
	stats, err := a.deps.Pool.CurrentPoolStats(ctx, *pool)
	if err != nil {
		return err
	}
	return a.print(stats)
}

func runLPEvents(ctx context.Context, a *App, args []string) error {
	fs := newFlags("lp-events", a.out)
	addr := fs.String("address", "", "LP address; all providers when empty")
	opts := listOpts(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	evts, err := a.deps.Pool.ListEvents(ctx, *addr, *opts)
	if err != nil {
		return err
	}
	return a.print(evts)
}

func runOpenPosition(ctx context.Context, a *App, args []string) error {
	fs := newFlags("open-position", a.out)
	id := fs.String("market", "", "market id")
	user := fs.String("user", "", "user address")
	outcome := fs.String("outcome", "", "outcome held")
	shares := decimalVar(fs, "shares", "shares held")
	cost := decimalVar(fs, "cost", "capital paid")
	fee := decimalVar(fs, "fee", "fee paid")
	session := fs.String("session", "", "session id")
	if err := parse(fs, args, "market", "user", "outcome", "shares", "cost"); err != nil {
		return err
	}
	p, err := a.deps.Settlement.OpenPosition(ctx, domain.Position{
		MarketID:    *id,
		UserAddress: *user,
		Outcome:     *outcome,
		Shares:      *shares,
		Cost:        *cost,
		Fee:         *fee,
		SessionID:   *session,
	})
	if err != nil {
		return err
	}
	return a.print(p)
}

func runAdvanceSession(ctx context.Context, a *App, args []string) error {
	fs := newFlags("advance-session", a.out)
	id := fs.String("position", "", "position id")
	status := fs.String("status", "", "settling or settled")
	if err := parse(fs, args, "position", "status"); err != nil {
		return err
	}
	p, err := a.deps.Settlement.AdvanceSession(ctx, *id, domain.SessionStatus(*status))
	if err != nil {
		return err
	}
	return a.print(p)
}

func runSettle(ctx context.Context, a *App, args []string) error {
	fs := newFlags("settle", a.out)
	id := fs.String("market", "", "market id")
	if err := parse(fs, args, "market"); err != nil {
		return err
	}
	return a.withLock(ctx, "market:"+*id, func() error {
		sum, err := a.deps.Settlement.SettleMarket(ctx, *id)
		if err != nil {
			return err
		}
		return a.print(sum)
	})
}

func runSettlements(ctx context.Context, a *App, args []string) error {
	fs := newFlags("settlements", a.out)
	id := fs.String("market", "", "market id")
	if err := parse(fs, args, "market"); err != nil {
		return err
	}
	out, err := a.deps.Settlement.ListSettlements(ctx, *id)
	if err != nil {
		return err
	}
	return a.print(out)
}

func runArchive(ctx context.Context, a *App, args []string) error {
	fs := newFlags("archive", a.out)
	id := fs.String("market", "", "resolved market to archive")
	before := fs.String("lp-before", "", "archive LP events created before this RFC 3339 time")
	if err := parse(fs, args); err != nil {
		return err
	}
	if a.deps.Archiver == nil {
		return errors.New("archive: object storage is not enabled")
	}
	switch {
	case *id != "":
		return a.withLock(ctx, "archive:"+*id, func() error {
			reports, err := a.deps.Archiver.ArchiveMarket(ctx, *id)
			if err != nil {
				return err
			}
			return a.print(reports)
		})
	case *before != "":
		cutoff, err := time.Parse(time.RFC3339, *before)
		if err != nil {
			return fmt.Errorf("archive: -lp-before: %w", err)
		}
		return a.withLock(ctx, "archive:lp_events", func() error {
			report, err := a.deps.Archiver.ArchiveLPEvents(ctx, cutoff)
			if err != nil {
				return err
			}
			return a.print(report)
		})
	default:
		return errors.New("archive: one of -market or -lp-before is required")
	}
}

func runAudit(ctx context.Context, a *App, args []string) error {
	fs := newFlags("audit", a.out)
	opts := listOpts(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	entries, err := a.deps.Store.Audit().List(ctx, *opts)
	if err != nil {
		return err
	}
	return a.print(entries)
}

// runWatch replays the event stream after -from and then follows live
// events of -type until interrupted.
func runWatch(ctx context.Context, a *App, args []string) error {
	fs := newFlags("watch", a.out)
	typ := fs.String("type", "*", "event type or glob, e.g. market.*")
	from := fs.String("from", "", "replay the stream after this id; 0 for everything")
	if err := parse(fs, args); err != nil {
		return err
	}
	if a.deps.Bus == nil {
		return errors.New("watch: redis is not enabled")
	}

	live, err := a.deps.Bus.Subscribe(ctx, *typ)
	if err != nil {
		return err
	}
	if *from != "" {
		msgs, err := a.deps.Bus.ReadStream(ctx, *from, 1000)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := a.print(m.Event); err != nil {
				return err
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "watch stopped", slog.String("type", *typ))
			return nil
		case evt, ok := <-live:
			if !ok {
				return nil
			}
			if err := a.print(evt); err != nil {
				return err
			}
		}
	}
}
