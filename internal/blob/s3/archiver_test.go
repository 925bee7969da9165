package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/store/memory"
)

type memBucket struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart []string
}

func newMemBucket() *memBucket {
	return &memBucket{objects: map[string][]byte{}}
}

func (b *memBucket) Put(_ context.Context, path string, data io.Reader, _ string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = raw
	return nil
}

func (b *memBucket) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	b.mu.Lock()
	b.multipart = append(b.multipart, path)
	b.mu.Unlock()
	return b.Put(ctx, path, data, "")
}

func (b *memBucket) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *memBucket) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func lines(raw []byte) int {
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n
}

func seedResolvedMarket(t *testing.T, st *memory.Store) domain.Market {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 4, 12, 19, 0, 0, 0, time.UTC)
	outcome := "BALL"
	m := domain.Market{
		ID: domain.MarketID("nyy-bos-20260412", "pitch", 3), GameID: "nyy-bos-20260412", CategoryID: "pitch",
		Sequence: 3, Status: domain.MarketStatusResolved, Outcomes: []string{"BALL", "STRIKE"},
		Quantities: []decimal.Decimal{decimal.Zero, decimal.Zero}, Liquidity: decimal.NewFromInt(100),
		Outcome: &outcome, CreatedAt: now, ResolvedAt: &now, UpdatedAt: now,
	}
	require.NoError(t, st.Markets().Create(ctx, m))
	require.NoError(t, st.Orders().InsertFills(ctx, []domain.Fill{
		{ID: "f1", MarketID: m.ID, OrderID: "o1", CounterOrderID: "o2", Outcome: "BALL", Shares: decimal.NewFromInt(10), Price: decimal.RequireFromString("0.6"), CreatedAt: now},
		{ID: "f2", MarketID: m.ID, OrderID: "o2", CounterOrderID: "o1", Outcome: "STRIKE", Shares: decimal.NewFromInt(10), Price: decimal.RequireFromString("0.4"), CreatedAt: now},
	}))
	require.NoError(t, st.Settlements().Insert(ctx, domain.Settlement{
		ID: "s1", MarketID: m.ID, PositionID: "p1", Outcome: "BALL", ResolvedOutcome: "BALL",
		Result: domain.SettlementWin, Shares: decimal.NewFromInt(4), Payout: decimal.NewFromInt(4), SettledAt: now,
	}))
	return m
}

func TestArchiveMarket(t *testing.T) {
	st := memory.New()
	bucket := newMemBucket()
	a := NewArchiver(bucket, bucket, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	m := seedResolvedMarket(t, st)

	reports, err := a.ArchiveMarket(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "archive/markets/nyy-bos-20260412/pitch/3/fills.jsonl", reports[0].Path)
	assert.Equal(t, int64(2), reports[0].Count)
	assert.Equal(t, int64(1), reports[1].Count)
	assert.Equal(t, 2, lines(bucket.objects[reports[0].Path]))
	assert.Equal(t, 1, lines(bucket.objects[reports[1].Path]))

	var mf manifest
	require.NoError(t, json.Unmarshal(bucket.objects["archive/markets/nyy-bos-20260412/pitch/3/manifest.json"], &mf))
	assert.Equal(t, m.ID, mf.MarketID)
	assert.Equal(t, "BALL", mf.Outcome)

	delete(bucket.objects, reports[0].Path)
	again, err := a.ArchiveMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, reports, again)
	assert.NotContains(t, bucket.objects, reports[0].Path, "an archived market is not uploaded twice")

	audit, err := st.Audit().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "archive.market", audit[0].Event)
}

func TestArchiveMarket_RequiresResolution(t *testing.T) {
	st := memory.New()
	bucket := newMemBucket()
	a := NewArchiver(bucket, bucket, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	now := time.Now().UTC()
	m := domain.Market{
		ID: "g:pitch:1", GameID: "g", CategoryID: "pitch", Sequence: 1, Status: domain.MarketStatusClosed,
		Outcomes: []string{"BALL", "STRIKE"}, Quantities: []decimal.Decimal{decimal.Zero, decimal.Zero},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.Markets().Create(ctx, m))

	_, err := a.ArchiveMarket(ctx, m.ID)
	require.ErrorIs(t, err, domain.ErrMarketNotResolved)
	assert.Empty(t, bucket.objects)

	_, err = a.ArchiveMarket(ctx, "g:pitch:9")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestArchiveLPEvents(t *testing.T) {
	st := memory.New()
	bucket := newMemBucket()
	a := NewArchiver(bucket, bucket, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.multipart = 64
	ctx := context.Background()

	cutoff := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, at := range []time.Time{cutoff.Add(-48 * time.Hour), cutoff.Add(-time.Hour), cutoff.Add(time.Hour)} {
		_, err := st.Liquidity().AppendEvent(ctx, domain.LPEvent{
			Address: "0x1111111111111111111111111111111111111111", Type: domain.LPEventDeposit,
			Amount: decimal.NewFromInt(int64(100 * (i + 1))), Shares: decimal.NewFromInt(100), SharePrice: decimal.NewFromInt(1),
			CreatedAt: at,
		})
		require.NoError(t, err)
	}

	report, err := a.ArchiveLPEvents(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, "archive/lp_events/2026-05.jsonl", report.Path)
	assert.Equal(t, int64(2), report.Count)
	assert.Equal(t, 2, lines(bucket.objects[report.Path]))
	assert.Equal(t, []string{report.Path}, bucket.multipart, "payloads past the threshold go multipart")

	empty, err := a.ArchiveLPEvents(ctx, cutoff.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, empty.Count)
}
