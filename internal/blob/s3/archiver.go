package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// ArchiveImpl implements domain.Archiver by serializing settled history to
// JSONL and uploading it to object storage. Rows stay in the primary store;
// pruning them is a separate step once the archive has been verified.
//
// Layout:
//
//	archive/markets/{game}/{category}/{seq}/fills.jsonl
//	archive/markets/{game}/{category}/{seq}/settlements.jsonl
//	archive/markets/{game}/{category}/{seq}/manifest.json
//	archive/lp_events/{YYYY-MM}.jsonl
type ArchiveImpl struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	store     domain.Store
	logger    *slog.Logger
	multipart int64
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, store domain.Store, logger *slog.Logger) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		reader:    reader,
		store:     store,
		logger:    logger,
		multipart: 4 * minPartSize,
	}
}

type manifest struct {
	MarketID   string                 `json:"market_id"`
	Outcome    string                 `json:"outcome"`
	Files      []domain.ArchiveReport `json:"files"`
	ArchivedAt time.Time              `json:"archived_at"`
}

// ArchiveMarket uploads the fills and settlements of a resolved market and
// then its manifest. A market whose manifest already exists is not uploaded
// again; the recorded reports are returned instead.
func (a *ArchiveImpl) ArchiveMarket(ctx context.Context, marketID string) ([]domain.ArchiveReport, error) {
	m, err := a.store.Markets().GetByID(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive market %s: %w", marketID, err)
	}
	if m.Status != domain.MarketStatusResolved || m.Outcome == nil {
		return nil, fmt.Errorf("s3blob: archive market %s is %s: %w", m.ID, m.Status, domain.ErrMarketNotResolved)
	}

	dir := marketDir(m)
	manifestPath := dir + "/manifest.json"
	if prev, ok, err := a.readManifest(ctx, manifestPath); err != nil {
		return nil, err
	} else if ok {
		a.logger.InfoContext(ctx, "s3blob: market already archived", slog.String("market_id", m.ID))
		return prev.Files, nil
	}

	fills, err := a.store.Orders().ListFillsByMarket(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive fills query: %w", err)
	}
	settlements, err := a.store.Settlements().ListByMarket(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive settlements query: %w", err)
	}

	reports := make([]domain.ArchiveReport, 2)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		reports[0], err = uploadJSONL(gctx, a, dir+"/fills.jsonl", fills)
		return err
	})
	g.Go(func() error {
		var err error
		reports[1], err = uploadJSONL(gctx, a, dir+"/settlements.jsonl", settlements)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("s3blob: archive market %s: %w", m.ID, err)
	}

	raw, err := json.Marshal(manifest{MarketID: m.ID, Outcome: *m.Outcome, Files: reports, ArchivedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("s3blob: marshal manifest: %w", err)
	}
	if err := a.writer.Put(ctx, manifestPath, bytes.NewReader(raw), "application/json"); err != nil {
		return nil, fmt.Errorf("s3blob: archive market %s manifest: %w", m.ID, err)
	}

	if err := a.store.Audit().Log(ctx, "archive.market", map[string]any{
		"market_id":   m.ID,
		"path":        dir,
		"fills":       reports[0].Count,
		"settlements": reports[1].Count,
	}); err != nil {
		return reports, fmt.Errorf("s3blob: archive market audit log: %w", err)
	}
	a.logger.InfoContext(ctx, "s3blob: market archived",
		slog.String("market_id", m.ID),
		slog.Int64("fills", reports[0].Count),
		slog.Int64("settlements", reports[1].Count),
	)
	return reports, nil
}

// ArchiveLPEvents uploads every LP event created before the cutoff to
// archive/lp_events/YYYY-MM.jsonl, partitioned by the cutoff's month.
func (a *ArchiveImpl) ArchiveLPEvents(ctx context.Context, before time.Time) (domain.ArchiveReport, error) {
	events, err := a.store.Liquidity().ListEvents(ctx, "", domain.ListOpts{Until: &before})
	if err != nil {
		return domain.ArchiveReport{}, fmt.Errorf("s3blob: archive lp events query: %w", err)
	}
	if len(events) == 0 {
		return domain.ArchiveReport{}, nil
	}

	report, err := uploadJSONL(ctx, a, archivePath("lp_events", before), events)
	if err != nil {
		return domain.ArchiveReport{}, fmt.Errorf("s3blob: archive lp events: %w", err)
	}

	if err := a.store.Audit().Log(ctx, "archive.lp_events", map[string]any{
		"path":   report.Path,
		"count":  report.Count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return report, fmt.Errorf("s3blob: archive lp events audit log: %w", err)
	}
	return report, nil
}

func (a *ArchiveImpl) readManifest(ctx context.Context, path string) (manifest, bool, error) {
	ok, err := a.reader.Exists(ctx, path)
	if err != nil || !ok {
		return manifest{}, false, err
	}
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return manifest{}, false, nil
		}
		return manifest{}, false, err
	}
	defer body.Close()

	var mf manifest
	if err := json.NewDecoder(body).Decode(&mf); err != nil {
		return manifest{}, false, fmt.Errorf("s3blob: decode manifest %s: %w", path, err)
	}
	return mf, true, nil
}

// uploadJSONL writes records as JSONL, switching to a multipart upload once
// the payload outgrows a single request.
func uploadJSONL[T any](ctx context.Context, a *ArchiveImpl, path string, records []T) (domain.ArchiveReport, error) {
	buf, err := marshalJSONL(records)
	if err != nil {
		return domain.ArchiveReport{}, fmt.Errorf("marshal %s: %w", path, err)
	}
	if int64(len(buf)) > a.multipart {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return domain.ArchiveReport{}, err
	}
	return domain.ArchiveReport{Path: path, Count: int64(len(records))}, nil
}

func marketDir(m domain.Market) string {
	return fmt.Sprintf("archive/markets/%s/%s/%s", m.GameID, m.CategoryID, strconv.FormatInt(m.Sequence, 10))
}

// archivePath builds a month-partitioned key, e.g. archive/lp_events/2026-04.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
