package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// MarketStore implements domain.MarketStore in memory.
type MarketStore struct {
	sc scope
}

func (s *MarketStore) Create(_ context.Context, m domain.Market) error {
	return s.sc.do(func(st *state) error {
		if _, ok := st.markets[m.ID]; ok {
			return fmt.Errorf("memory: create market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		st.markets[m.ID] = m.Clone()
		return nil
	})
}

func (s *MarketStore) Update(_ context.Context, m domain.Market) error {
	return s.sc.do(func(st *state) error {
		if _, ok := st.markets[m.ID]; !ok {
			return domain.ErrNotFound
		}
		st.markets[m.ID] = m.Clone()
		return nil
	})
}

func (s *MarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	var out domain.Market
	err := s.sc.do(func(st *state) error {
		m, ok := st.markets[id]
		if !ok {
			return domain.ErrNotFound
		}
		out = m.Clone()
		return nil
	})
	return out, err
}

func (s *MarketStore) GetForUpdate(ctx context.Context, id string) (domain.Market, error) {
	return s.GetByID(ctx, id)
}

func (s *MarketStore) NextSequence(_ context.Context, gameID, categoryID string) (int64, error) {
	var max int64
	err := s.sc.do(func(st *state) error {
		for _, m := range st.markets {
			if m.GameID == gameID && m.CategoryID == categoryID && m.Sequence > max {
				max = m.Sequence
			}
		}
		return nil
	})
	return max + 1, err
}

func (s *MarketStore) Current(_ context.Context, gameID, categoryID string) (domain.Market, error) {
	var out domain.Market
	found := false
	err := s.sc.do(func(st *state) error {
		for _, m := range st.markets {
			if m.GameID != gameID || m.CategoryID != categoryID || m.Status == domain.MarketStatusResolved {
				continue
			}
			if !found || m.Sequence > out.Sequence {
				out = m.Clone()
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return domain.Market{}, err
	}
	if !found {
		return domain.Market{}, domain.ErrNotFound
	}
	return out, nil
}

func (s *MarketStore) History(_ context.Context, gameID, categoryID string, opts domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	err := s.sc.do(func(st *state) error {
		for _, m := range st.markets {
			if m.GameID == gameID && m.CategoryID == categoryID {
				out = append(out, m.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	return paginate(out, opts), err
}

func (s *MarketStore) CountByStatus(_ context.Context, status domain.MarketStatus) (int64, error) {
	var n int64
	err := s.sc.do(func(st *state) error {
		for _, m := range st.markets {
			if m.Status == status {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *MarketStore) AddVolume(_ context.Context, id string, delta decimal.Decimal) error {
	return s.sc.do(func(st *state) error {
		m, ok := st.markets[id]
		if !ok {
			return domain.ErrNotFound
		}
		m.Volume = m.Volume.Add(delta)
		st.markets[id] = m
		return nil
	})
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
