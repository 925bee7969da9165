package memory

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// LiquidityStore implements domain.LiquidityStore in memory.
type LiquidityStore struct {
	sc scope
}

func (s *LiquidityStore) GetShare(_ context.Context, address string) (domain.LPShare, error) {
	var out domain.LPShare
	err := s.sc.do(func(st *state) error {
		sh, ok := st.shares[address]
		if !ok {
			return domain.ErrNotFound
		}
		out = sh
		return nil
	})
	return out, err
}

func (s *LiquidityStore) SaveShare(_ context.Context, sh domain.LPShare) error {
	return s.sc.do(func(st *state) error {
		st.shares[sh.Address] = sh
		return nil
	})
}

func (s *LiquidityStore) DeleteShare(_ context.Context, address string) error {
	return s.sc.do(func(st *state) error {
		if _, ok := st.shares[address]; !ok {
			return domain.ErrNotFound
		}
		delete(st.shares, address)
		return nil
	})
}

func (s *LiquidityStore) TotalShares(_ context.Context) (decimal.Decimal, error) {
	total := decimal.Zero
	err := s.sc.do(func(st *state) error {
		for _, sh := range st.shares {
			total = total.Add(sh.Shares)
		}
		return nil
	})
	return total, err
}

func (s *LiquidityStore) CountProviders(_ context.Context) (int64, error) {
	var n int64
	err := s.sc.do(func(st *state) error {
		n = int64(len(st.shares))
		return nil
	})
	return n, err
}

func (s *LiquidityStore) AppendEvent(_ context.Context, e domain.LPEvent) (int64, error) {
	var id int64
	err := s.sc.do(func(st *state) error {
		st.nextEventID++
		id = st.nextEventID
		e.ID = id
		st.events = append(st.events, e)
		return nil
	})
	return id, err
}

func (s *LiquidityStore) ListEvents(_ context.Context, address string, opts domain.ListOpts) ([]domain.LPEvent, error) {
	var out []domain.LPEvent
	err := s.sc.do(func(st *state) error {
		for _, e := range st.events {
			if address != "" && e.Address != address {
				continue
			}
			if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
				continue
			}
			if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return paginate(out, opts), err
}
