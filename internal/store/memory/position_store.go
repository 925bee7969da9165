package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// PositionStore implements domain.PositionStore in memory.
type PositionStore struct {
	sc scope
}

func (s *PositionStore) Create(_ context.Context, p domain.Position) error {
	return s.sc.do(func(st *state) error {
		if _, ok := st.positions[p.ID]; ok {
			return fmt.Errorf("memory: create position %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		st.positions[p.ID] = p
		return nil
	})
}

func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	var out domain.Position
	err := s.sc.do(func(st *state) error {
		p, ok := st.positions[id]
		if !ok {
			return domain.ErrNotFound
		}
		out = p
		return nil
	})
	return out, err
}

func (s *PositionStore) UpdateSessionStatus(_ context.Context, id string, status domain.SessionStatus) error {
	return s.sc.do(func(st *state) error {
		p, ok := st.positions[id]
		if !ok {
			return domain.ErrNotFound
		}
		p.SessionStatus = status
		p.UpdatedAt = time.Now().UTC()
		st.positions[id] = p
		return nil
	})
}

func (s *PositionStore) ListOpen(_ context.Context, marketID string) ([]domain.Position, error) {
	var out []domain.Position
	err := s.sc.do(func(st *state) error {
		for _, p := range st.positions {
			if p.MarketID == marketID {
				out = append(out, p)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (s *PositionStore) Delete(_ context.Context, id string) error {
	return s.sc.do(func(st *state) error {
		if _, ok := st.positions[id]; !ok {
			return domain.ErrNotFound
		}
		delete(st.positions, id)
		return nil
	})
}

func (s *PositionStore) CountUnsettled(_ context.Context) (int64, error) {
	var n int64
	err := s.sc.do(func(st *state) error {
		for _, p := range st.positions {
			if p.SessionStatus != domain.SessionStatusSettled {
				n++
			}
		}
		return nil
	})
	return n, err
}

// SettlementStore implements domain.SettlementStore in memory.
type SettlementStore struct {
	sc scope
}

func (s *SettlementStore) Insert(_ context.Context, in domain.Settlement) error {
	return s.sc.do(func(st *state) error {
		for _, existing := range st.settlements {
			if existing.ID == in.ID || existing.PositionID == in.PositionID {
				return fmt.Errorf("memory: insert settlement %s: %w", in.ID, domain.ErrAlreadyExists)
			}
		}
		st.settlements = append(st.settlements, in)
		return nil
	})
}

func (s *SettlementStore) ListByMarket(_ context.Context, marketID string) ([]domain.Settlement, error) {
	var out []domain.Settlement
	err := s.sc.do(func(st *state) error {
		for _, in := range st.settlements {
			if in.MarketID == marketID {
				out = append(out, in)
			}
		}
		return nil
	})
	return out, err
}
