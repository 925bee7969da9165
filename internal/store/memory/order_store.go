package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// OrderStore implements domain.OrderStore in memory.
type OrderStore struct {
	sc scope
}

func (s *OrderStore) Create(_ context.Context, o domain.Order) error {
	return s.sc.do(func(st *state) error {
		if _, ok := st.orders[o.ID]; ok {
			return fmt.Errorf("memory: create order %s: %w", o.ID, domain.ErrAlreadyExists)
		}
		st.orders[o.ID] = o
		return nil
	})
}

func (s *OrderStore) Update(_ context.Context, o domain.Order) error {
	return s.sc.do(func(st *state) error {
		if _, ok := st.orders[o.ID]; !ok {
			return domain.ErrNotFound
		}
		st.orders[o.ID] = o
		return nil
	})
}

func (s *OrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	var out domain.Order
	err := s.sc.do(func(st *state) error {
		o, ok := st.orders[id]
		if !ok {
			return domain.ErrNotFound
		}
		out = o
		return nil
	})
	return out, err
}

func (s *OrderStore) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return s.GetByID(ctx, id)
}

func (s *OrderStore) filter(keep func(domain.Order) bool) ([]domain.Order, error) {
	var out []domain.Order
	err := s.sc.do(func(st *state) error {
		for _, o := range st.orders {
			if keep(o) {
				out = append(out, o)
			}
		}
		return nil
	})
	return out, err
}

func (s *OrderStore) ListResting(_ context.Context, marketID, outcome string) ([]domain.Order, error) {
	out, err := s.filter(func(o domain.Order) bool {
		return o.MarketID == marketID && o.Outcome == outcome && o.Status.Resting()
	})
	sortByPriority(out)
	return out, err
}

func (s *OrderStore) ListRestingByMarket(_ context.Context, marketID string) ([]domain.Order, error) {
	out, err := s.filter(func(o domain.Order) bool {
		return o.MarketID == marketID && o.Status.Resting()
	})
	sortByPriority(out)
	return out, err
}

func (s *OrderStore) ListFilled(_ context.Context, marketID string) ([]domain.Order, error) {
	out, err := s.filter(func(o domain.Order) bool {
		return o.MarketID == marketID && o.FilledShares.Sign() > 0
	})
	sortByCreated(out)
	return out, err
}

func (s *OrderStore) ListByUser(_ context.Context, address string, opts domain.ListOpts) ([]domain.Order, error) {
	out, err := s.filter(func(o domain.Order) bool {
		if o.UserAddress != address {
			return false
		}
		if opts.Since != nil && o.CreatedAt.Before(*opts.Since) {
			return false
		}
		if opts.Until != nil && o.CreatedAt.After(*opts.Until) {
			return false
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts), err
}

func (s *OrderStore) InsertFills(_ context.Context, fills []domain.Fill) error {
	return s.sc.do(func(st *state) error {
		st.fills = append(st.fills, fills...)
		return nil
	})
}

func (s *OrderStore) ListFills(_ context.Context, orderID string) ([]domain.Fill, error) {
	var out []domain.Fill
	err := s.sc.do(func(st *state) error {
		for _, f := range st.fills {
			if f.OrderID == orderID {
				out = append(out, f)
			}
		}
		return nil
	})
	return out, err
}

func (s *OrderStore) ListFillsByMarket(_ context.Context, marketID string) ([]domain.Fill, error) {
	var out []domain.Fill
	err := s.sc.do(func(st *state) error {
		for _, f := range st.fills {
			if f.MarketID == marketID {
				out = append(out, f)
			}
		}
		return nil
	})
	return out, err
}

// sortByPriority orders by price descending then creation ascending, with
// the id as a final tiebreak so results are deterministic.
func sortByPriority(orders []domain.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if c := orders[i].MCPS.Cmp(orders[j].MCPS); c != 0 {
			return c > 0
		}
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}

func sortByCreated(orders []domain.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}
