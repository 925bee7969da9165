package memory

import (
	"context"
	"sort"
	"time"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// AuditStore implements domain.AuditStore in memory.
type AuditStore struct {
	sc scope
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	return s.sc.do(func(st *state) error {
		st.audit = append(st.audit, domain.AuditEntry{
			ID:        int64(len(st.audit) + 1),
			Event:     event,
			Detail:    detail,
			CreatedAt: time.Now().UTC(),
		})
		return nil
	})
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	err := s.sc.do(func(st *state) error {
		for _, e := range st.audit {
			if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
				continue
			}
			if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return paginate(out, opts), err
}
