package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// sideEffects delivers post-commit notifications. Failures are logged and
// never returned; committed state is already durable by the time they run.
type sideEffects struct {
	events    domain.EventPublisher
	audit     domain.AuditStore
	logger    *slog.Logger
	component string
}

func (s sideEffects) publish(ctx context.Context, evts ...domain.Event) {
	if s.events == nil {
		return
	}
	for _, evt := range evts {
		if evt.At.IsZero() {
			evt.At = time.Now().UTC()
		}
		if err := s.events.Publish(ctx, evt); err != nil {
			s.logger.WarnContext(ctx, s.component+": publish event failed",
				slog.String("event", evt.Type),
				slog.String("market_id", evt.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s sideEffects) record(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, s.component+": audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// normalizeAddress returns the EIP-55 checksummed form of a hex address.
func normalizeAddress(field, addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", domain.Invalid(field, "%q is not a hex address", addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}
