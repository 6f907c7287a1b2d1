package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/epa-ams/stockledger/internal/inventory"
	"github.com/epa-ams/stockledger/internal/observability"
)

// ExpiryService is the slice of the inventory service the scan needs.
type ExpiryService interface {
	ExpiringStock(ctx context.Context, filter inventory.ExpiryFilter) ([]inventory.ExpiringLot, error)
}

// ExpiryScanner reports lots whose expiry date falls inside the alert window.
type ExpiryScanner struct {
	logger      *slog.Logger
	service     ExpiryService
	metrics     *observability.Metrics
	defaultDays int
}

// NewExpiryScanner constructs the expiry scan task handler.
func NewExpiryScanner(logger *slog.Logger, service ExpiryService, metrics *observability.Metrics, defaultDays int) *ExpiryScanner {
	if defaultDays <= 0 {
		defaultDays = 30
	}
	return &ExpiryScanner{logger: logger, service: service, metrics: metrics, defaultDays: defaultDays}
}

// Handle processes TaskExpiryScan tasks.
func (s *ExpiryScanner) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ExpiryScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	days := payload.Days
	if days <= 0 {
		days = s.defaultDays
	}

	lots, err := s.service.ExpiringStock(ctx, inventory.ExpiryFilter{Days: days})
	if err != nil {
		s.metrics.RecordJob(TaskExpiryScan, "error")
		return err
	}
	for _, exp := range lots {
		attrs := []any{
			slog.Int64("lot_id", exp.Lot.ID),
			slog.String("lot_number", exp.Lot.LotNumber),
			slog.Int64("item_id", exp.Lot.ItemID),
			slog.String("holder", exp.Holder.String()),
			slog.String("qty_on_hand", exp.QtyOnHand.String()),
			slog.Int("days_to_expiry", exp.DaysToExpiry),
		}
		if exp.Lot.ExpiryDate != nil {
			attrs = append(attrs, slog.Time("expiry_date", *exp.Lot.ExpiryDate))
		}
		s.logger.Warn("lot approaching expiry", attrs...)
	}
	s.metrics.RecordJob(TaskExpiryScan, "ok")
	s.logger.Info("expiry scan finished", slog.Int("days", days), slog.Int("expiring", len(lots)))
	return nil
}
