package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/epa-ams/stockledger/internal/inventory"
	"github.com/epa-ams/stockledger/internal/observability"
	"github.com/epa-ams/stockledger/internal/shared"
)

// ReconcileService is the slice of the inventory service the sweep needs.
type ReconcileService interface {
	ReconcileAll(ctx context.Context) ([]inventory.Divergence, error)
}

// IdempotencyCleaner expires stale idempotency keys. Satisfied by
// shared.IdempotencyStore.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// idemRetention is how long a claimed idempotency key survives. Keys stranded
// by a crash between the claim and the transaction stay until this sweep.
const idemRetention = 24 * time.Hour

// Reconciler replays every materialized balance against the ledger and
// quarantines keys that diverge. It never corrects a balance on its own.
type Reconciler struct {
	logger  *slog.Logger
	service ReconcileService
	rdb     *redis.Client
	metrics *observability.Metrics
	idem    IdempotencyCleaner
	lockTTL time.Duration
}

// NewReconciler constructs the reconciliation task handler. idem may be nil;
// the retention sweep is then skipped.
func NewReconciler(logger *slog.Logger, service ReconcileService, rdb *redis.Client, metrics *observability.Metrics, idem IdempotencyCleaner, lockTTL time.Duration) *Reconciler {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &Reconciler{logger: logger, service: service, rdb: rdb, metrics: metrics, idem: idem, lockTTL: lockTTL}
}

// Handle processes TaskInventoryReconcile tasks.
func (r *Reconciler) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	acquired, err := shared.AcquireLock(ctx, r.rdb, shared.ReconcileLockKey, r.lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		r.logger.Info("reconcile already running, skipping", slog.String("task", TaskInventoryReconcile))
		return nil
	}
	defer func() {
		if err := shared.ReleaseLock(ctx, r.rdb, shared.ReconcileLockKey); err != nil {
			r.logger.Warn("release reconcile lock", slog.Any("error", err))
		}
	}()

	divergences, err := r.service.ReconcileAll(ctx)
	if err != nil {
		r.metrics.RecordJob(TaskInventoryReconcile, "error")
		return err
	}
	for _, d := range divergences {
		r.logger.Error("balance diverged from ledger replay",
			slog.String("key", d.Key.String()),
			slog.String("stored", d.Stored.String()),
			slog.String("replayed", d.Replayed.String()),
		)
	}
	if len(divergences) > 0 {
		r.metrics.RecordJob(TaskInventoryReconcile, "diverged")
	} else {
		r.metrics.RecordJob(TaskInventoryReconcile, "ok")
	}
	if r.idem != nil {
		if err := r.idem.Cleanup(ctx, idemRetention); err != nil {
			r.logger.Warn("idempotency key cleanup", slog.Any("error", err))
		}
	}
	r.logger.Info("reconcile sweep finished",
		slog.Time("scheduled_for", payload.ScheduledFor),
		slog.Int("divergences", len(divergences)),
	)
	return nil
}
