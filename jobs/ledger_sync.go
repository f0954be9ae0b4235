package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerSyncJob reconciles committed allocation summaries downstream. The
// consumer body is intentionally thin: it confirms the outbox row so pending
// rows can be re-driven after an enqueue loss.
type LedgerSyncJob struct {
	Pool   *pgxpool.Pool
	Logger *slog.Logger
	clock  func() time.Time
}

// NewLedgerSyncJob initialises the ledger sync handler.
func NewLedgerSyncJob(pool *pgxpool.Pool, logger *slog.Logger) *LedgerSyncJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerSyncJob{
		Pool:   pool,
		Logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes one ledger-sync task.
func (j *LedgerSyncJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("ledger sync: handler not configured")
	}
	var payload LedgerSyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	logger := j.Logger.With(
		slog.String("payment_id", payload.PaymentID),
		slog.Int64("tenant_id", payload.TenantID),
	)
	logger.Info("ledger sync",
		slog.String("applied", payload.Applied.StringFixed(2)),
		slog.String("unapplied", payload.Unapplied.StringFixed(2)),
	)

	if j.Pool != nil && payload.JobID > 0 {
		_, err := j.Pool.Exec(ctx,
			`UPDATE ledger_sync_jobs SET status = 'PROCESSED', processed_at = $2 WHERE id = $1`,
			payload.JobID, j.clock())
		if err != nil {
			logger.Error("confirm sync job", slog.Any("error", err))
			return err
		}
	}
	return nil
}
