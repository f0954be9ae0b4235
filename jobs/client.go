package jobs

import (
	"context"

	"github.com/hibiken/asynq"

	"github.com/mietwerk/mietwerk/internal/ledger"
)

// Enqueuer submits ledger-sync tasks to the queue. It satisfies
// ledger.SyncEnqueuer; the allocation pass treats enqueue failures as
// log-and-continue, the outbox row covers redelivery.
type Enqueuer struct {
	client *asynq.Client
}

// NewEnqueuer constructs an Asynq-backed enqueuer.
func NewEnqueuer(redisOpts asynq.RedisClientOpt) *Enqueuer {
	return &Enqueuer{client: asynq.NewClient(redisOpts)}
}

// EnqueueLedgerSync pushes one allocation summary onto the queue.
func (e *Enqueuer) EnqueueLedgerSync(ctx context.Context, job ledger.SyncJob) error {
	task, err := NewLedgerSyncTask(LedgerSyncPayload{
		JobID:     job.ID,
		PaymentID: job.PaymentID,
		TenantID:  job.TenantID,
		Amount:    job.Amount,
		Applied:   job.Applied,
		Unapplied: job.Unapplied,
	})
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(5))
	return err
}

// Close releases client resources.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
