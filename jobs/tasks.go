package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeLedgerSync is the task type carrying an allocation summary to
	// downstream reconciliation consumers.
	TaskTypeLedgerSync = "ledger:sync"
)

// LedgerSyncPayload mirrors one committed allocation pass. JobID points at the
// outbox row written in the same transaction as the pass.
type LedgerSyncPayload struct {
	JobID     int64           `json:"job_id"`
	PaymentID string          `json:"payment_id"`
	TenantID  int64           `json:"tenant_id"`
	Amount    decimal.Decimal `json:"amount"`
	Applied   decimal.Decimal `json:"applied"`
	Unapplied decimal.Decimal `json:"unapplied"`
}

// NewLedgerSyncTask constructs an Asynq task.
func NewLedgerSyncTask(payload LedgerSyncPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeLedgerSync, data), nil
}
