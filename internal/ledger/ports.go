package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mietwerk/mietwerk/internal/audit"
)

// AllocatePaymentInput carries one incoming payment. Amount must be positive
// and already rounded to cents; both are hard preconditions.
type AllocatePaymentInput struct {
	PaymentID   string
	TenantID    int64
	Amount      decimal.Decimal
	BookingDate time.Time
	Type        string
	Reference   string
	Actor       string
}

// AllocationSummary is the committed outcome of one allocation pass.
type AllocationSummary struct {
	Success   bool            `json:"success"`
	PaymentID string          `json:"payment_id"`
	Applied   decimal.Decimal `json:"applied"`
	Unapplied decimal.Decimal `json:"unapplied"`
	// Replayed reports that the payment id was already allocated and the
	// stored outcome was returned instead of allocating again.
	Replayed bool `json:"replayed,omitempty"`
}

// TxPort is the transaction-scoped data access one allocation pass needs.
// Every method runs inside the single transaction opened by WithTx, so either
// all effects commit or none do.
type TxPort interface {
	InsertPayment(ctx context.Context, p Payment) (bool, error)
	PaymentByID(ctx context.Context, id string) (*Payment, error)
	OrganizationForTenant(ctx context.Context, tenantID int64) (int64, error)
	OpenInvoicesForUpdate(ctx context.Context, tenantID int64) ([]Invoice, error)
	UpdateInvoiceVersioned(ctx context.Context, id int64, compute func(*Invoice) error) (*Invoice, int, error)
	InsertAllocation(ctx context.Context, a Allocation) error
	AllocationTotal(ctx context.Context, paymentID string) (decimal.Decimal, error)
	InsertCreditEntry(ctx context.Context, c CreditEntry) error
	AnnotatePaymentNote(ctx context.Context, paymentID, note string) error
	RecordAudit(ctx context.Context, e audit.Event) error
	InsertSyncJob(ctx context.Context, j SyncJob) (int64, error)
}

// RepositoryPort defines data access for the ledger service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxPort) error) error
	TenantBalance(ctx context.Context, tenantID int64, year int) (Balance, error)
	OutstandingInvoices(ctx context.Context, tenantID int64) ([]Invoice, error)
}

// SyncEnqueuer hands the committed allocation summary to the background queue.
// Enqueueing is fire-and-forget; failures are logged, never propagated.
type SyncEnqueuer interface {
	EnqueueLedgerSync(ctx context.Context, job SyncJob) error
}
