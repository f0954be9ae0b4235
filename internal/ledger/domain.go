package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus enumerates invoice payment states.
type InvoiceStatus string

const (
	InvoiceStatusOpen    InvoiceStatus = "OPEN"
	InvoiceStatusPartial InvoiceStatus = "PARTIAL"
	InvoiceStatusPaid    InvoiceStatus = "PAID"
)

// AllocationType distinguishes engine-driven allocations from manual ones.
type AllocationType string

const (
	AllocationAuto   AllocationType = "auto"
	AllocationManual AllocationType = "manual"
)

// Invoice is one monthly rent obligation of a tenant. Version is the
// optimistic-lock counter bumped on every conditional write.
type Invoice struct {
	ID          int64
	TenantID    int64
	Year        int
	Month       int
	TotalAmount decimal.Decimal
	PaidAmount  decimal.Decimal
	Status      InvoiceStatus
	Version     int64
	UpdatedAt   time.Time
}

// Payment is an incoming amount for a tenant. Immutable after creation except
// for the free-text note, which gets annotated with any overpayment.
type Payment struct {
	ID          string
	TenantID    int64
	Amount      decimal.Decimal
	BookingDate time.Time
	Type        string
	Reference   string
	Note        string
	CreatedAt   time.Time
}

// Allocation records how much of one payment landed on one invoice. Insert-only.
type Allocation struct {
	ID            int64
	PaymentID     string
	InvoiceID     int64
	AppliedAmount decimal.Decimal
	Type          AllocationType
	CreatedAt     time.Time
}

// CreditEntry books the unapplied remainder of a payment as future credit,
// scoped to the tenant's organization.
type CreditEntry struct {
	ID             int64
	OrganizationID int64
	TenantID       int64
	Amount         decimal.Decimal
	EntryDate      time.Time
	Description    string
}

// SyncJob is the persisted ledger-sync record written in the same transaction
// as the allocation pass; downstream reconciliation consumes it.
type SyncJob struct {
	ID        int64
	PaymentID string
	TenantID  int64
	Amount    decimal.Decimal
	Applied   decimal.Decimal
	Unapplied decimal.Decimal
}

// Balance aggregates a tenant's invoiced (Soll), paid (Ist) and outstanding
// (Saldo) amounts.
type Balance struct {
	TotalSoll decimal.Decimal `json:"total_soll"`
	TotalIst  decimal.Decimal `json:"total_ist"`
	Saldo     decimal.Decimal `json:"saldo"`
}

// AgingBuckets groups outstanding dues by how long they are overdue.
type AgingBuckets struct {
	Current   decimal.Decimal `json:"current"`
	Bucket30  decimal.Decimal `json:"bucket_30"`
	Bucket60  decimal.Decimal `json:"bucket_60"`
	Bucket90  decimal.Decimal `json:"bucket_90"`
	Bucket120 decimal.Decimal `json:"bucket_120"`
}

// StatusFor derives the invoice status from its paid and total amounts. It is
// the only place status is computed, so stored status never diverges from the
// amounts it summarizes.
func StatusFor(paid, total decimal.Decimal) InvoiceStatus {
	switch {
	case paid.GreaterThanOrEqual(total):
		return InvoiceStatusPaid
	case paid.IsPositive():
		return InvoiceStatusPartial
	default:
		return InvoiceStatusOpen
	}
}

// round2 rounds to two decimals. Applied after every arithmetic step, not only
// at the end, so intermediate values are always representable cent amounts.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Due returns the open remainder of the invoice, rounded to cents.
func (i Invoice) Due() decimal.Decimal {
	return round2(i.TotalAmount.Sub(i.PaidAmount))
}

// dueDate is the first day after the invoice period, used for aging buckets.
func (i Invoice) dueDate() time.Time {
	return time.Date(i.Year, time.Month(i.Month), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
