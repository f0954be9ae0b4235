package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/mietwerk/mietwerk/internal/audit"
	"github.com/mietwerk/mietwerk/internal/observability"
	"github.com/mietwerk/mietwerk/internal/platform/db"
)

// ErrRetryExhausted reports that an invoice update lost the optimistic version
// race on every attempt. The whole pass fails; no unconditional fallback write
// exists. The upstream row lock makes this path practically unreachable.
var ErrRetryExhausted = errors.New("ledger: invoice update retries exhausted")

// Engine distributes one payment across a tenant's open invoices: oldest
// obligation first, until the amount is exhausted. The remainder becomes an
// organization-scoped credit.
type Engine struct {
	printer *message.Printer
	metrics *observability.Metrics
	clock   func() time.Time
}

// NewEngine constructs the allocation engine. Metrics may be nil.
func NewEngine(metrics *observability.Metrics) *Engine {
	return &Engine{
		printer: message.NewPrinter(language.German),
		metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Run executes the waterfall inside the caller's transaction. It mutates
// invoices through the versioned updater, writes one Allocation row per
// touched invoice, audits every transition, and books the unapplied remainder
// as credit for the given organization. Every arithmetic step is rounded to
// cents independently.
func (e *Engine) Run(ctx context.Context, tx TxPort, in AllocatePaymentInput, orgID int64) (applied, unapplied decimal.Decimal, err error) {
	remaining := in.Amount
	applied = decimal.Zero

	invoices, err := tx.OpenInvoicesForUpdate(ctx, in.TenantID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	for _, inv := range invoices {
		if !remaining.IsPositive() {
			break
		}
		due := inv.Due()
		if !due.IsPositive() {
			continue
		}
		apply := round2(decimal.Min(remaining, due))
		remaining = round2(remaining.Sub(apply))
		applied = round2(applied.Add(apply))

		var oldPaid decimal.Decimal
		var oldStatus InvoiceStatus
		updated, attempts, err := tx.UpdateInvoiceVersioned(ctx, inv.ID, func(cur *Invoice) error {
			oldPaid = cur.PaidAmount
			oldStatus = cur.Status
			cur.PaidAmount = round2(cur.PaidAmount.Add(apply))
			cur.Status = StatusFor(cur.PaidAmount, cur.TotalAmount)
			return nil
		})
		if err != nil {
			if errors.Is(err, db.ErrVersionConflict) {
				return decimal.Zero, decimal.Zero, fmt.Errorf("invoice %d: %w", inv.ID, ErrRetryExhausted)
			}
			return decimal.Zero, decimal.Zero, err
		}
		e.metrics.ObserveUpdateAttempts(attempts)

		if err := tx.InsertAllocation(ctx, Allocation{
			PaymentID:     in.PaymentID,
			InvoiceID:     inv.ID,
			AppliedAmount: apply,
			Type:          AllocationAuto,
		}); err != nil {
			return decimal.Zero, decimal.Zero, err
		}

		if err := tx.RecordAudit(ctx, audit.Event{
			Actor:     in.Actor,
			Entity:    "invoice",
			EntityID:  fmt.Sprintf("%d", inv.ID),
			Operation: "payment_applied",
			Old:       map[string]any{"paid_amount": oldPaid, "status": oldStatus},
			New:       map[string]any{"paid_amount": updated.PaidAmount, "status": updated.Status},
		}); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}

	if remaining.IsPositive() {
		if err := e.bookRemainder(ctx, tx, in, orgID, remaining); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}

	return applied, remaining, nil
}

// bookRemainder creates the credit entry and annotates the payment note with
// the overpayment. The note is human-readable only and never re-parsed.
func (e *Engine) bookRemainder(ctx context.Context, tx TxPort, in AllocatePaymentInput, orgID int64, remainder decimal.Decimal) error {
	entryDate := in.BookingDate
	if entryDate.IsZero() {
		entryDate = e.clock()
	}
	if err := tx.InsertCreditEntry(ctx, CreditEntry{
		OrganizationID: orgID,
		TenantID:       in.TenantID,
		Amount:         remainder,
		EntryDate:      entryDate,
		Description:    fmt.Sprintf("Guthaben aus Zahlung %s", in.PaymentID),
	}); err != nil {
		return err
	}

	note := e.printer.Sprintf("Überzahlung: %.2f € als Guthaben gebucht", remainder.InexactFloat64())
	return tx.AnnotatePaymentNote(ctx, in.PaymentID, note)
}
