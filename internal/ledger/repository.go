package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mietwerk/mietwerk/internal/audit"
	"github.com/mietwerk/mietwerk/internal/platform/db"
	"github.com/mietwerk/mietwerk/internal/portfolio"
	"github.com/mietwerk/mietwerk/internal/shared"
)

// OCCSettings tunes the optimistic invoice updater.
type OCCSettings struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Repository provides PostgreSQL backed persistence for the ledger.
type Repository struct {
	pool  *pgxpool.Pool
	audit *audit.Recorder
	orgs  *portfolio.Resolver
	occ   OCCSettings
	queries
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool, recorder *audit.Recorder, orgs *portfolio.Resolver, occ OCCSettings) *Repository {
	return &Repository{
		pool:    pool,
		audit:   recorder,
		orgs:    orgs,
		occ:     occ,
		queries: queries{q: pool},
	}
}

// WithTx runs fn inside one transaction; the TxPort it receives
// is scoped to that transaction, so all effects of an allocation pass commit
// or roll back as a unit.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxPort) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		wrapper := &txRepo{
			queries: queries{q: tx},
			audit:   r.audit,
			orgs:    r.orgs,
			updater: invoiceUpdater(r.occ),
		}
		return fn(ctx, wrapper)
	})
}

type txRepo struct {
	queries
	audit   *audit.Recorder
	orgs    *portfolio.Resolver
	updater *db.VersionedUpdater[Invoice]
}

func (t *txRepo) OrganizationForTenant(ctx context.Context, tenantID int64) (int64, error) {
	return t.orgs.OrganizationForTenant(ctx, t.q, tenantID)
}

func (t *txRepo) UpdateInvoiceVersioned(ctx context.Context, id int64, compute func(*Invoice) error) (*Invoice, int, error) {
	res, err := t.updater.Update(ctx, t.q, id, compute)
	return res.Row, res.Attempts, err
}

func (t *txRepo) RecordAudit(ctx context.Context, e audit.Event) error {
	return t.audit.Record(ctx, t.q, e)
}

// invoiceUpdater wires the generic optimistic updater to the invoices table.
// The conditional write matches the previously read version and bumps it; a
// missing version column value counts as version 1.
func invoiceUpdater(occ OCCSettings) *db.VersionedUpdater[Invoice] {
	return &db.VersionedUpdater[Invoice]{
		MaxRetries: occ.MaxRetries,
		RetryDelay: occ.RetryDelay,
		Read: func(ctx context.Context, q db.Querier, id int64) (*Invoice, int64, error) {
			inv, err := scanInvoice(q.QueryRow(ctx, `
				SELECT id, tenant_id, year, month, total_amount, paid_amount, status, COALESCE(version, 1), updated_at
				FROM invoices WHERE id = $1`, id))
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil, 0, fmt.Errorf("ledger: invoice %d: %w", id, shared.ErrNotFound)
				}
				return nil, 0, err
			}
			return inv, inv.Version, nil
		},
		Write: func(ctx context.Context, q db.Querier, id int64, version int64, next *Invoice) (bool, error) {
			tag, err := q.Exec(ctx, `
				UPDATE invoices
				SET paid_amount = $1, status = $2, version = $3, updated_at = NOW()
				WHERE id = $4 AND COALESCE(version, 1) = $5`,
				numericOf(next.PaidAmount), next.Status, version+1, id, version)
			if err != nil {
				return false, fmt.Errorf("ledger: update invoice %d: %w", id, err)
			}
			return tag.RowsAffected() == 1, nil
		},
	}
}

// queries holds the data methods shared by pool- and transaction-scoped access.
type queries struct {
	q db.Querier
}

// InsertPayment creates the payment row; conflict on id is not an error, the
// return value reports whether the row is new.
func (s queries) InsertPayment(ctx context.Context, p Payment) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO payments (id, tenant_id, amount, booking_date, type, reference, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.TenantID, numericOf(p.Amount), p.BookingDate, p.Type, p.Reference, p.Note)
	if err != nil {
		return false, fmt.Errorf("ledger: insert payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s queries) PaymentByID(ctx context.Context, id string) (*Payment, error) {
	var p Payment
	var amount pgtype.Numeric
	err := s.q.QueryRow(ctx, `
		SELECT id, tenant_id, amount, booking_date, type, reference, note, created_at
		FROM payments WHERE id = $1`, id).
		Scan(&p.ID, &p.TenantID, &amount, &p.BookingDate, &p.Type, &p.Reference, &p.Note, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("ledger: payment %s: %w", id, shared.ErrNotFound)
		}
		return nil, fmt.Errorf("ledger: load payment: %w", err)
	}
	p.Amount = decimalOf(amount)
	return &p, nil
}

// OpenInvoicesForUpdate returns the tenant's open and partial invoices, oldest
// obligation first, row-locked for the duration of the transaction. The lock
// serializes concurrent passes that target the same tenant.
func (s queries) OpenInvoicesForUpdate(ctx context.Context, tenantID int64) ([]Invoice, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, tenant_id, year, month, total_amount, paid_amount, status, COALESCE(version, 1), updated_at
		FROM invoices
		WHERE tenant_id = $1 AND status IN ($2, $3)
		ORDER BY year, month
		FOR UPDATE`,
		tenantID, InvoiceStatusOpen, InvoiceStatusPartial)
	if err != nil {
		return nil, fmt.Errorf("ledger: select open invoices: %w", err)
	}
	defer rows.Close()
	return collectInvoices(rows)
}

func (s queries) InsertAllocation(ctx context.Context, a Allocation) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO allocations (payment_id, invoice_id, applied_amount, allocation_type, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		a.PaymentID, a.InvoiceID, numericOf(a.AppliedAmount), a.Type)
	if err != nil {
		return fmt.Errorf("ledger: insert allocation: %w", err)
	}
	return nil
}

func (s queries) AllocationTotal(ctx context.Context, paymentID string) (decimal.Decimal, error) {
	var total pgtype.Numeric
	err := s.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(applied_amount), 0) FROM allocations WHERE payment_id = $1`,
		paymentID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: sum allocations: %w", err)
	}
	return decimalOf(total), nil
}

func (s queries) InsertCreditEntry(ctx context.Context, c CreditEntry) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO credit_entries (organization_id, tenant_id, amount, entry_date, description, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		c.OrganizationID, c.TenantID, numericOf(c.Amount), c.EntryDate, c.Description)
	if err != nil {
		return fmt.Errorf("ledger: insert credit entry: %w", err)
	}
	return nil
}

func (s queries) AnnotatePaymentNote(ctx context.Context, paymentID, note string) error {
	_, err := s.q.Exec(ctx, `UPDATE payments SET note = $2 WHERE id = $1`, paymentID, note)
	if err != nil {
		return fmt.Errorf("ledger: annotate payment note: %w", err)
	}
	return nil
}

func (s queries) InsertSyncJob(ctx context.Context, j SyncJob) (int64, error) {
	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO ledger_sync_jobs (payment_id, tenant_id, amount, applied, unapplied, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'PENDING', NOW())
		RETURNING id`,
		j.PaymentID, j.TenantID, numericOf(j.Amount), numericOf(j.Applied), numericOf(j.Unapplied)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ledger: insert sync job: %w", err)
	}
	return id, nil
}

// TenantBalance aggregates invoiced and paid totals for a tenant; year 0 means
// all years. Pure read, no locks.
func (s queries) TenantBalance(ctx context.Context, tenantID int64, year int) (Balance, error) {
	var soll, ist pgtype.Numeric
	err := s.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_amount), 0), COALESCE(SUM(paid_amount), 0)
		FROM invoices
		WHERE tenant_id = $1 AND ($2::int = 0 OR year = $2)`,
		tenantID, year).Scan(&soll, &ist)
	if err != nil {
		return Balance{}, fmt.Errorf("ledger: tenant balance: %w", err)
	}
	b := Balance{TotalSoll: decimalOf(soll), TotalIst: decimalOf(ist)}
	b.Saldo = round2(b.TotalSoll.Sub(b.TotalIst))
	return b, nil
}

// OutstandingInvoices lists a tenant's open and partial invoices without locking.
func (s queries) OutstandingInvoices(ctx context.Context, tenantID int64) ([]Invoice, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, tenant_id, year, month, total_amount, paid_amount, status, COALESCE(version, 1), updated_at
		FROM invoices
		WHERE tenant_id = $1 AND status IN ($2, $3)
		ORDER BY year, month`,
		tenantID, InvoiceStatusOpen, InvoiceStatusPartial)
	if err != nil {
		return nil, fmt.Errorf("ledger: select outstanding invoices: %w", err)
	}
	defer rows.Close()
	return collectInvoices(rows)
}

func collectInvoices(rows pgx.Rows) ([]Invoice, error) {
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var total, paid pgtype.Numeric
	if err := row.Scan(&inv.ID, &inv.TenantID, &inv.Year, &inv.Month, &total, &paid, &inv.Status, &inv.Version, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	inv.TotalAmount = decimalOf(total)
	inv.PaidAmount = decimalOf(paid)
	return &inv, nil
}

// numericOf converts a decimal into pgtype.Numeric without float round-trips.
func numericOf(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func decimalOf(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}
