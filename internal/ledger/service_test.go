package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mietwerk/mietwerk/internal/audit"
	"github.com/mietwerk/mietwerk/internal/platform/db"
	"github.com/mietwerk/mietwerk/internal/shared"
)

// memoryLedger is an in-memory RepositoryPort/TxPort. WithTx holds a mutex for
// the whole pass, mirroring the row lock that serializes concurrent passes,
// and restores a snapshot on error, mirroring transaction rollback.
type memoryLedger struct {
	mu        sync.Mutex
	invoices  map[int64]*Invoice
	payments  map[string]*Payment
	allocs    []Allocation
	credits   []CreditEntry
	audits    []audit.Event
	syncJobs  []SyncJob
	orgs      map[int64]int64
	exhausted map[int64]bool
	nextJobID int64
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		invoices:  make(map[int64]*Invoice),
		payments:  make(map[string]*Payment),
		orgs:      make(map[int64]int64),
		exhausted: make(map[int64]bool),
	}
}

type ledgerSnapshot struct {
	invoices map[int64]*Invoice
	payments map[string]*Payment
	allocs   []Allocation
	credits  []CreditEntry
	audits   []audit.Event
	syncJobs []SyncJob
}

func (m *memoryLedger) snapshot() ledgerSnapshot {
	snap := ledgerSnapshot{
		invoices: make(map[int64]*Invoice, len(m.invoices)),
		payments: make(map[string]*Payment, len(m.payments)),
		allocs:   append([]Allocation(nil), m.allocs...),
		credits:  append([]CreditEntry(nil), m.credits...),
		audits:   append([]audit.Event(nil), m.audits...),
		syncJobs: append([]SyncJob(nil), m.syncJobs...),
	}
	for id, inv := range m.invoices {
		copied := *inv
		snap.invoices[id] = &copied
	}
	for id, p := range m.payments {
		copied := *p
		snap.payments[id] = &copied
	}
	return snap
}

func (m *memoryLedger) restore(snap ledgerSnapshot) {
	m.invoices = snap.invoices
	m.payments = snap.payments
	m.allocs = snap.allocs
	m.credits = snap.credits
	m.audits = snap.audits
	m.syncJobs = snap.syncJobs
}

func (m *memoryLedger) WithTx(ctx context.Context, fn func(context.Context, TxPort) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(ctx, m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memoryLedger) InsertPayment(ctx context.Context, p Payment) (bool, error) {
	if _, ok := m.payments[p.ID]; ok {
		return false, nil
	}
	p.CreatedAt = time.Now()
	m.payments[p.ID] = &p
	return true, nil
}

func (m *memoryLedger) PaymentByID(ctx context.Context, id string) (*Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("ledger: payment %s: %w", id, shared.ErrNotFound)
	}
	copied := *p
	return &copied, nil
}

func (m *memoryLedger) OrganizationForTenant(ctx context.Context, tenantID int64) (int64, error) {
	org, ok := m.orgs[tenantID]
	if !ok {
		return 0, fmt.Errorf("portfolio: tenant %d: %w", tenantID, shared.ErrTenantNotFound)
	}
	return org, nil
}

func (m *memoryLedger) OpenInvoicesForUpdate(ctx context.Context, tenantID int64) ([]Invoice, error) {
	var result []Invoice
	for _, inv := range m.invoices {
		if inv.TenantID == tenantID && (inv.Status == InvoiceStatusOpen || inv.Status == InvoiceStatusPartial) {
			result = append(result, *inv)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Year != result[j].Year {
			return result[i].Year < result[j].Year
		}
		return result[i].Month < result[j].Month
	})
	return result, nil
}

func (m *memoryLedger) UpdateInvoiceVersioned(ctx context.Context, id int64, compute func(*Invoice) error) (*Invoice, int, error) {
	if m.exhausted[id] {
		return nil, 4, db.ErrVersionConflict
	}
	inv, ok := m.invoices[id]
	if !ok {
		return nil, 1, fmt.Errorf("ledger: invoice %d: %w", id, shared.ErrNotFound)
	}
	if err := compute(inv); err != nil {
		return nil, 1, err
	}
	inv.Version++
	inv.UpdatedAt = time.Now()
	copied := *inv
	return &copied, 1, nil
}

func (m *memoryLedger) InsertAllocation(ctx context.Context, a Allocation) error {
	a.ID = int64(len(m.allocs) + 1)
	a.CreatedAt = time.Now()
	m.allocs = append(m.allocs, a)
	return nil
}

func (m *memoryLedger) AllocationTotal(ctx context.Context, paymentID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, a := range m.allocs {
		if a.PaymentID == paymentID {
			total = total.Add(a.AppliedAmount)
		}
	}
	return total, nil
}

func (m *memoryLedger) InsertCreditEntry(ctx context.Context, c CreditEntry) error {
	c.ID = int64(len(m.credits) + 1)
	m.credits = append(m.credits, c)
	return nil
}

func (m *memoryLedger) AnnotatePaymentNote(ctx context.Context, paymentID, note string) error {
	p, ok := m.payments[paymentID]
	if !ok {
		return fmt.Errorf("ledger: payment %s: %w", paymentID, shared.ErrNotFound)
	}
	p.Note = note
	return nil
}

func (m *memoryLedger) RecordAudit(ctx context.Context, e audit.Event) error {
	m.audits = append(m.audits, e)
	return nil
}

func (m *memoryLedger) InsertSyncJob(ctx context.Context, j SyncJob) (int64, error) {
	m.nextJobID++
	j.ID = m.nextJobID
	m.syncJobs = append(m.syncJobs, j)
	return j.ID, nil
}

func (m *memoryLedger) TenantBalance(ctx context.Context, tenantID int64, year int) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := Balance{TotalSoll: decimal.Zero, TotalIst: decimal.Zero}
	for _, inv := range m.invoices {
		if inv.TenantID != tenantID {
			continue
		}
		if year != 0 && inv.Year != year {
			continue
		}
		b.TotalSoll = b.TotalSoll.Add(inv.TotalAmount)
		b.TotalIst = b.TotalIst.Add(inv.PaidAmount)
	}
	b.Saldo = round2(b.TotalSoll.Sub(b.TotalIst))
	return b, nil
}

func (m *memoryLedger) OutstandingInvoices(ctx context.Context, tenantID int64) ([]Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.OpenInvoicesForUpdate(ctx, tenantID)
}

func (m *memoryLedger) addInvoice(id, tenantID int64, year, month int, total, paid string) {
	totalD := mustDecimal(total)
	paidD := mustDecimal(paid)
	m.invoices[id] = &Invoice{
		ID:          id,
		TenantID:    tenantID,
		Year:        year,
		Month:       month,
		TotalAmount: totalD,
		PaidAmount:  paidD,
		Status:      StatusFor(paidD, totalD),
		Version:     1,
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestService(repo *memoryLedger) *Service {
	return NewService(repo, nil, nil, nil, nil, nil)
}

const (
	testTenant = int64(7)
	testOrg    = int64(3)
)

func paymentInput(id string, amount string) AllocatePaymentInput {
	return AllocatePaymentInput{
		PaymentID: id,
		TenantID:  testTenant,
		Amount:    mustDecimal(amount),
		Actor:     "tester",
	}
}

const (
	paymentA = "7f1cbb84-6f2c-4e2b-9c39-5be4a51f6a01"
	paymentB = "7f1cbb84-6f2c-4e2b-9c39-5be4a51f6a02"
)

func TestAllocatePaymentWaterfall(t *testing.T) {
	repo := newMemoryLedger()
	repo.orgs[testTenant] = testOrg
	repo.addInvoice(1, testTenant, 2025, 1, "500.00", "0")
	repo.addInvoice(2, testTenant, 2025, 2, "300.00", "0")

	svc := newTestService(repo)
	summary, err := svc.AllocatePayment(context.Background(), paymentInput(paymentA, "700.00"))
	require.NoError(t, err)
	require.True(t, summary.Success)
	require.Equal(t, "700.00", summary.Applied.StringFixed(2))
	require.Equal(t, "0.00", summary.Unapplied.StringFixed(2))

	require.Equal(t, "500.00", repo.invoices[1].PaidAmount.StringFixed(2))
	require.Equal(t, InvoiceStatusPaid, repo.invoices[1].Status)
	require.Equal(t, "200.00", repo.invoices[2].PaidAmount.StringFixed(2))
	require.Equal(t, InvoiceStatusPartial, repo.invoices[2].Status)

	require.Len(t, repo.allocs, 2)
	require.Equal(t, "500.00", repo.allocs[0].AppliedAmount.StringFixed(2))
	require.Equal(t, int64(1), repo.allocs[0].InvoiceID)
	require.Equal(t, "200.00", repo.allocs[1].AppliedAmount.StringFixed(2))
	require.Equal(t, AllocationAuto, repo.allocs[0].Type)

	// two invoice transitions plus the payment summary
	require.Len(t, repo.audits, 3)
	require.Equal(t, "payment", repo.audits[2].Entity)
	require.Equal(t, "allocated", repo.audits[2].Operation)

	require.Len(t, repo.syncJobs, 1)
	require.Equal(t, "700.00", repo.syncJobs[0].Applied.StringFixed(2))
	require.Empty(t, repo.credits)
}

func TestAllocatePaymentNoOpenInvoices(t *testing.T) {
	repo := newMemoryLedger()
	repo.orgs[testTenant] = testOrg

	svc := newTestService(repo)
	summary, err := svc.AllocatePayment(context.Background(), paymentInput(paymentA, "250.00"))
	require.NoError(t, err)
	require.Equal(t, "0.00", summary.Applied.StringFixed(2))
	require.Equal(t, "250.00", summary.Unapplied.StringFixed(2))

	require.Len(t, repo.credits, 1)
	require.Equal(t, "250.00", repo.credits[0].Amount.StringFixed(2))
	require.Equal(t, testOrg, repo.credits[0].OrganizationID)
	require.Equal(t, testTenant, repo.credits[0].TenantID)

	require.Contains(t, repo.payments[paymentA].Note, "250,00")
	require.Empty(t, repo.allocs)
}

func TestAllocatePaymentPartiallyPaidInvoice(t *testing.T) {
	repo := newMemoryLedger()
	repo.orgs[testTenant] = testOrg
	repo.addInvoice(1, testTenant, 2025, 3, "400.00", "100.00")

	svc := newTestService(repo)
	summary, err := svc.AllocatePayment(context.Background(), paymentInput(paymentA, "250.00"))
	require.NoError(t, err)
	require.Equal(t, "250.00", summary.Applied.StringFixed(2))
	require.Equal(t, "0.00", summary.Unapplied.StringFixed(2))

	require.Equal(t, "350.00", repo.invoices[1].PaidAmount.StringFixed(2))
	require.Equal(t, InvoiceStatusPartial, repo.invoices[1].Status)
}

func TestAllocatePaymentSplitsOldestFirst(t *testing.T) {
	repo := newMemoryLedger()
	repo.orgs[testTenant] = testOrg
	repo.addInvoice(2, testTenant, 2025, 2, "100.00", "0")
	repo.addInvoice(1, testTenant, 2025, 1, "100.00", "0")

	svc := newTestService(repo)
	summary, err := svc.AllocatePayment(context.Background(), paymentInput(paymentA, "150.00"))
	require.NoError(t, err)
	require.Equal(t, "150.00", summary.Applied.StringFixed(2))

	require.Equal(t, InvoiceStatusPaid, repo.invoices[1].Status)
	require.Equal(t, "100.00", repo.invoices[1].PaidAmount.StringFixed(2))
	require.Equal(t, InvoiceStatusPartial, repo.invoices[2].Status)
	require.Equal(t, "50.00", repo.invoices[2].PaidAmount.StringFixed(2))
}

func TestTenantBalanceAfterAllocation(t *testing.T) {
	repo := newMemoryLedger()
	repo.orgs[testTenant] = testOrg
	repo.addInvoice(1, testTenant, 2025, 1, "500.00", "0")
	repo.addInvoice(2, testTenant, 2025, 2, "300.00", "0")

	svc := newTestService(repo)
	_, err := svc.AllocatePayment(context.Background(), paymentInput(paymentA, "700.00"))
	require.NoError(t, err)

	balance, err := svc.TenantBalance(context.Background(), testTenant, 0)
	require.NoError(t, err)
	require.Equal(t, "800.00", balance.TotalSoll.StringFixed(2))
	require.Equal(t, "700.00", balance.TotalIst.StringFixed(2))
	require.Equal(t, "100.00", balance.Saldo.StringFixed(2))
}

func TestAllocatePaymentValidation(t *testing.T) {
	repo := newMemoryLedger()
	repo.orgs[testTenant] = testOrg
	svc := newTestService(repo)

	cases := []struct {
		name  string
		input AllocatePaymentInput
	}{
		{"bad payment id", AllocatePaymentInput{PaymentID: "not-a-uuid", TenantID: testTenant, Amount: mustDecimal("10.00")}},
		{"missing tenant", AllocatePaymentInput{PaymentID: paymentA, Amount: mustDecimal("10.00")}},
		{"zero amount", paymentInput(paymentA, "0")},
		{"negative amount", paymentInput(paymentA, "-5.00")},
		{"unrounded amount", paymentInput(paymentA, "10.005")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.AllocatePayment(context.Background(), tc.input)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}
	require.Empty(t, repo.payments)
	require.Empty(t, repo.audits)
}

func TestAllocatePaymentTenantMissingRollsBack(t *testing.T) {
	repo := newMemoryLedger()
	repo.addInvoice(1, testTenant, 2025, 1, "500.00", "0")

	svc := newTestService(repo)
	_, err := svc.AllocatePayment(context.Background(), paymentInput(paymentA, "100.00"))
	require.ErrorIs(t, err, shared.ErrTenantNotFound)

	// rollback removed the payment insert as well
	require.Empty(t, repo.payments)
	require.Equal(t, "0.00", repo.invoices[1].PaidAmount.StringFixed(2))
	require.Empty(t, repo.audits)
}

func TestAllocatePaymentReplayIsIdempotent(t *testing.T) {
	repo := newMemoryLedger()
	repo.orgs[testTenant] = testOrg
	repo.addInvoice(1, testTenant, 2025, 1, "500.00", "0")

	svc := newTestService(repo)
	first, err := svc.AllocatePayment(context.Background(), paymentInput(paymentA, "300.00"))
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := svc.AllocatePayment(context.Background(), paymentInput(paymentA, "300.00"))
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Applied.StringFixed(2), second.Applied.StringFixed(2))
	require.Equal(t, first.Unapplied.StringFixed(2), second.Unapplied.StringFixed(2))

	require.Equal(t, "300.00", repo.invoices[1].PaidAmount.StringFixed(2))
	require.Len(t, repo.allocs, 1)
	require.Len(t, repo.syncJobs, 1)
}

func TestAllocatePaymentRetryExhaustionFailsPass(t *testing.T) {
	repo := newMemoryLedger()
	repo.orgs[testTenant] = testOrg
	repo.addInvoice(1, testTenant, 2025, 1, "500.00", "0")
	repo.exhausted[1] = true

	svc := newTestService(repo)
	_, err := svc.AllocatePayment(context.Background(), paymentInput(paymentA, "100.00"))
	require.ErrorIs(t, err, ErrRetryExhausted)

	require.Empty(t, repo.payments)
	require.Empty(t, repo.allocs)
	require.Equal(t, "0.00", repo.invoices[1].PaidAmount.StringFixed(2))
}

func TestConcurrentAllocationsLoseNoUpdate(t *testing.T) {
	repo := newMemoryLedger()
	repo.orgs[testTenant] = testOrg
	repo.addInvoice(1, testTenant, 2025, 1, "1000.00", "0")

	svc := newTestService(repo)
	const passes = 10

	var wg sync.WaitGroup
	errs := make([]error, passes)
	for i := 0; i < passes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("7f1cbb84-6f2c-4e2b-9c39-5be4a51f6b%02d", i)
			_, errs[i] = svc.AllocatePayment(context.Background(), paymentInput(id, "100.00"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "pass %d", i)
	}
	require.Equal(t, "1000.00", repo.invoices[1].PaidAmount.StringFixed(2))
	require.Equal(t, InvoiceStatusPaid, repo.invoices[1].Status)
	require.Len(t, repo.allocs, passes)

	total := decimal.Zero
	for _, a := range repo.allocs {
		total = total.Add(a.AppliedAmount)
	}
	require.Equal(t, "1000.00", total.StringFixed(2))
}

func TestAllocationConservesMoneyAcrossManyInvoices(t *testing.T) {
	repo := newMemoryLedger()
	repo.orgs[testTenant] = testOrg
	dues := []string{"33.33", "66.67", "12.01", "99.99", "0.01", "250.00", "41.58"}
	for i, due := range dues {
		repo.addInvoice(int64(i+1), testTenant, 2024, i+1, due, "0")
	}

	svc := newTestService(repo)
	amount := "500.00"
	summary, err := svc.AllocatePayment(context.Background(), paymentInput(paymentA, amount))
	require.NoError(t, err)

	// conservation: applied + unapplied equals the original amount exactly
	require.Equal(t, amount, summary.Applied.Add(summary.Unapplied).StringFixed(2))

	sumDues := decimal.Zero
	for _, due := range dues {
		sumDues = sumDues.Add(mustDecimal(due))
	}
	expectApplied := decimal.Min(mustDecimal(amount), sumDues)
	require.Equal(t, expectApplied.StringFixed(2), summary.Applied.StringFixed(2))

	allocTotal := decimal.Zero
	perInvoice := make(map[int64]int)
	for _, a := range repo.allocs {
		require.True(t, a.AppliedAmount.IsPositive())
		allocTotal = allocTotal.Add(a.AppliedAmount)
		perInvoice[a.InvoiceID]++
	}
	require.Equal(t, summary.Applied.StringFixed(2), allocTotal.StringFixed(2))
	for id, count := range perInvoice {
		require.Equal(t, 1, count, "invoice %d", id)
	}

	for _, inv := range repo.invoices {
		require.True(t, inv.PaidAmount.LessThanOrEqual(inv.TotalAmount), "invoice %d overpaid", inv.ID)
		require.Equal(t, StatusFor(inv.PaidAmount, inv.TotalAmount), inv.Status)
	}
}

func TestTenantAgingBucketsOutstandingDues(t *testing.T) {
	repo := newMemoryLedger()
	repo.orgs[testTenant] = testOrg
	asOf := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	repo.addInvoice(1, testTenant, 2025, 6, "100.00", "0") // due 2025-07-01, not yet overdue
	repo.addInvoice(2, testTenant, 2025, 5, "200.00", "50.00")
	repo.addInvoice(3, testTenant, 2025, 1, "300.00", "0")

	svc := newTestService(repo)
	svc.clock = func() time.Time { return asOf }

	buckets, err := svc.TenantAging(context.Background(), testTenant, asOf)
	require.NoError(t, err)
	require.Equal(t, "100.00", buckets.Current.StringFixed(2))
	require.Equal(t, "150.00", buckets.Bucket30.StringFixed(2))
	require.Equal(t, "300.00", buckets.Bucket120.StringFixed(2))
}

// serializationFailingLedger aborts every transaction the way Postgres does
// when a concurrent commit invalidates the snapshot of a waiting pass.
type serializationFailingLedger struct {
	*memoryLedger
}

func (s *serializationFailingLedger) WithTx(ctx context.Context, fn func(context.Context, TxPort) error) error {
	return fmt.Errorf("ledger: select open invoices: %w",
		&pgconn.PgError{Code: "40001", Message: "could not serialize access due to concurrent update"})
}

func TestAllocatePaymentSerializationFailureMapsToConflict(t *testing.T) {
	inner := newMemoryLedger()
	inner.orgs[testTenant] = testOrg
	inner.addInvoice(1, testTenant, 2025, 1, "500.00", "0")
	repo := &serializationFailingLedger{memoryLedger: inner}

	svc := NewService(repo, nil, nil, nil, nil, nil)
	_, err := svc.AllocatePayment(context.Background(), paymentInput(paymentA, "100.00"))
	require.ErrorIs(t, err, ErrRetryExhausted)

	// nothing committed
	require.Empty(t, inner.payments)
	require.Equal(t, "0.00", inner.invoices[1].PaidAmount.StringFixed(2))
}

func TestErrRetryExhaustedWrapsConflict(t *testing.T) {
	err := fmt.Errorf("invoice 9: %w", ErrRetryExhausted)
	require.True(t, errors.Is(err, ErrRetryExhausted))
	require.True(t, strings.Contains(err.Error(), "retries exhausted"))
}
