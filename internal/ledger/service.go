package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mietwerk/mietwerk/internal/audit"
	"github.com/mietwerk/mietwerk/internal/observability"
	"github.com/mietwerk/mietwerk/internal/platform/db"
	"github.com/mietwerk/mietwerk/internal/shared"
)

// Service records allocation passes. One call to AllocatePayment is one
// atomic transaction: payment insert, invoice mutations, allocation rows,
// credit entry, audit events and the sync-job record commit together or not
// at all.
type Service struct {
	repo    RepositoryPort
	engine  *Engine
	queue   SyncEnqueuer
	cache   *BalanceCache
	metrics *observability.Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

// NewService builds the ledger service. Queue, cache and metrics are optional.
func NewService(repo RepositoryPort, engine *Engine, queue SyncEnqueuer, cache *BalanceCache, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = NewEngine(metrics)
	}
	return &Service{
		repo:    repo,
		engine:  engine,
		queue:   queue,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// AllocatePayment runs one allocation pass for a tenant payment. Replaying an
// already-allocated payment id performs no further writes and returns the
// stored outcome.
func (s *Service) AllocatePayment(ctx context.Context, in AllocatePaymentInput) (AllocationSummary, error) {
	if err := validateInput(in); err != nil {
		s.observe("rejected")
		return AllocationSummary{PaymentID: in.PaymentID}, err
	}
	if in.BookingDate.IsZero() {
		in.BookingDate = s.clock()
	}
	if in.Actor == "" {
		in.Actor = shared.ActorFromContext(ctx)
	}

	var (
		out AllocationSummary
		job SyncJob
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxPort) error {
		inserted, err := tx.InsertPayment(ctx, Payment{
			ID:          in.PaymentID,
			TenantID:    in.TenantID,
			Amount:      in.Amount,
			BookingDate: in.BookingDate,
			Type:        in.Type,
			Reference:   in.Reference,
		})
		if err != nil {
			return err
		}
		if !inserted {
			replay, err := s.replaySummary(ctx, tx, in.PaymentID)
			if err != nil {
				return err
			}
			out = replay
			return nil
		}

		orgID, err := tx.OrganizationForTenant(ctx, in.TenantID)
		if err != nil {
			return err
		}

		applied, unapplied, err := s.engine.Run(ctx, tx, in, orgID)
		if err != nil {
			return err
		}

		if err := tx.RecordAudit(ctx, audit.Event{
			Actor:     in.Actor,
			Entity:    "payment",
			EntityID:  in.PaymentID,
			Operation: "allocated",
			New: map[string]any{
				"tenant_id": in.TenantID,
				"amount":    in.Amount,
				"applied":   applied,
				"unapplied": unapplied,
			},
		}); err != nil {
			return err
		}

		job = SyncJob{
			PaymentID: in.PaymentID,
			TenantID:  in.TenantID,
			Amount:    in.Amount,
			Applied:   applied,
			Unapplied: unapplied,
		}
		job.ID, err = tx.InsertSyncJob(ctx, job)
		if err != nil {
			return err
		}

		out = AllocationSummary{
			Success:   true,
			PaymentID: in.PaymentID,
			Applied:   applied,
			Unapplied: unapplied,
		}
		return nil
	})
	if err != nil {
		if db.IsSerializationFailure(err) {
			err = fmt.Errorf("allocation pass lost a concurrent commit race: %w", ErrRetryExhausted)
		}
		s.observe("failed")
		return AllocationSummary{PaymentID: in.PaymentID}, err
	}

	if out.Replayed {
		s.observe("replayed")
		return out, nil
	}
	s.afterCommit(ctx, in.TenantID, job)
	s.observe("allocated")
	return out, nil
}

// replaySummary reconstructs a committed pass from the stored payment and its
// allocation rows.
func (s *Service) replaySummary(ctx context.Context, tx TxPort, paymentID string) (AllocationSummary, error) {
	payment, err := tx.PaymentByID(ctx, paymentID)
	if err != nil {
		return AllocationSummary{}, err
	}
	applied, err := tx.AllocationTotal(ctx, paymentID)
	if err != nil {
		return AllocationSummary{}, err
	}
	return AllocationSummary{
		Success:   true,
		PaymentID: paymentID,
		Applied:   applied,
		Unapplied: round2(payment.Amount.Sub(applied)),
		Replayed:  true,
	}, nil
}

// afterCommit performs the post-transaction effects: cache invalidation and
// the fire-and-forget queue hand-off. Neither can fail the pass anymore.
func (s *Service) afterCommit(ctx context.Context, tenantID int64, job SyncJob) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, tenantID); err != nil {
			s.logger.Warn("invalidate balance cache", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		}
	}
	if s.queue != nil {
		if err := s.queue.EnqueueLedgerSync(ctx, job); err != nil {
			s.logger.Warn("enqueue ledger sync", slog.String("payment_id", job.PaymentID), slog.Any("error", err))
		}
	}
}

// TenantBalance returns the Soll/Ist/Saldo aggregate for a tenant, optionally
// restricted to one year (0 means all). Served from cache when available.
func (s *Service) TenantBalance(ctx context.Context, tenantID int64, year int) (Balance, error) {
	if tenantID <= 0 {
		return Balance{}, fmt.Errorf("%w: tenant id required", shared.ErrValidation)
	}
	if s.cache == nil {
		return s.repo.TenantBalance(ctx, tenantID, year)
	}
	return s.cache.Fetch(ctx, tenantID, year, func(ctx context.Context) (Balance, error) {
		return s.repo.TenantBalance(ctx, tenantID, year)
	})
}

// TenantAging buckets a tenant's outstanding dues by how far past the invoice
// period they are.
func (s *Service) TenantAging(ctx context.Context, tenantID int64, asOf time.Time) (AgingBuckets, error) {
	if tenantID <= 0 {
		return AgingBuckets{}, fmt.Errorf("%w: tenant id required", shared.ErrValidation)
	}
	if asOf.IsZero() {
		asOf = s.clock()
	}
	invoices, err := s.repo.OutstandingInvoices(ctx, tenantID)
	if err != nil {
		return AgingBuckets{}, err
	}
	buckets := AgingBuckets{
		Current:   decimal.Zero,
		Bucket30:  decimal.Zero,
		Bucket60:  decimal.Zero,
		Bucket90:  decimal.Zero,
		Bucket120: decimal.Zero,
	}
	for _, inv := range invoices {
		due := inv.Due()
		if !due.IsPositive() {
			continue
		}
		days := int(asOf.Sub(inv.dueDate()).Hours() / 24)
		switch {
		case days <= 0:
			buckets.Current = buckets.Current.Add(due)
		case days <= 30:
			buckets.Bucket30 = buckets.Bucket30.Add(due)
		case days <= 60:
			buckets.Bucket60 = buckets.Bucket60.Add(due)
		case days <= 90:
			buckets.Bucket90 = buckets.Bucket90.Add(due)
		default:
			buckets.Bucket120 = buckets.Bucket120.Add(due)
		}
	}
	return buckets, nil
}

func (s *Service) observe(result string) {
	if s.metrics != nil {
		s.metrics.ObserveAllocation(result)
	}
}

func validateInput(in AllocatePaymentInput) error {
	if _, err := uuid.Parse(in.PaymentID); err != nil {
		return fmt.Errorf("%w: payment id must be a UUID", shared.ErrValidation)
	}
	if in.TenantID <= 0 {
		return fmt.Errorf("%w: tenant id required", shared.ErrValidation)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", shared.ErrValidation)
	}
	if !in.Amount.Equal(round2(in.Amount)) {
		return fmt.Errorf("%w: amount must be rounded to cents", shared.ErrValidation)
	}
	return nil
}
