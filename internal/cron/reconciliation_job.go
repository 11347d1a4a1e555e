package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-ledger/internal/ledger"
	"github.com/angelmondragon/packfinderz-ledger/internal/payouts"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
	"github.com/angelmondragon/packfinderz-ledger/pkg/metrics"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox/payloads"
	"github.com/angelmondragon/packfinderz-ledger/pkg/pagination"
)

const (
	defaultOrphanGrace    = 30 * time.Minute
	defaultReconcileBatch = 200
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type reconcileLedger interface {
	ListOpenReservations(ctx context.Context, olderThan time.Time, after *pagination.Cursor, limit int) ([]ledger.Entry, error)
	ListBalances(ctx context.Context, afterVendorID uuid.UUID, limit int) ([]ledger.Balance, error)
	Release(ctx context.Context, input ledger.MovementInput) (*ledger.Result, error)
}

type reconcilePayouts interface {
	ExistingIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)
	OpenAmountsByVendor(ctx context.Context) (map[uuid.UUID]int64, error)
}

type outboxEmitter interface {
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// ReconciliationJobParams configure the ledger reconciliation job.
type ReconciliationJobParams struct {
	Logger      *logger.Logger
	DB          txRunner
	Ledger      reconcileLedger
	Payouts     reconcilePayouts
	Outbox      outboxEmitter
	Metrics     *metrics.ReconciliationMetrics
	OrphanGrace time.Duration
	BatchSize   int
}

// NewReconciliationJob builds the job that releases orphaned payout
// reservations and reports reserved-balance drift.
func NewReconciliationJob(params ReconciliationJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.Payouts == nil {
		return nil, fmt.Errorf("payout service required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	grace := params.OrphanGrace
	if grace <= 0 {
		grace = defaultOrphanGrace
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultReconcileBatch
	}
	return &reconciliationJob{
		logg:    params.Logger,
		db:      params.DB,
		ledger:  params.Ledger,
		payouts: params.Payouts,
		outbox:  params.Outbox,
		metrics: params.Metrics,
		grace:   grace,
		batch:   batch,
		now:     time.Now,
	}, nil
}

type reconciliationJob struct {
	logg    *logger.Logger
	db      txRunner
	ledger  reconcileLedger
	payouts reconcilePayouts
	outbox  outboxEmitter
	metrics *metrics.ReconciliationMetrics
	grace   time.Duration
	batch   int
	now     func() time.Time
}

func (j *reconciliationJob) Name() string { return "ledger-reconciliation" }

// Run releases orphans first so the drift check sees the corrected balances.
func (j *reconciliationJob) Run(ctx context.Context) error {
	var errs []error
	if err := j.releaseOrphans(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := j.checkReservedDrift(ctx); err != nil {
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}

// releaseOrphans walks every open reservation past the grace period. Open
// reservations backing a live request are skipped, and the walk continues
// past them, so a long review queue cannot hide orphans behind it.
func (j *reconciliationJob) releaseOrphans(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.grace)

	var errs []error
	open, released := 0, 0
	var after *pagination.Cursor
	for {
		reservations, err := j.ledger.ListOpenReservations(ctx, cutoff, after, j.batch)
		if err != nil {
			errs = append(errs, fmt.Errorf("list open reservations: %w", err))
			break
		}
		if len(reservations) == 0 {
			break
		}
		open += len(reservations)

		ids := make([]uuid.UUID, 0, len(reservations))
		for _, entry := range reservations {
			ids = append(ids, *entry.PayoutRequestID)
		}
		existing, err := j.payouts.ExistingIDs(ctx, ids)
		if err != nil {
			errs = append(errs, fmt.Errorf("lookup payout requests: %w", err))
			break
		}

		for _, entry := range reservations {
			payoutID := *entry.PayoutRequestID
			if existing[payoutID] {
				continue
			}
			if err := j.releaseOrphan(ctx, entry); err != nil {
				errs = append(errs, fmt.Errorf("release orphan %s: %w", payoutID, err))
				continue
			}
			released++
		}

		if len(reservations) < j.batch || ctx.Err() != nil {
			break
		}
		last := reservations[len(reservations)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":            cutoff,
		"open_reservations": open,
		"orphans_released":  released,
	})
	j.logg.Info(logCtx, "orphaned reservation sweep complete")
	return multierr.Combine(errs...)
}

func (j *reconciliationJob) releaseOrphan(ctx context.Context, entry ledger.Entry) error {
	payoutID := *entry.PayoutRequestID
	metadata, err := json.Marshal(map[string]string{"reason": "orphaned_reservation"})
	if err != nil {
		return err
	}
	result, err := j.ledger.Release(ctx, ledger.MovementInput{
		VendorID:        entry.VendorID,
		AmountCents:     entry.AmountCents,
		IdempotencyKey:  payouts.ResolveKey(payoutID),
		PayoutRequestID: &payoutID,
		Metadata:        metadata,
	})
	if err != nil {
		return err
	}

	err = j.db.WithTx(ctx, func(tx *gorm.DB) error {
		return j.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventReservationFreed,
			AggregateType: enums.AggregatePayoutRequest,
			AggregateID:   payoutID,
			Data: payloads.ReservationReleasedEvent{
				VendorID:        entry.VendorID,
				PayoutRequestID: payoutID,
				AmountCents:     entry.AmountCents,
				ReservedAt:      entry.CreatedAt,
			},
		})
	})
	if err != nil {
		return fmt.Errorf("queue reservation_released: %w", err)
	}

	if !result.Duplicate {
		j.metrics.IncOrphanReleased()
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"vendor_id":         entry.VendorID.String(),
		"payout_request_id": payoutID.String(),
		"amount_cents":      entry.AmountCents,
	})
	j.logg.Warn(logCtx, "released orphaned payout reservation")
	return nil
}

// checkReservedDrift compares each vendor's reserved balance with the sum of
// their open payout requests. Drift is reported, never corrected.
func (j *reconciliationJob) checkReservedDrift(ctx context.Context) error {
	open, err := j.payouts.OpenAmountsByVendor(ctx)
	if err != nil {
		return fmt.Errorf("sum open payouts: %w", err)
	}

	drifted := 0
	seen := make(map[uuid.UUID]bool, len(open))
	after := uuid.Nil
	for {
		balances, err := j.ledger.ListBalances(ctx, after, j.batch)
		if err != nil {
			return fmt.Errorf("list balances: %w", err)
		}
		for _, balance := range balances {
			seen[balance.VendorID] = true
			expected := open[balance.VendorID]
			if balance.ReservedCents == expected {
				continue
			}
			drifted++
			j.reportDrift(ctx, balance.VendorID, balance.ReservedCents, expected)
		}
		if len(balances) < j.batch {
			break
		}
		after = balances[len(balances)-1].VendorID
	}

	for vendorID, expected := range open {
		if seen[vendorID] || expected == 0 {
			continue
		}
		drifted++
		j.reportDrift(ctx, vendorID, 0, expected)
	}

	j.metrics.SetDriftVendors(drifted)
	j.logg.Info(j.logg.WithField(ctx, "drifted_vendors", drifted), "reserved balance check complete")
	return nil
}

func (j *reconciliationJob) reportDrift(ctx context.Context, vendorID uuid.UUID, reserved, expected int64) {
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"vendor_id":      vendorID.String(),
		"reserved_cents": reserved,
		"open_cents":     expected,
		"drift_cents":    reserved - expected,
	})
	j.logg.Warn(logCtx, "reserved balance drift")
}
