package payouts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-ledger/internal/ledger"
	"github.com/angelmondragon/packfinderz-ledger/pkg/auth"
	"github.com/angelmondragon/packfinderz-ledger/pkg/config"
	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-ledger/pkg/errors"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
	"github.com/angelmondragon/packfinderz-ledger/pkg/metrics"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox/payloads"
	"github.com/angelmondragon/packfinderz-ledger/pkg/pagination"
)

const (
	defaultMinimumAmountCents = 1000
	defaultMaxAttempts        = 3
	defaultRetryBaseDelay     = 10 * time.Millisecond
)

// Service runs the payout review workflow. Admin transitions require the
// approve_payouts capability.
type Service interface {
	RequestPayout(ctx context.Context, input RequestPayoutInput) (*Payout, error)
	Approve(ctx context.Context, input ApproveInput) (*Payout, error)
	MarkProcessing(ctx context.Context, input TransitionInput) (*Payout, error)
	Reject(ctx context.Context, input RejectInput) (*Payout, error)
	Complete(ctx context.Context, input CompleteInput) (*Payout, error)
	Get(ctx context.Context, id uuid.UUID) (*Payout, error)
	List(ctx context.Context, params ListParams) (*PayoutList, error)
	OpenAmountsByVendor(ctx context.Context) (map[uuid.UUID]int64, error)
	ExistingIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)
}

type ledgerMover interface {
	Reserve(ctx context.Context, input ledger.MovementInput) (*ledger.Result, error)
	Release(ctx context.Context, input ledger.MovementInput) (*ledger.Result, error)
	Settle(ctx context.Context, input ledger.MovementInput) (*ledger.Result, error)
}

// txLedger is a ledger whose writes can join a payout transaction.
type txLedger interface {
	WithTx(tx *gorm.DB) ledger.Service
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Options configures workflow limits.
type Options struct {
	MinimumAmountCents int64
	MaxAttempts        int
	RetryBaseDelay     time.Duration
	Metrics            *metrics.PayoutMetrics
	Logger             *logger.Logger
}

// OptionsFromConfig maps payout configuration into service options.
func OptionsFromConfig(cfg config.PayoutsConfig) Options {
	return Options{MinimumAmountCents: cfg.MinimumAmountCents, MaxAttempts: cfg.MaxAttempts, RetryBaseDelay: cfg.RetryBaseDelay}
}

type service struct {
	repo        Repository
	ledger      ledgerMover
	tx          txRunner
	outbox      outboxPublisher
	minimum     int64
	maxAttempts int
	baseDelay   time.Duration
	metrics     *metrics.PayoutMetrics
	logg        *logger.Logger
	now         func() time.Time
	newID       func() uuid.UUID
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewService wires the payout workflow.
func NewService(repo Repository, ledgerSvc ledgerMover, tx txRunner, outboxPublisher outboxPublisher, opts Options) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("payout repository required")
	}
	if ledgerSvc == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outboxPublisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if opts.MinimumAmountCents <= 0 {
		opts.MinimumAmountCents = defaultMinimumAmountCents
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = defaultRetryBaseDelay
	}
	return &service{
		repo:        repo,
		ledger:      ledgerSvc,
		tx:          tx,
		outbox:      outboxPublisher,
		minimum:     opts.MinimumAmountCents,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.RetryBaseDelay,
		metrics:     opts.Metrics,
		logg:        opts.Logger,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.New,
		sleep:       ledger.Sleep,
	}, nil
}

func (s *service) RequestPayout(ctx context.Context, input RequestPayoutInput) (*Payout, error) {
	payout, err := s.requestPayout(ctx, input)
	s.metrics.ObserveTransition("request", outcomeFor(err))
	return payout, err
}

func (s *service) requestPayout(ctx context.Context, input RequestPayoutInput) (*Payout, error) {
	if input.VendorID == uuid.Nil {
		return nil, invalidRequest("vendor id is required", nil)
	}
	if input.AmountCents < s.minimum {
		return nil, belowMinimum(input.AmountCents, s.minimum)
	}
	dest, err := normalizeDestination(input.Destination)
	if err != nil {
		return nil, err
	}

	id := s.newID()
	ctx = s.withIDs(ctx, input.VendorID, id)

	meta, err := json.Marshal(map[string]any{"payment_method": dest.Method})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode reservation metadata")
	}
	err = s.retryLedger(ctx, func() error {
		_, err := s.ledger.Reserve(ctx, ledger.MovementInput{
			VendorID:        input.VendorID,
			AmountCents:     input.AmountCents,
			IdempotencyKey:  ReserveKey(id),
			PayoutRequestID: &id,
			Metadata:        meta,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	request := &models.PayoutRequest{
		ID:            id,
		VendorID:      input.VendorID,
		AmountCents:   input.AmountCents,
		PaymentMethod: dest.Method,
		Destination:   dest,
		Status:        enums.PayoutStatusPending,
		RequestedAt:   now,
		Version:       1,
		UpdatedAt:     now,
	}
	if notes := strings.TrimSpace(input.Notes); notes != "" {
		request.Notes = &notes
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, request); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist payout request")
		}
		return s.outbox.Emit(ctx, tx, transitionEvent(*request, "", input.Actor, now))
	})
	if err != nil {
		s.releaseOrphan(ctx, request)
		return nil, err
	}

	if s.logg != nil {
		s.logg.Info(ctx, "payout.requested")
	}
	payout := payoutFromModel(*request)
	return &payout, nil
}

// releaseOrphan hands a reservation back when its request could not be
// persisted. Failures are left to the reconciliation job.
func (s *service) releaseOrphan(ctx context.Context, request *models.PayoutRequest) {
	ctx = context.WithoutCancel(ctx)
	_, err := s.ledger.Release(ctx, ledger.MovementInput{
		VendorID:        request.VendorID,
		AmountCents:     request.AmountCents,
		IdempotencyKey:  ResolveKey(request.ID),
		PayoutRequestID: &request.ID,
	})
	if err != nil && s.logg != nil {
		s.logg.Error(ctx, "payout.release_orphan_failed", err)
	}
}

func (s *service) Approve(ctx context.Context, input ApproveInput) (*Payout, error) {
	return s.transition(ctx, input.RequestID, input.Actor, transitionSpec{
		name:   "approve",
		target: enums.PayoutStatusApproved,
		notes:  input.Notes,
	})
}

func (s *service) MarkProcessing(ctx context.Context, input TransitionInput) (*Payout, error) {
	return s.transition(ctx, input.RequestID, input.Actor, transitionSpec{
		name:   "mark_processing",
		target: enums.PayoutStatusProcessing,
		notes:  input.Notes,
	})
}

func (s *service) Reject(ctx context.Context, input RejectInput) (*Payout, error) {
	reason := strings.TrimSpace(input.Reason)
	return s.transition(ctx, input.RequestID, input.Actor, transitionSpec{
		name:   "reject",
		target: enums.PayoutStatusRejected,
		precheck: func() error {
			if reason == "" {
				return missingReason()
			}
			return nil
		},
		ledgerStep: func(ctx context.Context, mover ledgerMover, current *models.PayoutRequest) error {
			_, err := mover.Release(ctx, resolveMovement(current))
			return err
		},
		apply: func(change *statusChange) {
			change.RejectionReason = &reason
		},
	})
}

func (s *service) Complete(ctx context.Context, input CompleteInput) (*Payout, error) {
	reference := strings.TrimSpace(input.TransactionReference)
	return s.transition(ctx, input.RequestID, input.Actor, transitionSpec{
		name:   "complete",
		target: enums.PayoutStatusCompleted,
		notes:  input.Notes,
		precheck: func() error {
			if reference == "" {
				return missingReference()
			}
			return nil
		},
		ledgerStep: func(ctx context.Context, mover ledgerMover, current *models.PayoutRequest) error {
			_, err := mover.Settle(ctx, resolveMovement(current))
			return err
		},
		apply: func(change *statusChange) {
			change.TransactionReference = &reference
		},
	})
}

type transitionSpec struct {
	name       string
	target     enums.PayoutStatus
	notes      string
	precheck   func() error
	ledgerStep func(ctx context.Context, mover ledgerMover, current *models.PayoutRequest) error
	apply      func(change *statusChange)
}

// transition locks the request, checks the move is legal, runs the ledger
// step, and only then writes the new status with its outbox event. All of it
// shares one transaction and one pooled connection.
func (s *service) transition(ctx context.Context, id uuid.UUID, actor auth.Actor, spec transitionSpec) (*Payout, error) {
	payout, err := s.runTransition(ctx, id, actor, spec)
	s.metrics.ObserveTransition(spec.name, outcomeFor(err))
	return payout, err
}

func (s *service) runTransition(ctx context.Context, id uuid.UUID, actor auth.Actor, spec transitionSpec) (*Payout, error) {
	if !actor.Can(enums.CapabilityApprovePayouts) {
		return nil, forbidden()
	}
	if id == uuid.Nil {
		return nil, notFound()
	}
	if spec.precheck != nil {
		if err := spec.precheck(); err != nil {
			return nil, err
		}
	}
	if s.logg != nil {
		ctx = s.logg.WithPayoutID(ctx, id.String())
		ctx = s.logg.WithField(ctx, logger.FieldUserID, actor.UserID.String())
	}

	var updated *models.PayoutRequest
	err := s.retryLedger(ctx, func() error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			current, err := repo.FindByIDForUpdate(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return notFound()
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payout request")
			}
			if !current.Status.CanTransitionTo(spec.target) {
				return invalidTransition(current.Status, spec.target)
			}

			if spec.ledgerStep != nil {
				if err := spec.ledgerStep(ctx, s.ledgerIn(tx), current); err != nil {
					if errors.Is(err, ledger.ErrIdempotencyConflict) {
						return alreadyResolved(spec.target)
					}
					return err
				}
			}

			now := s.now()
			change := statusChange{Status: spec.target}
			if current.ProcessedAt == nil {
				change.ProcessedAt = &now
				change.ProcessedBy = &actor.UserID
			}
			if notes := strings.TrimSpace(spec.notes); notes != "" {
				change.Notes = &notes
			}
			if spec.apply != nil {
				spec.apply(&change)
			}

			next, err := repo.UpdateStatus(ctx, current, change)
			if err != nil {
				if errors.Is(err, errStaleRequest) {
					return pkgerrors.Wrap(pkgerrors.CodeConcurrentModification, ledger.ErrConcurrentModification,
						"payout request modified concurrently")
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payout status")
			}
			if err := s.outbox.Emit(ctx, tx, transitionEvent(*next, current.Status, actor, now)); err != nil {
				return err
			}
			updated = next
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		s.logg.Info(ctx, "payout."+spec.name)
	}
	payout := payoutFromModel(*updated)
	return &payout, nil
}

// ledgerIn returns the ledger bound to tx when it supports transactions.
func (s *service) ledgerIn(tx *gorm.DB) ledgerMover {
	if scoped, ok := s.ledger.(txLedger); ok && tx != nil {
		return scoped.WithTx(tx)
	}
	return s.ledger
}

// retryLedger reruns fn while the ledger or the request row keeps losing
// optimistic races, backing off between attempts.
func (s *service) retryLedger(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ledger.ErrConcurrentModification) {
			return err
		}
		if attempt == s.maxAttempts {
			break
		}
		if s.logg != nil {
			s.logg.Warn(ctx, fmt.Sprintf("payout workflow retrying after concurrent modification (attempt %d)", attempt))
		}
		if sleepErr := s.sleep(ctx, ledger.Backoff(s.baseDelay, attempt)); sleepErr != nil {
			return err
		}
	}
	return err
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*Payout, error) {
	if id == uuid.Nil {
		return nil, notFound()
	}
	request, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound()
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payout request")
	}
	payout := payoutFromModel(*request)
	return &payout, nil
}

func (s *service) List(ctx context.Context, params ListParams) (*PayoutList, error) {
	if params.Status != "" && !params.Status.IsValid() {
		return nil, invalidRequest("unknown payout status", map[string]any{"status": params.Status})
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, next, err := s.repo.List(ctx, listQuery{
		VendorID: params.VendorID,
		Status:   params.Status,
		Limit:    params.Limit,
		Cursor:   cursor,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payout requests")
	}
	out := &PayoutList{Items: make([]Payout, 0, len(rows))}
	for _, row := range rows {
		out.Items = append(out.Items, payoutFromModel(row))
	}
	if next != nil {
		out.Cursor = pagination.EncodeCursor(*next)
	}
	return out, nil
}

func (s *service) OpenAmountsByVendor(ctx context.Context) (map[uuid.UUID]int64, error) {
	totals, err := s.repo.SumOpenByVendor(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum open payout requests")
	}
	return totals, nil
}

func (s *service) ExistingIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	found, err := s.repo.ExistingIDs(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup payout requests")
	}
	return found, nil
}

func (s *service) withIDs(ctx context.Context, vendorID, payoutID uuid.UUID) context.Context {
	if s.logg == nil {
		return ctx
	}
	ctx = s.logg.WithVendorID(ctx, vendorID.String())
	return s.logg.WithPayoutID(ctx, payoutID.String())
}

func resolveMovement(current *models.PayoutRequest) ledger.MovementInput {
	id := current.ID
	return ledger.MovementInput{
		VendorID:        current.VendorID,
		AmountCents:     current.AmountCents,
		IdempotencyKey:  ResolveKey(id),
		PayoutRequestID: &id,
	}
}

func transitionEvent(request models.PayoutRequest, previous enums.PayoutStatus, actor auth.Actor, at time.Time) outbox.DomainEvent {
	data := payloads.PayoutTransitionEvent{
		PayoutRequestID: request.ID,
		VendorID:        request.VendorID,
		AmountCents:     request.AmountCents,
		PaymentMethod:   request.PaymentMethod,
		Status:          request.Status,
		PreviousStatus:  previous,
		ProcessedBy:     request.ProcessedBy,
		Version:         request.Version,
	}
	if request.TransactionReference != nil {
		data.TransactionReference = *request.TransactionReference
	}
	if request.RejectionReason != nil {
		data.RejectionReason = *request.RejectionReason
	}

	eventType, _ := enums.PayoutEventFor(request.Status)
	event := outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregatePayoutRequest,
		AggregateID:   request.ID,
		Data:          data,
		Version:       1,
		OccurredAt:    at,
	}
	if actor.Role != "" {
		event.Actor = &outbox.ActorRef{
			UserID:   actor.UserID,
			VendorID: actor.VendorID,
			Role:     actor.Role.String(),
		}
	}
	return event
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrMissingReason), errors.Is(err, ErrMissingReference):
		return "invalid"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrConcurrentModification):
		return "concurrent_modification"
	}
	return "error"
}
