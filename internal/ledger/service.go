package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-ledger/pkg/config"
	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-ledger/pkg/errors"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
	"github.com/angelmondragon/packfinderz-ledger/pkg/metrics"
	"github.com/angelmondragon/packfinderz-ledger/pkg/pagination"
)

const (
	defaultMaxAttempts    = 5
	defaultRetryBaseDelay = 5 * time.Millisecond
)

// Service is the only writer of vendor balances.
type Service interface {
	WithTx(tx *gorm.DB) Service
	Credit(ctx context.Context, input MovementInput) (*Result, error)
	Reserve(ctx context.Context, input MovementInput) (*Result, error)
	Release(ctx context.Context, input MovementInput) (*Result, error)
	Settle(ctx context.Context, input MovementInput) (*Result, error)
	Hold(ctx context.Context, input MovementInput) (*Result, error)
	Finalize(ctx context.Context, input MovementInput) (*Result, error)
	Void(ctx context.Context, input MovementInput) (*Result, error)
	GetBalance(ctx context.Context, vendorID uuid.UUID) (*Balance, error)
	FindEntry(ctx context.Context, vendorID uuid.UUID, key string) (*Entry, error)
	ListEntries(ctx context.Context, params ListEntriesParams) (*EntryList, error)
	ListBalances(ctx context.Context, afterVendorID uuid.UUID, limit int) ([]Balance, error)
	ListOpenReservations(ctx context.Context, olderThan time.Time, after *pagination.Cursor, limit int) ([]Entry, error)
}

// MovementInput describes one balance mutation. IdempotencyKey is required for
// credit, hold, finalize and void and optional for the payout movements.
type MovementInput struct {
	VendorID        uuid.UUID       `json:"vendor_id"`
	AmountCents     int64           `json:"amount_cents"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	PayoutRequestID *uuid.UUID      `json:"payout_request_id,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// Result reports the balance after the call. Duplicate is true when the
// idempotency key had already been applied and nothing changed.
type Result struct {
	Balance   Balance   `json:"balance"`
	EntryID   uuid.UUID `json:"entry_id"`
	Duplicate bool      `json:"duplicate"`
}

// Entry is the read view of a journal row.
type Entry struct {
	ID              uuid.UUID             `json:"id"`
	VendorID        uuid.UUID             `json:"vendor_id"`
	Type            enums.LedgerEntryType `json:"type"`
	AmountCents     int64                 `json:"amount_cents"`
	IdempotencyKey  *string               `json:"idempotency_key,omitempty"`
	PayoutRequestID *uuid.UUID            `json:"payout_request_id,omitempty"`
	BalanceVersion  int64                 `json:"balance_version"`
	Metadata        json.RawMessage       `json:"metadata,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
}

// ListEntriesParams configures journal pagination for one vendor.
type ListEntriesParams struct {
	VendorID uuid.UUID
	Type     enums.LedgerEntryType
	pagination.Params
}

// EntryList wraps a page of journal entries and the cursor for the next page.
type EntryList struct {
	Items  []Entry `json:"items"`
	Cursor string  `json:"cursor"`
}

// Options tunes the optimistic retry loop.
type Options struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
	Metrics        *metrics.LedgerMetrics
	Logger         *logger.Logger
}

// OptionsFromConfig maps ledger configuration into service options.
func OptionsFromConfig(cfg config.LedgerConfig) Options {
	return Options{MaxAttempts: cfg.MaxAttempts, RetryBaseDelay: cfg.RetryBaseDelay}
}

type service struct {
	repo        Repository
	maxAttempts int
	baseDelay   time.Duration
	metrics     *metrics.LedgerMetrics
	logg        *logger.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository, opts Options) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = defaultRetryBaseDelay
	}
	return &service{
		repo:        repo,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.RetryBaseDelay,
		metrics:     opts.Metrics,
		logg:        opts.Logger,
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       Sleep,
	}, nil
}

// WithTx returns a service whose balance writes join tx, so they commit or
// roll back with the caller's own rows.
func (s *service) WithTx(tx *gorm.DB) Service {
	if tx == nil {
		return s
	}
	scoped := *s
	scoped.repo = s.repo.WithTx(tx)
	return &scoped
}

func (s *service) Credit(ctx context.Context, input MovementInput) (*Result, error) {
	return s.apply(ctx, enums.LedgerEntryTypeCredit, input)
}

func (s *service) Reserve(ctx context.Context, input MovementInput) (*Result, error) {
	return s.apply(ctx, enums.LedgerEntryTypeReserve, input)
}

func (s *service) Release(ctx context.Context, input MovementInput) (*Result, error) {
	return s.apply(ctx, enums.LedgerEntryTypeRelease, input)
}

func (s *service) Settle(ctx context.Context, input MovementInput) (*Result, error) {
	return s.apply(ctx, enums.LedgerEntryTypeSettle, input)
}

func (s *service) Hold(ctx context.Context, input MovementInput) (*Result, error) {
	return s.apply(ctx, enums.LedgerEntryTypeHold, input)
}

func (s *service) Finalize(ctx context.Context, input MovementInput) (*Result, error) {
	return s.apply(ctx, enums.LedgerEntryTypeFinalize, input)
}

func (s *service) Void(ctx context.Context, input MovementInput) (*Result, error) {
	return s.apply(ctx, enums.LedgerEntryTypeVoid, input)
}

func (s *service) GetBalance(ctx context.Context, vendorID uuid.UUID) (*Balance, error) {
	if vendorID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vendor id is required")
	}
	record, err := s.repo.FindBalance(ctx, vendorID)
	if err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			return nil, balanceNotFound()
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load vendor balance")
	}
	view := BalanceFromModel(*record)
	return &view, nil
}

// FindEntry returns the journal entry recorded under key, or nil when the key
// was never applied.
func (s *service) FindEntry(ctx context.Context, vendorID uuid.UUID, key string) (*Entry, error) {
	key = strings.TrimSpace(key)
	if vendorID == uuid.Nil || key == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vendor id and idempotency key are required")
	}
	row, err := s.repo.FindEntryByKey(ctx, vendorID, key)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup ledger entry")
	}
	if row == nil {
		return nil, nil
	}
	entry := entryFromModel(*row)
	return &entry, nil
}

func (s *service) ListEntries(ctx context.Context, params ListEntriesParams) (*EntryList, error) {
	if params.VendorID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vendor id is required")
	}
	if params.Type != "" && !params.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid entry type %q", params.Type))
	}
	query := listEntriesParams{VendorID: params.VendorID, Limit: params.Limit, Type: params.Type}
	if params.Cursor != "" {
		cursor, err := pagination.ParseCursor(params.Cursor)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
		}
		query.Cursor = cursor
	}

	rows, next, err := s.repo.ListEntries(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ledger entries")
	}

	items := make([]Entry, len(rows))
	for i, row := range rows {
		items[i] = entryFromModel(row)
	}
	cursor := ""
	if next != nil {
		cursor = pagination.EncodeCursor(*next)
	}
	return &EntryList{Items: items, Cursor: cursor}, nil
}

func (s *service) ListBalances(ctx context.Context, afterVendorID uuid.UUID, limit int) ([]Balance, error) {
	rows, err := s.repo.ListBalances(ctx, afterVendorID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list vendor balances")
	}
	out := make([]Balance, len(rows))
	for i, row := range rows {
		out[i] = BalanceFromModel(row)
	}
	return out, nil
}

// ListOpenReservations pages through unresolved reservations oldest first.
// Pass the cursor of the last entry seen to continue.
func (s *service) ListOpenReservations(ctx context.Context, olderThan time.Time, after *pagination.Cursor, limit int) ([]Entry, error) {
	rows, err := s.repo.ListOpenReservations(ctx, olderThan, after, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list open reservations")
	}
	out := make([]Entry, len(rows))
	for i, row := range rows {
		out[i] = entryFromModel(row)
	}
	return out, nil
}

func (s *service) apply(ctx context.Context, op enums.LedgerEntryType, input MovementInput) (*Result, error) {
	input.IdempotencyKey = strings.TrimSpace(input.IdempotencyKey)
	if err := validateMovement(op, input); err != nil {
		s.metrics.ObserveOperation(op.String(), "rejected")
		return nil, err
	}

	if s.logg != nil {
		ctx = s.logg.WithFields(ctx, map[string]any{
			"vendor_id":       input.VendorID.String(),
			"ledger_op":       op.String(),
			"amount_cents":    input.AmountCents,
			"idempotency_key": input.IdempotencyKey,
		})
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		result, err := s.applyOnce(ctx, op, input)
		if err == nil {
			outcome := "applied"
			if result.Duplicate {
				outcome = "duplicate"
			}
			s.metrics.ObserveOperation(op.String(), outcome)
			s.logResult(ctx, op, result, attempt)
			return result, nil
		}
		if !errors.Is(err, ErrStaleVersion) {
			s.metrics.ObserveOperation(op.String(), outcomeFor(err))
			return nil, err
		}

		s.metrics.IncConflict(op.String())
		if attempt == s.maxAttempts {
			break
		}
		if err := s.sleep(ctx, Backoff(s.baseDelay, attempt)); err != nil {
			s.metrics.ObserveOperation(op.String(), "canceled")
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ledger retry interrupted")
		}
	}

	s.metrics.ObserveOperation(op.String(), "concurrent_modification")
	if s.logg != nil {
		s.logg.Warn(ctx, fmt.Sprintf("ledger.%s gave up after %d attempts", op, s.maxAttempts))
	}
	return nil, concurrentModification(s.maxAttempts)
}

// applyOnce performs a single read, compute, conditional-write cycle.
func (s *service) applyOnce(ctx context.Context, op enums.LedgerEntryType, input MovementInput) (*Result, error) {
	if input.IdempotencyKey != "" {
		existing, err := s.repo.FindEntryByKey(ctx, input.VendorID, input.IdempotencyKey)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup idempotency key")
		}
		if existing != nil {
			return s.duplicateResult(ctx, op, input, existing)
		}
	}

	create := false
	current, err := s.repo.FindBalance(ctx, input.VendorID)
	switch {
	case errors.Is(err, ErrBalanceNotFound):
		if !createsBalance(op) {
			return nil, balanceNotFound()
		}
		create = true
		current = &models.VendorBalance{VendorID: input.VendorID}
	case err != nil:
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load vendor balance")
	}

	next, err := applyMovement(op, *current, input.AmountCents)
	if err != nil {
		return nil, err
	}
	next.Version = current.Version + 1

	entry := &models.LedgerEntry{
		ID:              uuid.New(),
		VendorID:        input.VendorID,
		Type:            op,
		AmountCents:     input.AmountCents,
		PayoutRequestID: input.PayoutRequestID,
		BalanceVersion:  next.Version,
		Metadata:        input.Metadata,
		CreatedAt:       s.now(),
	}
	if input.IdempotencyKey != "" {
		key := input.IdempotencyKey
		entry.IdempotencyKey = &key
	}

	if create {
		err = s.repo.InsertBalance(ctx, &next, entry)
	} else {
		err = s.repo.UpdateBalance(ctx, &next, current.Version, entry)
	}
	switch {
	case err == nil:
		return &Result{Balance: BalanceFromModel(next), EntryID: entry.ID}, nil
	case errors.Is(err, ErrStaleVersion):
		return nil, err
	case errors.Is(err, ErrDuplicateOperation):
		existing, lookupErr := s.repo.FindEntryByKey(ctx, input.VendorID, input.IdempotencyKey)
		if lookupErr != nil || existing == nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve concurrent duplicate")
		}
		return s.duplicateResult(ctx, op, input, existing)
	default:
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist vendor balance")
	}
}

func (s *service) duplicateResult(ctx context.Context, op enums.LedgerEntryType, input MovementInput, existing *models.LedgerEntry) (*Result, error) {
	if existing.Type != op || existing.AmountCents != input.AmountCents {
		return nil, idempotencyConflict(input.IdempotencyKey)
	}
	current, err := s.repo.FindBalance(ctx, input.VendorID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load vendor balance")
	}
	return &Result{Balance: BalanceFromModel(*current), EntryID: existing.ID, Duplicate: true}, nil
}

func validateMovement(op enums.LedgerEntryType, input MovementInput) error {
	if input.VendorID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "vendor id is required")
	}
	if input.AmountCents <= 0 {
		return invalidAmount(input.AmountCents)
	}
	if requiresKey(op) && input.IdempotencyKey == "" {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, ErrIdempotencyKeyRequired, fmt.Sprintf("%s requires an idempotency key", op))
	}
	return nil
}

// Backoff is the jittered delay before retry number attempt after a lost
// version race. It doubles from base.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base << (attempt - 1)
	jitter := time.Duration(rand.Int64N(int64(base)))
	return delay + jitter
}

func (s *service) logResult(ctx context.Context, op enums.LedgerEntryType, result *Result, attempt int) {
	if s.logg == nil {
		return
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"balance_version": result.Balance.Version,
		"attempt":         attempt,
		"duplicate":       result.Duplicate,
	})
	s.logg.Info(ctx, "ledger."+op.String())
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientReserve), errors.Is(err, ErrInsufficientPending):
		return "insufficient_reserve"
	case errors.Is(err, ErrIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, ErrBalanceNotFound):
		return "not_found"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	}
	return "error"
}

func entryFromModel(m models.LedgerEntry) Entry {
	return Entry{
		ID:              m.ID,
		VendorID:        m.VendorID,
		Type:            m.Type,
		AmountCents:     m.AmountCents,
		IdempotencyKey:  m.IdempotencyKey,
		PayoutRequestID: m.PayoutRequestID,
		BalanceVersion:  m.BalanceVersion,
		Metadata:        m.Metadata,
		CreatedAt:       m.CreatedAt,
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
