package payouts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-ledger/internal/ledger"
	"github.com/angelmondragon/packfinderz-ledger/pkg/auth"
	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-ledger/pkg/errors"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox"
	"github.com/angelmondragon/packfinderz-ledger/pkg/pagination"
)

type memRepo struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]models.PayoutRequest
	createErr error
	updateErr error
}

func newMemRepo() *memRepo {
	return &memRepo{rows: map[uuid.UUID]models.PayoutRequest{}}
}

func (r *memRepo) WithTx(*gorm.DB) Repository { return r }

func (r *memRepo) Create(_ context.Context, request *models.PayoutRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.rows[request.ID]; ok {
		return errors.New("duplicate payout id")
	}
	r.rows[request.ID] = *request
	return nil
}

func (r *memRepo) FindByID(_ context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &row, nil
}

func (r *memRepo) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	return r.FindByID(ctx, id)
}

func (r *memRepo) UpdateStatus(_ context.Context, current *models.PayoutRequest, change statusChange) (*models.PayoutRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		err := r.updateErr
		r.updateErr = nil
		return nil, err
	}
	stored, ok := r.rows[current.ID]
	if !ok || stored.Version != current.Version || stored.Status != current.Status {
		return nil, errStaleRequest
	}
	next := applyChange(stored, change, time.Now().UTC())
	r.rows[current.ID] = next
	return &next, nil
}

func (r *memRepo) List(_ context.Context, query listQuery) ([]models.PayoutRequest, *pagination.Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PayoutRequest
	for _, row := range r.rows {
		if query.VendorID != nil && row.VendorID != *query.VendorID {
			continue
		}
		if query.Status != "" && row.Status != query.Status {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return out, nil, nil
}

func (r *memRepo) SumOpenByVendor(context.Context) (map[uuid.UUID]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[uuid.UUID]int64{}
	for _, row := range r.rows {
		if row.Status.HoldsReservation() {
			out[row.VendorID] += row.AmountCents
		}
	}
	return out, nil
}

func (r *memRepo) ExistingIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[uuid.UUID]bool{}
	for _, id := range ids {
		if _, ok := r.rows[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (r *memRepo) get(t *testing.T, id uuid.UUID) models.PayoutRequest {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		t.Fatalf("payout %s not stored", id)
	}
	return row
}

type ledgerCall struct {
	op     string
	amount int64
}

// fakeLedger keeps a single-vendor balance with keyed idempotency.
type fakeLedger struct {
	mu        sync.Mutex
	available int64
	reserved  int64
	withdrawn int64
	keys      map[string]ledgerCall
	calls     []string
	// conflicts makes the next N calls fail with a concurrent modification.
	conflicts int
}

func newFakeLedger(available int64) *fakeLedger {
	return &fakeLedger{available: available, keys: map[string]ledgerCall{}}
}

func (f *fakeLedger) Reserve(_ context.Context, in ledger.MovementInput) (*ledger.Result, error) {
	return f.move("reserve", in)
}

func (f *fakeLedger) Release(_ context.Context, in ledger.MovementInput) (*ledger.Result, error) {
	return f.move("release", in)
}

func (f *fakeLedger) Settle(_ context.Context, in ledger.MovementInput) (*ledger.Result, error) {
	return f.move("settle", in)
}

func (f *fakeLedger) move(op string, in ledger.MovementInput) (*ledger.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if f.conflicts > 0 {
		f.conflicts--
		return nil, pkgerrors.Wrap(pkgerrors.CodeConcurrentModification, ledger.ErrConcurrentModification, "lost race")
	}
	if prev, ok := f.keys[in.IdempotencyKey]; ok {
		if prev.op != op || prev.amount != in.AmountCents {
			return nil, ledger.ErrIdempotencyConflict
		}
		return &ledger.Result{Duplicate: true}, nil
	}
	switch op {
	case "reserve":
		if f.available < in.AmountCents {
			return nil, ledger.ErrInsufficientFunds
		}
		f.available -= in.AmountCents
		f.reserved += in.AmountCents
	case "release":
		if f.reserved < in.AmountCents {
			return nil, ledger.ErrInsufficientReserve
		}
		f.reserved -= in.AmountCents
		f.available += in.AmountCents
	case "settle":
		if f.reserved < in.AmountCents {
			return nil, ledger.ErrInsufficientReserve
		}
		f.reserved -= in.AmountCents
		f.withdrawn += in.AmountCents
	}
	f.keys[in.IdempotencyKey] = ledgerCall{op: op, amount: in.AmountCents}
	return &ledger.Result{}, nil
}

func (f *fakeLedger) snapshot() (available, reserved, withdrawn int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available, f.reserved, f.withdrawn
}

// lockingTx serializes transactions the way the row lock does in Postgres.
type lockingTx struct {
	mu sync.Mutex
}

func (l *lockingTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(nil)
}

type passthroughTx struct{}

func (passthroughTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type recordingOutbox struct {
	mu     sync.Mutex
	events []outbox.DomainEvent
}

func (o *recordingOutbox) Emit(_ context.Context, _ *gorm.DB, event outbox.DomainEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return nil
}

func (o *recordingOutbox) types() []enums.OutboxEventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]enums.OutboxEventType, len(o.events))
	for i, ev := range o.events {
		out[i] = ev.EventType
	}
	return out
}

type harness struct {
	svc    Service
	repo   *memRepo
	ledger *fakeLedger
	outbox *recordingOutbox
	vendor uuid.UUID
	admin  auth.Actor
}

func newHarness(t *testing.T, available int64, tx txRunner) *harness {
	t.Helper()
	h := &harness{
		repo:   newMemRepo(),
		ledger: newFakeLedger(available),
		outbox: &recordingOutbox{},
		vendor: uuid.New(),
		admin: auth.Actor{
			UserID:       uuid.New(),
			Role:         enums.ActorRoleAdmin,
			Capabilities: []enums.Capability{enums.CapabilityApprovePayouts},
		},
	}
	if tx == nil {
		tx = &lockingTx{}
	}
	svc, err := NewService(h.repo, h.ledger, tx, h.outbox, Options{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h.svc = svc
	return h
}

func bankDestination() models.PaymentDestination {
	return models.PaymentDestination{
		Method: enums.PaymentMethodBankTransfer,
		BankTransfer: &models.BankTransferDestination{
			AccountName:   "Green Leaf LLC",
			AccountNumber: "000123456789",
			BankName:      "First Cannabis Credit Union",
		},
	}
}

func (h *harness) request(t *testing.T, amount int64) *Payout {
	t.Helper()
	payout, err := h.svc.RequestPayout(context.Background(), RequestPayoutInput{
		VendorID:    h.vendor,
		AmountCents: amount,
		Destination: bankDestination(),
	})
	if err != nil {
		t.Fatalf("request payout: %v", err)
	}
	return payout
}

func (h *harness) assertLedger(t *testing.T, available, reserved, withdrawn int64) {
	t.Helper()
	a, r, w := h.ledger.snapshot()
	if a != available || r != reserved || w != withdrawn {
		t.Fatalf("ledger mismatch: got available=%d reserved=%d withdrawn=%d, want %d/%d/%d", a, r, w, available, reserved, withdrawn)
	}
}

func TestRequestPayoutReservesFunds(t *testing.T) {
	h := newHarness(t, 10000, nil)

	payout := h.request(t, 6000)

	if payout.Status != enums.PayoutStatusPending {
		t.Fatalf("expected pending, got %s", payout.Status)
	}
	if payout.Amount != "60.00" {
		t.Fatalf("expected formatted amount 60.00, got %s", payout.Amount)
	}
	h.assertLedger(t, 4000, 6000, 0)
	if _, ok := h.ledger.keys[ReserveKey(payout.ID)]; !ok {
		t.Fatalf("expected reservation keyed by %s", ReserveKey(payout.ID))
	}
	stored := h.repo.get(t, payout.ID)
	if stored.Version != 1 || stored.PaymentMethod != enums.PaymentMethodBankTransfer {
		t.Fatalf("unexpected stored request %+v", stored)
	}
	if got := h.outbox.types(); len(got) != 1 || got[0] != enums.EventPayoutRequested {
		t.Fatalf("expected payout_requested event, got %v", got)
	}
}

func TestRequestPayoutInsufficientFundsCreatesNothing(t *testing.T) {
	h := newHarness(t, 5000, nil)

	_, err := h.svc.RequestPayout(context.Background(), RequestPayoutInput{
		VendorID:    h.vendor,
		AmountCents: 6000,
		Destination: bankDestination(),
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if len(h.repo.rows) != 0 {
		t.Fatalf("expected no payout request, found %d", len(h.repo.rows))
	}
	if len(h.outbox.types()) != 0 {
		t.Fatal("expected no events")
	}
	h.assertLedger(t, 5000, 0, 0)
}

func TestRequestPayoutValidation(t *testing.T) {
	mobile := func(phone string) models.PaymentDestination {
		return models.PaymentDestination{
			Method:      enums.PaymentMethodMobileMoney,
			MobileMoney: &models.MobileMoneyDestination{Provider: "M-Pesa", PhoneNumber: phone, AccountName: "Jo"},
		}
	}
	cases := map[string]struct {
		amount int64
		dest   models.PaymentDestination
	}{
		"below minimum": {amount: 999, dest: bankDestination()},
		"unknown method": {amount: 5000, dest: models.PaymentDestination{
			Method: "check",
		}},
		"method mismatch": {amount: 5000, dest: models.PaymentDestination{
			Method:       enums.PaymentMethodPayPal,
			BankTransfer: bankDestination().BankTransfer,
		}},
		"two blocks": {amount: 5000, dest: models.PaymentDestination{
			Method:       enums.PaymentMethodPayPal,
			BankTransfer: bankDestination().BankTransfer,
			PayPal:       &models.PayPalDestination{Email: "vendor@example.com"},
		}},
		"bad email": {amount: 5000, dest: models.PaymentDestination{
			Method: enums.PaymentMethodPayPal,
			PayPal: &models.PayPalDestination{Email: "not-an-email"},
		}},
		"bad phone":        {amount: 5000, dest: mobile("0712 345")},
		"missing bank name": {amount: 5000, dest: models.PaymentDestination{
			Method:       enums.PaymentMethodBankTransfer,
			BankTransfer: &models.BankTransferDestination{AccountName: "A", AccountNumber: "1", BankName: "   "},
		}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, 10000, nil)
			_, err := h.svc.RequestPayout(context.Background(), RequestPayoutInput{
				VendorID:    h.vendor,
				AmountCents: tc.amount,
				Destination: tc.dest,
			})
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected invalid request, got %v", err)
			}
			if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
				t.Fatalf("expected validation code, got %s", pkgerrors.CodeOf(err))
			}
			if len(h.ledger.calls) != 0 {
				t.Fatalf("ledger must not be called, got %v", h.ledger.calls)
			}
		})
	}

	h := newHarness(t, 10000, nil)
	payout, err := h.svc.RequestPayout(context.Background(), RequestPayoutInput{
		VendorID:    h.vendor,
		AmountCents: 1000,
		Destination: mobile("+254712345678"),
	})
	if err != nil {
		t.Fatalf("valid mobile money request rejected: %v", err)
	}
	if payout.Destination.MobileMoney == nil || payout.Destination.MobileMoney.Provider != "M-Pesa" {
		t.Fatalf("destination not preserved: %+v", payout.Destination)
	}
}

func TestConcurrentRequestsOnlyOneReserves(t *testing.T) {
	h := newHarness(t, 10000, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.RequestPayout(context.Background(), RequestPayoutInput{
				VendorID:    h.vendor,
				AmountCents: 6000,
				Destination: bankDestination(),
			})
		}(i)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ledger.ErrInsufficientFunds):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("expected one success and one insufficient funds, got %d/%d", succeeded, rejected)
	}
	if len(h.repo.rows) != 1 {
		t.Fatalf("expected one payout request, got %d", len(h.repo.rows))
	}
	h.assertLedger(t, 4000, 6000, 0)
}

func TestRejectReleasesReservation(t *testing.T) {
	h := newHarness(t, 10000, nil)
	payout := h.request(t, 6000)

	rejected, err := h.svc.Reject(context.Background(), RejectInput{
		RequestID: payout.ID,
		Actor:     h.admin,
		Reason:    "  bank details could not be verified ",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != enums.PayoutStatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	if rejected.RejectionReason == nil || *rejected.RejectionReason != "bank details could not be verified" {
		t.Fatalf("unexpected reason %v", rejected.RejectionReason)
	}
	if rejected.ProcessedBy == nil || *rejected.ProcessedBy != h.admin.UserID {
		t.Fatal("expected processed_by to be the reviewer")
	}
	h.assertLedger(t, 10000, 0, 0)
	if got := h.outbox.types(); got[len(got)-1] != enums.EventPayoutRejected {
		t.Fatalf("expected payout_rejected event, got %v", got)
	}
}

func TestFullLifecycleSettlesFunds(t *testing.T) {
	h := newHarness(t, 10000, nil)
	ctx := context.Background()
	payout := h.request(t, 6000)

	approved, err := h.svc.Approve(ctx, ApproveInput{RequestID: payout.ID, Actor: h.admin, Notes: "verified"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != enums.PayoutStatusApproved || approved.ProcessedAt == nil {
		t.Fatalf("unexpected approved payout %+v", approved)
	}
	h.assertLedger(t, 4000, 6000, 0)

	if _, err := h.svc.MarkProcessing(ctx, TransitionInput{RequestID: payout.ID, Actor: h.admin}); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	completed, err := h.svc.Complete(ctx, CompleteInput{
		RequestID:            payout.ID,
		Actor:                h.admin,
		TransactionReference: "WIRE-2291",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != enums.PayoutStatusCompleted || completed.Version != 4 {
		t.Fatalf("unexpected completed payout %+v", completed)
	}
	if completed.TransactionReference == nil || *completed.TransactionReference != "WIRE-2291" {
		t.Fatal("expected transaction reference")
	}
	if completed.Notes == nil || *completed.Notes != "verified" {
		t.Fatal("expected approval notes to be kept")
	}
	h.assertLedger(t, 4000, 0, 6000)

	want := []enums.OutboxEventType{
		enums.EventPayoutRequested,
		enums.EventPayoutApproved,
		enums.EventPayoutProcessing,
		enums.EventPayoutCompleted,
	}
	got := h.outbox.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestCompleteFromApprovedSkipsProcessing(t *testing.T) {
	h := newHarness(t, 10000, nil)
	ctx := context.Background()
	payout := h.request(t, 2500)
	if _, err := h.svc.Approve(ctx, ApproveInput{RequestID: payout.ID, Actor: h.admin}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := h.svc.Complete(ctx, CompleteInput{RequestID: payout.ID, Actor: h.admin, TransactionReference: "PP-1"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	h.assertLedger(t, 7500, 0, 2500)
}

func TestRejectWithoutReasonChangesNothing(t *testing.T) {
	h := newHarness(t, 10000, nil)
	payout := h.request(t, 6000)
	callsBefore := len(h.ledger.calls)

	_, err := h.svc.Reject(context.Background(), RejectInput{RequestID: payout.ID, Actor: h.admin, Reason: "   "})
	if !errors.Is(err, ErrMissingReason) {
		t.Fatalf("expected missing reason, got %v", err)
	}
	if stored := h.repo.get(t, payout.ID); stored.Status != enums.PayoutStatusPending || stored.Version != 1 {
		t.Fatalf("request changed: %+v", stored)
	}
	if len(h.ledger.calls) != callsBefore {
		t.Fatal("ledger must not be called")
	}
	h.assertLedger(t, 4000, 6000, 0)
}

func TestCompleteWithoutReferenceChangesNothing(t *testing.T) {
	h := newHarness(t, 10000, nil)
	ctx := context.Background()
	payout := h.request(t, 6000)
	if _, err := h.svc.Approve(ctx, ApproveInput{RequestID: payout.ID, Actor: h.admin}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	_, err := h.svc.Complete(ctx, CompleteInput{RequestID: payout.ID, Actor: h.admin})
	if !errors.Is(err, ErrMissingReference) {
		t.Fatalf("expected missing reference, got %v", err)
	}
	if stored := h.repo.get(t, payout.ID); stored.Status != enums.PayoutStatusApproved {
		t.Fatalf("request changed: %+v", stored)
	}
	h.assertLedger(t, 4000, 6000, 0)
}

func TestIllegalTransitionsAreRejected(t *testing.T) {
	h := newHarness(t, 50000, nil)
	ctx := context.Background()

	pending := h.request(t, 1000)
	if _, err := h.svc.Complete(ctx, CompleteInput{RequestID: pending.ID, Actor: h.admin, TransactionReference: "X"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete from pending: expected invalid transition, got %v", err)
	}
	if _, err := h.svc.MarkProcessing(ctx, TransitionInput{RequestID: pending.ID, Actor: h.admin}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("processing from pending: expected invalid transition, got %v", err)
	}

	processing := h.request(t, 1000)
	if _, err := h.svc.Approve(ctx, ApproveInput{RequestID: processing.ID, Actor: h.admin}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := h.svc.Approve(ctx, ApproveInput{RequestID: processing.ID, Actor: h.admin}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double approve: expected invalid transition, got %v", err)
	}
	if _, err := h.svc.MarkProcessing(ctx, TransitionInput{RequestID: processing.ID, Actor: h.admin}); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	_, err := h.svc.Reject(ctx, RejectInput{RequestID: processing.ID, Actor: h.admin, Reason: "late"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reject from processing: expected invalid transition, got %v", err)
	}
	if pkgerrors.CodeOf(err) != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict code, got %s", pkgerrors.CodeOf(err))
	}

	rejected := h.request(t, 1000)
	if _, err := h.svc.Reject(ctx, RejectInput{RequestID: rejected.ID, Actor: h.admin, Reason: "dup"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := h.svc.Reject(ctx, RejectInput{RequestID: rejected.ID, Actor: h.admin, Reason: "dup"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reject twice: expected invalid transition, got %v", err)
	}
	h.assertLedger(t, 48000, 2000, 0)
}

func TestConcurrentRejectAndCompleteResolveOnce(t *testing.T) {
	for run := 0; run < 50; run++ {
		h := newHarness(t, 10000, passthroughTx{})
		ctx := context.Background()
		payout := h.request(t, 6000)
		if _, err := h.svc.Approve(ctx, ApproveInput{RequestID: payout.ID, Actor: h.admin}); err != nil {
			t.Fatalf("approve: %v", err)
		}

		start := make(chan struct{})
		var wg sync.WaitGroup
		var rejectErr, completeErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, rejectErr = h.svc.Reject(ctx, RejectInput{RequestID: payout.ID, Actor: h.admin, Reason: "fraud review"})
		}()
		go func() {
			defer wg.Done()
			<-start
			_, completeErr = h.svc.Complete(ctx, CompleteInput{RequestID: payout.ID, Actor: h.admin, TransactionReference: "WIRE-1"})
		}()
		close(start)
		wg.Wait()

		if (rejectErr == nil) == (completeErr == nil) {
			t.Fatalf("run %d: expected exactly one winner, reject=%v complete=%v", run, rejectErr, completeErr)
		}
		stored := h.repo.get(t, payout.ID)
		if rejectErr == nil {
			if !errors.Is(completeErr, ErrInvalidTransition) {
				t.Fatalf("run %d: loser should see invalid transition, got %v", run, completeErr)
			}
			if stored.Status != enums.PayoutStatusRejected {
				t.Fatalf("run %d: expected rejected, got %s", run, stored.Status)
			}
			h.assertLedger(t, 10000, 0, 0)
		} else {
			if !errors.Is(rejectErr, ErrInvalidTransition) {
				t.Fatalf("run %d: loser should see invalid transition, got %v", run, rejectErr)
			}
			if stored.Status != enums.PayoutStatusCompleted {
				t.Fatalf("run %d: expected completed, got %s", run, stored.Status)
			}
			h.assertLedger(t, 4000, 0, 6000)
		}
	}
}

func TestReviewRequiresApproveCapability(t *testing.T) {
	h := newHarness(t, 10000, nil)
	ctx := context.Background()
	payout := h.request(t, 6000)

	viewer := auth.Actor{UserID: uuid.New(), Role: enums.ActorRoleAdmin, Capabilities: []enums.Capability{enums.CapabilityViewBalances}}
	vendor := auth.Actor{UserID: uuid.New(), Role: enums.ActorRoleVendor, VendorID: &h.vendor}

	for _, actor := range []auth.Actor{viewer, vendor} {
		if _, err := h.svc.Approve(ctx, ApproveInput{RequestID: payout.ID, Actor: actor}); !errors.Is(err, ErrForbidden) {
			t.Fatalf("approve: expected forbidden, got %v", err)
		}
		if _, err := h.svc.Reject(ctx, RejectInput{RequestID: payout.ID, Actor: actor, Reason: "x"}); !errors.Is(err, ErrForbidden) {
			t.Fatalf("reject: expected forbidden, got %v", err)
		}
		if _, err := h.svc.Complete(ctx, CompleteInput{RequestID: payout.ID, Actor: actor, TransactionReference: "x"}); !errors.Is(err, ErrForbidden) {
			t.Fatalf("complete: expected forbidden, got %v", err)
		}
		if _, err := h.svc.MarkProcessing(ctx, TransitionInput{RequestID: payout.ID, Actor: actor}); !errors.Is(err, ErrForbidden) {
			t.Fatalf("mark processing: expected forbidden, got %v", err)
		}
	}
	if stored := h.repo.get(t, payout.ID); stored.Status != enums.PayoutStatusPending {
		t.Fatalf("forbidden calls changed the request: %s", stored.Status)
	}
	h.assertLedger(t, 4000, 6000, 0)
}

func TestTransitionRetriesLedgerConflicts(t *testing.T) {
	h := newHarness(t, 10000, nil)
	ctx := context.Background()
	payout := h.request(t, 6000)
	if _, err := h.svc.Approve(ctx, ApproveInput{RequestID: payout.ID, Actor: h.admin}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	h.ledger.conflicts = 2
	if _, err := h.svc.Complete(ctx, CompleteInput{RequestID: payout.ID, Actor: h.admin, TransactionReference: "W"}); err != nil {
		t.Fatalf("complete should succeed on the third attempt: %v", err)
	}
	h.assertLedger(t, 4000, 0, 6000)

	other := h.request(t, 1000)
	h.ledger.conflicts = 3
	_, err := h.svc.Reject(ctx, RejectInput{RequestID: other.ID, Actor: h.admin, Reason: "r"})
	if !errors.Is(err, ledger.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification after exhausting attempts, got %v", err)
	}
	if stored := h.repo.get(t, other.ID); stored.Status != enums.PayoutStatusPending {
		t.Fatalf("status must not change when the ledger fails: %s", stored.Status)
	}
}

func TestRetriedRejectIsSafeAfterStatusWriteFailure(t *testing.T) {
	h := newHarness(t, 10000, nil)
	ctx := context.Background()
	payout := h.request(t, 6000)

	h.repo.updateErr = errors.New("connection reset")
	if _, err := h.svc.Reject(ctx, RejectInput{RequestID: payout.ID, Actor: h.admin, Reason: "dup"}); err == nil {
		t.Fatal("expected status write failure")
	}
	h.assertLedger(t, 10000, 0, 0)
	if stored := h.repo.get(t, payout.ID); stored.Status != enums.PayoutStatusPending {
		t.Fatalf("expected pending after failed write, got %s", stored.Status)
	}

	if _, err := h.svc.Reject(ctx, RejectInput{RequestID: payout.ID, Actor: h.admin, Reason: "dup"}); err != nil {
		t.Fatalf("retry reject: %v", err)
	}
	h.assertLedger(t, 10000, 0, 0)
	if stored := h.repo.get(t, payout.ID); stored.Status != enums.PayoutStatusRejected {
		t.Fatalf("expected rejected after retry, got %s", stored.Status)
	}
}

func TestRequestPayoutReleasesWhenPersistFails(t *testing.T) {
	h := newHarness(t, 10000, nil)
	h.repo.createErr = errors.New("disk full")

	_, err := h.svc.RequestPayout(context.Background(), RequestPayoutInput{
		VendorID:    h.vendor,
		AmountCents: 6000,
		Destination: bankDestination(),
	})
	if err == nil {
		t.Fatal("expected persist failure")
	}
	h.assertLedger(t, 10000, 0, 0)
	if got := h.ledger.calls; len(got) != 2 || got[1] != "release" {
		t.Fatalf("expected reserve then release, got %v", got)
	}
}

func TestGetAndListPayouts(t *testing.T) {
	h := newHarness(t, 10000, nil)
	ctx := context.Background()
	first := h.request(t, 1000)
	h.request(t, 2000)

	got, err := h.svc.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AmountCents != 1000 {
		t.Fatalf("unexpected amount %d", got.AmountCents)
	}
	if _, err := h.svc.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	list, err := h.svc.List(ctx, ListParams{VendorID: &h.vendor, Status: enums.PayoutStatusPending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Items) != 2 {
		t.Fatalf("expected 2 payouts, got %d", len(list.Items))
	}
	if _, err := h.svc.List(ctx, ListParams{Status: "paid"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid status filter to fail, got %v", err)
	}

	open, err := h.svc.OpenAmountsByVendor(ctx)
	if err != nil {
		t.Fatalf("open amounts: %v", err)
	}
	if open[h.vendor] != 3000 {
		t.Fatalf("expected 3000 open, got %d", open[h.vendor])
	}
}

func TestProcessedFieldsKeepFirstReviewer(t *testing.T) {
	h := newHarness(t, 10000, nil)
	ctx := context.Background()
	payout := h.request(t, 6000)

	approved, err := h.svc.Approve(ctx, ApproveInput{RequestID: payout.ID, Actor: h.admin})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	finisher := auth.Actor{
		UserID:       uuid.New(),
		Role:         enums.ActorRoleAdmin,
		Capabilities: []enums.Capability{enums.CapabilityApprovePayouts},
	}
	completed, err := h.svc.Complete(ctx, CompleteInput{RequestID: payout.ID, Actor: finisher, TransactionReference: "WIRE-9"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.ProcessedBy == nil || *completed.ProcessedBy != h.admin.UserID {
		t.Fatalf("processed_by must stay with the first reviewer, got %v", completed.ProcessedBy)
	}
	if completed.ProcessedAt == nil || !completed.ProcessedAt.Equal(*approved.ProcessedAt) {
		t.Fatalf("processed_at must not move, got %v want %v", completed.ProcessedAt, approved.ProcessedAt)
	}

	h.outbox.mu.Lock()
	last := h.outbox.events[len(h.outbox.events)-1]
	h.outbox.mu.Unlock()
	if last.Actor == nil || last.Actor.UserID != finisher.UserID {
		t.Fatalf("completion event must carry the completing admin, got %+v", last.Actor)
	}
}

func TestTransitionBacksOffBetweenRetries(t *testing.T) {
	h := newHarness(t, 10000, nil)
	ctx := context.Background()
	payout := h.request(t, 6000)

	var delays []time.Duration
	h.svc.(*service).sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	h.ledger.conflicts = 2
	if _, err := h.svc.Reject(ctx, RejectInput{RequestID: payout.ID, Actor: h.admin, Reason: "r"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if len(delays) != 2 {
		t.Fatalf("expected two waits, got %v", delays)
	}
	if delays[0] < defaultRetryBaseDelay || delays[1] < 2*defaultRetryBaseDelay {
		t.Fatalf("expected doubling delays from %s, got %v", defaultRetryBaseDelay, delays)
	}
}

func TestTransitionStopsRetryingWhenContextEnds(t *testing.T) {
	h := newHarness(t, 10000, nil)
	payout := h.request(t, 6000)

	ctx, cancel := context.WithCancel(context.Background())
	h.svc.(*service).sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	h.ledger.conflicts = 3
	_, err := h.svc.Reject(ctx, RejectInput{RequestID: payout.ID, Actor: h.admin, Reason: "r"})
	if !errors.Is(err, ledger.ErrConcurrentModification) {
		t.Fatalf("expected the last conflict to surface, got %v", err)
	}
	if got := len(h.ledger.calls); got != 2 {
		t.Fatalf("expected one reserve and one release attempt, got %v", h.ledger.calls)
	}
}
