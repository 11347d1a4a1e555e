package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-ledger/pkg/errors"
	"github.com/angelmondragon/packfinderz-ledger/pkg/pagination"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// memRepository mirrors the conditional-write contract of the gorm repository.
type memRepository struct {
	mu       sync.Mutex
	balances map[uuid.UUID]models.VendorBalance
	entries  []models.LedgerEntry

	updateFn func(balance *models.VendorBalance, expectedVersion int64) error
	writes   atomic.Int64
}

func newMemRepository() *memRepository {
	return &memRepository{balances: map[uuid.UUID]models.VendorBalance{}}
}

func (m *memRepository) WithTx(*gorm.DB) Repository { return m }

func (m *memRepository) FindBalance(_ context.Context, vendorID uuid.UUID) (*models.VendorBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[vendorID]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	return &b, nil
}

func (m *memRepository) FindEntryByKey(_ context.Context, vendorID uuid.UUID, key string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.VendorID == vendorID && e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			entry := e
			return &entry, nil
		}
	}
	return nil, nil
}

func (m *memRepository) InsertBalance(_ context.Context, balance *models.VendorBalance, entry *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[balance.VendorID]; ok {
		return ErrStaleVersion
	}
	if m.keyTaken(entry) {
		return ErrDuplicateOperation
	}
	m.balances[balance.VendorID] = *balance
	m.entries = append(m.entries, *entry)
	m.writes.Add(1)
	return nil
}

func (m *memRepository) UpdateBalance(_ context.Context, balance *models.VendorBalance, expectedVersion int64, entry *models.LedgerEntry) error {
	if m.updateFn != nil {
		if err := m.updateFn(balance, expectedVersion); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.balances[balance.VendorID]
	if !ok || current.Version != expectedVersion {
		return ErrStaleVersion
	}
	if m.keyTaken(entry) {
		return ErrDuplicateOperation
	}
	m.balances[balance.VendorID] = *balance
	m.entries = append(m.entries, *entry)
	m.writes.Add(1)
	return nil
}

func (m *memRepository) keyTaken(entry *models.LedgerEntry) bool {
	if entry == nil || entry.IdempotencyKey == nil {
		return false
	}
	for _, e := range m.entries {
		if e.VendorID == entry.VendorID && e.IdempotencyKey != nil && *e.IdempotencyKey == *entry.IdempotencyKey {
			return true
		}
	}
	return false
}

func (m *memRepository) ListEntries(_ context.Context, params listEntriesParams) ([]models.LedgerEntry, *pagination.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range m.entries {
		if e.VendorID == params.VendorID && (params.Type == "" || e.Type == params.Type) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BalanceVersion > out[j].BalanceVersion })
	return out, nil, nil
}

func (m *memRepository) ListBalances(context.Context, uuid.UUID, int) ([]models.VendorBalance, error) {
	return nil, nil
}

func (m *memRepository) ListOpenReservations(context.Context, time.Time, *pagination.Cursor, int) ([]models.LedgerEntry, error) {
	return nil, nil
}

func newTestService(t *testing.T, repo Repository, attempts int) Service {
	t.Helper()
	svc, err := NewService(repo, Options{MaxAttempts: attempts})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func credit(t *testing.T, svc Service, vendorID uuid.UUID, amount int64, key string) *Result {
	t.Helper()
	res, err := svc.Credit(context.Background(), MovementInput{VendorID: vendorID, AmountCents: amount, IdempotencyKey: key})
	if err != nil {
		t.Fatalf("credit %d: %v", amount, err)
	}
	return res
}

func TestNewServiceRequiresRepository(t *testing.T) {
	if _, err := NewService(nil, Options{}); err == nil {
		t.Fatal("expected error without repository")
	}
}

func TestCreditCreatesBalanceAndDeduplicates(t *testing.T) {
	repo := newMemRepository()
	svc := newTestService(t, repo, 3)
	vendorID := uuid.New()

	first := credit(t, svc, vendorID, 5000, "order:1:credit")
	if first.Duplicate {
		t.Fatal("first credit must apply")
	}
	if first.Balance.AvailableCents != 5000 || first.Balance.TotalEarningsCents != 5000 || first.Balance.Version != 1 {
		t.Fatalf("unexpected balance after first credit: %+v", first.Balance)
	}

	again := credit(t, svc, vendorID, 5000, "order:1:credit")
	if !again.Duplicate {
		t.Fatal("repeated credit with the same key must be a no-op")
	}
	if again.Balance.AvailableCents != 5000 || again.Balance.Version != 1 {
		t.Fatalf("duplicate credit changed the balance: %+v", again.Balance)
	}
	if again.EntryID != first.EntryID {
		t.Fatalf("duplicate should report the original entry")
	}
	if repo.writes.Load() != 1 {
		t.Fatalf("expected a single write, got %d", repo.writes.Load())
	}
}

func TestCreditRequiresKeyAndPositiveAmount(t *testing.T) {
	svc := newTestService(t, newMemRepository(), 3)
	vendorID := uuid.New()

	_, err := svc.Credit(context.Background(), MovementInput{VendorID: vendorID, AmountCents: 100})
	if !errors.Is(err, ErrIdempotencyKeyRequired) {
		t.Fatalf("expected key required, got %v", err)
	}
	if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation code, got %s", pkgerrors.CodeOf(err))
	}

	for _, amount := range []int64{0, -50} {
		_, err := svc.Credit(context.Background(), MovementInput{VendorID: vendorID, AmountCents: amount, IdempotencyKey: "k"})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected invalid amount, got %v", amount, err)
		}
	}
}

func TestReserveInsufficientFundsLeavesBalanceUntouched(t *testing.T) {
	repo := newMemRepository()
	svc := newTestService(t, repo, 3)
	vendorID := uuid.New()
	credit(t, svc, vendorID, 5000, "seed")

	_, err := svc.Reserve(context.Background(), MovementInput{VendorID: vendorID, AmountCents: 6000})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	typed := pkgerrors.As(err)
	if typed == nil || typed.Message() != "insufficient funds: available balance is 50.00" {
		t.Fatalf("message should name the available balance, got %v", err)
	}

	balance, err := svc.GetBalance(context.Background(), vendorID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance.AvailableCents != 5000 || balance.ReservedCents != 0 || balance.Version != 1 {
		t.Fatalf("failed reserve changed the balance: %+v", balance)
	}
}

func TestReserveReleaseSettleLifecycle(t *testing.T) {
	svc := newTestService(t, newMemRepository(), 3)
	ctx := context.Background()
	vendorID := uuid.New()
	credit(t, svc, vendorID, 10000, "seed")

	res, err := svc.Reserve(ctx, MovementInput{VendorID: vendorID, AmountCents: 3000, IdempotencyKey: "payout:a:reserve"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Balance.AvailableCents != 7000 || res.Balance.ReservedCents != 3000 || res.Balance.PendingCents != 3000 {
		t.Fatalf("unexpected balance after reserve: %+v", res.Balance)
	}

	res, err = svc.Release(ctx, MovementInput{VendorID: vendorID, AmountCents: 3000, IdempotencyKey: "payout:a:resolve"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Balance.AvailableCents != 10000 || res.Balance.ReservedCents != 0 || res.Balance.TotalEarningsCents != 10000 {
		t.Fatalf("unexpected balance after release: %+v", res.Balance)
	}

	if _, err := svc.Reserve(ctx, MovementInput{VendorID: vendorID, AmountCents: 4000, IdempotencyKey: "payout:b:reserve"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res, err = svc.Settle(ctx, MovementInput{VendorID: vendorID, AmountCents: 4000, IdempotencyKey: "payout:b:resolve"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	want := Balance{AvailableCents: 6000, ReservedCents: 0, TotalEarningsCents: 10000, TotalWithdrawnCents: 4000}
	got := res.Balance
	if got.AvailableCents != want.AvailableCents || got.ReservedCents != want.ReservedCents ||
		got.TotalEarningsCents != want.TotalEarningsCents || got.TotalWithdrawnCents != want.TotalWithdrawnCents {
		t.Fatalf("unexpected balance after settle: %+v", got)
	}
	if got.Version != 5 {
		t.Fatalf("expected version 5 after five mutations, got %d", got.Version)
	}
}

func TestReleaseAndSettleNeedReservedFunds(t *testing.T) {
	svc := newTestService(t, newMemRepository(), 3)
	vendorID := uuid.New()
	credit(t, svc, vendorID, 1000, "seed")

	if _, err := svc.Release(context.Background(), MovementInput{VendorID: vendorID, AmountCents: 1}); !errors.Is(err, ErrInsufficientReserve) {
		t.Fatalf("expected insufficient reserve on release, got %v", err)
	}
	if _, err := svc.Settle(context.Background(), MovementInput{VendorID: vendorID, AmountCents: 1}); !errors.Is(err, ErrInsufficientReserve) {
		t.Fatalf("expected insufficient reserve on settle, got %v", err)
	}
}

func TestReserveUnknownVendor(t *testing.T) {
	svc := newTestService(t, newMemRepository(), 3)
	_, err := svc.Reserve(context.Background(), MovementInput{VendorID: uuid.New(), AmountCents: 100})
	if !errors.Is(err, ErrBalanceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if pkgerrors.CodeOf(err) != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found code, got %s", pkgerrors.CodeOf(err))
	}
}

func TestIdempotencyKeyReusedForDifferentOperation(t *testing.T) {
	svc := newTestService(t, newMemRepository(), 3)
	ctx := context.Background()
	vendorID := uuid.New()
	credit(t, svc, vendorID, 5000, "seed")

	if _, err := svc.Reserve(ctx, MovementInput{VendorID: vendorID, AmountCents: 2000, IdempotencyKey: "payout:x:reserve"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := svc.Settle(ctx, MovementInput{VendorID: vendorID, AmountCents: 2000, IdempotencyKey: "payout:x:resolve"}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	_, err := svc.Release(ctx, MovementInput{VendorID: vendorID, AmountCents: 2000, IdempotencyKey: "payout:x:resolve"})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
	_, err = svc.Reserve(ctx, MovementInput{VendorID: vendorID, AmountCents: 1500, IdempotencyKey: "payout:x:reserve"})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected conflict on amount mismatch, got %v", err)
	}

	res, err := svc.Settle(ctx, MovementInput{VendorID: vendorID, AmountCents: 2000, IdempotencyKey: "payout:x:resolve"})
	if err != nil || !res.Duplicate {
		t.Fatalf("repeated settle should be a duplicate, res=%+v err=%v", res, err)
	}
	if res.Balance.TotalWithdrawnCents != 2000 {
		t.Fatalf("duplicate settle changed withdrawn total: %+v", res.Balance)
	}
}

func TestHoldFinalizeVoid(t *testing.T) {
	svc := newTestService(t, newMemRepository(), 3)
	ctx := context.Background()
	vendorID := uuid.New()

	res, err := svc.Hold(ctx, MovementInput{VendorID: vendorID, AmountCents: 4000, IdempotencyKey: "order:1:hold"})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if res.Balance.PendingOrderCents != 4000 || res.Balance.AvailableCents != 0 || res.Balance.TotalEarningsCents != 0 {
		t.Fatalf("unexpected balance after hold: %+v", res.Balance)
	}
	if _, err := svc.Hold(ctx, MovementInput{VendorID: vendorID, AmountCents: 1000, IdempotencyKey: "order:2:hold"}); err != nil {
		t.Fatalf("hold: %v", err)
	}

	res, err = svc.Finalize(ctx, MovementInput{VendorID: vendorID, AmountCents: 4000, IdempotencyKey: "order:1:settle"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Balance.AvailableCents != 4000 || res.Balance.TotalEarningsCents != 4000 || res.Balance.PendingOrderCents != 1000 {
		t.Fatalf("unexpected balance after finalize: %+v", res.Balance)
	}

	res, err = svc.Void(ctx, MovementInput{VendorID: vendorID, AmountCents: 1000, IdempotencyKey: "order:2:settle"})
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if res.Balance.PendingOrderCents != 0 || res.Balance.AvailableCents != 4000 {
		t.Fatalf("unexpected balance after void: %+v", res.Balance)
	}

	if _, err := svc.Finalize(ctx, MovementInput{VendorID: vendorID, AmountCents: 1, IdempotencyKey: "order:3:settle"}); !errors.Is(err, ErrInsufficientPending) {
		t.Fatalf("expected insufficient pending, got %v", err)
	}
}

func TestStaleVersionIsRetried(t *testing.T) {
	repo := newMemRepository()
	svc := newTestService(t, repo, 3)
	vendorID := uuid.New()
	credit(t, svc, vendorID, 5000, "seed")

	var calls int
	repo.updateFn = func(*models.VendorBalance, int64) error {
		calls++
		if calls < 3 {
			return ErrStaleVersion
		}
		return nil
	}

	res, err := svc.Reserve(context.Background(), MovementInput{VendorID: vendorID, AmountCents: 1000})
	if err != nil {
		t.Fatalf("reserve should succeed on third attempt: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if res.Balance.ReservedCents != 1000 {
		t.Fatalf("unexpected balance: %+v", res.Balance)
	}
}

func TestStaleVersionGivesUpAfterMaxAttempts(t *testing.T) {
	repo := newMemRepository()
	svc := newTestService(t, repo, 4)
	vendorID := uuid.New()
	credit(t, svc, vendorID, 5000, "seed")

	var calls int
	repo.updateFn = func(*models.VendorBalance, int64) error {
		calls++
		return ErrStaleVersion
	}

	_, err := svc.Reserve(context.Background(), MovementInput{VendorID: vendorID, AmountCents: 1000})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls)
	}
	meta := pkgerrors.MetadataFor(pkgerrors.CodeOf(err))
	if !meta.Retryable {
		t.Fatalf("concurrent modification should be reported as retryable")
	}
}

func TestConcurrentReservesNeverOverdraw(t *testing.T) {
	repo := newMemRepository()
	svc := newTestService(t, repo, 1000)
	vendorID := uuid.New()
	credit(t, svc, vendorID, 10000, "seed")

	var wg sync.WaitGroup
	var succeeded, insufficient atomic.Int64
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(context.Background(), MovementInput{VendorID: vendorID, AmountCents: 1000})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 10 || insufficient.Load() != 15 {
		t.Fatalf("expected 10 successes and 15 rejections, got %d/%d", succeeded.Load(), insufficient.Load())
	}
	balance, err := svc.GetBalance(context.Background(), vendorID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance.AvailableCents != 0 || balance.ReservedCents != 10000 || balance.Version != 11 {
		t.Fatalf("unexpected final balance: %+v", balance)
	}
}

func TestConcurrentDuplicateCreditsApplyOnce(t *testing.T) {
	repo := newMemRepository()
	svc := newTestService(t, repo, 1000)
	vendorID := uuid.New()

	var wg sync.WaitGroup
	var applied atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Credit(context.Background(), MovementInput{VendorID: vendorID, AmountCents: 2500, IdempotencyKey: "order:42:credit"})
			if err != nil {
				t.Errorf("credit: %v", err)
				return
			}
			if !res.Duplicate {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	if applied.Load() != 1 {
		t.Fatalf("expected exactly one applied credit, got %d", applied.Load())
	}
	balance, err := svc.GetBalance(context.Background(), vendorID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance.TotalEarningsCents != 2500 || balance.AvailableCents != 2500 {
		t.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestConcurrentMixedOperationsConserveMoney(t *testing.T) {
	repo := newMemRepository()
	svc := newTestService(t, repo, 1000)
	vendorID := uuid.New()
	credit(t, svc, vendorID, 50000, "seed")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.Background()
			_, _ = svc.Credit(ctx, MovementInput{VendorID: vendorID, AmountCents: 100, IdempotencyKey: fmt.Sprintf("c:%d", i)})
			if _, err := svc.Reserve(ctx, MovementInput{VendorID: vendorID, AmountCents: 1000}); err != nil {
				return
			}
			if i%2 == 0 {
				_, _ = svc.Release(ctx, MovementInput{VendorID: vendorID, AmountCents: 1000})
			} else {
				_, _ = svc.Settle(ctx, MovementInput{VendorID: vendorID, AmountCents: 1000})
			}
		}(i)
	}
	wg.Wait()

	b, err := repo.FindBalance(context.Background(), vendorID)
	if err != nil {
		t.Fatalf("FindBalance: %v", err)
	}
	if err := checkInvariants(*b); err != nil {
		t.Fatalf("invariants broken after concurrent run: %v", err)
	}
	if b.TotalEarningsCents != 52000 {
		t.Fatalf("expected earnings 52000, got %d", b.TotalEarningsCents)
	}
	if b.TotalWithdrawnCents != 10000 || b.ReservedCents != 0 {
		t.Fatalf("unexpected settlement totals: %+v", b)
	}
}

func TestGetBalanceValidation(t *testing.T) {
	svc := newTestService(t, newMemRepository(), 3)
	if _, err := svc.GetBalance(context.Background(), uuid.Nil); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.GetBalance(context.Background(), uuid.New()); !errors.Is(err, ErrBalanceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListEntriesReturnsJournal(t *testing.T) {
	svc := newTestService(t, newMemRepository(), 3)
	vendorID := uuid.New()
	credit(t, svc, vendorID, 3000, "seed")
	payoutID := uuid.New()
	if _, err := svc.Reserve(context.Background(), MovementInput{VendorID: vendorID, AmountCents: 1000, PayoutRequestID: &payoutID}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	list, err := svc.ListEntries(context.Background(), ListEntriesParams{VendorID: vendorID})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(list.Items) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list.Items))
	}
	if list.Items[0].Type != enums.LedgerEntryTypeReserve || list.Items[0].PayoutRequestID == nil || *list.Items[0].PayoutRequestID != payoutID {
		t.Fatalf("unexpected newest entry: %+v", list.Items[0])
	}

	if _, err := svc.ListEntries(context.Background(), ListEntriesParams{VendorID: vendorID, Type: "bogus"}); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error for bad type, got %v", err)
	}
	bad := ListEntriesParams{VendorID: vendorID}
	bad.Cursor = "not-base64!"
	if _, err := svc.ListEntries(context.Background(), bad); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error for bad cursor, got %v", err)
	}
}
