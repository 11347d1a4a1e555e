package payouts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
)

func setupPayoutTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:payouts_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	ddl := `
CREATE TABLE IF NOT EXISTS payout_requests (
  id TEXT PRIMARY KEY,
  vendor_id TEXT NOT NULL,
  amount_cents INTEGER NOT NULL,
  payment_method TEXT NOT NULL,
  destination TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  requested_at DATETIME NOT NULL,
  processed_at DATETIME,
  processed_by TEXT,
  transaction_reference TEXT,
  rejection_reason TEXT,
  notes TEXT,
  version INTEGER NOT NULL DEFAULT 1,
  updated_at DATETIME
);`
	require.NoError(t, db.Exec(ddl).Error)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func seedPayout(t *testing.T, repo Repository, vendorID uuid.UUID, amount int64, status enums.PayoutStatus, requestedAt time.Time) *models.PayoutRequest {
	t.Helper()
	request := &models.PayoutRequest{
		ID:            uuid.New(),
		VendorID:      vendorID,
		AmountCents:   amount,
		PaymentMethod: enums.PaymentMethodBankTransfer,
		Destination:   bankDestination(),
		Status:        status,
		RequestedAt:   requestedAt,
		Version:       1,
	}
	require.NoError(t, repo.Create(context.Background(), request))
	return request
}

func TestRepository_CreateAndFind(t *testing.T) {
	repo := NewRepository(setupPayoutTestDB(t))
	ctx := context.Background()
	vendorID := uuid.New()

	created := seedPayout(t, repo, vendorID, 5000, enums.PayoutStatusPending, time.Now().UTC())

	found, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, vendorID, found.VendorID)
	assert.Equal(t, int64(5000), found.AmountCents)
	assert.Equal(t, enums.PayoutStatusPending, found.Status)
	require.NotNil(t, found.Destination.BankTransfer)
	assert.Equal(t, "Green Leaf LLC", found.Destination.BankTransfer.AccountName)
	assert.Equal(t, int64(1), found.Version)

	locked, err := repo.FindByIDForUpdate(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, locked.ID)

	_, err = repo.FindByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_UpdateStatusIsConditional(t *testing.T) {
	repo := NewRepository(setupPayoutTestDB(t))
	ctx := context.Background()
	current := seedPayout(t, repo, uuid.New(), 5000, enums.PayoutStatusPending, time.Now().UTC())

	admin := uuid.New()
	at := time.Now().UTC()
	updated, err := repo.UpdateStatus(ctx, current, statusChange{
		Status:      enums.PayoutStatusApproved,
		ProcessedAt: &at,
		ProcessedBy: &admin,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.PayoutStatusApproved, updated.Status)
	assert.Equal(t, int64(2), updated.Version)

	// Replaying the same read loses: version and status have both moved.
	_, err = repo.UpdateStatus(ctx, current, statusChange{Status: enums.PayoutStatusRejected})
	assert.ErrorIs(t, err, errStaleRequest)

	stored, err := repo.FindByID(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PayoutStatusApproved, stored.Status)
	assert.Equal(t, int64(2), stored.Version)
	require.NotNil(t, stored.ProcessedBy)
	assert.Equal(t, admin, *stored.ProcessedBy)
	assert.Nil(t, stored.RejectionReason)
}

func TestRepository_WriteOnceColumnsRejected(t *testing.T) {
	db := setupPayoutTestDB(t)
	repo := NewRepository(db)
	current := seedPayout(t, repo, uuid.New(), 5000, enums.PayoutStatusPending, time.Now().UTC())

	err := db.Model(current).Updates(map[string]any{"amount_cents": 1}).Error
	assert.ErrorIs(t, err, ErrImmutableField)

	err = db.Model(current).Updates(map[string]any{"payment_method": enums.PaymentMethodPayPal}).Error
	assert.ErrorIs(t, err, ErrImmutableField)

	stored, err := repo.FindByID(context.Background(), current.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), stored.AmountCents)
	assert.Equal(t, enums.PaymentMethodBankTransfer, stored.PaymentMethod)
}

func TestRepository_ListPaginatesNewestFirst(t *testing.T) {
	repo := NewRepository(setupPayoutTestDB(t))
	ctx := context.Background()
	vendorID := uuid.New()
	other := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		p := seedPayout(t, repo, vendorID, int64(1000*(i+1)), enums.PayoutStatusPending, base.Add(time.Duration(i)*time.Minute))
		ids = append(ids, p.ID)
	}
	seedPayout(t, repo, other, 9999, enums.PayoutStatusRejected, base.Add(10*time.Minute))

	page, next, err := repo.List(ctx, listQuery{VendorID: &vendorID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)
	require.NotNil(t, next)

	rest, next, err := repo.List(ctx, listQuery{VendorID: &vendorID, Limit: 2, Cursor: next})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[0], rest[0].ID)
	assert.Nil(t, next)

	rejected, _, err := repo.List(ctx, listQuery{Status: enums.PayoutStatusRejected})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, other, rejected[0].VendorID)
}

func TestRepository_SumOpenByVendor(t *testing.T) {
	repo := NewRepository(setupPayoutTestDB(t))
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	now := time.Now().UTC()

	seedPayout(t, repo, a, 2000, enums.PayoutStatusPending, now)
	seedPayout(t, repo, a, 3000, enums.PayoutStatusProcessing, now)
	seedPayout(t, repo, a, 7000, enums.PayoutStatusCompleted, now)
	seedPayout(t, repo, b, 1500, enums.PayoutStatusApproved, now)
	seedPayout(t, repo, b, 4000, enums.PayoutStatusRejected, now)

	sums, err := repo.SumOpenByVendor(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int64{a: 5000, b: 1500}, sums)
}

func TestRepository_ExistingIDs(t *testing.T) {
	repo := NewRepository(setupPayoutTestDB(t))
	ctx := context.Background()
	p := seedPayout(t, repo, uuid.New(), 2000, enums.PayoutStatusPending, time.Now().UTC())
	missing := uuid.New()

	found, err := repo.ExistingIDs(ctx, []uuid.UUID{p.ID, missing})
	require.NoError(t, err)
	assert.True(t, found[p.ID])
	assert.False(t, found[missing])

	empty, err := repo.ExistingIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
