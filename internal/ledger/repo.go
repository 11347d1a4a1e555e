package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/packfinderz-ledger/pkg/db"
	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	"github.com/angelmondragon/packfinderz-ledger/pkg/pagination"
)

// Repository persists vendor balances and their journal. Writes are
// conditional: a balance row only changes when its stored version equals the
// version the caller read, and the journal entry commits with it or not at all.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindBalance(ctx context.Context, vendorID uuid.UUID) (*models.VendorBalance, error)
	FindEntryByKey(ctx context.Context, vendorID uuid.UUID, key string) (*models.LedgerEntry, error)
	InsertBalance(ctx context.Context, balance *models.VendorBalance, entry *models.LedgerEntry) error
	UpdateBalance(ctx context.Context, balance *models.VendorBalance, expectedVersion int64, entry *models.LedgerEntry) error
	ListEntries(ctx context.Context, params listEntriesParams) ([]models.LedgerEntry, *pagination.Cursor, error)
	ListBalances(ctx context.Context, afterVendorID uuid.UUID, limit int) ([]models.VendorBalance, error)
	ListOpenReservations(ctx context.Context, createdBefore time.Time, after *pagination.Cursor, limit int) ([]models.LedgerEntry, error)
}

type listEntriesParams struct {
	VendorID uuid.UUID
	Limit    int
	Cursor   *pagination.Cursor
	Type     enums.LedgerEntryType
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindBalance(ctx context.Context, vendorID uuid.UUID) (*models.VendorBalance, error) {
	var balance models.VendorBalance
	err := r.db.WithContext(ctx).Where("vendor_id = ?", vendorID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

func (r *repository) FindEntryByKey(ctx context.Context, vendorID uuid.UUID, key string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("vendor_id = ? AND idempotency_key = ?", vendorID, key).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// InsertBalance creates the first record for a vendor. A concurrent creator
// surfaces as ErrStaleVersion so the caller re-reads and retries.
func (r *repository) InsertBalance(ctx context.Context, balance *models.VendorBalance, entry *models.LedgerEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(balance).Error; err != nil {
			if dbpkg.IsUniqueViolation(err, "") {
				return ErrStaleVersion
			}
			return err
		}
		return insertEntry(tx, entry)
	})
}

func (r *repository) UpdateBalance(ctx context.Context, balance *models.VendorBalance, expectedVersion int64, entry *models.LedgerEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&models.VendorBalance{}).
			Where("vendor_id = ? AND version = ?", balance.VendorID, expectedVersion).
			Updates(map[string]any{
				"available_cents":       balance.AvailableCents,
				"reserved_cents":        balance.ReservedCents,
				"pending_order_cents":   balance.PendingOrderCents,
				"total_earnings_cents":  balance.TotalEarningsCents,
				"total_withdrawn_cents": balance.TotalWithdrawnCents,
				"version":               balance.Version,
				"updated_at":            now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleVersion
		}
		balance.UpdatedAt = now
		return insertEntry(tx, entry)
	})
}

func insertEntry(tx *gorm.DB, entry *models.LedgerEntry) error {
	if entry == nil {
		return nil
	}
	if err := tx.Create(entry).Error; err != nil {
		if dbpkg.IsUniqueViolation(err, "") {
			return ErrDuplicateOperation
		}
		return err
	}
	return nil
}

func (r *repository) ListEntries(ctx context.Context, params listEntriesParams) ([]models.LedgerEntry, *pagination.Cursor, error) {
	query := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).Where("vendor_id = ?", params.VendorID)
	if params.Type != "" {
		query = query.Where("type = ?", params.Type)
	}
	if params.Cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", params.Cursor.CreatedAt, params.Cursor.ID)
	}

	var entries []models.LedgerEntry
	if err := query.Order("created_at DESC, id DESC").Limit(pagination.LimitWithBuffer(params.Limit)).Find(&entries).Error; err != nil {
		return nil, nil, err
	}
	page, next := pagination.Trim(entries, params.Limit, func(e models.LedgerEntry) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	})
	return page, next, nil
}

func (r *repository) ListBalances(ctx context.Context, afterVendorID uuid.UUID, limit int) ([]models.VendorBalance, error) {
	if limit <= 0 {
		limit = pagination.MaxLimit
	}
	query := r.db.WithContext(ctx).Model(&models.VendorBalance{})
	if afterVendorID != uuid.Nil {
		query = query.Where("vendor_id > ?", afterVendorID)
	}
	var balances []models.VendorBalance
	if err := query.Order("vendor_id ASC").Limit(limit).Find(&balances).Error; err != nil {
		return nil, err
	}
	return balances, nil
}

// ListOpenReservations returns payout reservations older than createdBefore
// that have no release or settle entry for the same payout request, ordered by
// (created_at, id) and starting after the given cursor.
func (r *repository) ListOpenReservations(ctx context.Context, createdBefore time.Time, after *pagination.Cursor, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = pagination.MaxLimit
	}
	resolved := r.db.Model(&models.LedgerEntry{}).
		Select("payout_request_id").
		Where("payout_request_id IS NOT NULL AND type IN ?", []enums.LedgerEntryType{enums.LedgerEntryTypeRelease, enums.LedgerEntryTypeSettle})

	query := r.db.WithContext(ctx).
		Where("type = ? AND payout_request_id IS NOT NULL AND created_at < ?", enums.LedgerEntryTypeReserve, createdBefore).
		Where("payout_request_id NOT IN (?)", resolved)
	if after != nil {
		query = query.Where("(created_at > ?) OR (created_at = ? AND id > ?)", after.CreatedAt, after.CreatedAt, after.ID)
	}

	var entries []models.LedgerEntry
	err := query.Order("created_at ASC").Order("id ASC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
