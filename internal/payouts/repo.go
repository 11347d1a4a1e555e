package payouts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	"github.com/angelmondragon/packfinderz-ledger/pkg/pagination"
)

// Repository persists payout requests. Status writes are conditional on the
// version and status the caller read; the write-once columns are never part
// of an update.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, request *models.PayoutRequest) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error)
	UpdateStatus(ctx context.Context, current *models.PayoutRequest, change statusChange) (*models.PayoutRequest, error)
	List(ctx context.Context, query listQuery) ([]models.PayoutRequest, *pagination.Cursor, error)
	SumOpenByVendor(ctx context.Context) (map[uuid.UUID]int64, error)
	ExistingIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)
}

type statusChange struct {
	Status               enums.PayoutStatus
	ProcessedAt          *time.Time
	ProcessedBy          *uuid.UUID
	TransactionReference *string
	RejectionReason      *string
	Notes                *string
}

type listQuery struct {
	VendorID *uuid.UUID
	Status   enums.PayoutStatus
	Limit    int
	Cursor   *pagination.Cursor
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a payout repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, request *models.PayoutRequest) error {
	return r.db.WithContext(ctx).Create(request).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	return r.find(r.db.WithContext(ctx), id)
}

// FindByIDForUpdate locks the row for the rest of the surrounding transaction.
func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	return r.find(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *repository) find(db *gorm.DB, id uuid.UUID) (*models.PayoutRequest, error) {
	var request models.PayoutRequest
	if err := db.Where("id = ?", id).First(&request).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &request, nil
}

func (r *repository) UpdateStatus(ctx context.Context, current *models.PayoutRequest, change statusChange) (*models.PayoutRequest, error) {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":     change.Status,
		"version":    current.Version + 1,
		"updated_at": now,
	}
	if change.ProcessedAt != nil {
		updates["processed_at"] = *change.ProcessedAt
	}
	if change.ProcessedBy != nil {
		updates["processed_by"] = *change.ProcessedBy
	}
	if change.TransactionReference != nil {
		updates["transaction_reference"] = *change.TransactionReference
	}
	if change.RejectionReason != nil {
		updates["rejection_reason"] = *change.RejectionReason
	}
	if change.Notes != nil {
		updates["notes"] = *change.Notes
	}

	res := r.db.WithContext(ctx).
		Model(&models.PayoutRequest{}).
		Where("id = ? AND version = ? AND status = ?", current.ID, current.Version, current.Status).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errStaleRequest
	}

	next := applyChange(*current, change, now)
	return &next, nil
}

func (r *repository) List(ctx context.Context, query listQuery) ([]models.PayoutRequest, *pagination.Cursor, error) {
	q := r.db.WithContext(ctx).Model(&models.PayoutRequest{})
	if query.VendorID != nil {
		q = q.Where("vendor_id = ?", *query.VendorID)
	}
	if query.Status != "" {
		q = q.Where("status = ?", query.Status)
	}
	if query.Cursor != nil {
		q = q.Where("(requested_at < ?) OR (requested_at = ? AND id < ?)",
			query.Cursor.CreatedAt, query.Cursor.CreatedAt, query.Cursor.ID)
	}

	var rows []models.PayoutRequest
	if err := q.Order("requested_at DESC").Order("id DESC").
		Limit(pagination.LimitWithBuffer(query.Limit)).
		Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	page, next := pagination.Trim(rows, query.Limit, func(p models.PayoutRequest) pagination.Cursor {
		return pagination.Cursor{CreatedAt: p.RequestedAt, ID: p.ID}
	})
	return page, next, nil
}

// SumOpenByVendor totals the amounts of requests still holding a reservation.
func (r *repository) SumOpenByVendor(ctx context.Context) (map[uuid.UUID]int64, error) {
	var rows []struct {
		VendorID uuid.UUID
		Total    int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.PayoutRequest{}).
		Select("vendor_id, COALESCE(SUM(amount_cents), 0) AS total").
		Where("status IN ?", openStatuses()).
		Group("vendor_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]int64, len(rows))
	for _, row := range rows {
		out[row.VendorID] = row.Total
	}
	return out, nil
}

func (r *repository) ExistingIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	out := make(map[uuid.UUID]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var found []uuid.UUID
	if err := r.db.WithContext(ctx).
		Model(&models.PayoutRequest{}).
		Where("id IN ?", ids).
		Pluck("id", &found).Error; err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// applyChange returns the request as it looks after a successful status write.
func applyChange(current models.PayoutRequest, change statusChange, at time.Time) models.PayoutRequest {
	next := current
	next.Status = change.Status
	next.Version = current.Version + 1
	next.UpdatedAt = at
	if change.ProcessedAt != nil {
		next.ProcessedAt = change.ProcessedAt
	}
	if change.ProcessedBy != nil {
		next.ProcessedBy = change.ProcessedBy
	}
	if change.TransactionReference != nil {
		next.TransactionReference = change.TransactionReference
	}
	if change.RejectionReason != nil {
		next.RejectionReason = change.RejectionReason
	}
	if change.Notes != nil {
		next.Notes = change.Notes
	}
	return next
}

func openStatuses() []enums.PayoutStatus {
	return []enums.PayoutStatus{
		enums.PayoutStatusPending,
		enums.PayoutStatusApproved,
		enums.PayoutStatusProcessing,
	}
}
