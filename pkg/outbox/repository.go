package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
)

const (
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Repository) Insert(tx *gorm.DB, event models.OutboxEvent) error {
	if tx == nil {
		return errTxRequired
	}
	return tx.Create(&event).Error
}

// InsertIgnoreTx inserts the row unless one with the same event type and
// aggregate exists, reporting whether a row was written.
func (r *Repository) InsertIgnoreTx(tx *gorm.DB, event models.OutboxEvent) (bool, error) {
	if tx == nil {
		return false, errTxRequired
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_type"}, {Name: "aggregate_type"}, {Name: "aggregate_id"}},
		DoNothing: true,
	}).Create(&event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FetchUnpublishedForPublish locks a batch of rows that are due for a publish
// attempt. Rows held by another publisher are skipped.
func (r *Repository) FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	if tx == nil {
		return nil, errTxRequired
	}
	var rows []models.OutboxEvent
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("published_at IS NULL").
		Where("attempt_count < ?", maxAttempts).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", r.now()).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error {
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"published_at": r.now(),
			"last_error":   nil,
		}).Error
}

// MarkFailedTx records a failed attempt and schedules the next one with
// exponential backoff.
func (r *Repository) MarkFailedTx(tx *gorm.DB, id uuid.UUID, attempt int, err error) error {
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error":      err.Error(),
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"next_attempt_at": r.now().Add(RetryDelay(attempt)),
		}).Error
}

// MarkTerminalTx parks the row so it is never fetched again.
func (r *Repository) MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error {
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error":    err.Error(),
			"attempt_count": terminalAttempts,
		}).Error
}

// PurgeBefore deletes at most limit rows, oldest first, that no longer need
// to live in the outbox: rows published before cutoff, and unpublished rows
// created before cutoff whose attempt count reached parkedAttempts. The
// latter already have a copy in the DLQ.
func (r *Repository) PurgeBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, parkedAttempts, limit int) (int64, error) {
	if tx == nil {
		return 0, errTxRequired
	}
	if limit <= 0 {
		return 0, fmt.Errorf("purge limit must be positive, got %d", limit)
	}
	expired := tx.Session(&gorm.Session{NewDB: true}).
		Model(&models.OutboxEvent{}).
		Select("id").
		Where("(published_at IS NOT NULL AND published_at < ?) OR (published_at IS NULL AND attempt_count >= ? AND created_at < ?)",
			cutoff, parkedAttempts, cutoff).
		Order("created_at").
		Limit(limit)
	res := tx.WithContext(ctx).Where("id IN (?)", expired).Delete(&models.OutboxEvent{})
	return res.RowsAffected, res.Error
}

// RetryDelay is the wait before publish attempt n+1.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}
