package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	"github.com/angelmondragon/packfinderz-ledger/pkg/pagination"
)

const maxDLQErrorLen = 1024

// ErrDLQEntryNotFound is returned when requeueing an event that was never parked.
var ErrDLQEntryNotFound = errors.New("dlq entry not found")

// DLQRepository stores copies of outbox rows the relay gave up on.
type DLQRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// ParkTx copies event into the DLQ with the reason the relay stopped retrying.
func (r *DLQRepository) ParkTx(tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error) error {
	if tx == nil {
		return errTxRequired
	}
	if !reason.IsValid() {
		return fmt.Errorf("invalid dlq reason %q", reason)
	}
	var message *string
	if cause != nil {
		msg := truncateDLQError(cause.Error())
		message = &msg
	}
	entry := models.ParkedFrom(event, reason, message, r.now())
	return tx.Create(&entry).Error
}

// DLQFilter narrows List. Zero values match everything.
type DLQFilter struct {
	Reason enums.OutboxDLQErrorReason
	Since  time.Time
	Limit  int
}

// List returns parked events, newest first.
func (r *DLQRepository) List(ctx context.Context, filter DLQFilter) ([]models.OutboxDLQ, error) {
	q := r.db.WithContext(ctx).Model(&models.OutboxDLQ{})
	if filter.Reason != "" {
		q = q.Where("error_reason = ?", filter.Reason)
	}
	if !filter.Since.IsZero() {
		q = q.Where("failed_at >= ?", filter.Since)
	}
	var rows []models.OutboxDLQ
	err := q.Order("failed_at DESC").Limit(pagination.NormalizeLimit(filter.Limit)).Find(&rows).Error
	return rows, err
}

// RequeueTx makes a parked event publishable again: its outbox row is reset
// so the relay picks it up on the next batch, and the DLQ copies are removed.
// A row already purged by retention is restored from the DLQ payload.
func (r *DLQRepository) RequeueTx(ctx context.Context, tx *gorm.DB, eventID uuid.UUID) error {
	if tx == nil {
		return errTxRequired
	}
	var entry models.OutboxDLQ
	err := tx.WithContext(ctx).Where("event_id = ?", eventID).Order("failed_at DESC").First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrDLQEntryNotFound
	}
	if err != nil {
		return err
	}

	reset := tx.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]any{
			"attempt_count":   0,
			"next_attempt_at": nil,
			"published_at":    nil,
		})
	if reset.Error != nil {
		return reset.Error
	}
	if reset.RowsAffected == 0 {
		restored := entry.Restore()
		if err := tx.WithContext(ctx).Create(&restored).Error; err != nil {
			return fmt.Errorf("restore outbox row: %w", err)
		}
	}
	return tx.WithContext(ctx).Where("event_id = ?", eventID).Delete(&models.OutboxDLQ{}).Error
}

func truncateDLQError(message string) string {
	if len(message) <= maxDLQErrorLen {
		return message
	}
	cut := maxDLQErrorLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
