package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
)

const (
	defaultOutboxRetention = 30 * 24 * time.Hour
	defaultParkedAttempts  = 10
	defaultPurgeBatch      = 500
)

// OutboxRetentionJobParams configure the outbox purge. ParkedAttempts must
// match the relay's max attempts so only rows already copied to the DLQ are
// removed alongside published ones.
type OutboxRetentionJobParams struct {
	Logger         *logger.Logger
	DB             txRunner
	Repository     outboxPurger
	Retention      time.Duration
	ParkedAttempts int
	BatchSize      int
}

type outboxPurger interface {
	PurgeBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, parkedAttempts, limit int) (int64, error)
}

// outboxRetentionJob deletes expired outbox rows one bounded batch per
// transaction so a large backlog never holds locks for long.
type outboxRetentionJob struct {
	logg      *logger.Logger
	db        txRunner
	repo      outboxPurger
	retention time.Duration
	parked    int
	batch     int
	now       func() time.Time
}

func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger required")
	case params.DB == nil:
		return nil, errors.New("db runner required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository required")
	}
	return &outboxRetentionJob{
		logg:      params.Logger,
		db:        params.DB,
		repo:      params.Repository,
		retention: positiveOr(params.Retention, defaultOutboxRetention),
		parked:    positiveOr(params.ParkedAttempts, defaultParkedAttempts),
		batch:     positiveOr(params.BatchSize, defaultPurgeBatch),
		now:       time.Now,
	}, nil
}

func positiveOr[T int | time.Duration](value, fallback T) T {
	if value <= 0 {
		return fallback
	}
	return value
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var total int64
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("outbox retention stopped after %d rows: %w", total, err)
		}
		var deleted int64
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			deleted, err = j.repo.PurgeBefore(ctx, tx, cutoff, j.parked, j.batch)
			return err
		})
		if err != nil {
			return fmt.Errorf("outbox retention batch %d: %w", batches+1, err)
		}
		batches++
		total += deleted
		if deleted < int64(j.batch) {
			break
		}
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":          cutoff,
		"parked_attempts": j.parked,
		"batches":         batches,
		"rows_deleted":    total,
	}), "outbox retention cleanup complete")
	return nil
}
