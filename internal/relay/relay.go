// Package relay drains the transactional outbox to Pub/Sub. Rows are locked
// with SKIP LOCKED so several relays can run side by side; each row ends a
// batch published, scheduled for retry, or parked in the DLQ.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
	"github.com/angelmondragon/packfinderz-ledger/pkg/metrics"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPollInterval   = 500 * time.Millisecond
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	maxErrorBackoff       = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type rowStore interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, attempt int, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type parker interface {
	ParkTx(tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error) error
}

type resolver interface {
	Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// Sink delivers one message to a topic and returns once the broker has
// accepted it. Errors wrapped in registry.NonRetryableError park the row.
type Sink interface {
	Send(ctx context.Context, topic string, msg *gcppubsub.Message) error
}

type Params struct {
	Logger         *logger.Logger
	DB             txRunner
	Rows           rowStore
	DLQ            parker
	Registry       resolver
	Sink           Sink
	Metrics        *metrics.OutboxMetrics
	BatchSize      int
	MaxAttempts    int
	PollInterval   time.Duration
	PublishTimeout time.Duration
}

type Relay struct {
	logg           *logger.Logger
	db             txRunner
	rows           rowStore
	dlq            parker
	registry       resolver
	sink           Sink
	metrics        *metrics.OutboxMetrics
	batchSize      int
	maxAttempts    int
	pollInterval   time.Duration
	publishTimeout time.Duration
	now            func() time.Time
}

func New(p Params) (*Relay, error) {
	switch {
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	case p.DB == nil:
		return nil, errors.New("database client is required")
	case p.Rows == nil:
		return nil, errors.New("outbox repository is required")
	case p.DLQ == nil:
		return nil, errors.New("dlq repository is required")
	case p.Registry == nil:
		return nil, errors.New("event registry is required")
	case p.Sink == nil:
		return nil, errors.New("sink is required")
	}
	r := &Relay{
		logg:           p.Logger,
		db:             p.DB,
		rows:           p.Rows,
		dlq:            p.DLQ,
		registry:       p.Registry,
		sink:           p.Sink,
		metrics:        p.Metrics,
		batchSize:      orDefault(p.BatchSize, defaultBatchSize),
		maxAttempts:    orDefault(p.MaxAttempts, defaultMaxAttempts),
		pollInterval:   orDefault(p.PollInterval, defaultPollInterval),
		publishTimeout: orDefault(p.PublishTimeout, defaultPublishTimeout),
		now:            func() time.Time { return time.Now().UTC() },
	}
	return r, nil
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// BatchResult counts what one Drain did with the rows it locked.
type BatchResult struct {
	Published int
	Retrying  int
	Parked    int
}

func (b BatchResult) Total() int { return b.Published + b.Retrying + b.Parked }

type outcome string

const (
	outcomePublished outcome = "published"
	outcomeRetrying  outcome = "retrying"
	outcomeParked    outcome = "parked"
)

func (b *BatchResult) add(o outcome) {
	switch o {
	case outcomePublished:
		b.Published++
	case outcomeRetrying:
		b.Retrying++
	case outcomeParked:
		b.Parked++
	}
}

// Run drains batches until ctx is canceled. A full batch is followed
// immediately by the next; an empty one waits one poll interval. Storage
// errors back off exponentially up to maxErrorBackoff.
func (r *Relay) Run(ctx context.Context) error {
	wait := r.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			r.logg.Info(ctx, "outbox relay stopping")
			return err
		}

		result, err := r.Drain(ctx)
		switch {
		case err != nil:
			r.logg.Error(ctx, "outbox relay batch failed", err)
			wait = min(wait*2, maxErrorBackoff)
		case result.Total() >= r.batchSize:
			wait = r.pollInterval
			continue
		default:
			wait = r.pollInterval
		}
		if err := sleep(ctx, wait+jitter()); err != nil {
			return err
		}
	}
}

// Drain handles one batch inside a single transaction. Row outcomes are
// written in that transaction, so a crash mid-batch leaves every row
// eligible again.
func (r *Relay) Drain(ctx context.Context) (BatchResult, error) {
	type handled struct {
		eventType enums.OutboxEventType
		outcome   outcome
	}
	var done []handled
	start := r.now()
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		done = done[:0]
		rows, err := r.rows.FetchUnpublishedForPublish(tx, r.batchSize, r.maxAttempts)
		if err != nil {
			return fmt.Errorf("fetch outbox rows: %w", err)
		}
		for _, row := range rows {
			o, err := r.handle(ctx, tx, row)
			if err != nil {
				return err
			}
			done = append(done, handled{eventType: row.EventType, outcome: o})
		}
		return nil
	})
	r.metrics.ObserveBatch(r.now().Sub(start))
	if err != nil {
		return BatchResult{}, err
	}

	var result BatchResult
	for _, h := range done {
		result.add(h.outcome)
		r.metrics.ObserveEvent(string(h.eventType), string(h.outcome))
	}
	if result.Total() > 0 {
		r.logg.Debug(r.logg.WithFields(ctx, map[string]any{
			"published": result.Published,
			"retrying":  result.Retrying,
			"parked":    result.Parked,
		}), "outbox batch drained")
	}
	return result, nil
}

func (r *Relay) handle(ctx context.Context, tx *gorm.DB, row models.OutboxEvent) (outcome, error) {
	fields := rowFields(row)
	resolved, err := r.registry.Resolve(row)
	if err != nil {
		return outcomeParked, r.park(ctx, tx, row, enums.OutboxDLQReasonNonRetryable, err, fields)
	}
	fields["topic"] = resolved.Route.Topic
	fields["event_id"] = resolved.Envelope.EventID

	sendErr := r.send(ctx, row, resolved)
	if sendErr == nil {
		if err := r.rows.MarkPublishedTx(tx, row.ID); err != nil {
			return "", fmt.Errorf("mark published %s: %w", row.ID, err)
		}
		r.metrics.ObservePublished(row.CreatedAt, r.now())
		r.logg.Info(r.logg.WithFields(ctx, fields), "outbox event published")
		return outcomePublished, nil
	}

	attempt := row.NextAttempt()
	fields["attempt"] = attempt
	switch {
	case registry.IsNonRetryable(sendErr):
		return outcomeParked, r.park(ctx, tx, row, enums.OutboxDLQReasonNonRetryable, sendErr, fields)
	case attempt >= r.maxAttempts:
		return outcomeParked, r.park(ctx, tx, row, enums.OutboxDLQReasonMaxAttempts,
			fmt.Errorf("gave up after %d attempts: %w", attempt, sendErr), fields)
	}

	fields["error"] = sendErr.Error()
	r.logg.Warn(r.logg.WithFields(ctx, fields), "outbox publish failed, will retry")
	if err := r.rows.MarkFailedTx(tx, row.ID, attempt, sendErr); err != nil {
		return "", fmt.Errorf("mark failed %s: %w", row.ID, err)
	}
	return outcomeRetrying, nil
}

func (r *Relay) park(ctx context.Context, tx *gorm.DB, row models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error, fields map[string]any) error {
	fields["dlq_reason"] = reason
	fields["error"] = cause.Error()
	r.logg.Warn(r.logg.WithFields(ctx, fields), "outbox event parked")

	if err := r.dlq.ParkTx(tx, row, reason, cause); err != nil {
		return fmt.Errorf("park %s: %w", row.ID, err)
	}
	if err := r.rows.MarkTerminalTx(tx, row.ID, cause, r.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", row.ID, err)
	}
	return nil
}

func (r *Relay) send(ctx context.Context, row models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	sendCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()
	return r.sink.Send(sendCtx, resolved.Route.Topic, message(row, resolved))
}

// message carries the stored envelope as-is. Attributes duplicate the
// routing fields so subscribers can filter without decoding the body.
func message(row models.OutboxEvent, resolved *registry.ResolvedEvent) *gcppubsub.Message {
	return &gcppubsub.Message{
		Data: row.Payload,
		Attributes: map[string]string{
			"event_id":       resolved.Envelope.EventID,
			"event_type":     string(row.EventType),
			"aggregate_type": string(row.AggregateType),
			"aggregate_id":   row.AggregateID.String(),
			"created_at":     row.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

func rowFields(row models.OutboxEvent) map[string]any {
	fields := map[string]any{
		"outbox_id":      row.ID.String(),
		"event_type":     row.EventType,
		"aggregate_type": row.AggregateType,
		"aggregate_id":   row.AggregateID.String(),
		"attempt_count":  row.AttemptCount,
	}
	if row.LastError != nil {
		fields["last_error"] = *row.LastError
	}
	return fields
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func jitter() time.Duration {
	return time.Duration(rand.Int64N(int64(jitterWindow)))
}
