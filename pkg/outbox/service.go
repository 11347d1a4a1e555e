package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
)

var errTxRequired = errors.New("transaction required")

// DomainEvent is a state change queued for publication in the same
// transaction as the aggregate write.
type DomainEvent struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   uuid.UUID
	Actor         *ActorRef
	Data          any
	Version       int
	OccurredAt    time.Time
}

type Service struct {
	repo  *Repository
	logg  *logger.Logger
	now   func() time.Time
	newID func() uuid.UUID
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{
		repo:  repo,
		logg:  logg,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.New,
	}
}

// Emit writes the event row using tx. The row id doubles as the envelope
// event id so consumers can dedupe redeliveries.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	row, err := s.buildRow(tx, event)
	if err != nil {
		return err
	}
	if err := s.repo.Insert(tx, row); err != nil {
		return err
	}
	s.logQueued(ctx, row)
	return nil
}

// EmitIfNotExists queues the event unless an event of the same type was
// already queued for the aggregate. Safe to call again after a partial
// failure.
func (s *Service) EmitIfNotExists(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	row, err := s.buildRow(tx, event)
	if err != nil {
		return err
	}
	inserted, err := s.repo.InsertIgnoreTx(tx, row)
	if err != nil {
		return err
	}
	if inserted {
		s.logQueued(ctx, row)
	}
	return nil
}

func (s *Service) buildRow(tx *gorm.DB, event DomainEvent) (models.OutboxEvent, error) {
	if tx == nil {
		return models.OutboxEvent{}, errTxRequired
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	id := s.newID()
	envelope, err := newEnvelope(id, event)
	if err != nil {
		return models.OutboxEvent{}, err
	}
	payload, err := encodeEnvelope(envelope)
	if err != nil {
		return models.OutboxEvent{}, err
	}
	return models.OutboxEvent{
		ID:            id,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       payload,
	}, nil
}

func (s *Service) logQueued(ctx context.Context, row models.OutboxEvent) {
	if s.logg == nil {
		return
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"event_id":       row.ID.String(),
		"event_type":     row.EventType,
		"aggregate_type": row.AggregateType,
		"aggregate_id":   row.AggregateID.String(),
	})
	s.logg.Info(logCtx, "outbox event queued")
}
