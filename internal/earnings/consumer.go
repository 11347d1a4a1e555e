package earnings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-ledger/internal/ledger"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-ledger/pkg/errors"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox/idempotency"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox/payloads"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox/registry"
)

const consumerName = "vendor-earnings"

type earningsLedger interface {
	Credit(ctx context.Context, input ledger.MovementInput) (*ledger.Result, error)
	Hold(ctx context.Context, input ledger.MovementInput) (*ledger.Result, error)
	Finalize(ctx context.Context, input ledger.MovementInput) (*ledger.Result, error)
	Void(ctx context.Context, input ledger.MovementInput) (*ledger.Result, error)
	FindEntry(ctx context.Context, vendorID uuid.UUID, key string) (*ledger.Entry, error)
}

type eventClaimer interface {
	Claim(ctx context.Context, consumer, eventID string) (idempotency.State, error)
	Complete(ctx context.Context, consumer, eventID string) error
	Forget(ctx context.Context, consumer, eventID string) error
}

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *gcppubsub.Message)) error
}

// HoldKey is the journal key for the pending hold of an order.
func HoldKey(orderID uuid.UUID) string {
	return fmt.Sprintf("order:%s:hold", orderID)
}

// SettleKey is shared by finalize and void so an order resolves exactly once.
func SettleKey(orderID uuid.UUID) string {
	return fmt.Sprintf("order:%s:settle", orderID)
}

// HoldReversalKey voids a hold booked for an order that was already credited
// without it.
func HoldReversalKey(orderID uuid.UUID) string {
	return fmt.Sprintf("order:%s:hold-reversal", orderID)
}

// NewDecoders registers the order event payloads this consumer understands.
func NewDecoders() *registry.DecoderRegistry {
	r := registry.NewDecoderRegistry()
	registry.RegisterJSON[payloads.OrderCreatedEvent](r, enums.EventOrderCreated, 1)
	registry.RegisterJSON[payloads.OrderPaidEvent](r, enums.EventOrderPaid, 1)
	registry.RegisterJSON[payloads.OrderCanceledEvent](r, enums.EventOrderCanceled, 1)
	return r
}

// Consumer applies marketplace order events to vendor earnings.
type Consumer struct {
	subscription receiver
	ledger       earningsLedger
	decoders     *registry.DecoderRegistry
	claims       eventClaimer
	logg         *logger.Logger
}

// NewConsumer wires the consumer. A nil decoder registry uses NewDecoders.
func NewConsumer(subscription receiver, ledgerSvc earningsLedger, decoders *registry.DecoderRegistry, claims eventClaimer, logg *logger.Logger) (*Consumer, error) {
	if subscription == nil {
		return nil, errors.New("orders subscription is required")
	}
	if ledgerSvc == nil {
		return nil, errors.New("ledger service is required")
	}
	if claims == nil {
		return nil, errors.New("idempotency manager is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	if decoders == nil {
		decoders = NewDecoders()
	}
	return &Consumer{
		subscription: subscription,
		ledger:       ledgerSvc,
		decoders:     decoders,
		claims:       claims,
		logg:         logg,
	}, nil
}

// Run consumes order events until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.subscription.Receive(ctx, func(innerCtx context.Context, msg *gcppubsub.Message) {
		if c.process(innerCtx, msg) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// process reports whether the message should be acked.
func (c *Consumer) process(ctx context.Context, msg *gcppubsub.Message) bool {
	logCtx := c.logg.WithField(ctx, "message_id", msg.ID)

	eventType, err := enums.ParseOutboxEventType(strings.TrimSpace(msg.Attributes["event_type"]))
	if err != nil || !c.decoders.Known(eventType) {
		c.logg.Debug(logCtx, "event not handled by earnings consumer")
		return true
	}

	envelope, err := outbox.DecodeEnvelope(msg.Data)
	if err != nil {
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "invalid order event envelope")
		return true
	}
	eventID := strings.TrimSpace(envelope.EventID)
	if eventID == "" {
		eventID = strings.TrimSpace(msg.Attributes[logger.FieldEventID])
	}
	if eventID == "" {
		c.logg.Warn(logCtx, "order event missing event id")
		return true
	}
	envelope.EventID = eventID
	logCtx = c.logg.WithEvent(logCtx, eventID, eventType.String())

	state, err := c.claims.Claim(logCtx, consumerName, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency claim failed", err)
		return false
	}
	switch state {
	case idempotency.Processed:
		c.logg.Info(logCtx, "order event already processed")
		return true
	case idempotency.InFlight:
		c.logg.Info(logCtx, "order event is being handled by another delivery")
		return false
	}

	if err := c.Handle(logCtx, eventType, *envelope); err != nil && !registry.IsNonRetryable(err) {
		c.logg.Error(logCtx, "order event handling failed", err)
		if ferr := c.claims.Forget(logCtx, consumerName, eventID); ferr != nil {
			c.logg.Error(logCtx, "failed to forget idempotency claim", ferr)
		}
		return false
	} else if err != nil {
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "order event dropped")
	}

	// Ledger writes are keyed per order, so a lost marker only costs a
	// duplicate no-op on redelivery.
	if err := c.claims.Complete(logCtx, consumerName, eventID); err != nil {
		c.logg.Error(logCtx, "failed to mark order event processed", err)
	}
	return true
}

// Handle maps one order event onto the earnings sub-ledger. Errors that a
// redelivery cannot fix are returned as registry.NonRetryableError.
func (c *Consumer) Handle(ctx context.Context, eventType enums.OutboxEventType, envelope outbox.PayloadEnvelope) error {
	version := envelope.Version
	if version == 0 {
		version = 1
	}
	decoded, err := c.decoders.Decode(eventType, version, envelope.Data)
	if err != nil {
		return registry.NewNonRetryableError(err)
	}

	switch event := decoded.(type) {
	case *payloads.OrderCreatedEvent:
		input, err := movement(event.OrderID, event.VendorStoreID, event.TotalCents, HoldKey(event.OrderID), envelope.EventID)
		if err != nil {
			return err
		}
		return c.hold(ctx, event.OrderID, input)
	case *payloads.OrderPaidEvent:
		input, err := movement(event.OrderID, event.VendorStoreID, event.TotalCents, SettleKey(event.OrderID), envelope.EventID)
		if err != nil {
			return err
		}
		return c.finalize(ctx, event.OrderID, input)
	case *payloads.OrderCanceledEvent:
		input, err := movement(event.OrderID, event.VendorStoreID, event.TotalCents, SettleKey(event.OrderID), envelope.EventID)
		if err != nil {
			return err
		}
		return c.apply(ctx, "void", c.ledger.Void, input)
	default:
		return registry.NewNonRetryableError(fmt.Errorf("unexpected payload %T for %s", decoded, eventType))
	}
}

// hold books a new order as pending earnings. Orders whose settle key is
// already taken get no hold.
func (c *Consumer) hold(ctx context.Context, orderID uuid.UUID, input ledger.MovementInput) error {
	settled, err := c.ledger.FindEntry(ctx, input.VendorID, SettleKey(orderID))
	if err != nil {
		return classify("lookup settlement", err)
	}
	if settled != nil {
		c.logg.Info(c.logg.WithField(ctx, "settled_as", settled.Type.String()), "order already settled, skipping hold")
		return nil
	}
	if err := c.apply(ctx, "hold", c.ledger.Hold, input); err != nil {
		return err
	}
	return c.reverseStrayHold(ctx, orderID, input)
}

// finalize moves a held order into available funds. Orders paid without a
// prior hold are credited directly under the same key.
func (c *Consumer) finalize(ctx context.Context, orderID uuid.UUID, input ledger.MovementInput) error {
	result, err := c.ledger.Finalize(ctx, input)
	switch {
	case err == nil:
		if result.Duplicate {
			c.logg.Info(ctx, "earnings.finalize already applied")
		}
		return nil
	case errors.Is(err, ledger.ErrInsufficientPending), errors.Is(err, ledger.ErrBalanceNotFound):
		c.logg.Info(ctx, "no pending hold for order, crediting directly")
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		// The settle key may already hold a direct credit from an earlier delivery.
	default:
		return classify("finalize", err)
	}
	if err := c.apply(ctx, "credit", c.ledger.Credit, input); err != nil {
		return err
	}
	return c.reverseStrayHold(ctx, orderID, input)
}

// reverseStrayHold voids a hold that landed for an order the settle key
// credited directly. The hold and the credit each check for the other after
// writing, so whichever lands second sees both.
func (c *Consumer) reverseStrayHold(ctx context.Context, orderID uuid.UUID, input ledger.MovementInput) error {
	held, err := c.ledger.FindEntry(ctx, input.VendorID, HoldKey(orderID))
	if err != nil {
		return classify("lookup hold", err)
	}
	if held == nil {
		return nil
	}
	settled, err := c.ledger.FindEntry(ctx, input.VendorID, SettleKey(orderID))
	if err != nil {
		return classify("lookup settlement", err)
	}
	if settled == nil || settled.Type != enums.LedgerEntryTypeCredit {
		return nil
	}
	reversal := input
	reversal.AmountCents = held.AmountCents
	reversal.IdempotencyKey = HoldReversalKey(orderID)
	c.logg.Warn(ctx, "voiding hold for an order credited without it")
	return c.apply(ctx, "void", c.ledger.Void, reversal)
}

func (c *Consumer) apply(ctx context.Context, op string, fn func(context.Context, ledger.MovementInput) (*ledger.Result, error), input ledger.MovementInput) error {
	result, err := fn(ctx, input)
	if err != nil {
		return classify(op, err)
	}
	if result.Duplicate {
		c.logg.Info(ctx, fmt.Sprintf("earnings.%s already applied", op))
	}
	return nil
}

func movement(orderID, vendorID uuid.UUID, amount int64, key, eventID string) (ledger.MovementInput, error) {
	if orderID == uuid.Nil || vendorID == uuid.Nil {
		return ledger.MovementInput{}, registry.NewNonRetryableError(errors.New("order and vendor ids are required"))
	}
	if amount <= 0 {
		return ledger.MovementInput{}, registry.NewNonRetryableError(fmt.Errorf("order total must be positive, got %d", amount))
	}
	metadata, err := json.Marshal(map[string]string{
		"order_id": orderID.String(),
		"event_id": eventID,
	})
	if err != nil {
		return ledger.MovementInput{}, registry.NewNonRetryableError(err)
	}
	return ledger.MovementInput{
		VendorID:       vendorID,
		AmountCents:    amount,
		IdempotencyKey: key,
		Metadata:       metadata,
	}, nil
}

// classify marks ledger rejections as permanent. Races and storage failures
// stay retryable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("earnings %s: %w", op, err)
	if pkgerrors.IsRetryable(err) {
		return wrapped
	}
	return registry.NewNonRetryableError(wrapped)
}
