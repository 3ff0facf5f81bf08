package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher builds and publishes domain events from the records that
// triggered them. Event IDs are fresh UUIDs so consumers can deduplicate.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// PublishOrderCreated publishes OrderCreated
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, order *models.Order) error {
	event := &models.OrderCreatedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderCreated),
		OrderID:   order.OrderID,
		UserID:    order.UserID,
		Total:     order.Pricing.Total,
		Items:     order.Items,
	}
	return ep.producer.PublishEvent(ctx, orderKey(order.OrderID), event)
}

// PublishOrderTransitioned publishes OrderTransitioned
func (ep *EventPublisher) PublishOrderTransitioned(ctx context.Context, order *models.Order, from string, actor string) error {
	event := &models.OrderTransitionedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderTransitioned),
		OrderID:   order.OrderID,
		From:      from,
		To:        order.Status,
		Actor:     actor,
	}
	return ep.producer.PublishEvent(ctx, orderKey(order.OrderID), event)
}

// PublishOrderCancelled publishes OrderCancelled
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, order *models.Order, reason, actor string) error {
	event := &models.OrderCancelledEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderCancelled),
		OrderID:   order.OrderID,
		Reason:    reason,
		Actor:     actor,
	}
	return ep.producer.PublishEvent(ctx, orderKey(order.OrderID), event)
}

// PublishPaymentOutcome publishes the best-effort payment outcome
// notification after a capture, failure or refund.
func (ep *EventPublisher) PublishPaymentOutcome(ctx context.Context, eventType string, tx *models.Transaction) error {
	event := &models.PaymentOutcomeEvent{
		BaseEvent:     newBaseEvent(eventType),
		OrderID:       tx.OrderID,
		TransactionID: tx.TransactionID,
		Amount:        tx.Amount,
		Status:        tx.Status,
		Reason:        tx.FailureReason,
	}
	return ep.producer.PublishEvent(ctx, orderKey(tx.OrderID), event)
}

// PublishReturnRequested publishes ReturnRequested
func (ep *EventPublisher) PublishReturnRequested(ctx context.Context, ret *models.Return) error {
	event := &models.ReturnRequestedEvent{
		BaseEvent:    newBaseEvent(models.EventTypeReturnRequested),
		ReturnID:     ret.ReturnID,
		OrderID:      ret.OrderID,
		UserID:       ret.UserID,
		RefundAmount: ret.RefundAmount,
		Reason:       ret.ReturnReason,
	}
	return ep.producer.PublishEvent(ctx, orderKey(ret.OrderID), event)
}

// PublishReturnAdvanced publishes ReturnAdvanced
func (ep *EventPublisher) PublishReturnAdvanced(ctx context.Context, ret *models.Return, from string) error {
	event := &models.ReturnAdvancedEvent{
		BaseEvent: newBaseEvent(models.EventTypeReturnAdvanced),
		ReturnID:  ret.ReturnID,
		OrderID:   ret.OrderID,
		From:      from,
		To:        ret.Status,
		AdminID:   ret.ProcessedBy,
	}
	return ep.producer.PublishEvent(ctx, orderKey(ret.OrderID), event)
}

func orderKey(orderID string) string {
	return fmt.Sprintf("order-%s", orderID)
}

// EventHandler routes consumed events to registered callbacks.
type EventHandler struct {
	onPaymentOutcome func(context.Context, *models.PaymentOutcomeEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentOutcome registers a handler for payment outcome events
func (eh *EventHandler) OnPaymentOutcome(handler func(context.Context, *models.PaymentOutcomeEvent) error) {
	eh.onPaymentOutcome = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypePaymentCaptured, models.EventTypePaymentFailed, models.EventTypePaymentRefunded:
		if eh.onPaymentOutcome != nil {
			var event models.PaymentOutcomeEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal payment outcome event: %w", err)
			}
			return eh.onPaymentOutcome(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
