package service

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// ReconcilerStore is the persistence surface the payment reconciler needs.
type ReconcilerStore interface {
	GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error)
	SetOrderPayment(ctx context.Context, orderID, method, status, transactionID string, paidAt *time.Time) error
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Reconciler re-applies payment outcomes from the event stream onto the
// order payment projection. The synchronous path already writes the
// projection, so this is a repair loop for the cases where that write was
// lost; applying an outcome twice is harmless because the target state is
// absolute, not incremental.
type Reconciler struct {
	store  ReconcilerStore
	logger *zap.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(store ReconcilerStore) *Reconciler {
	return &Reconciler{
		store:  store,
		logger: util.GetLogger(),
	}
}

// HandlePaymentOutcome applies one payment outcome event. Events are
// deduplicated by event ID; kafka redeliveries after a consumer restart hit
// the processed-events guard and return nil.
func (r *Reconciler) HandlePaymentOutcome(ctx context.Context, event *models.PaymentOutcomeEvent) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandlePaymentOutcome")
	defer span.End()

	processed, err := r.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	order, err := r.store.GetOrderByOrderID(ctx, event.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		r.logger.Warn("Payment outcome for unknown order",
			zap.String("event_id", event.EventID),
			zap.String("order_id", event.OrderID))
		return r.store.MarkEventProcessed(ctx, event.EventID, event.EventType)
	}

	var (
		status string
		paidAt *time.Time
	)
	switch event.EventType {
	case models.EventTypePaymentCaptured:
		status = models.PaymentStatusCompleted
		at := event.Timestamp
		paidAt = &at
	case models.EventTypePaymentFailed:
		status = models.PaymentStatusFailed
	case models.EventTypePaymentRefunded:
		status = models.PaymentStatusRefunded
	default:
		r.logger.Debug("Ignoring unhandled payment outcome type",
			zap.String("event_type", event.EventType))
		return r.store.MarkEventProcessed(ctx, event.EventID, event.EventType)
	}

	if order.Payment.Status != status {
		if err := r.store.SetOrderPayment(ctx, event.OrderID, "", status, event.TransactionID, paidAt); err != nil {
			return err
		}
		r.logger.Info("Reconciled order payment projection",
			zap.String("order_id", event.OrderID),
			zap.String("from", order.Payment.Status),
			zap.String("to", status))
	}

	return r.store.MarkEventProcessed(ctx, event.EventID, event.EventType)
}
