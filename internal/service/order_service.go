package service

import (
	"context"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Cancellation reasons stamped by the engine when the caller gives none.
const (
	reasonCancelledByCustomer = "Cancelled by customer"
	reasonCancelledByAdmin    = "Cancelled by admin"
	ReasonOverdueDelivery     = "Automatically cancelled - delivery deadline exceeded"
)

// Actor identifies who is driving a state transition.
type Actor struct {
	ID   string
	Role string
}

// SystemActor is the sweeper's credential.
func SystemActor() Actor {
	return Actor{Role: models.ActorSystem}
}

func (a Actor) actorKind() string {
	switch a.Role {
	case models.ActorSystem:
		return models.ActorSystem
	case RoleAdmin, RoleSuperAdmin:
		return models.ActorAdmin
	default:
		return models.ActorCustomer
	}
}

// OrderStore is the persistence surface the lifecycle engine needs.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]models.Order, error)
	ListOrdersBySeller(ctx context.Context, sellerID string, filter store.OrderFilter) ([]models.Order, int, error)
	ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, int, error)
	AdvanceOrderStatus(ctx context.Context, orderID, from, to string) (bool, error)
	MarkOrderDelivered(ctx context.Context, orderID string, codSettle bool, at time.Time) (bool, error)
	CancelOrder(ctx context.Context, orderID, from, reason, cancelledBy string, at time.Time) (bool, error)
}

// EventPublisher emits lifecycle facts to the event stream. Publishing is
// best effort everywhere: a broker outage must never fail a state change
// that already committed.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, order *models.Order) error
	PublishOrderTransitioned(ctx context.Context, order *models.Order, from string, actor string) error
	PublishOrderCancelled(ctx context.Context, order *models.Order, reason, actor string) error
}

// CreateOrderRequest carries everything needed to open an order.
type CreateOrderRequest struct {
	UserID          string             `json:"userId"`
	Items           []models.OrderItem `json:"items"`
	Pricing         models.Pricing     `json:"pricing"`
	PaymentMethod   string             `json:"paymentMethod"`
	DeliveryAddress models.Address     `json:"deliveryAddress"`
}

// OrderService runs the order state machine. All transitions go through
// conditional writes keyed on the caller's observed status, so two racing
// updates on the same order produce exactly one winner.
type OrderService struct {
	store     OrderStore
	publisher EventPublisher
	logger    *zap.Logger

	deliveryDays int
}

// NewOrderService creates a new order service
func NewOrderService(st OrderStore, publisher EventPublisher, deliveryDays int) *OrderService {
	if deliveryDays <= 0 {
		deliveryDays = 5
	}
	return &OrderService{
		store:        st,
		publisher:    publisher,
		logger:       util.GetLogger(),
		deliveryDays: deliveryDays,
	}
}

// CreateOrder opens a new order in pending with an estimated delivery date
// stamped from config.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if err := validateOrderRequest(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	estimated := now.AddDate(0, 0, s.deliveryDays)
	order := &models.Order{
		OrderID: "ORD-" + uuid.New().String(),
		UserID:  req.UserID,
		Items:   req.Items,
		Pricing: req.Pricing,
		Payment: models.PaymentRecord{
			Method: req.PaymentMethod,
			Status: models.PaymentStatusPending,
		},
		Status:            models.OrderStatusPending,
		DeliveryAddress:   req.DeliveryAddress,
		EstimatedDelivery: estimated,
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to create order")
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.OrderID),
		zap.String("user_id", order.UserID),
		zap.Int64("total", order.Pricing.Total))

	s.notify(func() error { return s.publisher.PublishOrderCreated(ctx, order) }, order.OrderID)
	return order, nil
}

func validateOrderRequest(req CreateOrderRequest) error {
	if req.UserID == "" {
		return apperr.New(apperr.CodeValidation, "userId is required")
	}
	if len(req.Items) == 0 {
		return apperr.New(apperr.CodeValidation, "order must contain at least one item")
	}
	for i, item := range req.Items {
		if item.ProductID == "" || item.Name == "" {
			return apperr.Newf(apperr.CodeValidation, "item %d is missing product identity", i)
		}
		if item.Quantity < 1 {
			return apperr.Newf(apperr.CodeValidation, "item %d has invalid quantity %d", i, item.Quantity)
		}
		if item.UnitPrice < 0 {
			return apperr.Newf(apperr.CodeValidation, "item %d has negative price", i)
		}
	}
	p := req.Pricing
	if p.Subtotal < 0 || p.Discount < 0 || p.DeliveryCharge < 0 || p.Total < 0 {
		return apperr.New(apperr.CodeValidation, "pricing amounts must be non-negative")
	}
	if p.Total != p.Subtotal-p.Discount+p.DeliveryCharge {
		return apperr.New(apperr.CodeValidation, "pricing total does not match subtotal - discount + delivery charge")
	}
	if !models.IsValidPaymentMethod(req.PaymentMethod) {
		return apperr.Newf(apperr.CodeValidation, "unsupported payment method %q", req.PaymentMethod)
	}
	if req.DeliveryAddress.Line1 == "" || req.DeliveryAddress.City == "" {
		return apperr.New(apperr.CodeValidation, "delivery address is incomplete")
	}
	return nil
}

// TransitionStatus moves an order to target via a compare-and-swap on the
// status the caller observed. On delivered it settles cash-on-delivery
// payments in the same write; on cancelled it stamps cancellation metadata
// and flips completed payments to refund_pending.
func (s *OrderService) TransitionStatus(ctx context.Context, orderID, target string, actor Actor, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.TransitionStatus")
	defer span.End()

	if !models.IsValidOrderStatus(target) {
		return nil, apperr.Newf(apperr.CodeValidation, "unknown order status %q", target)
	}

	order, err := s.store.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to load order")
	}
	if order == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s not found", orderID)
	}

	kind := actor.actorKind()
	if kind == models.ActorCustomer {
		// Buyers may only cancel, and only their own orders; everything
		// else is fulfillment-side.
		if target != models.OrderStatusCancelled {
			return nil, apperr.New(apperr.CodeForbidden, "customers may only cancel orders")
		}
		if order.UserID != actor.ID {
			return nil, apperr.New(apperr.CodeForbidden, "order belongs to another customer")
		}
	}

	from := order.Status
	if !models.CanTransitionOrder(from, target) {
		return nil, apperr.Newf(apperr.CodeInvalidTransition,
			"cannot transition order from %s to %s", from, target)
	}

	now := time.Now().UTC()
	var won bool
	switch target {
	case models.OrderStatusDelivered:
		codSettle := order.Payment.Method == models.PaymentMethodCOD && order.Payment.Status == models.PaymentStatusPending
		won, err = s.store.MarkOrderDelivered(ctx, orderID, codSettle, now)
	case models.OrderStatusCancelled:
		if reason == "" {
			reason = defaultCancelReason(kind)
		}
		won, err = s.store.CancelOrder(ctx, orderID, from, reason, kind, now)
	default:
		won, err = s.store.AdvanceOrderStatus(ctx, orderID, from, target)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to update order status")
	}
	if !won {
		return nil, s.loseRace(ctx, orderID, from, target)
	}

	updated, err := s.store.GetOrderByOrderID(ctx, orderID)
	if err != nil || updated == nil {
		// The write committed; fall back to the pre-image with the new status.
		order.Status = target
		updated = order
	}

	util.OrderTransitionsTotal.WithLabelValues(target).Inc()
	s.logger.Info("Order transitioned",
		zap.String("order_id", orderID),
		zap.String("from", from),
		zap.String("to", target),
		zap.String("actor", kind))

	if target == models.OrderStatusCancelled {
		util.OrdersCancelledTotal.WithLabelValues(kind).Inc()
		s.notify(func() error { return s.publisher.PublishOrderCancelled(ctx, updated, reason, kind) }, orderID)
	} else {
		s.notify(func() error { return s.publisher.PublishOrderTransitioned(ctx, updated, from, kind) }, orderID)
	}
	return updated, nil
}

// CancelOrder is the buyer-facing cancel. Only pending and confirmed orders
// qualify; later stages go through the return workflow instead.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, userID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	order, err := s.store.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to load order")
	}
	if order == nil || order.UserID != userID {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s not found", orderID)
	}
	if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusConfirmed {
		return nil, apperr.Newf(apperr.CodeInvalidTransition,
			"cannot cancel order in status %s", order.Status)
	}

	if reason == "" {
		reason = reasonCancelledByCustomer
	}
	won, err := s.store.CancelOrder(ctx, orderID, order.Status, reason, models.ActorCustomer, time.Now().UTC())
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to cancel order")
	}
	if !won {
		return nil, s.loseRace(ctx, orderID, order.Status, models.OrderStatusCancelled)
	}

	updated, err := s.store.GetOrderByOrderID(ctx, orderID)
	if err != nil || updated == nil {
		order.Status = models.OrderStatusCancelled
		updated = order
	}

	util.OrdersCancelledTotal.WithLabelValues(models.ActorCustomer).Inc()
	s.logger.Info("Order cancelled by customer",
		zap.String("order_id", orderID),
		zap.String("user_id", userID))

	s.notify(func() error {
		return s.publisher.PublishOrderCancelled(ctx, updated, reason, models.ActorCustomer)
	}, orderID)
	return updated, nil
}

// loseRace classifies a failed compare-and-swap: either the order vanished
// or someone else moved it first.
func (s *OrderService) loseRace(ctx context.Context, orderID, from, target string) error {
	util.OrderTransitionConflicts.Inc()
	current, err := s.store.GetOrderByOrderID(ctx, orderID)
	if err == nil && current == nil {
		return apperr.Newf(apperr.CodeNotFound, "order %s not found", orderID)
	}
	currentStatus := "unknown"
	if current != nil {
		currentStatus = current.Status
	}
	return apperr.Newf(apperr.CodeConflict,
		"order %s moved from %s to %s while transitioning to %s", orderID, from, currentStatus, target)
}

func defaultCancelReason(kind string) string {
	switch kind {
	case models.ActorSystem:
		return ReasonOverdueDelivery
	case models.ActorAdmin:
		return reasonCancelledByAdmin
	default:
		return reasonCancelledByCustomer
	}
}

// GetOrder fetches one order, enforcing ownership for non-privileged callers.
func (s *OrderService) GetOrder(ctx context.Context, orderID string, caller Identity) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.store.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to load order")
	}
	if order == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s not found", orderID)
	}
	if !caller.IsPrivileged() && order.UserID != caller.SubjectID {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s not found", orderID)
	}
	return order, nil
}

// ListUserOrders returns the caller's own orders, newest first.
func (s *OrderService) ListUserOrders(ctx context.Context, userID string, limit int) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListUserOrders")
	defer span.End()

	orders, err := s.store.ListOrdersByUser(ctx, userID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to list orders")
	}
	return orders, nil
}

// ListSellerOrders returns orders containing at least one item created by
// the seller, paginated.
func (s *OrderService) ListSellerOrders(ctx context.Context, sellerID string, filter store.OrderFilter) ([]models.Order, int, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListSellerOrders")
	defer span.End()

	orders, total, err := s.store.ListOrdersBySeller(ctx, sellerID, filter)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.CodeInternal, err, "failed to list seller orders")
	}
	return orders, total, nil
}

// ListOrders is the admin listing with optional status/method filters.
func (s *OrderService) ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, int, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	if filter.Status != "" && !models.IsValidOrderStatus(filter.Status) {
		return nil, 0, apperr.Newf(apperr.CodeValidation, "unknown order status %q", filter.Status)
	}
	orders, total, err := s.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.CodeInternal, err, "failed to list orders")
	}
	return orders, total, nil
}

// notify runs a best-effort publish, logging failures instead of surfacing
// them: the state change already committed.
func (s *OrderService) notify(publish func() error, orderID string) {
	if s.publisher == nil {
		return
	}
	if err := publish(); err != nil {
		s.logger.Warn("Event publish failed",
			zap.String("order_id", orderID),
			zap.Error(err))
	}
}
