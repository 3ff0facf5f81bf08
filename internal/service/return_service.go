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

// ReturnStore is the persistence surface the return workflow needs.
type ReturnStore interface {
	GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID, from, reason, cancelledBy string, at time.Time) (bool, error)

	CreateReturn(ctx context.Context, ret *models.Return) error
	GetReturnByReturnID(ctx context.Context, returnID string) (*models.Return, error)
	GetActiveReturnByOrder(ctx context.Context, orderID string) (*models.Return, error)
	ListReturnsByUser(ctx context.Context, userID string, f store.ReturnFilter) ([]models.Return, int, error)
	ListReturns(ctx context.Context, f store.ReturnFilter) ([]models.Return, int, error)
	ListReturnsBySeller(ctx context.Context, sellerID string, f store.ReturnFilter) ([]models.Return, int, error)
	UpdateReturnStatus(ctx context.Context, returnID, from, to string, stamp store.ReturnStamp) (bool, error)
	SetReturnRefundTransaction(ctx context.Context, returnID, transactionID string) error
	GetReturnStats(ctx context.Context, sellerID string) (*store.ReturnStats, error)
}

// Refunder issues the money-back leg of an approved return.
type Refunder interface {
	RefundOrderPayment(ctx context.Context, orderID string, amount int64, reason string) (*models.Transaction, error)
}

// ReturnPublisher emits return lifecycle facts to the event stream.
type ReturnPublisher interface {
	PublishReturnRequested(ctx context.Context, ret *models.Return) error
	PublishReturnAdvanced(ctx context.Context, ret *models.Return, from string) error
}

// CreateReturnRequest carries a buyer's return ask.
type CreateReturnRequest struct {
	OrderID            string `json:"orderId"`
	UserID             string `json:"userId"`
	ReturnReason       string `json:"returnReason"`
	ReturnReasonText   string `json:"returnReasonText"`
	AdditionalComments string `json:"additionalComments,omitempty"`
	RefundMethod       string `json:"refundMethod,omitempty"`
}

// ReturnService runs the return/refund state machine. Like orders, every
// transition is a conditional write so concurrent admins produce exactly
// one winner.
type ReturnService struct {
	store     ReturnStore
	refunder  Refunder
	publisher ReturnPublisher
	logger    *zap.Logger

	windowDays int
}

// NewReturnService creates a new return service
func NewReturnService(st ReturnStore, refunder Refunder, publisher ReturnPublisher, windowDays int) *ReturnService {
	if windowDays <= 0 {
		windowDays = 7
	}
	return &ReturnService{
		store:      st,
		refunder:   refunder,
		publisher:  publisher,
		logger:     util.GetLogger(),
		windowDays: windowDays,
	}
}

// CreateReturn opens a return request against a shipped or delivered order
// and cancels the parent order, which routes any completed payment into
// refund_pending.
func (s *ReturnService) CreateReturn(ctx context.Context, req CreateReturnRequest) (*models.Return, error) {
	ctx, span := util.StartSpan(ctx, "ReturnService.CreateReturn")
	defer span.End()

	if !models.IsValidReturnReason(req.ReturnReason) {
		return nil, apperr.Newf(apperr.CodeValidation, "unknown return reason %q", req.ReturnReason)
	}
	if req.ReturnReasonText == "" {
		return nil, apperr.New(apperr.CodeValidation, "returnReasonText is required")
	}
	if req.RefundMethod == "" {
		req.RefundMethod = models.RefundMethodOriginal
	}
	if req.RefundMethod != models.RefundMethodOriginal && req.RefundMethod != models.RefundMethodWallet {
		return nil, apperr.Newf(apperr.CodeValidation, "unknown refund method %q", req.RefundMethod)
	}

	order, err := s.store.GetOrderByOrderID(ctx, req.OrderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to load order")
	}
	if order == nil || order.UserID != req.UserID {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s not found", req.OrderID)
	}

	switch order.Status {
	case models.OrderStatusProcessing, models.OrderStatusShipped, models.OrderStatusDelivered:
	case models.OrderStatusCancelled:
		return nil, apperr.New(apperr.CodeInvalidTransition, "cancelled orders cannot be returned")
	default:
		return nil, apperr.Newf(apperr.CodeInvalidTransition,
			"order cannot be returned before fulfillment starts, current status is %s", order.Status)
	}

	active, err := s.store.GetActiveReturnByOrder(ctx, req.OrderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to check existing returns")
	}
	if active != nil {
		return nil, apperr.Newf(apperr.CodeDuplicateReturn,
			"order %s already has an active return %s", req.OrderID, active.ReturnID)
	}

	now := time.Now().UTC()
	if order.DeliveredAt != nil && now.Sub(*order.DeliveredAt) > time.Duration(s.windowDays)*24*time.Hour {
		return nil, apperr.Newf(apperr.CodeReturnWindowExpired,
			"return window of %d days has expired", s.windowDays)
	}

	ret := &models.Return{
		ReturnID:           "RET-" + uuid.New().String(),
		OrderID:            order.OrderID,
		UserID:             order.UserID,
		Items:              models.ItemList(order.Items),
		ReturnReason:       req.ReturnReason,
		ReturnReasonText:   req.ReturnReasonText,
		AdditionalComments: req.AdditionalComments,
		RefundMethod:       req.RefundMethod,
		RefundAmount:       order.Pricing.Total,
		Status:             models.ReturnStatusRequested,
		PickupAddress:      order.DeliveryAddress,
	}
	if err := s.store.CreateReturn(ctx, ret); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to create return")
	}

	// The parent order is cancelled as part of accepting the request. If a
	// concurrent transition moved the order meanwhile, the return stands
	// and the order keeps whatever state won.
	won, err := s.store.CancelOrder(ctx, order.OrderID, order.Status,
		"Return requested: "+req.ReturnReasonText, models.ActorCustomer, now)
	if err != nil {
		s.logger.Error("Failed to cancel order for return",
			zap.String("order_id", order.OrderID),
			zap.String("return_id", ret.ReturnID),
			zap.Error(err))
	} else if !won {
		s.logger.Warn("Order moved during return creation, skipping cancellation",
			zap.String("order_id", order.OrderID),
			zap.String("return_id", ret.ReturnID))
	}

	util.ReturnsRequestedTotal.Inc()
	s.logger.Info("Return requested",
		zap.String("return_id", ret.ReturnID),
		zap.String("order_id", order.OrderID),
		zap.String("reason", req.ReturnReason))

	if s.publisher != nil {
		if perr := s.publisher.PublishReturnRequested(ctx, ret); perr != nil {
			s.logger.Warn("Return event publish failed", zap.Error(perr))
		}
	}
	return ret, nil
}

// AdvanceStatus moves a return to target on the admin workflow. Entering
// refund_initiated issues the refund synchronously; if the refund fails the
// transition is rolled back so a retry is possible.
func (s *ReturnService) AdvanceStatus(ctx context.Context, returnID, target, adminID, notes string) (*models.Return, error) {
	ctx, span := util.StartSpan(ctx, "ReturnService.AdvanceStatus")
	defer span.End()

	if !models.IsValidReturnStatus(target) {
		return nil, apperr.Newf(apperr.CodeValidation, "unknown return status %q", target)
	}

	ret, err := s.getReturn(ctx, returnID)
	if err != nil {
		return nil, err
	}
	from := ret.Status
	if !models.CanTransitionReturn(from, target) {
		return nil, apperr.Newf(apperr.CodeInvalidTransition,
			"cannot transition return from %s to %s", from, target)
	}

	now := time.Now().UTC()
	stamp := store.ReturnStamp{ProcessedBy: adminID, Notes: notes, At: now}
	won, err := s.store.UpdateReturnStatus(ctx, returnID, from, target, stamp)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to update return status")
	}
	if !won {
		return nil, s.loseRace(ctx, returnID, from, target)
	}

	if target == models.ReturnStatusRefundInitiated {
		if err := s.issueRefund(ctx, ret, adminID, now); err != nil {
			// Roll the transition back so the admin can retry once the
			// payment side recovers.
			if reverted, rerr := s.store.UpdateReturnStatus(ctx, returnID,
				models.ReturnStatusRefundInitiated, models.ReturnStatusInspected,
				store.ReturnStamp{ProcessedBy: adminID, Notes: "refund attempt failed", At: time.Now().UTC()}); rerr != nil || !reverted {
				s.logger.Error("Failed to revert return after refund failure",
					zap.String("return_id", returnID),
					zap.Error(rerr))
			}
			return nil, err
		}
	}

	updated, err := s.getReturn(ctx, returnID)
	if err != nil {
		ret.Status = target
		updated = ret
	}

	util.ReturnTransitionsTotal.WithLabelValues(target).Inc()
	s.logger.Info("Return transitioned",
		zap.String("return_id", returnID),
		zap.String("from", from),
		zap.String("to", target),
		zap.String("admin_id", adminID))

	if s.publisher != nil {
		if perr := s.publisher.PublishReturnAdvanced(ctx, updated, from); perr != nil {
			s.logger.Warn("Return event publish failed", zap.Error(perr))
		}
	}
	return updated, nil
}

// issueRefund pushes the money back through the payment ledger. Orders that
// were never paid online (unsettled cash on delivery) have no completed
// transaction and nothing to refund.
func (s *ReturnService) issueRefund(ctx context.Context, ret *models.Return, adminID string, at time.Time) error {
	if s.refunder == nil {
		return nil
	}
	tx, err := s.refunder.RefundOrderPayment(ctx, ret.OrderID, ret.RefundAmount,
		"Return approved: "+ret.ReturnReasonText)
	if err != nil {
		return apperr.Wrap(apperr.CodeOf(err), err, "refund for return failed")
	}
	if tx == nil {
		s.logger.Info("No completed transaction for order, skipping refund",
			zap.String("return_id", ret.ReturnID),
			zap.String("order_id", ret.OrderID))
		return nil
	}
	if err := s.store.SetReturnRefundTransaction(ctx, ret.ReturnID, tx.TransactionID); err != nil {
		s.logger.Error("Failed to link refund transaction to return",
			zap.String("return_id", ret.ReturnID),
			zap.String("transaction_id", tx.TransactionID),
			zap.Error(err))
	}
	return nil
}

// CancelReturn lets the buyer withdraw a return that has not progressed past
// approval.
func (s *ReturnService) CancelReturn(ctx context.Context, returnID, userID, reason string) (*models.Return, error) {
	ctx, span := util.StartSpan(ctx, "ReturnService.CancelReturn")
	defer span.End()

	ret, err := s.getReturn(ctx, returnID)
	if err != nil {
		return nil, err
	}
	if ret.UserID != userID {
		return nil, apperr.Newf(apperr.CodeNotFound, "return %s not found", returnID)
	}
	if ret.Status != models.ReturnStatusRequested && ret.Status != models.ReturnStatusApproved {
		return nil, apperr.Newf(apperr.CodeInvalidTransition,
			"cannot cancel return in status %s", ret.Status)
	}

	from := ret.Status
	stamp := store.ReturnStamp{Notes: reason, At: time.Now().UTC()}
	won, err := s.store.UpdateReturnStatus(ctx, returnID, from, models.ReturnStatusCancelled, stamp)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to cancel return")
	}
	if !won {
		return nil, s.loseRace(ctx, returnID, from, models.ReturnStatusCancelled)
	}

	updated, err := s.getReturn(ctx, returnID)
	if err != nil {
		ret.Status = models.ReturnStatusCancelled
		updated = ret
	}

	util.ReturnTransitionsTotal.WithLabelValues(models.ReturnStatusCancelled).Inc()
	s.logger.Info("Return cancelled by customer",
		zap.String("return_id", returnID),
		zap.String("user_id", userID))

	if s.publisher != nil {
		if perr := s.publisher.PublishReturnAdvanced(ctx, updated, from); perr != nil {
			s.logger.Warn("Return event publish failed", zap.Error(perr))
		}
	}
	return updated, nil
}

// GetReturn fetches one return, enforcing ownership for non-privileged
// callers.
func (s *ReturnService) GetReturn(ctx context.Context, returnID string, caller Identity) (*models.Return, error) {
	ctx, span := util.StartSpan(ctx, "ReturnService.GetReturn")
	defer span.End()

	ret, err := s.getReturn(ctx, returnID)
	if err != nil {
		return nil, err
	}
	if !caller.IsPrivileged() && ret.UserID != caller.SubjectID {
		return nil, apperr.Newf(apperr.CodeNotFound, "return %s not found", returnID)
	}
	return ret, nil
}

// GetReturnForOrder fetches the active return on an order, if any.
func (s *ReturnService) GetReturnForOrder(ctx context.Context, orderID string, caller Identity) (*models.Return, error) {
	ctx, span := util.StartSpan(ctx, "ReturnService.GetReturnForOrder")
	defer span.End()

	ret, err := s.store.GetActiveReturnByOrder(ctx, orderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to load return")
	}
	if ret == nil || (!caller.IsPrivileged() && ret.UserID != caller.SubjectID) {
		return nil, apperr.Newf(apperr.CodeNotFound, "no active return for order %s", orderID)
	}
	return ret, nil
}

// ListUserReturns returns the caller's return history, paginated.
func (s *ReturnService) ListUserReturns(ctx context.Context, userID string, f store.ReturnFilter) ([]models.Return, int, error) {
	ctx, span := util.StartSpan(ctx, "ReturnService.ListUserReturns")
	defer span.End()

	returns, total, err := s.store.ListReturnsByUser(ctx, userID, f)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.CodeInternal, err, "failed to list returns")
	}
	return returns, total, nil
}

// ListReturns is the admin listing with optional status filter.
func (s *ReturnService) ListReturns(ctx context.Context, f store.ReturnFilter) ([]models.Return, int, error) {
	ctx, span := util.StartSpan(ctx, "ReturnService.ListReturns")
	defer span.End()

	if f.Status != "" && !models.IsValidReturnStatus(f.Status) {
		return nil, 0, apperr.Newf(apperr.CodeValidation, "unknown return status %q", f.Status)
	}
	returns, total, err := s.store.ListReturns(ctx, f)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.CodeInternal, err, "failed to list returns")
	}
	return returns, total, nil
}

// ListSellerReturns returns returns touching the seller's items.
func (s *ReturnService) ListSellerReturns(ctx context.Context, sellerID string, f store.ReturnFilter) ([]models.Return, int, error) {
	ctx, span := util.StartSpan(ctx, "ReturnService.ListSellerReturns")
	defer span.End()

	returns, total, err := s.store.ListReturnsBySeller(ctx, sellerID, f)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.CodeInternal, err, "failed to list seller returns")
	}
	return returns, total, nil
}

// ReturnStats aggregates return volume and reasons, optionally scoped to a
// seller.
func (s *ReturnService) ReturnStats(ctx context.Context, sellerID string) (*store.ReturnStats, error) {
	ctx, span := util.StartSpan(ctx, "ReturnService.ReturnStats")
	defer span.End()

	stats, err := s.store.GetReturnStats(ctx, sellerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to aggregate return stats")
	}
	return stats, nil
}

func (s *ReturnService) getReturn(ctx context.Context, returnID string) (*models.Return, error) {
	ret, err := s.store.GetReturnByReturnID(ctx, returnID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to load return")
	}
	if ret == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "return %s not found", returnID)
	}
	return ret, nil
}

func (s *ReturnService) loseRace(ctx context.Context, returnID, from, target string) error {
	current, err := s.store.GetReturnByReturnID(ctx, returnID)
	if err == nil && current == nil {
		return apperr.Newf(apperr.CodeNotFound, "return %s not found", returnID)
	}
	currentStatus := "unknown"
	if current != nil {
		currentStatus = current.Status
	}
	return apperr.Newf(apperr.CodeConflict,
		"return %s moved from %s to %s while transitioning to %s", returnID, from, currentStatus, target)
}
