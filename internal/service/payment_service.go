package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const gatewayName = "razorpay"

// PaymentStore is the persistence surface the reconciliation service needs.
type PaymentStore interface {
	GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error)
	SetOrderPayment(ctx context.Context, orderID, method, status, transactionID string, paidAt *time.Time) error

	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransactionByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error)
	GetCompletedTransactionByOrder(ctx context.Context, orderID string) (*models.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID string, filter store.TransactionFilter) ([]models.Transaction, error)
	ConfirmTransaction(ctx context.Context, transactionID, gatewayTransactionID string, at time.Time) (bool, error)
	FailTransaction(ctx context.Context, transactionID, failureReason string, at time.Time) (bool, error)
	RefundTransaction(ctx context.Context, transactionID string, amount int64, reason string, at time.Time) (bool, error)
	PaymentAnalytics(ctx context.Context, start, end *time.Time) ([]store.PaymentMethodStats, error)

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// WebhookGuard deduplicates gateway webhook deliveries across instances.
// ClearWebhookEvent drops the mark again so a failed delivery stays eligible
// for redelivery.
type WebhookGuard interface {
	CheckAndMarkWebhookEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	ClearWebhookEvent(ctx context.Context, eventID string) error
}

// OutcomePublisher emits payment outcome facts to the event stream.
type OutcomePublisher interface {
	PublishPaymentOutcome(ctx context.Context, eventType string, tx *models.Transaction) error
}

// InitiatePaymentRequest opens a transaction against an order.
type InitiatePaymentRequest struct {
	OrderID    string `json:"orderId"`
	UserID     string `json:"userId"`
	Amount     int64  `json:"amount"`
	Method     string `json:"method"`
	CardNumber string `json:"cardNumber,omitempty"`
	CardType   string `json:"cardType,omitempty"`
	UPIID      string `json:"upiId,omitempty"`
}

// gatewayWebhook is the envelope the payment gateway posts back.
type gatewayWebhook struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Data      struct {
		TransactionID        string `json:"transactionId"`
		GatewayTransactionID string `json:"gatewayTransactionId"`
		Amount               int64  `json:"amount"`
		Reason               string `json:"reason"`
	} `json:"data"`
}

// PaymentService records money movement against orders. The transaction
// ledger is the source of truth; the order's payment block is a projection
// updated alongside it.
type PaymentService struct {
	store     PaymentStore
	guard     WebhookGuard
	publisher OutcomePublisher
	logger    *zap.Logger

	webhookSecret string
}

// NewPaymentService creates a new payment service
func NewPaymentService(st PaymentStore, guard WebhookGuard, publisher OutcomePublisher, webhookSecret string) *PaymentService {
	return &PaymentService{
		store:         st,
		guard:         guard,
		publisher:     publisher,
		logger:        util.GetLogger(),
		webhookSecret: webhookSecret,
	}
}

// InitiatePayment opens a pending transaction for an order. The amount must
// match the order total exactly; partial payments are not a thing here.
func (s *PaymentService) InitiatePayment(ctx context.Context, req InitiatePaymentRequest) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.InitiatePayment")
	defer span.End()

	if !models.IsValidPaymentMethod(req.Method) {
		return nil, apperr.Newf(apperr.CodeValidation, "unsupported payment method %q", req.Method)
	}

	order, err := s.store.GetOrderByOrderID(ctx, req.OrderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to load order")
	}
	if order == nil || (req.UserID != "" && order.UserID != req.UserID) {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s not found", req.OrderID)
	}
	if req.Amount != order.Pricing.Total {
		return nil, apperr.Newf(apperr.CodeValidation,
			"amount %d does not match order total %d", req.Amount, order.Pricing.Total)
	}

	gateway := gatewayName
	if req.Method == models.PaymentMethodCOD {
		gateway = "none"
	}

	tx := &models.Transaction{
		TransactionID: "TXN-" + uuid.New().String(),
		OrderID:       req.OrderID,
		UserID:        order.UserID,
		Amount:        req.Amount,
		Method:        req.Method,
		Gateway:       gateway,
		Status:        models.TxStatusPending,
		Metadata:      maskedMetadata(req),
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to create transaction")
	}

	if err := s.store.SetOrderPayment(ctx, req.OrderID, req.Method, models.PaymentStatusPending, tx.TransactionID, nil); err != nil {
		s.logger.Error("Failed to stamp order payment projection",
			zap.String("order_id", req.OrderID),
			zap.String("transaction_id", tx.TransactionID),
			zap.Error(err))
	}

	util.PaymentsInitiatedTotal.WithLabelValues(req.Method).Inc()
	s.logger.Info("Payment initiated",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("order_id", req.OrderID),
		zap.Int64("amount", req.Amount))
	return tx, nil
}

// maskedMetadata keeps only display-safe instrument details. Full card
// numbers never reach storage.
func maskedMetadata(req InitiatePaymentRequest) models.TxMetadata {
	meta := models.TxMetadata{}
	if req.CardNumber != "" {
		digits := strings.ReplaceAll(req.CardNumber, " ", "")
		if len(digits) > 4 {
			digits = digits[len(digits)-4:]
		}
		meta.CardLast4 = digits
		meta.CardType = req.CardType
	}
	if req.UPIID != "" {
		meta.UPIID = req.UPIID
	}
	return meta
}

// ConfirmPayment settles a pending transaction. Confirming an already
// successful transaction is a no-op returning the existing record, which
// makes gateway retries harmless.
func (s *PaymentService) ConfirmPayment(ctx context.Context, transactionID, gatewayTransactionID string) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ConfirmPayment")
	defer span.End()

	tx, err := s.getTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status == models.TxStatusSuccess {
		return tx, nil
	}
	if tx.Status != models.TxStatusPending {
		return nil, apperr.Newf(apperr.CodeInvalidTransition,
			"cannot confirm transaction in status %s", tx.Status)
	}

	now := time.Now().UTC()
	won, err := s.store.ConfirmTransaction(ctx, transactionID, gatewayTransactionID, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to confirm transaction")
	}
	if !won {
		// Lost the race. If the winner confirmed too, this call still
		// succeeded from the caller's point of view.
		current, rerr := s.getTransaction(ctx, transactionID)
		if rerr == nil && current.Status == models.TxStatusSuccess {
			return current, nil
		}
		return nil, apperr.Newf(apperr.CodeConflict,
			"transaction %s changed state during confirmation", transactionID)
	}

	if err := s.store.SetOrderPayment(ctx, tx.OrderID, "", models.PaymentStatusCompleted, transactionID, &now); err != nil {
		s.logger.Error("Failed to stamp order payment projection",
			zap.String("order_id", tx.OrderID),
			zap.Error(err))
	}

	confirmed, err := s.getTransaction(ctx, transactionID)
	if err != nil {
		confirmed = tx
		confirmed.Status = models.TxStatusSuccess
		confirmed.GatewayTransactionID = gatewayTransactionID
	}

	util.PaymentsConfirmedTotal.Inc()
	s.logger.Info("Payment confirmed",
		zap.String("transaction_id", transactionID),
		zap.String("order_id", tx.OrderID))
	s.notifyOutcome(ctx, models.EventTypePaymentCaptured, confirmed)
	return confirmed, nil
}

// FailPayment marks a pending transaction failed with the gateway's reason.
func (s *PaymentService) FailPayment(ctx context.Context, transactionID, failureReason string) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.FailPayment")
	defer span.End()

	tx, err := s.getTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status == models.TxStatusFailed {
		return tx, nil
	}
	if tx.Status != models.TxStatusPending {
		return nil, apperr.Newf(apperr.CodeInvalidTransition,
			"cannot fail transaction in status %s", tx.Status)
	}

	now := time.Now().UTC()
	won, err := s.store.FailTransaction(ctx, transactionID, failureReason, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to mark transaction failed")
	}
	if !won {
		return nil, apperr.Newf(apperr.CodeConflict,
			"transaction %s changed state during failure handling", transactionID)
	}

	if err := s.store.SetOrderPayment(ctx, tx.OrderID, "", models.PaymentStatusFailed, transactionID, nil); err != nil {
		s.logger.Error("Failed to stamp order payment projection",
			zap.String("order_id", tx.OrderID),
			zap.Error(err))
	}

	failed, err := s.getTransaction(ctx, transactionID)
	if err != nil {
		failed = tx
		failed.Status = models.TxStatusFailed
		failed.FailureReason = failureReason
	}

	util.PaymentsFailedTotal.Inc()
	s.logger.Info("Payment failed",
		zap.String("transaction_id", transactionID),
		zap.String("reason", failureReason))
	s.notifyOutcome(ctx, models.EventTypePaymentFailed, failed)
	return failed, nil
}

// RefundPayment refunds a successful transaction, up to its full amount.
func (s *PaymentService) RefundPayment(ctx context.Context, transactionID string, amount int64, reason string) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.RefundPayment")
	defer span.End()

	tx, err := s.getTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, apperr.New(apperr.CodeValidation, "refund amount must be positive")
	}
	if amount > tx.Amount {
		return nil, apperr.Newf(apperr.CodeRefundAmountExceeded,
			"refund amount %d exceeds transaction amount %d", amount, tx.Amount)
	}
	if tx.Status != models.TxStatusSuccess {
		return nil, apperr.Newf(apperr.CodeInvalidTransition,
			"can only refund successful transactions, current status is %s", tx.Status)
	}

	now := time.Now().UTC()
	won, err := s.store.RefundTransaction(ctx, transactionID, amount, reason, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to refund transaction")
	}
	if !won {
		return nil, apperr.Newf(apperr.CodeConflict,
			"transaction %s changed state during refund", transactionID)
	}

	if err := s.store.SetOrderPayment(ctx, tx.OrderID, "", models.PaymentStatusRefunded, transactionID, nil); err != nil {
		s.logger.Error("Failed to stamp order payment projection",
			zap.String("order_id", tx.OrderID),
			zap.Error(err))
	}

	refunded, err := s.getTransaction(ctx, transactionID)
	if err != nil {
		refunded = tx
		refunded.Status = models.TxStatusRefunded
	}

	util.RefundsTotal.Inc()
	s.logger.Info("Payment refunded",
		zap.String("transaction_id", transactionID),
		zap.Int64("amount", amount),
		zap.String("reason", reason))
	s.notifyOutcome(ctx, models.EventTypePaymentRefunded, refunded)
	return refunded, nil
}

// RefundOrderPayment refunds the latest completed transaction of an order,
// if there is one. Returns (nil, nil) when the order was never paid online.
func (s *PaymentService) RefundOrderPayment(ctx context.Context, orderID string, amount int64, reason string) (*models.Transaction, error) {
	tx, err := s.store.GetCompletedTransactionByOrder(ctx, orderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to look up completed transaction")
	}
	if tx == nil {
		return nil, nil
	}
	if amount <= 0 || amount > tx.Amount {
		amount = tx.Amount
	}
	return s.RefundPayment(ctx, tx.TransactionID, amount, reason)
}

// VerifyWebhookSignature checks the HMAC-SHA256 hex signature the gateway
// computes over the raw request body.
func (s *PaymentService) VerifyWebhookSignature(payload []byte, signature string) error {
	if s.webhookSecret == "" {
		return apperr.New(apperr.CodeInternal, "webhook secret is not configured")
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		util.WebhookRejectedTotal.WithLabelValues("bad_signature").Inc()
		return apperr.New(apperr.CodeSignatureInvalid, "webhook signature mismatch")
	}
	return nil
}

// HandleGatewayWebhook verifies, deduplicates, and applies one gateway
// callback. Redeliveries of an already processed event return nil so the
// gateway stops retrying.
func (s *PaymentService) HandleGatewayWebhook(ctx context.Context, payload []byte, signature string) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleGatewayWebhook")
	defer span.End()

	if err := s.VerifyWebhookSignature(payload, signature); err != nil {
		return err
	}

	var event gatewayWebhook
	if err := json.Unmarshal(payload, &event); err != nil {
		util.WebhookRejectedTotal.WithLabelValues("bad_payload").Inc()
		return apperr.Wrap(apperr.CodeValidation, err, "malformed webhook payload")
	}
	if event.EventID == "" || event.Data.TransactionID == "" {
		util.WebhookRejectedTotal.WithLabelValues("bad_payload").Inc()
		return apperr.New(apperr.CodeValidation, "webhook payload is missing eventId or transactionId")
	}

	marked := false
	if s.guard != nil {
		fresh, err := s.guard.CheckAndMarkWebhookEvent(ctx, event.EventID, 24*time.Hour)
		if err != nil {
			// Replay protection degraded; the durable processed_events
			// check below still holds.
			s.logger.Warn("Webhook replay guard unavailable", zap.Error(err))
		} else if !fresh {
			s.logger.Info("Webhook replay skipped", zap.String("event_id", event.EventID))
			return nil
		} else {
			marked = true
		}
	}

	if err := s.applyGatewayEvent(ctx, event); err != nil {
		// Returning an error makes the gateway redeliver. Drop the replay
		// mark so that redelivery is not swallowed for the mark's TTL.
		if marked {
			if cerr := s.guard.ClearWebhookEvent(ctx, event.EventID); cerr != nil {
				s.logger.Warn("Failed to clear webhook replay mark",
					zap.String("event_id", event.EventID),
					zap.Error(cerr))
			}
		}
		return err
	}

	if err := s.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		s.logger.Error("Failed to record processed webhook event",
			zap.String("event_id", event.EventID),
			zap.Error(err))
	}
	return nil
}

// applyGatewayEvent routes one verified, unseen webhook to the matching
// outcome handler.
func (s *PaymentService) applyGatewayEvent(ctx context.Context, event gatewayWebhook) error {
	processed, err := s.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "failed to check processed events")
	}
	if processed {
		s.logger.Info("Webhook already processed", zap.String("event_id", event.EventID))
		return nil
	}

	switch event.EventType {
	case "payment.captured":
		_, err = s.ConfirmPayment(ctx, event.Data.TransactionID, event.Data.GatewayTransactionID)
	case "payment.failed":
		reason := event.Data.Reason
		if reason == "" {
			reason = "declined by gateway"
		}
		_, err = s.FailPayment(ctx, event.Data.TransactionID, reason)
	case "refund.created":
		reason := event.Data.Reason
		if reason == "" {
			reason = "refund issued by gateway"
		}
		_, err = s.refundFromWebhook(ctx, event.Data.TransactionID, event.Data.Amount, reason)
	default:
		util.WebhookRejectedTotal.WithLabelValues("unknown_event").Inc()
		return apperr.Newf(apperr.CodeValidation, "unknown webhook event type %q", event.EventType)
	}
	return err
}

func (s *PaymentService) refundFromWebhook(ctx context.Context, transactionID string, amount int64, reason string) (*models.Transaction, error) {
	tx, err := s.getTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status == models.TxStatusRefunded {
		return tx, nil
	}
	if amount <= 0 {
		amount = tx.Amount
	}
	return s.RefundPayment(ctx, transactionID, amount, reason)
}

// GetTransaction fetches a transaction, enforcing ownership for
// non-privileged callers.
func (s *PaymentService) GetTransaction(ctx context.Context, transactionID string, caller Identity) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.GetTransaction")
	defer span.End()

	tx, err := s.getTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !caller.IsPrivileged() && tx.UserID != caller.SubjectID {
		return nil, apperr.Newf(apperr.CodeNotFound, "transaction %s not found", transactionID)
	}
	return tx, nil
}

// ListUserTransactions returns the caller's transaction history, paginated.
func (s *PaymentService) ListUserTransactions(ctx context.Context, userID string, filter store.TransactionFilter) ([]models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ListUserTransactions")
	defer span.End()

	txs, err := s.store.ListTransactionsByUser(ctx, userID, filter)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to list transactions")
	}
	return txs, nil
}

// PaymentAnalytics aggregates transaction counts and volume by method.
func (s *PaymentService) PaymentAnalytics(ctx context.Context, start, end *time.Time) ([]store.PaymentMethodStats, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.PaymentAnalytics")
	defer span.End()

	stats, err := s.store.PaymentAnalytics(ctx, start, end)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to aggregate payment analytics")
	}
	return stats, nil
}

func (s *PaymentService) getTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tx, err := s.store.GetTransactionByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to load transaction")
	}
	if tx == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "transaction %s not found", transactionID)
	}
	return tx, nil
}

func (s *PaymentService) notifyOutcome(ctx context.Context, eventType string, tx *models.Transaction) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishPaymentOutcome(ctx, eventType, tx); err != nil {
		s.logger.Warn("Payment outcome publish failed",
			zap.String("transaction_id", tx.TransactionID),
			zap.Error(err))
	}
}
