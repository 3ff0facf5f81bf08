package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "test-webhook-secret"

// fakeGuard is an in-memory webhook replay guard.
type fakeGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{seen: make(map[string]bool)}
}

func (g *fakeGuard) CheckAndMarkWebhookEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[eventID] {
		return false, nil
	}
	g.seen[eventID] = true
	return true, nil
}

func (g *fakeGuard) ClearWebhookEvent(ctx context.Context, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, eventID)
	return nil
}

// flakyPaymentStore fails a set number of transaction confirms before
// delegating, simulating a database hiccup mid-webhook.
type flakyPaymentStore struct {
	*memStore
	confirmFailures int
}

func (s *flakyPaymentStore) ConfirmTransaction(ctx context.Context, transactionID, gatewayTransactionID string, at time.Time) (bool, error) {
	if s.confirmFailures > 0 {
		s.confirmFailures--
		return false, errors.New("connection reset by peer")
	}
	return s.memStore.ConfirmTransaction(ctx, transactionID, gatewayTransactionID, at)
}

func newPaymentFixture(t *testing.T) (*memStore, *PaymentService, *models.Order) {
	t.Helper()
	st := newMemStore()
	orders := NewOrderService(st, nil, 5)
	order, err := orders.CreateOrder(context.Background(), testOrderRequest("user-1"))
	require.NoError(t, err)
	return st, NewPaymentService(st, newFakeGuard(), nil, testWebhookSecret), order
}

func TestInitiatePayment(t *testing.T) {
	_, svc, order := newPaymentFixture(t)
	ctx := context.Background()

	tx, err := svc.InitiatePayment(ctx, InitiatePaymentRequest{
		OrderID:    order.OrderID,
		UserID:     "user-1",
		Amount:     77500,
		Method:     models.PaymentMethodCard,
		CardNumber: "4111 1111 1111 1234",
		CardType:   "visa",
	})
	require.NoError(t, err)
	assert.Contains(t, tx.TransactionID, "TXN-")
	assert.Equal(t, models.TxStatusPending, tx.Status)
	assert.Equal(t, "1234", tx.Metadata.CardLast4, "only the last four digits may be stored")
	assert.Equal(t, "visa", tx.Metadata.CardType)
}

func TestInitiatePaymentAmountMustMatchTotal(t *testing.T) {
	_, svc, order := newPaymentFixture(t)

	_, err := svc.InitiatePayment(context.Background(), InitiatePaymentRequest{
		OrderID: order.OrderID,
		UserID:  "user-1",
		Amount:  100,
		Method:  models.PaymentMethodCard,
	})
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestConfirmPaymentIdempotent(t *testing.T) {
	st, svc, order := newPaymentFixture(t)
	ctx := context.Background()

	tx, err := svc.InitiatePayment(ctx, InitiatePaymentRequest{
		OrderID: order.OrderID, UserID: "user-1", Amount: 77500, Method: models.PaymentMethodUPI, UPIID: "asha@upi",
	})
	require.NoError(t, err)

	first, err := svc.ConfirmPayment(ctx, tx.TransactionID, "gw-123")
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusSuccess, first.Status)
	assert.Equal(t, "gw-123", first.GatewayTransactionID)

	// a redelivered callback is a no-op, not an error
	second, err := svc.ConfirmPayment(ctx, tx.TransactionID, "gw-123")
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusSuccess, second.Status)

	updated, _ := st.GetOrderByOrderID(ctx, order.OrderID)
	assert.Equal(t, models.PaymentStatusCompleted, updated.Payment.Status)
	assert.NotNil(t, updated.Payment.PaidAt)
}

func TestConfirmAfterFailureRejected(t *testing.T) {
	_, svc, order := newPaymentFixture(t)
	ctx := context.Background()

	tx, _ := svc.InitiatePayment(ctx, InitiatePaymentRequest{
		OrderID: order.OrderID, UserID: "user-1", Amount: 77500, Method: models.PaymentMethodCard,
	})
	_, err := svc.FailPayment(ctx, tx.TransactionID, "insufficient funds")
	require.NoError(t, err)

	_, err = svc.ConfirmPayment(ctx, tx.TransactionID, "gw-1")
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidTransition))
}

func TestRefundRules(t *testing.T) {
	st, svc, order := newPaymentFixture(t)
	ctx := context.Background()

	tx, _ := svc.InitiatePayment(ctx, InitiatePaymentRequest{
		OrderID: order.OrderID, UserID: "user-1", Amount: 77500, Method: models.PaymentMethodCard,
	})

	// pending transactions cannot be refunded
	_, err := svc.RefundPayment(ctx, tx.TransactionID, 77500, "test")
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidTransition))

	_, err = svc.ConfirmPayment(ctx, tx.TransactionID, "gw-1")
	require.NoError(t, err)

	// refunds may not exceed the captured amount
	_, err = svc.RefundPayment(ctx, tx.TransactionID, 77501, "test")
	assert.True(t, apperr.IsCode(err, apperr.CodeRefundAmountExceeded))

	refunded, err := svc.RefundPayment(ctx, tx.TransactionID, 77500, "order cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusRefunded, refunded.Status)
	assert.Equal(t, int64(77500), refunded.RefundAmount)

	// a refunded transaction cannot be refunded again
	_, err = svc.RefundPayment(ctx, tx.TransactionID, 100, "test")
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidTransition))

	updated, _ := st.GetOrderByOrderID(ctx, order.OrderID)
	assert.Equal(t, models.PaymentStatusRefunded, updated.Payment.Status)
}

func signPayload(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookSignatureVerification(t *testing.T) {
	_, svc, _ := newPaymentFixture(t)

	payload := []byte(`{"eventId":"evt-1"}`)
	assert.NoError(t, svc.VerifyWebhookSignature(payload, signPayload(payload)))

	err := svc.VerifyWebhookSignature(payload, "deadbeef")
	assert.True(t, apperr.IsCode(err, apperr.CodeSignatureInvalid))

	// signature over different bytes must not verify
	err = svc.VerifyWebhookSignature([]byte(`{"eventId":"evt-2"}`), signPayload(payload))
	assert.True(t, apperr.IsCode(err, apperr.CodeSignatureInvalid))
}

func TestWebhookCaptureFlow(t *testing.T) {
	st, svc, order := newPaymentFixture(t)
	ctx := context.Background()

	tx, _ := svc.InitiatePayment(ctx, InitiatePaymentRequest{
		OrderID: order.OrderID, UserID: "user-1", Amount: 77500, Method: models.PaymentMethodCard,
	})

	payload, _ := json.Marshal(map[string]interface{}{
		"eventId":   "evt-cap-1",
		"eventType": "payment.captured",
		"data": map[string]interface{}{
			"transactionId":        tx.TransactionID,
			"gatewayTransactionId": "gw-777",
		},
	})

	require.NoError(t, svc.HandleGatewayWebhook(ctx, payload, signPayload(payload)))

	confirmed, _ := st.GetTransactionByTransactionID(ctx, tx.TransactionID)
	assert.Equal(t, models.TxStatusSuccess, confirmed.Status)
	assert.Equal(t, "gw-777", confirmed.GatewayTransactionID)

	// replaying the same delivery is accepted quietly and changes nothing
	require.NoError(t, svc.HandleGatewayWebhook(ctx, payload, signPayload(payload)))
	again, _ := st.GetTransactionByTransactionID(ctx, tx.TransactionID)
	assert.Equal(t, models.TxStatusSuccess, again.Status)
}

func TestWebhookRedeliveryAfterTransientFailure(t *testing.T) {
	st := newMemStore()
	flaky := &flakyPaymentStore{memStore: st, confirmFailures: 1}
	orders := NewOrderService(st, nil, 5)
	svc := NewPaymentService(flaky, newFakeGuard(), nil, testWebhookSecret)
	ctx := context.Background()

	order, err := orders.CreateOrder(ctx, testOrderRequest("user-1"))
	require.NoError(t, err)
	tx, err := svc.InitiatePayment(ctx, InitiatePaymentRequest{
		OrderID: order.OrderID, UserID: "user-1", Amount: 77500, Method: models.PaymentMethodCard,
	})
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]interface{}{
		"eventId":   "evt-retry-1",
		"eventType": "payment.captured",
		"data": map[string]interface{}{
			"transactionId":        tx.TransactionID,
			"gatewayTransactionId": "gw-retry",
		},
	})

	// the first delivery hits a store hiccup; the gateway will redeliver
	require.Error(t, svc.HandleGatewayWebhook(ctx, payload, signPayload(payload)))
	pending, _ := st.GetTransactionByTransactionID(ctx, tx.TransactionID)
	require.Equal(t, models.TxStatusPending, pending.Status)

	// the redelivery must not be treated as a replay of the failed attempt
	require.NoError(t, svc.HandleGatewayWebhook(ctx, payload, signPayload(payload)))
	confirmed, _ := st.GetTransactionByTransactionID(ctx, tx.TransactionID)
	assert.Equal(t, models.TxStatusSuccess, confirmed.Status)
	assert.Equal(t, "gw-retry", confirmed.GatewayTransactionID)
}

func TestWebhookRejectsBadInput(t *testing.T) {
	_, svc, _ := newPaymentFixture(t)
	ctx := context.Background()

	payload := []byte(`{"eventId":"evt-x","eventType":"payment.captured","data":{"transactionId":"TXN-x"}}`)
	err := svc.HandleGatewayWebhook(ctx, payload, "bad-signature")
	assert.True(t, apperr.IsCode(err, apperr.CodeSignatureInvalid))

	garbage := []byte(`{nope`)
	err = svc.HandleGatewayWebhook(ctx, garbage, signPayload(garbage))
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))

	unknown, _ := json.Marshal(map[string]interface{}{
		"eventId":   "evt-u",
		"eventType": "payment.teleported",
		"data":      map[string]interface{}{"transactionId": "TXN-u"},
	})
	err = svc.HandleGatewayWebhook(ctx, unknown, signPayload(unknown))
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestRefundOrderPaymentWithoutTransaction(t *testing.T) {
	_, svc, order := newPaymentFixture(t)

	tx, err := svc.RefundOrderPayment(context.Background(), order.OrderID, 77500, "return approved")
	require.NoError(t, err)
	assert.Nil(t, tx, "an order never paid online has nothing to refund")
}
