package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddress() models.Address {
	return models.Address{
		Name:    "Asha K",
		Phone:   "9999999999",
		Line1:   "12 MG Road",
		City:    "Bengaluru",
		State:   "KA",
		Pincode: "560001",
		Country: "India",
	}
}

func testOrderRequest(userID string) CreateOrderRequest {
	return CreateOrderRequest{
		UserID: userID,
		Items: []models.OrderItem{
			{ProductID: "prod-1", Name: "Denim Jacket", Quantity: 2, UnitPrice: 40000, ProductCreatedBy: "seller-1"},
		},
		Pricing:         models.Pricing{Subtotal: 80000, Discount: 5000, DeliveryCharge: 2500, Total: 77500},
		PaymentMethod:   models.PaymentMethodCard,
		DeliveryAddress: testAddress(),
	}
}

func TestCreateOrder(t *testing.T) {
	st := newMemStore()
	svc := NewOrderService(st, nil, 5)

	order, err := svc.CreateOrder(context.Background(), testOrderRequest("user-1"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, models.PaymentStatusPending, order.Payment.Status)
	assert.Contains(t, order.OrderID, "ORD-")
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 5), order.EstimatedDelivery, time.Minute)
}

func TestCreateOrderValidation(t *testing.T) {
	st := newMemStore()
	svc := NewOrderService(st, nil, 5)
	ctx := context.Background()

	req := testOrderRequest("user-1")
	req.Items = nil
	_, err := svc.CreateOrder(ctx, req)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))

	req = testOrderRequest("user-1")
	req.Items[0].Quantity = 0
	_, err = svc.CreateOrder(ctx, req)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))

	req = testOrderRequest("user-1")
	req.Pricing.Total = 99999
	_, err = svc.CreateOrder(ctx, req)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))

	req = testOrderRequest("user-1")
	req.PaymentMethod = "cheque"
	_, err = svc.CreateOrder(ctx, req)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestTransitionHappyPath(t *testing.T) {
	st := newMemStore()
	svc := NewOrderService(st, nil, 5)
	ctx := context.Background()
	admin := Actor{ID: "admin-1", Role: RoleAdmin}

	order, err := svc.CreateOrder(ctx, testOrderRequest("user-1"))
	require.NoError(t, err)

	for _, target := range []string{
		models.OrderStatusConfirmed,
		models.OrderStatusProcessing,
		models.OrderStatusShipped,
		models.OrderStatusDelivered,
	} {
		order, err = svc.TransitionStatus(ctx, order.OrderID, target, admin, "")
		require.NoError(t, err, "transition to %s", target)
		assert.Equal(t, target, order.Status)
	}
	assert.NotNil(t, order.DeliveredAt)
}

func TestTransitionIllegal(t *testing.T) {
	st := newMemStore()
	svc := NewOrderService(st, nil, 5)
	ctx := context.Background()
	admin := Actor{ID: "admin-1", Role: RoleAdmin}

	order, err := svc.CreateOrder(ctx, testOrderRequest("user-1"))
	require.NoError(t, err)

	_, err = svc.TransitionStatus(ctx, order.OrderID, models.OrderStatusDelivered, admin, "")
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidTransition))

	_, err = svc.TransitionStatus(ctx, order.OrderID, "teleported", admin, "")
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))

	_, err = svc.TransitionStatus(ctx, "ORD-missing", models.OrderStatusConfirmed, admin, "")
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func TestTerminalStatesFrozen(t *testing.T) {
	st := newMemStore()
	svc := NewOrderService(st, nil, 5)
	ctx := context.Background()
	admin := Actor{ID: "admin-1", Role: RoleAdmin}

	order, _ := svc.CreateOrder(ctx, testOrderRequest("user-1"))
	_, err := svc.TransitionStatus(ctx, order.OrderID, models.OrderStatusCancelled, admin, "")
	require.NoError(t, err)

	for _, target := range []string{
		models.OrderStatusPending, models.OrderStatusConfirmed,
		models.OrderStatusShipped, models.OrderStatusDelivered,
	} {
		_, err := svc.TransitionStatus(ctx, order.OrderID, target, admin, "")
		assert.True(t, apperr.IsCode(err, apperr.CodeInvalidTransition), "cancelled -> %s", target)
	}
}

func TestCODSettlementOnDelivery(t *testing.T) {
	st := newMemStore()
	svc := NewOrderService(st, nil, 5)
	ctx := context.Background()
	admin := Actor{ID: "admin-1", Role: RoleAdmin}

	req := testOrderRequest("user-1")
	req.PaymentMethod = models.PaymentMethodCOD
	order, err := svc.CreateOrder(ctx, req)
	require.NoError(t, err)

	st.seedTransaction(&models.Transaction{
		TransactionID: "TXN-cod", OrderID: order.OrderID, UserID: "user-1",
		Amount: 77500, Method: models.PaymentMethodCOD, Status: models.TxStatusPending,
	})

	for _, target := range []string{models.OrderStatusConfirmed, models.OrderStatusProcessing, models.OrderStatusShipped} {
		order, err = svc.TransitionStatus(ctx, order.OrderID, target, admin, "")
		require.NoError(t, err)
	}
	order, err = svc.TransitionStatus(ctx, order.OrderID, models.OrderStatusDelivered, admin, "")
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusCompleted, order.Payment.Status)
	assert.NotNil(t, order.Payment.PaidAt)

	tx, _ := st.GetTransactionByTransactionID(ctx, "TXN-cod")
	assert.Equal(t, models.TxStatusSuccess, tx.Status)
}

func TestCancelFlipsCompletedPaymentToRefundPending(t *testing.T) {
	st := newMemStore()
	svc := NewOrderService(st, nil, 5)
	ctx := context.Background()
	admin := Actor{ID: "admin-1", Role: RoleAdmin}

	order, err := svc.CreateOrder(ctx, testOrderRequest("user-1"))
	require.NoError(t, err)
	order, err = svc.TransitionStatus(ctx, order.OrderID, models.OrderStatusConfirmed, admin, "")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, st.SetOrderPayment(ctx, order.OrderID, "", models.PaymentStatusCompleted, "TXN-1", &now))

	cancelled, err := svc.CancelOrder(ctx, order.OrderID, "user-1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, models.PaymentStatusRefundPending, cancelled.Payment.Status)
	assert.Equal(t, "changed my mind", cancelled.CancellationReason)
	assert.NotNil(t, cancelled.CancelledAt)
}

func TestBuyerCancelRestrictions(t *testing.T) {
	st := newMemStore()
	svc := NewOrderService(st, nil, 5)
	ctx := context.Background()
	admin := Actor{ID: "admin-1", Role: RoleAdmin}

	order, _ := svc.CreateOrder(ctx, testOrderRequest("user-1"))

	// buyers may not drive fulfillment transitions
	buyer := Actor{ID: "user-1", Role: RoleUser}
	_, err := svc.TransitionStatus(ctx, order.OrderID, models.OrderStatusConfirmed, buyer, "")
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden))

	// a different buyer cannot cancel someone else's order
	_, err = svc.CancelOrder(ctx, order.OrderID, "user-2", "")
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))

	stranger := Actor{ID: "user-2", Role: RoleUser}
	_, err = svc.TransitionStatus(ctx, order.OrderID, models.OrderStatusCancelled, stranger, "")
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden))

	// after processing, buyer-facing cancel is closed
	for _, target := range []string{models.OrderStatusConfirmed, models.OrderStatusProcessing} {
		_, err = svc.TransitionStatus(ctx, order.OrderID, target, admin, "")
		require.NoError(t, err)
	}
	_, err = svc.CancelOrder(ctx, order.OrderID, "user-1", "")
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidTransition))
}

func TestConcurrentTransitionsOneWinner(t *testing.T) {
	st := newMemStore()
	svc := NewOrderService(st, nil, 5)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, testOrderRequest("user-1"))
	require.NoError(t, err)

	// Cancelled is terminal, so of all racers exactly one conditional
	// update can commit; everyone else must observe a stale precondition.
	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, errs[i] = svc.TransitionStatus(ctx, order.OrderID, models.OrderStatusCancelled,
					SystemActor(), "")
			} else {
				_, errs[i] = svc.CancelOrder(ctx, order.OrderID, "user-1", "")
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			code := apperr.CodeOf(err)
			assert.Contains(t, []apperr.Code{apperr.CodeConflict, apperr.CodeInvalidTransition}, code)
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent cancellation must win")

	final, _ := st.GetOrderByOrderID(ctx, order.OrderID)
	assert.Equal(t, models.OrderStatusCancelled, final.Status)
}

func TestGetOrderOwnership(t *testing.T) {
	st := newMemStore()
	svc := NewOrderService(st, nil, 5)
	ctx := context.Background()

	order, _ := svc.CreateOrder(ctx, testOrderRequest("user-1"))

	_, err := svc.GetOrder(ctx, order.OrderID, Identity{SubjectID: "user-2", Role: RoleUser})
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))

	got, err := svc.GetOrder(ctx, order.OrderID, Identity{SubjectID: "user-1", Role: RoleUser})
	require.NoError(t, err)
	assert.Equal(t, order.OrderID, got.OrderID)

	got, err = svc.GetOrder(ctx, order.OrderID, Identity{SubjectID: "admin-1", Role: RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, order.OrderID, got.OrderID)
}
