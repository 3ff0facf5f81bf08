package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderTransitions(t *testing.T) {
	allowed := []struct{ from, to string }{
		{OrderStatusPending, OrderStatusConfirmed},
		{OrderStatusPending, OrderStatusCancelled},
		{OrderStatusConfirmed, OrderStatusProcessing},
		{OrderStatusConfirmed, OrderStatusCancelled},
		{OrderStatusProcessing, OrderStatusShipped},
		{OrderStatusProcessing, OrderStatusCancelled},
		{OrderStatusShipped, OrderStatusDelivered},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransitionOrder(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	forbidden := []struct{ from, to string }{
		{OrderStatusPending, OrderStatusShipped},
		{OrderStatusPending, OrderStatusDelivered},
		{OrderStatusConfirmed, OrderStatusShipped},
		{OrderStatusShipped, OrderStatusCancelled},
		{OrderStatusShipped, OrderStatusProcessing},
		{OrderStatusDelivered, OrderStatusCancelled},
		{OrderStatusDelivered, OrderStatusPending},
		{OrderStatusCancelled, OrderStatusPending},
		{OrderStatusCancelled, OrderStatusConfirmed},
	}
	for _, tc := range forbidden {
		assert.False(t, CanTransitionOrder(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestTerminalOrderStatuses(t *testing.T) {
	assert.True(t, IsTerminalOrderStatus(OrderStatusDelivered))
	assert.True(t, IsTerminalOrderStatus(OrderStatusCancelled))
	assert.False(t, IsTerminalOrderStatus(OrderStatusPending))
	assert.False(t, IsTerminalOrderStatus(OrderStatusShipped))
}

func TestReturnTransitions(t *testing.T) {
	allowed := []struct{ from, to string }{
		{ReturnStatusRequested, ReturnStatusApproved},
		{ReturnStatusRequested, ReturnStatusRejected},
		{ReturnStatusRequested, ReturnStatusCancelled},
		{ReturnStatusApproved, ReturnStatusPickupScheduled},
		{ReturnStatusApproved, ReturnStatusCancelled},
		{ReturnStatusPickupScheduled, ReturnStatusPickedUp},
		{ReturnStatusPickupScheduled, ReturnStatusCancelled},
		{ReturnStatusPickedUp, ReturnStatusReceived},
		{ReturnStatusPickedUp, ReturnStatusCancelled},
		{ReturnStatusReceived, ReturnStatusInspected},
		{ReturnStatusInspected, ReturnStatusRefundInitiated},
		{ReturnStatusInspected, ReturnStatusRejected},
		{ReturnStatusRefundInitiated, ReturnStatusRefundCompleted},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransitionReturn(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	forbidden := []struct{ from, to string }{
		{ReturnStatusRequested, ReturnStatusRefundInitiated},
		{ReturnStatusRequested, ReturnStatusPickedUp},
		{ReturnStatusApproved, ReturnStatusRefundCompleted},
		{ReturnStatusReceived, ReturnStatusCancelled},
		{ReturnStatusRejected, ReturnStatusApproved},
		{ReturnStatusRefundCompleted, ReturnStatusRefundInitiated},
		{ReturnStatusCancelled, ReturnStatusRequested},
	}
	for _, tc := range forbidden {
		assert.False(t, CanTransitionReturn(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestActiveReturnStatuses(t *testing.T) {
	assert.True(t, IsActiveReturnStatus(ReturnStatusRequested))
	assert.True(t, IsActiveReturnStatus(ReturnStatusRefundCompleted))
	assert.False(t, IsActiveReturnStatus(ReturnStatusCancelled))
	assert.False(t, IsActiveReturnStatus(ReturnStatusRejected))
}

func TestReturnReasonValidation(t *testing.T) {
	assert.True(t, IsValidReturnReason("defective"))
	assert.True(t, IsValidReturnReason("changed_mind"))
	assert.False(t, IsValidReturnReason("because"))
	assert.False(t, IsValidReturnReason(""))
}

func TestPaymentMethodValidation(t *testing.T) {
	for _, m := range []string{PaymentMethodCOD, PaymentMethodCard, PaymentMethodUPI, PaymentMethodWallet} {
		assert.True(t, IsValidPaymentMethod(m))
	}
	assert.False(t, IsValidPaymentMethod("cheque"))
}
