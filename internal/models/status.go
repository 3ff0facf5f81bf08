package models

// orderTransitions is the only legal order state machine. Delivered and
// cancelled are terminal.
var orderTransitions = map[string][]string{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
	OrderStatusDelivered:  {},
	OrderStatusCancelled:  {},
}

// CanTransitionOrder reports whether from -> to is a legal order transition.
func CanTransitionOrder(from, to string) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValidOrderStatus reports whether s names a known order status.
func IsValidOrderStatus(s string) bool {
	_, ok := orderTransitions[s]
	return ok
}

// IsTerminalOrderStatus reports whether s admits no further transitions.
func IsTerminalOrderStatus(s string) bool {
	next, ok := orderTransitions[s]
	return ok && len(next) == 0
}

// returnTransitions is the return workflow state machine. Rejected,
// cancelled and refund_completed are terminal.
var returnTransitions = map[string][]string{
	ReturnStatusRequested:       {ReturnStatusApproved, ReturnStatusRejected, ReturnStatusCancelled},
	ReturnStatusApproved:        {ReturnStatusPickupScheduled, ReturnStatusCancelled},
	ReturnStatusPickupScheduled: {ReturnStatusPickedUp, ReturnStatusCancelled},
	ReturnStatusPickedUp:        {ReturnStatusReceived, ReturnStatusCancelled},
	ReturnStatusReceived:        {ReturnStatusInspected},
	ReturnStatusInspected:       {ReturnStatusRefundInitiated, ReturnStatusRejected},
	ReturnStatusRefundInitiated: {ReturnStatusRefundCompleted},
	ReturnStatusRefundCompleted: {},
	ReturnStatusRejected:        {},
	ReturnStatusCancelled:       {},
}

// CanTransitionReturn reports whether from -> to is a legal return transition.
func CanTransitionReturn(from, to string) bool {
	for _, next := range returnTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValidReturnStatus reports whether s names a known return status.
func IsValidReturnStatus(s string) bool {
	_, ok := returnTransitions[s]
	return ok
}

// IsActiveReturnStatus reports whether a return in status s blocks creating
// another return for the same order. Cancelled and rejected returns do not.
func IsActiveReturnStatus(s string) bool {
	return s != ReturnStatusCancelled && s != ReturnStatusRejected
}

// IsValidReturnReason reports whether reason is an accepted reason code.
func IsValidReturnReason(reason string) bool {
	for _, r := range ReturnReasons {
		if r == reason {
			return true
		}
	}
	return false
}

// IsValidPaymentMethod reports whether method names a supported method.
func IsValidPaymentMethod(method string) bool {
	switch method {
	case PaymentMethodCOD, PaymentMethodCard, PaymentMethodUPI, PaymentMethodWallet:
		return true
	}
	return false
}
