package models

import "time"

// Event types
const (
	EventTypeOrderCreated      = "ORDER_CREATED"
	EventTypeOrderTransitioned = "ORDER_TRANSITIONED"
	EventTypeOrderCancelled    = "ORDER_CANCELLED"
	EventTypePaymentCaptured   = "PAYMENT_CAPTURED"
	EventTypePaymentFailed     = "PAYMENT_FAILED"
	EventTypePaymentRefunded   = "PAYMENT_REFUNDED"
	EventTypeReturnRequested   = "RETURN_REQUESTED"
	EventTypeReturnAdvanced    = "RETURN_ADVANCED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order is placed
type OrderCreatedEvent struct {
	BaseEvent
	OrderID string      `json:"order_id"`
	UserID  string      `json:"user_id"`
	Total   int64       `json:"total"`
	Items   []OrderItem `json:"items"`
}

// OrderTransitionedEvent published on every successful status transition
type OrderTransitionedEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Actor   string `json:"actor"`
}

// OrderCancelledEvent published when an order is cancelled
type OrderCancelledEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
	Actor   string `json:"actor"`
}

// PaymentOutcomeEvent is the best-effort notification sent after a payment
// capture, failure or refund. Delivery is at-most-once: a publish failure is
// logged and never rolls back the transaction that triggered it.
type PaymentOutcomeEvent struct {
	BaseEvent
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

// ReturnRequestedEvent published when a buyer opens a return
type ReturnRequestedEvent struct {
	BaseEvent
	ReturnID     string `json:"return_id"`
	OrderID      string `json:"order_id"`
	UserID       string `json:"user_id"`
	RefundAmount int64  `json:"refund_amount"`
	Reason       string `json:"reason"`
}

// ReturnAdvancedEvent published on every return status transition
type ReturnAdvancedEvent struct {
	BaseEvent
	ReturnID string `json:"return_id"`
	OrderID  string `json:"order_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	AdminID  string `json:"admin_id,omitempty"`
}
