package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Order statuses
const (
	OrderStatusPending    = "pending"
	OrderStatusConfirmed  = "confirmed"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
)

// Payment sub-record statuses on an order
const (
	PaymentStatusPending       = "pending"
	PaymentStatusCompleted     = "completed"
	PaymentStatusFailed        = "failed"
	PaymentStatusRefundPending = "refund_pending"
	PaymentStatusRefunded      = "refunded"
)

// Payment methods
const (
	PaymentMethodCOD    = "cod"
	PaymentMethodCard   = "card"
	PaymentMethodUPI    = "upi"
	PaymentMethodWallet = "wallet"
)

// Transaction statuses
const (
	TxStatusPending  = "pending"
	TxStatusSuccess  = "success"
	TxStatusFailed   = "failed"
	TxStatusRefunded = "refunded"
)

// Actors behind a status transition
const (
	ActorCustomer = "customer"
	ActorAdmin    = "admin"
	ActorSystem   = "system"
)

// OrderItem is a line-item snapshot captured at order time. The seller that
// owned the product at purchase time is frozen in ProductCreatedBy; it never
// follows later ownership changes.
type OrderItem struct {
	ID               int64  `db:"id" json:"-"`
	OrderID          string `db:"order_id" json:"-"`
	ProductID        string `db:"product_id" json:"product_id"`
	Name             string `db:"name" json:"name"`
	Size             string `db:"size" json:"size,omitempty"`
	Quantity         int    `db:"quantity" json:"quantity"`
	UnitPrice        int64  `db:"unit_price" json:"unit_price"`
	ProductCreatedBy string `db:"product_created_by" json:"product_created_by,omitempty"`

	// Resolved via the seller identity lookup for display only.
	SellerName string `db:"-" json:"seller_name,omitempty"`
	SellerRole string `db:"-" json:"seller_role,omitempty"`
}

// ItemList stores line items as a JSON column (return snapshots).
type ItemList []OrderItem

func (l ItemList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *ItemList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported item list source type %T", src)
	}
}

// Address is an immutable snapshot taken at order time.
type Address struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Line1    string `json:"address_line1"`
	Line2    string `json:"address_line2,omitempty"`
	Landmark string `json:"landmark,omitempty"`
	City     string `json:"city"`
	State    string `json:"state"`
	Pincode  string `json:"pincode"`
	Country  string `json:"country"`
}

func (a Address) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *Address) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported address source type %T", src)
	}
}

// PaymentRecord is the payment sub-record embedded in an order.
type PaymentRecord struct {
	Method        string     `db:"method" json:"method"`
	Status        string     `db:"status" json:"status"`
	TransactionID string     `db:"transaction_id" json:"transaction_id,omitempty"`
	PaidAt        *time.Time `db:"paid_at" json:"paid_at,omitempty"`
}

// Pricing is fixed at creation; Total is the sole basis for revenue and
// refund amounts. Amounts are minor currency units.
type Pricing struct {
	Subtotal       int64 `db:"subtotal" json:"subtotal"`
	Discount       int64 `db:"discount" json:"discount"`
	DeliveryCharge int64 `db:"delivery_charge" json:"delivery_charge"`
	Total          int64 `db:"total" json:"total"`
}

// Order is one purchase event. Status mutations go through the lifecycle
// engine's conditional-update path only; orders are never deleted.
type Order struct {
	ID                 int64         `db:"id" json:"-"`
	OrderID            string        `db:"order_id" json:"order_id"`
	UserID             string        `db:"user_id" json:"user_id"`
	Items              []OrderItem   `db:"-" json:"items,omitempty"`
	DeliveryAddress    Address       `db:"delivery_address" json:"delivery_address"`
	Payment            PaymentRecord `db:"payment" json:"payment"`
	Pricing            Pricing       `db:"pricing" json:"pricing"`
	Status             string        `db:"status" json:"status"`
	EstimatedDelivery  time.Time     `db:"estimated_delivery" json:"estimated_delivery"`
	DeliveredAt        *time.Time    `db:"delivered_at" json:"delivered_at,omitempty"`
	CancelledAt        *time.Time    `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancellationReason string        `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancelledBy        string        `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CreatedAt          time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updated_at"`
}

// TxMetadata carries masked payment-method details, never full credentials.
type TxMetadata struct {
	CardLast4 string `json:"card_last4,omitempty"`
	CardType  string `json:"card_type,omitempty"`
	UPIID     string `json:"upi_id,omitempty"`
}

func (m TxMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *TxMetadata) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported metadata source type %T", src)
	}
}

// Transaction is one payment attempt or settlement event. Rows are an audit
// trail: mutated by gateway callbacks and refunds, never deleted.
type Transaction struct {
	ID                   int64      `db:"id" json:"-"`
	TransactionID        string     `db:"transaction_id" json:"transaction_id"`
	OrderID              string     `db:"order_id" json:"order_id"`
	UserID               string     `db:"user_id" json:"user_id"`
	Amount               int64      `db:"amount" json:"amount"`
	Method               string     `db:"method" json:"method"`
	Status               string     `db:"status" json:"status"`
	Gateway              string     `db:"gateway" json:"gateway,omitempty"`
	GatewayTransactionID string     `db:"gateway_transaction_id" json:"gateway_transaction_id,omitempty"`
	Metadata             TxMetadata `db:"metadata" json:"metadata,omitempty"`
	CompletedAt          *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	FailedAt             *time.Time `db:"failed_at" json:"failed_at,omitempty"`
	RefundedAt           *time.Time `db:"refunded_at" json:"refunded_at,omitempty"`
	FailureReason        string     `db:"failure_reason" json:"failure_reason,omitempty"`
	RefundAmount         int64      `db:"refund_amount" json:"refund_amount,omitempty"`
	RefundReason         string     `db:"refund_reason" json:"refund_reason,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// Return statuses
const (
	ReturnStatusRequested       = "requested"
	ReturnStatusApproved        = "approved"
	ReturnStatusRejected        = "rejected"
	ReturnStatusPickupScheduled = "pickup_scheduled"
	ReturnStatusPickedUp        = "picked_up"
	ReturnStatusReceived        = "received"
	ReturnStatusInspected       = "inspected"
	ReturnStatusRefundInitiated = "refund_initiated"
	ReturnStatusRefundCompleted = "refund_completed"
	ReturnStatusCancelled       = "cancelled"
)

// ReturnReasons lists the accepted return reason codes.
var ReturnReasons = []string{
	"defective",
	"wrong_item",
	"not_as_described",
	"size_issue",
	"quality",
	"changed_mind",
	"other",
}

// Refund methods
const (
	RefundMethodOriginal = "original"
	RefundMethodWallet   = "wallet"
)

// Return is a post-delivery return/refund request. At most one active
// (non-cancelled, non-rejected) return exists per order.
type Return struct {
	ID                  int64      `db:"id" json:"-"`
	ReturnID            string     `db:"return_id" json:"return_id"`
	OrderID             string     `db:"order_id" json:"order_id"`
	UserID              string     `db:"user_id" json:"user_id"`
	Items               ItemList   `db:"items" json:"items"`
	ReturnReason        string     `db:"return_reason" json:"return_reason"`
	ReturnReasonText    string     `db:"return_reason_text" json:"return_reason_text"`
	AdditionalComments  string     `db:"additional_comments" json:"additional_comments,omitempty"`
	RefundMethod        string     `db:"refund_method" json:"refund_method"`
	RefundAmount        int64      `db:"refund_amount" json:"refund_amount"`
	Status              string     `db:"status" json:"status"`
	PickupAddress       Address    `db:"pickup_address" json:"pickup_address"`
	ProcessedBy         string     `db:"processed_by" json:"processed_by,omitempty"`
	AdminNotes          string     `db:"admin_notes" json:"admin_notes,omitempty"`
	RejectionReason     string     `db:"rejection_reason" json:"rejection_reason,omitempty"`
	InspectionNotes     string     `db:"inspection_notes" json:"inspection_notes,omitempty"`
	PickupScheduledDate *time.Time `db:"pickup_scheduled_date" json:"pickup_scheduled_date,omitempty"`
	PickedUpAt          *time.Time `db:"picked_up_at" json:"picked_up_at,omitempty"`
	ReceivedAt          *time.Time `db:"received_at" json:"received_at,omitempty"`
	InspectedAt         *time.Time `db:"inspected_at" json:"inspected_at,omitempty"`
	RejectedAt          *time.Time `db:"rejected_at" json:"rejected_at,omitempty"`
	RefundInitiatedAt   *time.Time `db:"refund_initiated_at" json:"refund_initiated_at,omitempty"`
	RefundCompletedAt   *time.Time `db:"refund_completed_at" json:"refund_completed_at,omitempty"`
	CancelledAt         *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancellationReason  string     `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	RefundTransactionID string     `db:"refund_transaction_id" json:"refund_transaction_id,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// SellerIdentity is a read-only shadow of the identity domain's Admin and
// SuperAdmin records, used for display labels and revenue grouping. This
// core never writes to it.
type SellerIdentity struct {
	SellerID string `db:"seller_id" json:"seller_id"`
	Name     string `db:"name" json:"name"`
	Email    string `db:"email" json:"email"`
	Role     string `db:"role" json:"role"`
}

// ProcessedEvent records a consumed gateway or broker event for idempotency.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
