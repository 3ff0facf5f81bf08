package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `
	id, order_id, user_id, delivery_address,
	payment_method AS "payment.method",
	payment_status AS "payment.status",
	payment_transaction_id AS "payment.transaction_id",
	paid_at AS "payment.paid_at",
	subtotal AS "pricing.subtotal",
	discount AS "pricing.discount",
	delivery_charge AS "pricing.delivery_charge",
	total AS "pricing.total",
	status, estimated_delivery, delivered_at, cancelled_at,
	cancellation_reason, cancelled_by, created_at, updated_at`

// OrderFilter narrows order listings.
type OrderFilter struct {
	Status    string
	UserID    string
	StartDate *time.Time
	EndDate   *time.Time
	Page      int
	Limit     int
}

func (f OrderFilter) limitOffset() (int, int) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// CreateOrder persists a new order and its line items in one transaction.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (
			order_id, user_id, delivery_address,
			payment_method, payment_status, payment_transaction_id, paid_at,
			subtotal, discount, delivery_charge, total,
			status, estimated_delivery
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`

	err = tx.QueryRowxContext(ctx, query,
		order.OrderID, order.UserID, order.DeliveryAddress,
		order.Payment.Method, order.Payment.Status, order.Payment.TransactionID, order.Payment.PaidAt,
		order.Pricing.Subtotal, order.Pricing.Discount, order.Pricing.DeliveryCharge, order.Pricing.Total,
		order.Status, order.EstimatedDelivery,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	itemQuery := `
		INSERT INTO order_items (order_id, product_id, name, size, quantity, unit_price, product_created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.OrderID
		if err := tx.QueryRowxContext(ctx, itemQuery,
			item.OrderID, item.ProductID, item.Name, item.Size,
			item.Quantity, item.UnitPrice, item.ProductCreatedBy,
		).Scan(&item.ID); err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return tx.Commit()
}

// GetOrderByOrderID retrieves an order with its line items.
func (s *Store) GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE order_id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.db.SelectContext(ctx, &order.Items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrdersByUser retrieves a user's most recent orders.
func (s *Store) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2",
		userID, limit)
	if err != nil {
		return nil, err
	}
	return s.attachItems(ctx, orders)
}

// ListOrdersBySeller retrieves orders containing at least one of the
// seller's items, with total count for pagination.
func (s *Store) ListOrdersBySeller(ctx context.Context, sellerID string, f OrderFilter) ([]models.Order, int, error) {
	where := `WHERE EXISTS (
		SELECT 1 FROM order_items oi
		WHERE oi.order_id = orders.order_id AND oi.product_created_by = $1)`
	args := []interface{}{sellerID}
	where, args = appendOrderFilter(where, args, f)

	var total int
	if err := s.db.GetContext(ctx, &total,
		"SELECT COUNT(*) FROM orders "+where, args...); err != nil {
		return nil, 0, err
	}

	limit, offset := f.limitOffset()
	args = append(args, limit, offset)
	query := fmt.Sprintf("SELECT %s FROM orders %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		orderColumns, where, len(args)-1, len(args))

	var orders []models.Order
	if err := s.db.SelectContext(ctx, &orders, query, args...); err != nil {
		return nil, 0, err
	}
	orders, err := s.attachItems(ctx, orders)
	return orders, total, err
}

// ListOrders retrieves orders platform-wide, with total count.
func (s *Store) ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	where, args = appendOrderFilter(where, args, f)

	var total int
	if err := s.db.GetContext(ctx, &total,
		"SELECT COUNT(*) FROM orders "+where, args...); err != nil {
		return nil, 0, err
	}

	limit, offset := f.limitOffset()
	args = append(args, limit, offset)
	query := fmt.Sprintf("SELECT %s FROM orders %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		orderColumns, where, len(args)-1, len(args))

	var orders []models.Order
	if err := s.db.SelectContext(ctx, &orders, query, args...); err != nil {
		return nil, 0, err
	}
	orders, err := s.attachItems(ctx, orders)
	return orders, total, err
}

// ListOverdueOrders finds non-terminal orders whose estimated delivery date
// has passed. The sweeper cancels each through the normal transition path.
func (s *Store) ListOverdueOrders(ctx context.Context, now time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+` FROM orders
		WHERE status NOT IN ($1, $2) AND estimated_delivery < $3
		ORDER BY estimated_delivery`,
		models.OrderStatusDelivered, models.OrderStatusCancelled, now)
	return orders, err
}

// AdvanceOrderStatus applies a forward transition as a conditional update
// keyed on the expected current status. Returns false if no row matched,
// meaning the order moved (or vanished) since it was read.
func (s *Store) AdvanceOrderStatus(ctx context.Context, orderID, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE order_id = $2 AND status = $3",
		to, orderID, from)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// MarkOrderDelivered is the delivered transition. For cash-on-delivery the
// payment sub-record and the pending transaction settle atomically with the
// status flip; a concurrent transition makes the whole thing a no-op.
func (s *Store) MarkOrderDelivered(ctx context.Context, orderID string, codSettle bool, at time.Time) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var res sql.Result
	if codSettle {
		res, err = tx.ExecContext(ctx, `
			UPDATE orders SET
				status = $1, delivered_at = $2,
				payment_status = $3, paid_at = $2,
				updated_at = NOW()
			WHERE order_id = $4 AND status = $5`,
			models.OrderStatusDelivered, at, models.PaymentStatusCompleted,
			orderID, models.OrderStatusShipped)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE orders SET status = $1, delivered_at = $2, updated_at = NOW()
			WHERE order_id = $3 AND status = $4`,
			models.OrderStatusDelivered, at, orderID, models.OrderStatusShipped)
	}
	if err != nil {
		return false, err
	}
	won, err := rowsAffected(res)
	if err != nil || !won {
		return false, err
	}

	if codSettle {
		if _, err := tx.ExecContext(ctx, `
			UPDATE transactions SET status = $1, completed_at = $2, updated_at = NOW()
			WHERE order_id = $3 AND status = $4`,
			models.TxStatusSuccess, at, orderID, models.TxStatusPending); err != nil {
			return false, err
		}
	}

	return true, tx.Commit()
}

// CancelOrder is the cancelled transition, conditional on the expected
// current status. A completed payment flips to refund_pending in the same
// statement so order and payment state cannot diverge.
func (s *Store) CancelOrder(ctx context.Context, orderID, from, reason, cancelledBy string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1,
			cancelled_at = $2,
			cancellation_reason = $3,
			cancelled_by = $4,
			payment_status = CASE WHEN payment_status = $5 THEN $6 ELSE payment_status END,
			updated_at = NOW()
		WHERE order_id = $7 AND status = $8`,
		models.OrderStatusCancelled, at, reason, cancelledBy,
		models.PaymentStatusCompleted, models.PaymentStatusRefundPending,
		orderID, from)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// SetOrderPayment updates the payment sub-record from the reconciliation
// service. paidAt is only written when non-nil.
func (s *Store) SetOrderPayment(ctx context.Context, orderID, method, status, transactionID string, paidAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			payment_method = COALESCE(NULLIF($1, ''), payment_method),
			payment_status = $2,
			payment_transaction_id = $3,
			paid_at = COALESCE($4, paid_at),
			updated_at = NOW()
		WHERE order_id = $5`,
		method, status, transactionID, paidAt, orderID)
	return err
}

func (s *Store) attachItems(ctx context.Context, orders []models.Order) ([]models.Order, error) {
	if len(orders) == 0 {
		return orders, nil
	}
	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i := range orders {
		ids[i] = orders[i].OrderID
		index[orders[i].OrderID] = i
	}

	query, args, err := sqlx.In("SELECT * FROM order_items WHERE order_id IN (?) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var items []models.OrderItem
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, err
	}
	for _, item := range items {
		i := index[item.OrderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	return orders, nil
}

func appendOrderFilter(where string, args []interface{}, f OrderFilter) (string, []interface{}) {
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if f.StartDate != nil {
		args = append(args, *f.StartDate)
		where += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if f.EndDate != nil {
		args = append(args, *f.EndDate)
		where += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	return where, args
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
