package service

import (
	"context"
	"sync"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

// memStore is a mutex-guarded in-memory ledger. Conditional updates hold
// the lock across check and write so it exhibits the same one-winner
// semantics as the SQL store's conditional UPDATEs.
type memStore struct {
	mu           sync.Mutex
	orders       map[string]*models.Order
	transactions map[string]*models.Transaction
	returns      map[string]*models.Return
	sellers      map[string]*models.SellerIdentity
	processed    map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		orders:       make(map[string]*models.Order),
		transactions: make(map[string]*models.Transaction),
		returns:      make(map[string]*models.Return),
		sellers:      make(map[string]*models.SellerIdentity),
		processed:    make(map[string]bool),
	}
}

func copyOrder(o *models.Order) *models.Order {
	c := *o
	c.Items = append([]models.OrderItem(nil), o.Items...)
	return &c
}

func copyTx(t *models.Transaction) *models.Transaction {
	c := *t
	return &c
}

func copyReturn(r *models.Return) *models.Return {
	c := *r
	c.Items = append(models.ItemList(nil), r.Items...)
	return &c
}

func (m *memStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order.CreatedAt = time.Now().UTC()
	m.orders[order.OrderID] = copyOrder(order)
	return nil
}

func (m *memStore) GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	return copyOrder(o), nil
}

func (m *memStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, *copyOrder(o))
		}
	}
	return out, nil
}

func (m *memStore) ListOrdersBySeller(ctx context.Context, sellerID string, f store.OrderFilter) ([]models.Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		for _, item := range o.Items {
			if item.ProductCreatedBy == sellerID {
				out = append(out, *copyOrder(o))
				break
			}
		}
	}
	return out, len(out), nil
}

func (m *memStore) ListOrders(ctx context.Context, f store.OrderFilter) ([]models.Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, *copyOrder(o))
	}
	return out, len(out), nil
}

func (m *memStore) ListOverdueOrders(ctx context.Context, now time.Time) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.Status == models.OrderStatusDelivered || o.Status == models.OrderStatusCancelled {
			continue
		}
		if !o.EstimatedDelivery.IsZero() && o.EstimatedDelivery.Before(now) {
			out = append(out, *copyOrder(o))
		}
	}
	return out, nil
}

func (m *memStore) AdvanceOrderStatus(ctx context.Context, orderID, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (m *memStore) MarkOrderDelivered(ctx context.Context, orderID string, codSettle bool, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != models.OrderStatusShipped {
		return false, nil
	}
	o.Status = models.OrderStatusDelivered
	o.DeliveredAt = &at
	if codSettle {
		o.Payment.Status = models.PaymentStatusCompleted
		o.Payment.PaidAt = &at
		for _, tx := range m.transactions {
			if tx.OrderID == orderID && tx.Status == models.TxStatusPending {
				tx.Status = models.TxStatusSuccess
				tx.CompletedAt = &at
			}
		}
	}
	return true, nil
}

func (m *memStore) CancelOrder(ctx context.Context, orderID, from, reason, cancelledBy string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = models.OrderStatusCancelled
	o.CancelledAt = &at
	o.CancellationReason = reason
	o.CancelledBy = cancelledBy
	if o.Payment.Status == models.PaymentStatusCompleted {
		o.Payment.Status = models.PaymentStatusRefundPending
	}
	return true, nil
}

func (m *memStore) SetOrderPayment(ctx context.Context, orderID, method, status, transactionID string, paidAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil
	}
	if method != "" {
		o.Payment.Method = method
	}
	o.Payment.Status = status
	o.Payment.TransactionID = transactionID
	if paidAt != nil {
		o.Payment.PaidAt = paidAt
	}
	return nil
}

func (m *memStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx.CreatedAt = time.Now().UTC()
	m.transactions[tx.TransactionID] = copyTx(tx)
	return nil
}

func (m *memStore) GetTransactionByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[transactionID]
	if !ok {
		return nil, nil
	}
	return copyTx(tx), nil
}

func (m *memStore) GetCompletedTransactionByOrder(ctx context.Context, orderID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.transactions {
		if tx.OrderID == orderID && tx.Status == models.TxStatusSuccess {
			return copyTx(tx), nil
		}
	}
	return nil, nil
}

func (m *memStore) ListTransactionsByUser(ctx context.Context, userID string, f store.TransactionFilter) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, tx := range m.transactions {
		if tx.UserID == userID {
			out = append(out, *copyTx(tx))
		}
	}
	return out, nil
}

func (m *memStore) ConfirmTransaction(ctx context.Context, transactionID, gatewayTxID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[transactionID]
	if !ok || tx.Status != models.TxStatusPending {
		return false, nil
	}
	tx.Status = models.TxStatusSuccess
	tx.GatewayTransactionID = gatewayTxID
	tx.CompletedAt = &at
	return true, nil
}

func (m *memStore) FailTransaction(ctx context.Context, transactionID, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[transactionID]
	if !ok || tx.Status != models.TxStatusPending {
		return false, nil
	}
	tx.Status = models.TxStatusFailed
	tx.FailureReason = reason
	tx.FailedAt = &at
	return true, nil
}

func (m *memStore) RefundTransaction(ctx context.Context, transactionID string, amount int64, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[transactionID]
	if !ok || tx.Status != models.TxStatusSuccess {
		return false, nil
	}
	tx.Status = models.TxStatusRefunded
	tx.RefundAmount = amount
	tx.RefundReason = reason
	tx.RefundedAt = &at
	return true, nil
}

func (m *memStore) PaymentAnalytics(ctx context.Context, start, end *time.Time) ([]store.PaymentMethodStats, error) {
	return nil, nil
}

func (m *memStore) CreateReturn(ctx context.Context, ret *models.Return) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret.CreatedAt = time.Now().UTC()
	m.returns[ret.ReturnID] = copyReturn(ret)
	return nil
}

func (m *memStore) GetReturnByReturnID(ctx context.Context, returnID string) (*models.Return, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.returns[returnID]
	if !ok {
		return nil, nil
	}
	return copyReturn(r), nil
}

func (m *memStore) GetActiveReturnByOrder(ctx context.Context, orderID string) (*models.Return, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.returns {
		if r.OrderID == orderID && models.IsActiveReturnStatus(r.Status) {
			return copyReturn(r), nil
		}
	}
	return nil, nil
}

func (m *memStore) ListReturnsByUser(ctx context.Context, userID string, f store.ReturnFilter) ([]models.Return, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Return
	for _, r := range m.returns {
		if r.UserID == userID {
			out = append(out, *copyReturn(r))
		}
	}
	return out, len(out), nil
}

func (m *memStore) ListReturns(ctx context.Context, f store.ReturnFilter) ([]models.Return, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Return
	for _, r := range m.returns {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, *copyReturn(r))
	}
	return out, len(out), nil
}

func (m *memStore) ListReturnsBySeller(ctx context.Context, sellerID string, f store.ReturnFilter) ([]models.Return, int, error) {
	return nil, 0, nil
}

func (m *memStore) UpdateReturnStatus(ctx context.Context, returnID, from, to string, stamp store.ReturnStamp) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.returns[returnID]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	if stamp.ProcessedBy != "" {
		r.ProcessedBy = stamp.ProcessedBy
	}
	switch to {
	case models.ReturnStatusApproved:
		r.AdminNotes = stamp.Notes
	case models.ReturnStatusRejected:
		r.RejectionReason = stamp.Notes
		r.RejectedAt = &stamp.At
	case models.ReturnStatusPickupScheduled:
		scheduled := stamp.At.Add(48 * time.Hour)
		r.PickupScheduledDate = &scheduled
	case models.ReturnStatusPickedUp:
		r.PickedUpAt = &stamp.At
	case models.ReturnStatusReceived:
		r.ReceivedAt = &stamp.At
	case models.ReturnStatusInspected:
		r.InspectionNotes = stamp.Notes
		r.InspectedAt = &stamp.At
	case models.ReturnStatusRefundInitiated:
		r.RefundInitiatedAt = &stamp.At
	case models.ReturnStatusRefundCompleted:
		r.RefundCompletedAt = &stamp.At
	case models.ReturnStatusCancelled:
		r.CancellationReason = stamp.Notes
		r.CancelledAt = &stamp.At
	}
	return true, nil
}

func (m *memStore) SetReturnRefundTransaction(ctx context.Context, returnID, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.returns[returnID]; ok {
		r.RefundTransactionID = transactionID
	}
	return nil
}

func (m *memStore) GetReturnStats(ctx context.Context, sellerID string) (*store.ReturnStats, error) {
	return &store.ReturnStats{}, nil
}

func (m *memStore) GetSellerByID(ctx context.Context, sellerID string) (*models.SellerIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sellers[sellerID]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}

func (m *memStore) ListSellersByIDs(ctx context.Context, sellerIDs []string) ([]models.SellerIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SellerIdentity
	for _, id := range sellerIDs {
		if s, ok := m.sellers[id]; ok {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[eventID], nil
}

func (m *memStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[eventID] = true
	return nil
}

// seedOrder inserts an order directly, bypassing the engine.
func (m *memStore) seedOrder(o *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.OrderID] = copyOrder(o)
}

// seedTransaction inserts a transaction directly.
func (m *memStore) seedTransaction(tx *models.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[tx.TransactionID] = copyTx(tx)
}

// seedReturn inserts a return directly.
func (m *memStore) seedReturn(r *models.Return) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returns[r.ReturnID] = copyReturn(r)
}
