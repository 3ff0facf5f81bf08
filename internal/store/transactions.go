package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

// TransactionFilter narrows transaction listings.
type TransactionFilter struct {
	Method string
	Status string
	Limit  int
}

// CreateTransaction persists a new payment attempt.
func (s *Store) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	query := `
		INSERT INTO transactions (
			transaction_id, order_id, user_id, amount, method, status,
			gateway, gateway_transaction_id, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		tx.TransactionID, tx.OrderID, tx.UserID, tx.Amount, tx.Method, tx.Status,
		tx.Gateway, tx.GatewayTransactionID, tx.Metadata,
	).Scan(&tx.ID, &tx.CreatedAt, &tx.UpdatedAt)
}

// GetTransactionByTransactionID retrieves a transaction by its business key.
func (s *Store) GetTransactionByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.GetContext(ctx, &tx,
		"SELECT * FROM transactions WHERE transaction_id = $1", transactionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetCompletedTransactionByOrder retrieves the latest successful transaction
// for an order, which is the refund source for returns.
func (s *Store) GetCompletedTransactionByOrder(ctx context.Context, orderID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.GetContext(ctx, &tx, `
		SELECT * FROM transactions
		WHERE order_id = $1 AND status = $2
		ORDER BY created_at DESC LIMIT 1`,
		orderID, models.TxStatusSuccess)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListTransactionsByUser retrieves a user's payment history.
func (s *Store) ListTransactionsByUser(ctx context.Context, userID string, f TransactionFilter) ([]models.Transaction, error) {
	where := "WHERE user_id = $1"
	args := []interface{}{userID}
	if f.Method != "" {
		args = append(args, f.Method)
		where += fmt.Sprintf(" AND method = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	args = append(args, limit)

	var txs []models.Transaction
	err := s.db.SelectContext(ctx, &txs,
		fmt.Sprintf("SELECT * FROM transactions %s ORDER BY created_at DESC LIMIT $%d", where, len(args)),
		args...)
	return txs, err
}

// ConfirmTransaction moves pending -> success as a conditional update.
// False means the transaction was not pending, including the benign case of
// a redelivered gateway callback that already confirmed it.
func (s *Store) ConfirmTransaction(ctx context.Context, transactionID, gatewayTxID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, gateway_transaction_id = $2, completed_at = $3, updated_at = NOW()
		WHERE transaction_id = $4 AND status = $5`,
		models.TxStatusSuccess, gatewayTxID, at, transactionID, models.TxStatusPending)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// FailTransaction moves pending -> failed as a conditional update.
func (s *Store) FailTransaction(ctx context.Context, transactionID, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, failure_reason = $2, failed_at = $3, updated_at = NOW()
		WHERE transaction_id = $4 AND status = $5`,
		models.TxStatusFailed, reason, at, transactionID, models.TxStatusPending)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// RefundTransaction moves success -> refunded as a conditional update, so
// two concurrent refund attempts resolve to exactly one refund.
func (s *Store) RefundTransaction(ctx context.Context, transactionID string, amount int64, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, refund_amount = $2, refund_reason = $3, refunded_at = $4, updated_at = NOW()
		WHERE transaction_id = $5 AND status = $6`,
		models.TxStatusRefunded, amount, reason, at, transactionID, models.TxStatusSuccess)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// PaymentMethodStats is the per-method transaction breakdown.
type PaymentMethodStats struct {
	Method       string `db:"method" json:"method"`
	Transactions int64  `db:"transactions" json:"transactions"`
	TotalAmount  int64  `db:"total_amount" json:"total_amount"`
	Successful   int64  `db:"successful" json:"successful"`
	Failed       int64  `db:"failed" json:"failed"`
	Pending      int64  `db:"pending" json:"pending"`
	Refunded     int64  `db:"refunded" json:"refunded"`
}

// PaymentAnalytics aggregates transactions per method over an optional date
// range.
func (s *Store) PaymentAnalytics(ctx context.Context, start, end *time.Time) ([]PaymentMethodStats, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if start != nil {
		args = append(args, *start)
		where += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if end != nil {
		args = append(args, *end)
		where += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	query := fmt.Sprintf(`
		SELECT
			method,
			COUNT(*) AS transactions,
			COALESCE(SUM(amount), 0) AS total_amount,
			COUNT(*) FILTER (WHERE status = 'success') AS successful,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'refunded') AS refunded
		FROM transactions %s
		GROUP BY method
		ORDER BY method`, where)

	var stats []PaymentMethodStats
	err := s.db.SelectContext(ctx, &stats, query, args...)
	return stats, err
}
