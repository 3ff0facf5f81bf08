package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// ReturnFilter narrows return listings.
type ReturnFilter struct {
	Status    string
	UserID    string
	StartDate *time.Time
	EndDate   *time.Time
	Page      int
	Limit     int
}

func (f ReturnFilter) limitOffset() (int, int) {
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

// ReturnStamp carries the actor and notes recorded with a return transition.
type ReturnStamp struct {
	ProcessedBy string
	Notes       string
	At          time.Time
}

// CreateReturn persists a new return request.
func (s *Store) CreateReturn(ctx context.Context, ret *models.Return) error {
	query := `
		INSERT INTO returns (
			return_id, order_id, user_id, items,
			return_reason, return_reason_text, additional_comments,
			refund_method, refund_amount, status, pickup_address
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		ret.ReturnID, ret.OrderID, ret.UserID, ret.Items,
		ret.ReturnReason, ret.ReturnReasonText, ret.AdditionalComments,
		ret.RefundMethod, ret.RefundAmount, ret.Status, ret.PickupAddress,
	).Scan(&ret.ID, &ret.CreatedAt, &ret.UpdatedAt)
}

// GetReturnByReturnID retrieves a return by its business key.
func (s *Store) GetReturnByReturnID(ctx context.Context, returnID string) (*models.Return, error) {
	var ret models.Return
	err := s.db.GetContext(ctx, &ret, "SELECT * FROM returns WHERE return_id = $1", returnID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ret, nil
}

// GetReturnByOrderID retrieves the most recent return for an order.
func (s *Store) GetReturnByOrderID(ctx context.Context, orderID string) (*models.Return, error) {
	var ret models.Return
	err := s.db.GetContext(ctx, &ret,
		"SELECT * FROM returns WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1", orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ret, nil
}

// GetActiveReturnByOrder retrieves the non-cancelled, non-rejected return
// for an order, if one exists.
func (s *Store) GetActiveReturnByOrder(ctx context.Context, orderID string) (*models.Return, error) {
	var ret models.Return
	err := s.db.GetContext(ctx, &ret, `
		SELECT * FROM returns
		WHERE order_id = $1 AND status NOT IN ($2, $3)
		ORDER BY created_at DESC LIMIT 1`,
		orderID, models.ReturnStatusCancelled, models.ReturnStatusRejected)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ret, nil
}

// ListReturnsByUser retrieves a user's returns with total count.
func (s *Store) ListReturnsByUser(ctx context.Context, userID string, f ReturnFilter) ([]models.Return, int, error) {
	f.UserID = userID
	return s.ListReturns(ctx, f)
}

// ListReturns retrieves returns platform-wide, with total count.
func (s *Store) ListReturns(ctx context.Context, f ReturnFilter) ([]models.Return, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
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

	var total int
	if err := s.db.GetContext(ctx, &total,
		"SELECT COUNT(*) FROM returns "+where, args...); err != nil {
		return nil, 0, err
	}

	limit, offset := f.limitOffset()
	args = append(args, limit, offset)
	query := fmt.Sprintf("SELECT * FROM returns %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		where, len(args)-1, len(args))

	var returns []models.Return
	err := s.db.SelectContext(ctx, &returns, query, args...)
	return returns, total, err
}

// ListReturnsBySeller retrieves returns whose parent order contains the
// seller's items, with total count.
func (s *Store) ListReturnsBySeller(ctx context.Context, sellerID string, f ReturnFilter) ([]models.Return, int, error) {
	orderIDs, err := s.OrderIDsBySeller(ctx, sellerID)
	if err != nil {
		return nil, 0, err
	}
	if len(orderIDs) == 0 {
		return []models.Return{}, 0, nil
	}

	where := "WHERE order_id IN (?)"
	args := []interface{}{orderIDs}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.StartDate != nil {
		where += " AND created_at >= ?"
		args = append(args, *f.StartDate)
	}
	if f.EndDate != nil {
		where += " AND created_at <= ?"
		args = append(args, *f.EndDate)
	}

	countQuery, countArgs, err := sqlx.In("SELECT COUNT(*) FROM returns "+where, args...)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(countQuery), countArgs...); err != nil {
		return nil, 0, err
	}

	limit, offset := f.limitOffset()
	args = append(args, limit, offset)
	query, listArgs, err := sqlx.In(
		"SELECT * FROM returns "+where+" ORDER BY created_at DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, 0, err
	}

	var returns []models.Return
	err = s.db.SelectContext(ctx, &returns, s.db.Rebind(query), listArgs...)
	return returns, total, err
}

// OrderIDsBySeller lists the order IDs containing a seller's items.
func (s *Store) OrderIDsBySeller(ctx context.Context, sellerID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT DISTINCT order_id FROM order_items WHERE product_created_by = $1", sellerID)
	return ids, err
}

// UpdateReturnStatus applies a return transition as a conditional update
// keyed on the expected current status, stamping the timestamp and notes
// column owned by the target state. Returns false on a stale precondition.
func (s *Store) UpdateReturnStatus(ctx context.Context, returnID, from, to string, stamp ReturnStamp) (bool, error) {
	set := "status = $1, processed_by = COALESCE(NULLIF($2, ''), processed_by), updated_at = NOW()"
	args := []interface{}{to, stamp.ProcessedBy}

	switch to {
	case models.ReturnStatusRejected:
		args = append(args, stamp.At, stamp.Notes)
		set += fmt.Sprintf(", rejected_at = $%d, rejection_reason = NULLIF($%d, '')", len(args)-1, len(args))
	case models.ReturnStatusPickupScheduled:
		// pickup window opens two days out
		args = append(args, stamp.At.Add(48*time.Hour))
		set += fmt.Sprintf(", pickup_scheduled_date = $%d", len(args))
	case models.ReturnStatusPickedUp:
		args = append(args, stamp.At)
		set += fmt.Sprintf(", picked_up_at = $%d", len(args))
	case models.ReturnStatusReceived:
		args = append(args, stamp.At)
		set += fmt.Sprintf(", received_at = $%d", len(args))
	case models.ReturnStatusInspected:
		args = append(args, stamp.At, stamp.Notes)
		set += fmt.Sprintf(", inspected_at = $%d, inspection_notes = NULLIF($%d, '')", len(args)-1, len(args))
	case models.ReturnStatusRefundInitiated:
		args = append(args, stamp.At)
		set += fmt.Sprintf(", refund_initiated_at = $%d", len(args))
	case models.ReturnStatusRefundCompleted:
		args = append(args, stamp.At)
		set += fmt.Sprintf(", refund_completed_at = $%d", len(args))
	case models.ReturnStatusCancelled:
		args = append(args, stamp.At, stamp.Notes)
		set += fmt.Sprintf(", cancelled_at = $%d, cancellation_reason = NULLIF($%d, '')", len(args)-1, len(args))
	}
	if stamp.Notes != "" {
		args = append(args, stamp.Notes)
		set += fmt.Sprintf(", admin_notes = $%d", len(args))
	}

	args = append(args, returnID, from)
	query := fmt.Sprintf("UPDATE returns SET %s WHERE return_id = $%d AND status = $%d",
		set, len(args)-1, len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// SetReturnRefundTransaction records the refund transaction issued for the
// return.
func (s *Store) SetReturnRefundTransaction(ctx context.Context, returnID, transactionID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE returns SET refund_transaction_id = $1, updated_at = NOW() WHERE return_id = $2",
		transactionID, returnID)
	return err
}

// ReturnStats is the aggregate view over a set of returns.
type ReturnStats struct {
	TotalReturns      int64            `json:"total_returns"`
	PendingReturns    int64            `json:"pending_returns"`
	InProgressReturns int64            `json:"in_progress_returns"`
	RejectedReturns   int64            `json:"rejected_returns"`
	CompletedReturns  int64            `json:"completed_returns"`
	TotalRefunded     int64            `json:"total_refunded"`
	ReasonBreakdown   map[string]int64 `json:"reason_breakdown"`
}

// GetReturnStats aggregates returns, optionally scoped to a seller's orders.
func (s *Store) GetReturnStats(ctx context.Context, sellerID string) (*ReturnStats, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if sellerID != "" {
		args = append(args, sellerID)
		where += fmt.Sprintf(` AND order_id IN (
			SELECT DISTINCT order_id FROM order_items WHERE product_created_by = $%d)`, len(args))
	}

	var stats ReturnStats
	row := struct {
		Total      int64 `db:"total"`
		Pending    int64 `db:"pending"`
		InProgress int64 `db:"in_progress"`
		Rejected   int64 `db:"rejected"`
		Completed  int64 `db:"completed"`
		Refunded   int64 `db:"refunded"`
	}{}
	err := s.db.GetContext(ctx, &row, fmt.Sprintf(`
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'requested') AS pending,
			COUNT(*) FILTER (WHERE status IN (
				'approved', 'pickup_scheduled', 'picked_up',
				'received', 'inspected', 'refund_initiated')) AS in_progress,
			COUNT(*) FILTER (WHERE status = 'rejected') AS rejected,
			COUNT(*) FILTER (WHERE status = 'refund_completed') AS completed,
			COALESCE(SUM(refund_amount) FILTER (WHERE status = 'refund_completed'), 0) AS refunded
		FROM returns %s`, where), args...)
	if err != nil {
		return nil, err
	}
	stats.TotalReturns = row.Total
	stats.PendingReturns = row.Pending
	stats.InProgressReturns = row.InProgress
	stats.RejectedReturns = row.Rejected
	stats.CompletedReturns = row.Completed
	stats.TotalRefunded = row.Refunded

	reasons := []struct {
		Reason string `db:"return_reason"`
		Count  int64  `db:"count"`
	}{}
	err = s.db.SelectContext(ctx, &reasons,
		fmt.Sprintf("SELECT return_reason, COUNT(*) AS count FROM returns %s GROUP BY return_reason", where),
		args...)
	if err != nil {
		return nil, err
	}
	stats.ReasonBreakdown = make(map[string]int64, len(reasons))
	for _, r := range reasons {
		stats.ReasonBreakdown[r.Reason] = r.Count
	}
	return &stats, nil
}
