package store

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

// SellerStats is the per-seller order and revenue summary. Revenue counts
// only the seller's own line items inside non-cancelled orders, so items
// belonging to other sellers in a multi-seller order never leak in.
type SellerStats struct {
	TotalOrders     int64 `db:"total_orders" json:"total_orders"`
	TotalRevenue    int64 `db:"total_revenue" json:"total_revenue"`
	TodayOrders     int64 `db:"today_orders" json:"today_orders"`
	PendingOrders   int64 `db:"pending_orders" json:"pending_orders"`
	CancelledOrders int64 `db:"cancelled_orders" json:"cancelled_orders"`
}

// GetSellerStats aggregates orders containing the seller's items.
func (s *Store) GetSellerStats(ctx context.Context, sellerID string, now time.Time) (*SellerStats, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var stats SellerStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) AS total_orders,
			COUNT(*) FILTER (WHERE o.created_at >= $2) AS today_orders,
			COUNT(*) FILTER (WHERE o.status = 'pending') AS pending_orders,
			COUNT(*) FILTER (WHERE o.status = 'cancelled') AS cancelled_orders,
			0::bigint AS total_revenue
		FROM orders o
		WHERE EXISTS (
			SELECT 1 FROM order_items oi
			WHERE oi.order_id = o.order_id AND oi.product_created_by = $1)`,
		sellerID, today)
	if err != nil {
		return nil, err
	}

	err = s.db.GetContext(ctx, &stats.TotalRevenue, `
		SELECT COALESCE(SUM(oi.unit_price * oi.quantity), 0)
		FROM order_items oi
		JOIN orders o ON o.order_id = oi.order_id
		WHERE oi.product_created_by = $1 AND o.status <> 'cancelled'`,
		sellerID)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// StatusCount is one bucket of the status breakdown.
type StatusCount struct {
	Status string `db:"status" json:"status"`
	Count  int64  `db:"count" json:"count"`
}

// CountrySales is one bucket of the sales-by-country breakdown.
type CountrySales struct {
	Country    string `db:"country" json:"country"`
	TotalSales int64  `db:"total_sales" json:"total_sales"`
	OrderCount int64  `db:"order_count" json:"order_count"`
}

// SellerRevenue is one row of the top-sellers-by-revenue breakdown.
type SellerRevenue struct {
	SellerID   string `db:"seller_id" json:"seller_id"`
	SellerName string `db:"-" json:"seller_name"`
	OrderCount int64  `db:"order_count" json:"order_count"`
	Revenue    int64  `db:"revenue" json:"revenue"`
}

// PlatformStats is the platform-wide aggregate for privileged callers.
// Revenue figures exclude cancelled orders throughout.
type PlatformStats struct {
	TotalOrders    int64           `json:"total_orders"`
	TotalCustomers int64           `json:"total_customers"`
	TotalRevenue   int64           `json:"total_revenue"`
	AvgOrderValue  int64           `json:"avg_order_value"`
	OrdersByStatus []StatusCount   `json:"orders_by_status"`
	SalesByCountry []CountrySales  `json:"sales_by_country"`
	TopSellers     []SellerRevenue `json:"top_sellers"`
}

// GetPlatformStats aggregates all orders for the platform view.
func (s *Store) GetPlatformStats(ctx context.Context, topN int) (*PlatformStats, error) {
	if topN <= 0 {
		topN = 10
	}

	var stats PlatformStats
	totals := struct {
		Orders    int64 `db:"orders"`
		Customers int64 `db:"customers"`
		Revenue   int64 `db:"revenue"`
		Avg       int64 `db:"avg"`
	}{}
	err := s.db.GetContext(ctx, &totals, fmt.Sprintf(`
		SELECT
			COUNT(*) AS orders,
			COUNT(DISTINCT user_id) AS customers,
			COALESCE(SUM(total) FILTER (WHERE status <> '%[1]s'), 0) AS revenue,
			COALESCE(AVG(total) FILTER (WHERE status <> '%[1]s'), 0)::bigint AS avg
		FROM orders`, models.OrderStatusCancelled))
	if err != nil {
		return nil, err
	}
	stats.TotalOrders = totals.Orders
	stats.TotalCustomers = totals.Customers
	stats.TotalRevenue = totals.Revenue
	stats.AvgOrderValue = totals.Avg

	if err := s.db.SelectContext(ctx, &stats.OrdersByStatus,
		"SELECT status, COUNT(*) AS count FROM orders GROUP BY status ORDER BY status"); err != nil {
		return nil, err
	}

	if err := s.db.SelectContext(ctx, &stats.SalesByCountry, `
		SELECT
			COALESCE(NULLIF(delivery_address->>'country', ''), 'Unknown') AS country,
			COALESCE(SUM(total), 0) AS total_sales,
			COUNT(*) AS order_count
		FROM orders
		WHERE status <> $1
		GROUP BY 1
		ORDER BY total_sales DESC
		LIMIT $2`, models.OrderStatusCancelled, topN); err != nil {
		return nil, err
	}

	if err := s.db.SelectContext(ctx, &stats.TopSellers, `
		SELECT
			oi.product_created_by AS seller_id,
			COUNT(DISTINCT o.order_id) AS order_count,
			COALESCE(SUM(oi.unit_price * oi.quantity), 0) AS revenue
		FROM order_items oi
		JOIN orders o ON o.order_id = oi.order_id
		WHERE o.status <> $1 AND oi.product_created_by <> ''
		GROUP BY oi.product_created_by
		ORDER BY revenue DESC
		LIMIT $2`, models.OrderStatusCancelled, topN); err != nil {
		return nil, err
	}

	return &stats, nil
}
