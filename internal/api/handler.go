package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	orders   *service.OrderService
	payments *service.PaymentService
	returns  *service.ReturnService
	stats    *service.StatsService
	sweeper  *worker.Sweeper

	jwtSecret string
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orders *service.OrderService,
	payments *service.PaymentService,
	returns *service.ReturnService,
	stats *service.StatsService,
	sweeper *worker.Sweeper,
	jwtSecret string,
) *Handler {
	return &Handler{
		orders:    orders,
		payments:  payments,
		returns:   returns,
		stats:     stats,
		sweeper:   sweeper,
		jwtSecret: jwtSecret,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The gateway authenticates by signature, not bearer token.
	router.POST("/webhooks/payment", h.paymentWebhook)

	v1 := router.Group("/api/v1")
	v1.Use(authMiddleware(h.jwtSecret))
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:orderId", h.getOrder)
		v1.POST("/orders/:orderId/cancel", h.cancelOrder)
		v1.PATCH("/orders/:orderId/status",
			requireRole(service.RoleAdmin, service.RoleSuperAdmin), h.transitionOrder)
		v1.POST("/orders/:orderId/return", h.createReturn)
		v1.GET("/orders/:orderId/return", h.getReturnForOrder)

		v1.POST("/payments", h.initiatePayment)
		v1.GET("/payments", h.listTransactions)
		v1.GET("/payments/:transactionId", h.getTransaction)
		v1.POST("/payments/:transactionId/confirm",
			requireRole(service.RoleAdmin, service.RoleSuperAdmin), h.confirmPayment)
		v1.POST("/payments/:transactionId/fail",
			requireRole(service.RoleAdmin, service.RoleSuperAdmin), h.failPayment)
		v1.POST("/payments/:transactionId/refund",
			requireRole(service.RoleAdmin, service.RoleSuperAdmin), h.refundPayment)

		v1.GET("/returns", h.listReturns)
		v1.GET("/returns/:returnId", h.getReturn)
		v1.POST("/returns/:returnId/cancel", h.cancelReturn)
		v1.PATCH("/returns/:returnId/status",
			requireRole(service.RoleAdmin, service.RoleSuperAdmin), h.advanceReturn)

		stats := v1.Group("/stats")
		{
			stats.GET("/seller",
				requireRole(service.RoleAdmin, service.RoleSuperAdmin), h.sellerStats)
			stats.GET("/platform",
				requireRole(service.RoleSuperAdmin), h.platformStats)
			stats.GET("/returns",
				requireRole(service.RoleAdmin, service.RoleSuperAdmin), h.returnStats)
			stats.GET("/payments",
				requireRole(service.RoleSuperAdmin), h.paymentAnalytics)
		}

		v1.POST("/admin/sweeper/run",
			requireRole(service.RoleSuperAdmin), h.runSweeper)
	}
}

// respondError maps a service error onto an HTTP status and body.
func respondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	c.JSON(apperr.HTTPStatus(code), gin.H{
		"error": err.Error(),
		"code":  string(code),
	})
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.UserID = callerIdentity(c).SubjectID

	order, err := h.orders.CreateOrder(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("orderId"), callerIdentity(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// listOrders serves the caller's view of the order book: buyers see their
// own orders, admins the orders carrying their items, superadmins all.
func (h *Handler) listOrders(c *gin.Context) {
	identity := callerIdentity(c)
	filter := orderFilterFromQuery(c)

	switch identity.Role {
	case service.RoleSuperAdmin:
		orders, total, err := h.orders.ListOrders(c.Request.Context(), filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": orders, "total": total})
	case service.RoleAdmin:
		orders, total, err := h.orders.ListSellerOrders(c.Request.Context(), identity.SubjectID, filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": orders, "total": total})
	default:
		orders, err := h.orders.ListUserOrders(c.Request.Context(), identity.SubjectID, filter.Limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": orders, "total": len(orders)})
	}
}

// transitionOrder applies a fulfillment-side status change
func (h *Handler) transitionOrder(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	identity := callerIdentity(c)
	actor := service.Actor{ID: identity.SubjectID, Role: identity.Role}
	order, err := h.orders.TransitionStatus(c.Request.Context(), c.Param("orderId"), req.Status, actor, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// cancelOrder is the buyer-facing cancel
func (h *Handler) cancelOrder(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	order, err := h.orders.CancelOrder(c.Request.Context(), c.Param("orderId"),
		callerIdentity(c).SubjectID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// initiatePayment opens a transaction against an order
func (h *Handler) initiatePayment(c *gin.Context) {
	var req service.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.UserID = callerIdentity(c).SubjectID

	tx, err := h.payments.InitiatePayment(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

// getTransaction handles get transaction by ID
func (h *Handler) getTransaction(c *gin.Context) {
	tx, err := h.payments.GetTransaction(c.Request.Context(), c.Param("transactionId"), callerIdentity(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// listTransactions serves the caller's payment history
func (h *Handler) listTransactions(c *gin.Context) {
	filter := store.TransactionFilter{
		Method: c.Query("method"),
		Status: c.Query("status"),
		Limit:  intQuery(c, "limit"),
	}
	txs, err := h.payments.ListUserTransactions(c.Request.Context(), callerIdentity(c).SubjectID, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

// confirmPayment settles a pending transaction
func (h *Handler) confirmPayment(c *gin.Context) {
	var req struct {
		GatewayTransactionID string `json:"gatewayTransactionId"`
	}
	_ = c.ShouldBindJSON(&req)

	tx, err := h.payments.ConfirmPayment(c.Request.Context(), c.Param("transactionId"), req.GatewayTransactionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// failPayment marks a pending transaction failed
func (h *Handler) failPayment(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	tx, err := h.payments.FailPayment(c.Request.Context(), c.Param("transactionId"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// refundPayment refunds a successful transaction
func (h *Handler) refundPayment(c *gin.Context) {
	var req struct {
		Amount int64  `json:"amount" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	tx, err := h.payments.RefundPayment(c.Request.Context(), c.Param("transactionId"), req.Amount, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// paymentWebhook ingests gateway callbacks. The raw body is read before
// binding because the signature covers the exact bytes on the wire.
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	signature := c.GetHeader("X-Gateway-Signature")
	if err := h.payments.HandleGatewayWebhook(c.Request.Context(), payload, signature); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

// createReturn opens a return request against an order
func (h *Handler) createReturn(c *gin.Context) {
	var req service.CreateReturnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.OrderID = c.Param("orderId")
	req.UserID = callerIdentity(c).SubjectID

	ret, err := h.returns.CreateReturn(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ret)
}

// getReturnForOrder fetches the active return on an order
func (h *Handler) getReturnForOrder(c *gin.Context) {
	ret, err := h.returns.GetReturnForOrder(c.Request.Context(), c.Param("orderId"), callerIdentity(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ret)
}

// getReturn handles get return by ID
func (h *Handler) getReturn(c *gin.Context) {
	ret, err := h.returns.GetReturn(c.Request.Context(), c.Param("returnId"), callerIdentity(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ret)
}

// listReturns serves the caller's view of returns, role-dependent like
// listOrders.
func (h *Handler) listReturns(c *gin.Context) {
	identity := callerIdentity(c)
	filter := store.ReturnFilter{
		Status: c.Query("status"),
		Page:   intQuery(c, "page"),
		Limit:  intQuery(c, "limit"),
	}

	switch identity.Role {
	case service.RoleSuperAdmin:
		rets, total, err := h.returns.ListReturns(c.Request.Context(), filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"returns": rets, "total": total})
	case service.RoleAdmin:
		rets, total, err := h.returns.ListSellerReturns(c.Request.Context(), identity.SubjectID, filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"returns": rets, "total": total})
	default:
		rets, total, err := h.returns.ListUserReturns(c.Request.Context(), identity.SubjectID, filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"returns": rets, "total": total})
	}
}

// advanceReturn applies an admin-side return status change
func (h *Handler) advanceReturn(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
		Notes  string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	ret, err := h.returns.AdvanceStatus(c.Request.Context(), c.Param("returnId"),
		req.Status, callerIdentity(c).SubjectID, req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ret)
}

// cancelReturn lets the buyer withdraw a return
func (h *Handler) cancelReturn(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	ret, err := h.returns.CancelReturn(c.Request.Context(), c.Param("returnId"),
		callerIdentity(c).SubjectID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ret)
}

// sellerStats serves the calling admin's own revenue summary
func (h *Handler) sellerStats(c *gin.Context) {
	stats, err := h.stats.SellerStats(c.Request.Context(), callerIdentity(c).SubjectID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// platformStats serves the marketplace-wide aggregate
func (h *Handler) platformStats(c *gin.Context) {
	stats, err := h.stats.PlatformStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// returnStats serves return volume aggregates. Admins see their own items'
// returns; superadmins see everything.
func (h *Handler) returnStats(c *gin.Context) {
	identity := callerIdentity(c)
	sellerID := identity.SubjectID
	if identity.Role == service.RoleSuperAdmin {
		sellerID = ""
	}
	stats, err := h.returns.ReturnStats(c.Request.Context(), sellerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// paymentAnalytics serves transaction volume by method
func (h *Handler) paymentAnalytics(c *gin.Context) {
	start := timeQuery(c, "start")
	end := timeQuery(c, "end")
	stats, err := h.payments.PaymentAnalytics(c.Request.Context(), start, end)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"methods": stats})
}

// runSweeper triggers an on-demand overdue-order sweep
func (h *Handler) runSweeper(c *gin.Context) {
	summary, err := h.sweeper.Run(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func orderFilterFromQuery(c *gin.Context) store.OrderFilter {
	return store.OrderFilter{
		Status: c.Query("status"),
		Page:   intQuery(c, "page"),
		Limit:  intQuery(c, "limit"),
	}
}

func intQuery(c *gin.Context, key string) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return v
}

func timeQuery(c *gin.Context, key string) *time.Time {
	raw := c.Query(key)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}
