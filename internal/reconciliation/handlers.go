package reconciliation

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/attribution-api/internal/types"
	"github.com/ksred/attribution-api/pkg/response"
)

// GinHandlers exposes reconciliation over internal HTTP routes.
type GinHandlers struct {
	worker *Worker
}

func NewGinHandlers(worker *Worker) *GinHandlers {
	return &GinHandlers{worker: worker}
}

// RunHandler triggers one reconciliation pass. Scope is taken from query
// parameters, falling back to the worker's defaults.
func (h *GinHandlers) RunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := h.worker.defaultScope
		if account := c.Query("trading_account_id"); account != "" {
			scope.TradingAccountID = account
		}
		if raw := c.Query("max_age"); raw != "" {
			maxAge, err := time.ParseDuration(raw)
			if err != nil {
				response.BadRequest(c, "max_age must be a duration, e.g. 24h")
				return
			}
			scope.MaxAge = maxAge
		}
		if raw := c.Query("batch_size"); raw != "" {
			batch, err := strconv.Atoi(raw)
			if err != nil || batch <= 0 {
				response.BadRequest(c, "batch_size must be a positive integer")
				return
			}
			scope.BatchSize = batch
		}

		report, err := h.worker.Reconcile(c.Request.Context(), scope)
		response.Handle(c, report, err)
	}
}

// ReconcileOrderHandler reconciles a single order by internal id.
func (h *GinHandlers) ReconcileOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		drift, err := h.worker.ReconcileOrder(c.Request.Context(), c.Param("order_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if drift == nil {
			c.JSON(http.StatusOK, gin.H{"order_id": c.Param("order_id"), "drift": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"order_id": drift.OrderID, "drift": true, "detail": drift})
	}
}

// SeedOrderHandler records an internal order; internal-only, used for
// provisioning and simulation.
func (h *GinHandlers) SeedOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var order types.Order
		if err := c.ShouldBindJSON(&order); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if order.TradingAccountID == "" || order.Symbol == "" {
			response.BadRequest(c, "trading_account_id and symbol are required")
			return
		}
		if err := h.worker.SeedOrder(&order); err != nil {
			response.Handle(c, nil, err)
			return
		}
		c.JSON(http.StatusCreated, order)
	}
}
