package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/marketpulse/internal/middleware"
	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/service"
	"github.com/marketpulse/pkg/response"
)

// CopyTradeHandler exposes the two pipeline entry points and the audit log
type CopyTradeHandler struct {
	poller  *service.Poller
	orders  *service.OrderUpdateService
	logs    *service.LogService
	tradeMW gin.HandlerFunc
}

// NewCopyTradeHandler creates a new CopyTradeHandler. tradeMW runs on the
// order-placing routes only and may be nil.
func NewCopyTradeHandler(poller *service.Poller, orders *service.OrderUpdateService, logs *service.LogService, tradeMW gin.HandlerFunc) *CopyTradeHandler {
	return &CopyTradeHandler{poller: poller, orders: orders, logs: logs, tradeMW: tradeMW}
}

// CheckAndExecute runs one polling cycle for the caller
// POST /api/v1/copy-trade/check-and-execute
func (h *CopyTradeHandler) CheckAndExecute(c *gin.Context) {
	result := h.poller.CheckAndExecute(c.Request.Context(), middleware.GetUserID(c))
	response.Raw(c, result)
}

// ProcessOrderUpdate applies one source order event. Only request errors
// are answered with a 4xx; any other failure is reported in the errors
// list of a 200 response.
// POST /api/v1/copy-trade/process-order-update
func (h *CopyTradeHandler) ProcessOrderUpdate(c *gin.Context) {
	var req service.OrderUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.orders.ProcessOrderUpdate(c.Request.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		if !writeClientError(c, err) {
			response.Raw(c, &service.OrderUpdateResult{Errors: []string{err.Error()}})
		}
		return
	}
	response.Raw(c, result)
}

// GetLogs lists the caller's copy-trade log rows
// GET /api/v1/copy-trade/logs?status=&page=&page_size=
func (h *CopyTradeHandler) GetLogs(c *gin.Context) {
	page, pageSize := pagination(c)
	status := models.CopyStatus(c.Query("status"))

	entries, total, err := h.logs.List(c.Request.Context(), middleware.GetUserID(c), status, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessPaginated(c, entries, total, page, pageSize)
}

// GetStuckLogs lists pending rows that never reached a terminal state
// GET /api/v1/copy-trade/logs/stuck?older_than=10m
func (h *CopyTradeHandler) GetStuckLogs(c *gin.Context) {
	var olderThan time.Duration
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			response.BadRequest(c, "invalid older_than duration")
			return
		}
		olderThan = d
	}

	entries, err := h.logs.Stuck(c.Request.Context(), middleware.GetUserID(c), olderThan)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, entries)
}

func (h *CopyTradeHandler) trade(handler gin.HandlerFunc) []gin.HandlerFunc {
	if h.tradeMW == nil {
		return []gin.HandlerFunc{handler}
	}
	return []gin.HandlerFunc{h.tradeMW, handler}
}

// RegisterRoutes registers copy-trade routes
func (h *CopyTradeHandler) RegisterRoutes(rg *gin.RouterGroup, authMiddleware gin.HandlerFunc) {
	copyTrade := rg.Group("/copy-trade")
	copyTrade.Use(authMiddleware)
	{
		copyTrade.POST("/check-and-execute", h.trade(h.CheckAndExecute)...)
		copyTrade.POST("/process-order-update", h.trade(h.ProcessOrderUpdate)...)
		copyTrade.GET("/logs", h.GetLogs)
		copyTrade.GET("/logs/stuck", h.GetStuckLogs)
	}
}
