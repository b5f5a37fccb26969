package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/marketpulse/internal/middleware"
	"github.com/marketpulse/internal/service"
	"github.com/marketpulse/pkg/response"
)

// defaultSyncWindow is how far back a sync looks when no since is given
const defaultSyncWindow = 24 * time.Hour

// JournalHandler handles journal API requests
type JournalHandler struct {
	journalService *service.JournalService
}

// NewJournalHandler creates a new JournalHandler
func NewJournalHandler(journalService *service.JournalService) *JournalHandler {
	return &JournalHandler{journalService: journalService}
}

// ListTrades lists an account's journal
// GET /api/v1/journal/trades?account_id=&page=&page_size=
func (h *JournalHandler) ListTrades(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.BadRequest(c, "account_id is required")
		return
	}
	page, pageSize := pagination(c)

	trades, total, err := h.journalService.List(c.Request.Context(), middleware.GetUserID(c), accountID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessPaginated(c, trades, total, page, pageSize)
}

// CopyTrade copies a closed trade along the account's configurations
// POST /api/v1/journal/trades/:id/copy
func (h *JournalHandler) CopyTrade(c *gin.Context) {
	result, err := h.journalService.CopyTrade(c.Request.Context(), middleware.GetUserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// syncRequest bounds a broker journal sync. Both ends are optional.
type syncRequest struct {
	Since *time.Time `json:"since"`
	Until *time.Time `json:"until"`
}

// Sync imports a connection's broker fills into the journal
// POST /api/v1/journal/sync/:connection_id
func (h *JournalHandler) Sync(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}

	until := time.Now().UTC()
	if req.Until != nil {
		until = req.Until.UTC()
	}
	since := until.Add(-defaultSyncWindow)
	if req.Since != nil {
		since = req.Since.UTC()
	}
	if !since.Before(until) {
		response.BadRequest(c, "since must be before until")
		return
	}

	result, err := h.journalService.ImportExecutions(c.Request.Context(), middleware.GetUserID(c), c.Param("connection_id"), since, until)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// RegisterRoutes registers journal routes
func (h *JournalHandler) RegisterRoutes(rg *gin.RouterGroup, authMiddleware gin.HandlerFunc) {
	journal := rg.Group("/journal")
	journal.Use(authMiddleware)
	{
		journal.GET("/trades", h.ListTrades)
		journal.POST("/trades/:id/copy", h.CopyTrade)
		journal.POST("/sync/:connection_id", h.Sync)
	}
}
