package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/marketpulse/internal/middleware"
	"github.com/marketpulse/internal/service"
	"github.com/marketpulse/pkg/response"
)

// AccountHandler handles trading account and broker connection API requests
type AccountHandler struct {
	accountService *service.AccountService
}

// NewAccountHandler creates a new AccountHandler
func NewAccountHandler(accountService *service.AccountService) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
	}
}

// CreateAccount handles account creation
// POST /api/v1/accounts
func (h *AccountHandler) CreateAccount(c *gin.Context) {
	var req service.CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	account, err := h.accountService.CreateAccount(c.Request.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Created(c, account)
}

// GetAccounts handles getting all accounts for the authenticated user
// GET /api/v1/accounts
func (h *AccountHandler) GetAccounts(c *gin.Context) {
	accounts, err := h.accountService.GetAccounts(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, accounts)
}

// DeleteAccount handles deleting an account
// DELETE /api/v1/accounts/:id
func (h *AccountHandler) DeleteAccount(c *gin.Context) {
	if err := h.accountService.DeleteAccount(c.Request.Context(), middleware.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "account deleted"})
}

// CreateConnection links a trading account to a broker
// POST /api/v1/connections
func (h *AccountHandler) CreateConnection(c *gin.Context) {
	var req service.CreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	conn, err := h.accountService.CreateConnection(c.Request.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Created(c, conn)
}

// GetConnections lists the caller's connections without secrets
// GET /api/v1/connections
func (h *AccountHandler) GetConnections(c *gin.Context) {
	conns, err := h.accountService.GetConnections(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, conns)
}

// UpdateConnection rotates credentials or toggles a connection
// PUT /api/v1/connections/:id
func (h *AccountHandler) UpdateConnection(c *gin.Context) {
	var req service.UpdateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	conn, err := h.accountService.UpdateConnection(c.Request.Context(), middleware.GetUserID(c), c.Param("id"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, conn)
}

// DeleteConnection handles deleting a connection
// DELETE /api/v1/connections/:id
func (h *AccountHandler) DeleteConnection(c *gin.Context) {
	if err := h.accountService.DeleteConnection(c.Request.Context(), middleware.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "connection deleted"})
}

// TestConnection authenticates against the broker
// POST /api/v1/connections/:id/test
func (h *AccountHandler) TestConnection(c *gin.Context) {
	accounts, err := h.accountService.TestConnection(c.Request.Context(), middleware.GetUserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"accounts": accounts})
}

// RegisterRoutes registers account and connection routes
func (h *AccountHandler) RegisterRoutes(rg *gin.RouterGroup, authMiddleware gin.HandlerFunc) {
	accounts := rg.Group("/accounts")
	accounts.Use(authMiddleware)
	{
		accounts.POST("", h.CreateAccount)
		accounts.GET("", h.GetAccounts)
		accounts.DELETE("/:id", h.DeleteAccount)
	}

	connections := rg.Group("/connections")
	connections.Use(authMiddleware)
	{
		connections.POST("", h.CreateConnection)
		connections.GET("", h.GetConnections)
		connections.PUT("/:id", h.UpdateConnection)
		connections.DELETE("/:id", h.DeleteConnection)
		connections.POST("/:id/test", h.TestConnection)
	}
}
