package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/marketpulse/internal/middleware"
	"github.com/marketpulse/internal/service"
	"github.com/marketpulse/pkg/response"
)

// CopyConfigHandler handles copy configuration API requests
type CopyConfigHandler struct {
	configService *service.ConfigService
}

// NewCopyConfigHandler creates a new CopyConfigHandler
func NewCopyConfigHandler(configService *service.ConfigService) *CopyConfigHandler {
	return &CopyConfigHandler{configService: configService}
}

// Create handles configuration creation
// POST /api/v1/copy-configs
func (h *CopyConfigHandler) Create(c *gin.Context) {
	var req service.CreateCopyConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	cfg, err := h.configService.Create(c.Request.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Created(c, cfg)
}

// List handles listing the caller's configurations
// GET /api/v1/copy-configs
func (h *CopyConfigHandler) List(c *gin.Context) {
	configs, err := h.configService.List(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, configs)
}

// Get handles getting a single configuration
// GET /api/v1/copy-configs/:id
func (h *CopyConfigHandler) Get(c *gin.Context) {
	cfg, err := h.configService.Get(c.Request.Context(), middleware.GetUserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, cfg)
}

// Update handles a partial configuration update
// PUT /api/v1/copy-configs/:id
func (h *CopyConfigHandler) Update(c *gin.Context) {
	var req service.UpdateCopyConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	cfg, err := h.configService.Update(c.Request.Context(), middleware.GetUserID(c), c.Param("id"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, cfg)
}

// Delete handles configuration deletion
// DELETE /api/v1/copy-configs/:id
func (h *CopyConfigHandler) Delete(c *gin.Context) {
	if err := h.configService.Delete(c.Request.Context(), middleware.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "copy configuration deleted"})
}

// RegisterRoutes registers copy configuration routes
func (h *CopyConfigHandler) RegisterRoutes(rg *gin.RouterGroup, authMiddleware gin.HandlerFunc) {
	configs := rg.Group("/copy-configs")
	configs.Use(authMiddleware)
	{
		configs.POST("", h.Create)
		configs.GET("", h.List)
		configs.GET("/:id", h.Get)
		configs.PUT("/:id", h.Update)
		configs.DELETE("/:id", h.Delete)
	}
}
