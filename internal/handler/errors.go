package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/marketpulse/internal/exchange"
	"github.com/marketpulse/internal/repository"
	"github.com/marketpulse/internal/service"
	"github.com/marketpulse/pkg/response"
)

// writeError maps service and repository errors to HTTP responses
func writeError(c *gin.Context, err error) {
	if !writeClientError(c, err) {
		response.InternalError(c, err.Error())
	}
}

// writeClientError writes the 4xx response for errors caused by the request
// and reports whether err was one of them
func writeClientError(c *gin.Context, err error) bool {
	switch {
	case errors.Is(err, repository.ErrAccountNotFound):
		response.NotFound(c, "account not found")
	case errors.Is(err, repository.ErrConnectionNotFound):
		response.NotFound(c, "connection not found")
	case errors.Is(err, repository.ErrConfigNotFound):
		response.NotFound(c, "copy configuration not found")
	case errors.Is(err, repository.ErrJournalNotFound):
		response.NotFound(c, "journal trade not found")
	case errors.Is(err, repository.ErrDuplicateKey):
		response.Conflict(c, "already exists")
	case errors.Is(err, service.ErrSelfCopy),
		errors.Is(err, service.ErrCopyCycle),
		errors.Is(err, service.ErrInvalidMultiplier),
		errors.Is(err, service.ErrInvalidRRRange),
		errors.Is(err, service.ErrInvalidAction),
		errors.Is(err, service.ErrConnectionMismatch),
		errors.Is(err, service.ErrMissingOrderID),
		errors.Is(err, service.ErrTradeNotClosed),
		errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrAmbiguousCredentials),
		errors.Is(err, exchange.ErrNoCredentials),
		errors.Is(err, exchange.ErrInvalidAccountID):
		response.BadRequest(c, err.Error())
	default:
		return false
	}
	return true
}

// pagination reads page and page_size with sane bounds
func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
