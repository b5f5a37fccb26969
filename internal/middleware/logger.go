package middleware

import (
	"bytes"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/marketpulse/pkg/crypto"
	"go.uber.org/zap"
)

// maxLoggedBody caps how much of a request body lands in the log
const maxLoggedBody = 1000

// maskedHeaders are logged with only their prefix visible
var maskedHeaders = []string{"Authorization", "X-Api-Key"}

func fullURL(c *gin.Context) string {
	url := c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		url += "?" + c.Request.URL.RawQuery
	}
	return url
}

// RequestLogger logs every request with its status and latency. 4xx and 5xx
// responses are logged at error level.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		url := fullURL(c)

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("url", url),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if userID := GetUserID(c); userID != "" {
			fields = append(fields, zap.String("user_id", userID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		if c.Writer.Status() >= 400 {
			logger.Error("request", fields...)
		} else {
			logger.Info("request", fields...)
		}
	}
}

// TradeRequestLogger records the full body and masked credential headers of
// requests that can place or mutate orders
func TradeRequestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("trade")
	return func(c *gin.Context) {
		start := time.Now()

		var body []byte
		if c.Request.Body != nil {
			body, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
		}

		bodyStr := string(body)
		if bodyStr == "" {
			bodyStr = "(empty)"
		} else if len(bodyStr) > maxLoggedBody {
			bodyStr = bodyStr[:maxLoggedBody] + "..."
		}

		headers := make(map[string]string)
		for _, h := range maskedHeaders {
			if val := c.GetHeader(h); val != "" {
				headers[h] = crypto.Mask(val)
			}
		}

		c.Next()

		logger.Info("trade request",
			zap.String("method", c.Request.Method),
			zap.String("url", fullURL(c)),
			zap.Any("headers", headers),
			zap.String("body", bodyStr),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
