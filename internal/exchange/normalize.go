package exchange

import (
	"strings"

	"github.com/marketpulse/internal/models"
)

// NormalizeSide maps every broker side vocabulary onto the canonical side.
// Numeric codes follow the ProjectX convention (0 bid, 1 ask).
func NormalizeSide(raw string) (models.OrderSide, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "LONG", "B", "BID", "0":
		return models.OrderSideBuy, true
	case "SELL", "SHORT", "S", "ASK", "1":
		return models.OrderSideSell, true
	}
	return "", false
}

// NormalizeStatus maps a broker status onto the canonical status. Brokers
// that report fills without a status field produce the empty string, which
// means filled. Numeric codes follow ProjectX (1 open, 2 filled, 3 cancelled,
// 4 expired, 5 rejected, 6 pending).
func NormalizeStatus(raw string) models.ExecutionStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "FILLED", "CLOSED", "COMPLETED", "EXECUTED", "FILL", "TRADE", "2":
		return models.ExecutionStatusFilled
	case "CANCELLED", "CANCELED", "CANCEL", "3":
		return models.ExecutionStatusCancelled
	case "REJECTED", "REJECT", "5":
		return models.ExecutionStatusRejected
	case "EXPIRED", "DEACTIVATED", "4":
		return models.ExecutionStatusExpired
	default:
		// NEW, WORKING, PENDING, PARTIALLYFILLED, UNTRIGGERED, 1, 6 ...
		return models.ExecutionStatusOpen
	}
}

// NormalizeOrderType maps a broker order type onto the canonical type.
// Numeric codes follow ProjectX (1 limit, 2 market, 3 stop limit, 4 stop,
// 5 trailing stop). Unknown types are treated as market.
func NormalizeOrderType(raw string) models.OrderType {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", "", " ", "", "-", "").Replace(s)
	switch s {
	case "LIMIT", "LMT", "1":
		return models.OrderTypeLimit
	case "STOPLIMIT", "STPLMT", "3":
		return models.OrderTypeStopLimit
	case "STOP", "STP", "STOPMARKET", "4":
		return models.OrderTypeStop
	case "TRAILINGSTOP", "TRAILSTOP", "5":
		return models.OrderTypeTrailingStop
	default:
		return models.OrderTypeMarket
	}
}
