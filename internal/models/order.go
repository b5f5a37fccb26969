package models

import (
	"time"
)

// OrderType represents the canonical order type
type OrderType string

const (
	OrderTypeMarket       OrderType = "MARKET"
	OrderTypeLimit        OrderType = "LIMIT"
	OrderTypeStop         OrderType = "STOP"
	OrderTypeStopLimit    OrderType = "STOP_LIMIT"
	OrderTypeTrailingStop OrderType = "TRAILING_STOP"
)

// OrderSide represents the canonical order side
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// ExecutionStatus represents the canonical status of a broker order or fill
type ExecutionStatus string

const (
	ExecutionStatusOpen      ExecutionStatus = "OPEN"
	ExecutionStatusFilled    ExecutionStatus = "FILLED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
	ExecutionStatusRejected  ExecutionStatus = "REJECTED"
	ExecutionStatusExpired   ExecutionStatus = "EXPIRED"
)

// SourceExecution is a single broker-side occurrence observed on a source
// account. It is rebuilt on every poll or push cycle and never stored as-is.
type SourceExecution struct {
	ExecutionID string          `json:"execution_id,omitempty"`
	OrderID     string          `json:"order_id,omitempty"`
	AccountID   string          `json:"account_id,omitempty"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Quantity    float64         `json:"quantity"`
	Price       float64         `json:"price"`
	OrderType   OrderType       `json:"order_type"`
	StopPrice   *float64        `json:"stop_price,omitempty"`
	Status      ExecutionStatus `json:"status"`
	PnL         *float64        `json:"pnl,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// IsOpening reports whether the execution opens a position: a terminal fill
// carrying no realized PnL.
func (e *SourceExecution) IsOpening() bool {
	if e.Status != ExecutionStatusFilled {
		return false
	}
	return e.PnL == nil || *e.PnL == 0
}

// OrderPrice returns the price a mirrored order should carry for its type.
// Market orders carry none.
func (e *SourceExecution) OrderPrice() *float64 {
	switch e.OrderType {
	case OrderTypeLimit, OrderTypeStopLimit:
		if e.Price > 0 {
			p := e.Price
			return &p
		}
	case OrderTypeStop, OrderTypeTrailingStop:
		if e.StopPrice != nil {
			p := *e.StopPrice
			return &p
		}
	}
	return nil
}
