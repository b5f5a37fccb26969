package exchange

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/marketpulse/internal/models"
)

var ErrIncompleteOrder = errors.New("order payload is missing symbol, side or quantity")

// FlexString accepts a JSON string or number. Broker payloads disagree on
// whether ids and enum codes are quoted.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(data)
	return nil
}

// FlexFloat accepts a JSON number or a numeric string
type FlexFloat struct {
	Value float64
	Set   bool
}

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = FlexFloat{}
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if strings.TrimSpace(raw) == "" {
			*f = FlexFloat{}
			return nil
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return err
	}
	*f = FlexFloat{Value: v, Set: true}
	return nil
}

// Ptr returns the value as a pointer, nil when unset
func (f FlexFloat) Ptr() *float64 {
	if !f.Set {
		return nil
	}
	v := f.Value
	return &v
}

// OrderPayload is an order event as delivered by the push channel or posted
// to the order update entry point. It accepts the field names used by the
// supported brokers.
type OrderPayload struct {
	ID            FlexString `json:"id"`
	OrderID       FlexString `json:"orderId"`
	AccountID     FlexString `json:"accountId"`
	Symbol        string     `json:"symbol"`
	ContractID    FlexString `json:"contractId"`
	Side          FlexString `json:"side"`
	Action        string     `json:"action"`
	Quantity      FlexFloat  `json:"quantity"`
	Size          FlexFloat  `json:"size"`
	Type          FlexString `json:"type"`
	OrderType     FlexString `json:"orderType"`
	Status        FlexString `json:"status"`
	Price         FlexFloat  `json:"price"`
	LimitPrice    FlexFloat  `json:"limitPrice"`
	StopPrice     FlexFloat  `json:"stopPrice"`
	FilledPrice   FlexFloat  `json:"filledPrice"`
	FillVolume    FlexFloat  `json:"fillVolume"`
	ProfitAndLoss FlexFloat  `json:"profitAndLoss"`
	Timestamp     string     `json:"creationTimestamp"`
	UpdatedAt     string     `json:"updateTimestamp"`
}

// SourceOrderID returns the broker order id
func (p *OrderPayload) SourceOrderID() string {
	if p.OrderID != "" {
		return string(p.OrderID)
	}
	return string(p.ID)
}

// ToExecution normalizes the payload into a SourceExecution
func (p *OrderPayload) ToExecution() (models.SourceExecution, error) {
	exec := models.SourceExecution{
		OrderID:   p.SourceOrderID(),
		AccountID: string(p.AccountID),
		Symbol:    p.Symbol,
		Status:    NormalizeStatus(string(p.Status)),
		PnL:       p.ProfitAndLoss.Ptr(),
		StopPrice: p.StopPrice.Ptr(),
		Timestamp: time.Now().UTC(),
	}
	exec.ExecutionID = exec.OrderID

	if exec.Symbol == "" {
		exec.Symbol = string(p.ContractID)
	}

	rawSide := string(p.Side)
	if rawSide == "" {
		rawSide = p.Action
	}
	side, ok := NormalizeSide(rawSide)

	exec.Quantity = p.Quantity.Value
	if !p.Quantity.Set {
		exec.Quantity = p.Size.Value
	}

	if exec.Symbol == "" || !ok || exec.Quantity <= 0 {
		return exec, ErrIncompleteOrder
	}
	exec.Side = side

	rawType := string(p.OrderType)
	if rawType == "" {
		rawType = string(p.Type)
	}
	exec.OrderType = NormalizeOrderType(rawType)

	switch {
	case p.LimitPrice.Set:
		exec.Price = p.LimitPrice.Value
	case p.Price.Set:
		exec.Price = p.Price.Value
	case p.FilledPrice.Set:
		exec.Price = p.FilledPrice.Value
	}

	for _, ts := range []string{p.UpdatedAt, p.Timestamp} {
		if ts == "" {
			continue
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			exec.Timestamp = parsed.UTC()
			break
		}
	}

	return exec, nil
}
