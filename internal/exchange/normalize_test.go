package exchange

import (
	"testing"

	"github.com/marketpulse/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeSide(t *testing.T) {
	tests := []struct {
		raw  string
		want models.OrderSide
		ok   bool
	}{
		{"BUY", models.OrderSideBuy, true},
		{"Buy", models.OrderSideBuy, true},
		{"long", models.OrderSideBuy, true},
		{"0", models.OrderSideBuy, true},
		{"sell", models.OrderSideSell, true},
		{" Short ", models.OrderSideSell, true},
		{"1", models.OrderSideSell, true},
		{"flat", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := NormalizeSide(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeStatus(t *testing.T) {
	for _, raw := range []string{"", "FILLED", "closed", "Completed", "EXECUTED", "fill", "Trade", "2"} {
		assert.Equal(t, models.ExecutionStatusFilled, NormalizeStatus(raw), raw)
	}
	assert.Equal(t, models.ExecutionStatusCancelled, NormalizeStatus("Canceled"))
	assert.Equal(t, models.ExecutionStatusCancelled, NormalizeStatus("3"))
	assert.Equal(t, models.ExecutionStatusRejected, NormalizeStatus("Rejected"))
	assert.Equal(t, models.ExecutionStatusExpired, NormalizeStatus("4"))
	assert.Equal(t, models.ExecutionStatusOpen, NormalizeStatus("Working"))
	assert.Equal(t, models.ExecutionStatusOpen, NormalizeStatus("PartiallyFilled"))
	assert.Equal(t, models.ExecutionStatusOpen, NormalizeStatus("1"))
}

func TestNormalizeOrderType(t *testing.T) {
	assert.Equal(t, models.OrderTypeLimit, NormalizeOrderType("Limit"))
	assert.Equal(t, models.OrderTypeLimit, NormalizeOrderType("1"))
	assert.Equal(t, models.OrderTypeMarket, NormalizeOrderType("2"))
	assert.Equal(t, models.OrderTypeMarket, NormalizeOrderType(""))
	assert.Equal(t, models.OrderTypeStop, NormalizeOrderType("Stop"))
	assert.Equal(t, models.OrderTypeStop, NormalizeOrderType("4"))
	assert.Equal(t, models.OrderTypeStopLimit, NormalizeOrderType("stop_limit"))
	assert.Equal(t, models.OrderTypeStopLimit, NormalizeOrderType("StopLimit"))
	assert.Equal(t, models.OrderTypeTrailingStop, NormalizeOrderType("TrailingStop"))
}
