package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestOrder_ApplyFill(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name       string
		quantity   string
		fills      [][2]string // qty, price
		wantStatus OrderStatus
		wantFilled string
		wantAvg    string
	}{
		{
			name:       "single full fill",
			quantity:   "2",
			fills:      [][2]string{{"2", "100"}},
			wantStatus: OrderFilled,
			wantFilled: "2",
			wantAvg:    "100",
		},
		{
			name:       "partial fill",
			quantity:   "5",
			fills:      [][2]string{{"2", "100"}},
			wantStatus: OrderPartiallyFilled,
			wantFilled: "2",
			wantAvg:    "100",
		},
		{
			name:       "two fills at different prices average by quantity",
			quantity:   "3",
			fills:      [][2]string{{"1", "90"}, {"2", "96"}},
			wantStatus: OrderFilled,
			wantFilled: "3",
			wantAvg:    "94", // (1*90 + 2*96) / 3
		},
		{
			name:       "partial then completing fill",
			quantity:   "4",
			fills:      [][2]string{{"1", "100"}, {"3", "100"}},
			wantStatus: OrderFilled,
			wantFilled: "4",
			wantAvg:    "100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Order{
				Quantity: dec(t, tt.quantity),
				Status:   OrderOpen,
			}
			for _, f := range tt.fills {
				o.ApplyFill(dec(t, f[0]), dec(t, f[1]), now)
			}

			assert.Equal(t, tt.wantStatus, o.Status)
			assert.True(t, o.FilledQuantity.Equal(dec(t, tt.wantFilled)),
				"filled quantity = %s, want %s", o.FilledQuantity, tt.wantFilled)
			assert.True(t, o.AvgFilledPrice.Equal(dec(t, tt.wantAvg)),
				"avg filled price = %s, want %s", o.AvgFilledPrice, tt.wantAvg)
			if tt.wantStatus == OrderFilled {
				assert.Equal(t, now, o.FilledAt)
			} else {
				assert.True(t, o.FilledAt.IsZero())
			}
		})
	}
}

func TestOrder_Remaining(t *testing.T) {
	o := &Order{Quantity: dec(t, "5"), FilledQuantity: dec(t, "1.5")}
	assert.True(t, o.Remaining().Equal(dec(t, "3.5")))
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	assert.False(t, OrderOpen.IsTerminal())
	assert.False(t, OrderPartiallyFilled.IsTerminal())
	assert.True(t, OrderFilled.IsTerminal())
	assert.True(t, OrderCancelled.IsTerminal())
	assert.True(t, OrderExpired.IsTerminal())
}

func TestOrder_CanCancel(t *testing.T) {
	for status, want := range map[OrderStatus]bool{
		OrderOpen:            true,
		OrderPartiallyFilled: true,
		OrderFilled:          false,
		OrderCancelled:       false,
		OrderExpired:         false,
	} {
		o := &Order{Status: status}
		assert.Equal(t, want, o.CanCancel(), "status %s", status)
	}
}
