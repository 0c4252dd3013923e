package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType distinguishes how an order executes.
type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderLimit      OrderType = "LIMIT"
	OrderStopLoss   OrderType = "STOP_LOSS"
	OrderTakeProfit OrderType = "TAKE_PROFIT"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// TimeInForce is the order lifetime policy.
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // good till cancelled
	IOC TimeInForce = "IOC" // immediate or cancel
	FOK TimeInForce = "FOK" // fill or kill
)

// Order is a resting or terminal limit/stop order.
// Invariants: FilledQuantity never decreases and never exceeds Quantity;
// status is FILLED iff FilledQuantity == Quantity.
type Order struct {
	ID             int64
	ClientOrderID  string // uuid assigned at placement
	UserID         int64
	Type           OrderType
	Side           OrderSide
	Asset          Asset
	Quantity       decimal.Decimal
	LimitPrice     decimal.Decimal // required for LIMIT
	StopPrice      decimal.Decimal // required for STOP_LOSS / TAKE_PROFIT
	FilledQuantity decimal.Decimal
	AvgFilledPrice decimal.Decimal // running weighted average across fills
	Status         OrderStatus
	TimeInForce    TimeInForce
	CreatedAt      time.Time
	FilledAt       time.Time // set when the order becomes FILLED
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsTerminal reports whether the status permits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderExpired
}

// CanCancel reports whether the order may still be cancelled.
func (o *Order) CanCancel() bool {
	return o.Status == OrderOpen || o.Status == OrderPartiallyFilled
}

// ApplyFill advances the fill state by qty executed at price, recomputing
// the weighted average fill price and transitioning the status. The caller
// must ensure qty <= Remaining().
func (o *Order) ApplyFill(qty, price decimal.Decimal, now time.Time) {
	prevNotional := o.AvgFilledPrice.Mul(o.FilledQuantity)
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	if o.FilledQuantity.IsPositive() {
		o.AvgFilledPrice = prevNotional.Add(qty.Mul(price)).Div(o.FilledQuantity)
	}
	if o.FilledQuantity.GreaterThanOrEqual(o.Quantity) {
		o.Status = OrderFilled
		o.FilledAt = now
	} else {
		o.Status = OrderPartiallyFilled
	}
}
