package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Portfolio is the derived aggregate for one (user, asset) pair. It is a
// materialized view over the user's COMPLETED transactions plus the current
// market price, never a source of truth: every field is recomputable.
type Portfolio struct {
	UserID          int64
	Asset           Asset
	TotalQuantity   decimal.Decimal
	AverageBuyPrice decimal.Decimal // cost basis per unit (average-cost method)
	TotalInvested   decimal.Decimal
	CurrentValue    decimal.Decimal // TotalQuantity * current market price
	ProfitLoss      decimal.Decimal // CurrentValue - TotalInvested
	ProfitLossPct   decimal.Decimal
	AllocationPct   decimal.Decimal // share of the user's total portfolio value
	UpdatedAt       time.Time
}
