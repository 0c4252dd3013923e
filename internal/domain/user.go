package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a brokerage account holder.
type User struct {
	ID        int64
	Username  string
	Email     string
	IsActive  bool // deactivated users keep their records but cannot trade
	IsBlocked bool // administrative block, same effect as inactive
	CreatedAt time.Time
}

// CanTrade reports whether the account may initiate balance-mutating operations.
func (u *User) CanTrade() bool {
	return u.IsActive && !u.IsBlocked
}

// Balance is one user's holding of one asset. Available funds back new
// orders and withdrawals; Reserved funds are held against open orders and
// released on cancellation or consumed by fills. Neither may go negative.
type Balance struct {
	UserID    int64
	Asset     Asset
	Available decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

// Total returns available plus reserved holdings.
func (b *Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Reserved)
}
