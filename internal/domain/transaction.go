package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a balance-affecting event.
type TransactionType string

const (
	TxBuy        TransactionType = "BUY"
	TxSell       TransactionType = "SELL"
	TxDeposit    TransactionType = "DEPOSIT"
	TxWithdrawal TransactionType = "WITHDRAWAL"
)

// TransactionStatus is the lifecycle state of a transaction.
// PENDING may move to COMPLETED, FAILED or CANCELLED; those are terminal.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
	TxCancelled TransactionStatus = "CANCELLED"
)

// Transaction is the immutable-once-completed record of one balance change.
// For BUY/SELL, Quantity, PricePerUnit and TotalAmount are set and
// TotalAmount == Quantity * PricePerUnit. For DEPOSIT/WITHDRAWAL the fiat
// fields carry the amount instead; Asset may be empty for pure fiat moves.
type Transaction struct {
	ID           int64
	Reference    string // uuid, stable across retries and exports
	UserID       int64
	Type         TransactionType
	Asset        Asset           // empty for pure fiat transactions
	Quantity     decimal.Decimal // asset units, zero for fiat transactions
	PricePerUnit decimal.Decimal // execution price in USDT
	TotalAmount  decimal.Decimal // Quantity * PricePerUnit for trades
	FiatAmount   decimal.Decimal // deposits/withdrawals
	FiatCurrency string
	Fee          decimal.Decimal
	Status       TransactionStatus
	CreatedAt    time.Time
	CompletedAt  time.Time // set exactly once, on transition to COMPLETED
}

// IsTerminal reports whether the status permits no further transitions.
func (s TransactionStatus) IsTerminal() bool {
	return s == TxCompleted || s == TxFailed || s == TxCancelled
}

// Complete transitions the transaction to COMPLETED and stamps CompletedAt.
// It is a no-op error to complete an already-terminal transaction.
func (t *Transaction) Complete(now time.Time) {
	t.Status = TxCompleted
	t.CompletedAt = now
}
