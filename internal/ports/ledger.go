package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"cryptobroker/internal/domain"
)

// Ledger is the durable, transactional store for users, balances,
// transactions, orders, portfolios and market data. Reads outside a
// transaction observe the last committed state; every multi-step mutation
// must go through InTx so a balance change and the transaction record that
// justifies it are never individually observable.
type Ledger interface {
	// InTx runs fn inside one store transaction. If fn returns an error the
	// transaction is rolled back and the error is returned wrapped with
	// ErrPersistence context where the failure is the store's own.
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error

	// CreateUser saves a new user and its zero balance rows for every
	// supported asset, returning the assigned ID.
	CreateUser(ctx context.Context, user *domain.User) (int64, error)
	// GetUser retrieves a user by ID. Returns nil, nil when not found.
	GetUser(ctx context.Context, id int64) (*domain.User, error)

	// GetBalance retrieves one balance row. Returns a zero balance when the
	// row does not exist yet.
	GetBalance(ctx context.Context, userID int64, asset domain.Asset) (*domain.Balance, error)
	// GetBalances retrieves all balance rows for a user.
	GetBalances(ctx context.Context, userID int64) ([]*domain.Balance, error)

	// GetOrder retrieves an order by ID. Returns nil, nil when not found.
	GetOrder(ctx context.Context, id int64) (*domain.Order, error)
	// FindOpenOrders retrieves all OPEN and PARTIALLY_FILLED orders of the
	// given types across all users, ordered by creation time ascending.
	FindOpenOrders(ctx context.Context, types ...domain.OrderType) ([]*domain.Order, error)
	// FindOrdersByUser retrieves a user's most recent orders, up to limit.
	FindOrdersByUser(ctx context.Context, userID int64, limit int) ([]*domain.Order, error)

	// FindCompletedTrades retrieves the COMPLETED BUY/SELL transactions for
	// one (user, asset) pair ordered by completion time ascending. This is
	// the replay input for portfolio recomputation.
	FindCompletedTrades(ctx context.Context, userID int64, asset domain.Asset) ([]*domain.Transaction, error)
	// FindTransactionsByUser retrieves a user's most recent transactions.
	FindTransactionsByUser(ctx context.Context, userID int64, limit int) ([]*domain.Transaction, error)

	// GetPortfolio retrieves all portfolio rows for a user.
	GetPortfolio(ctx context.Context, userID int64) ([]*domain.Portfolio, error)

	// GetCryptocurrency retrieves the market-data row for a symbol.
	// Returns nil, nil when the symbol is unknown.
	GetCryptocurrency(ctx context.Context, symbol domain.Asset) (*domain.Cryptocurrency, error)
	// PriceHistorySince retrieves price points for a symbol recorded at or
	// after the cutoff, ordered by time ascending. Empty slice, not an
	// error, when the symbol has no history.
	PriceHistorySince(ctx context.Context, symbol domain.Asset, since time.Time) ([]domain.PricePoint, error)

	// Close releases the underlying store resources.
	Close() error
}

// LedgerTx is the unit-of-work handed to InTx callbacks. All mutations and
// the reads that gate them happen on the same store transaction, so a
// balance-sufficiency check and the mutation it authorizes cannot race.
type LedgerTx interface {
	// GetUser retrieves a user by ID within the transaction.
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	// GetBalance retrieves one balance row within the transaction, creating
	// a zero row when missing so subsequent adjustments have a target.
	GetBalance(ctx context.Context, userID int64, asset domain.Asset) (*domain.Balance, error)

	// AdjustAvailable applies a signed delta to the available column.
	// Fails with ErrInsufficientFunds when the result would be negative.
	AdjustAvailable(ctx context.Context, userID int64, asset domain.Asset, delta decimal.Decimal) error
	// Reserve moves amount from available to reserved.
	// Fails with ErrInsufficientFunds when available is short.
	Reserve(ctx context.Context, userID int64, asset domain.Asset, amount decimal.Decimal) error
	// Release moves amount from reserved back to available.
	// Fails with ErrInsufficientFunds when reserved is short.
	Release(ctx context.Context, userID int64, asset domain.Asset, amount decimal.Decimal) error

	// CreateTransaction inserts a transaction row and returns its ID.
	CreateTransaction(ctx context.Context, tx *domain.Transaction) (int64, error)
	// CreateOrder inserts an order row and returns its ID.
	CreateOrder(ctx context.Context, order *domain.Order) (int64, error)
	// GetOrder retrieves an order within the transaction for update.
	// Returns nil, nil when not found.
	GetOrder(ctx context.Context, id int64) (*domain.Order, error)
	// UpdateOrder persists fill progress and status changes.
	UpdateOrder(ctx context.Context, order *domain.Order) error

	// FindCompletedTrades is the transactional variant of the replay read.
	FindCompletedTrades(ctx context.Context, userID int64, asset domain.Asset) ([]*domain.Transaction, error)
	// UpsertPortfolio writes the recomputed portfolio row for (user, asset).
	UpsertPortfolio(ctx context.Context, p *domain.Portfolio) error

	// UpsertCryptocurrency writes the market-data row for a symbol.
	UpsertCryptocurrency(ctx context.Context, c *domain.Cryptocurrency) error
	// AppendPricePoint appends one price history sample.
	AppendPricePoint(ctx context.Context, p *domain.PricePoint) error
}
