package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptobroker/internal/domain"
	"cryptobroker/internal/ports"
)

// PortfolioUpdater recomputes the materialized portfolio view for one
// (user, asset) pair after a completed trade.
type PortfolioUpdater interface {
	Update(ctx context.Context, userID int64, asset domain.Asset) error
}

// Match is one crossed buy/sell pair produced by the matching engine,
// settled at the resting sell order's price (maker-price convention).
type Match struct {
	BuyOrderID  int64
	SellOrderID int64
	Asset       domain.Asset
	Quantity    decimal.Decimal
	Price       decimal.Decimal
}

// Engine executes trades, manages orders and mutates the ledger. Every
// balance change commits in the same store transaction as the transaction
// record that justifies it; portfolio recomputation and notifications run
// after commit and never roll a trade back.
type Engine struct {
	store     ports.Ledger
	portfolio PortfolioUpdater
	notifier  ports.Notifier
	logger    ports.Logger
	feeRate   decimal.Decimal // platform fee as a fraction of notional
}

// Config holds the engine's dependencies and parameters.
type Config struct {
	Store     ports.Ledger
	Portfolio PortfolioUpdater
	Notifier  ports.Notifier
	Logger    ports.Logger
	FeeRate   decimal.Decimal
}

// NewEngine creates a trading engine instance.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Portfolio == nil || cfg.Notifier == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for trading engine")
	}
	if cfg.FeeRate.IsNegative() {
		return nil, fmt.Errorf("fee rate cannot be negative")
	}
	return &Engine{
		store:     cfg.Store,
		portfolio: cfg.Portfolio,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger,
		feeRate:   cfg.FeeRate,
	}, nil
}

// ValidateTrade checks a prospective trade without side effects and returns
// every violated precondition. An empty slice means the trade is valid.
func (e *Engine) ValidateTrade(ctx context.Context, userID int64, asset domain.Asset, quantity, price decimal.Decimal, side domain.OrderSide) []error {
	var errs []error
	if !quantity.IsPositive() {
		errs = append(errs, fmt.Errorf("quantity must be positive: %w", ports.ErrInvalidOrderParameters))
	}
	if !price.IsPositive() {
		errs = append(errs, fmt.Errorf("price must be positive: %w", ports.ErrInvalidOrderParameters))
	}
	if !asset.IsSupported() || asset == domain.QuoteAsset {
		errs = append(errs, fmt.Errorf("asset %s is not tradable: %w", asset, ports.ErrAssetNotFound))
		return errs
	}
	if len(errs) > 0 {
		return errs
	}

	switch side {
	case domain.Buy:
		bal, err := e.store.GetBalance(ctx, userID, domain.QuoteAsset)
		if err != nil {
			return append(errs, err)
		}
		cost := e.grossCost(quantity.Mul(price))
		if bal.Available.LessThan(cost) {
			errs = append(errs, fmt.Errorf("%s available %s short of required %s: %w",
				domain.QuoteAsset, bal.Available.String(), cost.String(), ports.ErrInsufficientFunds))
		}
	case domain.Sell:
		bal, err := e.store.GetBalance(ctx, userID, asset)
		if err != nil {
			return append(errs, err)
		}
		if bal.Available.LessThan(quantity) {
			errs = append(errs, fmt.Errorf("%s available %s short of required %s: %w",
				asset, bal.Available.String(), quantity.String(), ports.ErrInsufficientFunds))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown trade side %q: %w", side, ports.ErrInvalidOrderParameters))
	}
	return errs
}

// grossCost is the quote amount a buy of the given notional actually
// debits: notional plus the platform fee. Sufficiency checks and
// reservations must use it so a funded order can always settle.
func (e *Engine) grossCost(notional decimal.Decimal) decimal.Decimal {
	return notional.Add(notional.Mul(e.feeRate))
}

// checkTradeParams is the parameter subset of ValidateTrade shared by every
// entry point, returning the first violation.
func checkTradeParams(asset domain.Asset, quantity, price decimal.Decimal) error {
	if !quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s: %w", quantity.String(), ports.ErrInvalidOrderParameters)
	}
	if !price.IsPositive() {
		return fmt.Errorf("price must be positive, got %s: %w", price.String(), ports.ErrInvalidOrderParameters)
	}
	if !asset.IsSupported() || asset == domain.QuoteAsset {
		return fmt.Errorf("asset %s is not tradable: %w", asset, ports.ErrAssetNotFound)
	}
	return nil
}

// requireActiveUser loads the user inside the transaction and rejects
// missing, deactivated or blocked accounts.
func requireActiveUser(ctx context.Context, tx ports.LedgerTx, userID int64) error {
	user, err := tx.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("user %d: %w", userID, ports.ErrUserNotFound)
	}
	if !user.CanTrade() {
		return fmt.Errorf("user %d: %w", userID, ports.ErrUserInactive)
	}
	return nil
}

// settleTrade applies one side of an executed trade inside an open unit of
// work: debit, credit and the COMPLETED transaction record. The balance
// guards inside AdjustAvailable enforce the sufficiency preconditions.
func (e *Engine) settleTrade(ctx context.Context, tx ports.LedgerTx, userID int64, asset domain.Asset, quantity, price decimal.Decimal, side domain.OrderSide) (*domain.Transaction, error) {
	now := time.Now().UTC()
	total := quantity.Mul(price)
	fee := total.Mul(e.feeRate)

	switch side {
	case domain.Buy:
		if err := tx.AdjustAvailable(ctx, userID, domain.QuoteAsset, total.Add(fee).Neg()); err != nil {
			return nil, err
		}
		if err := tx.AdjustAvailable(ctx, userID, asset, quantity); err != nil {
			return nil, err
		}
	case domain.Sell:
		if err := tx.AdjustAvailable(ctx, userID, asset, quantity.Neg()); err != nil {
			return nil, err
		}
		if err := tx.AdjustAvailable(ctx, userID, domain.QuoteAsset, total.Sub(fee)); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown trade side %q: %w", side, ports.ErrInvalidOrderParameters)
	}

	rec := &domain.Transaction{
		Reference:    uuid.NewString(),
		UserID:       userID,
		Type:         domain.TransactionType(side),
		Asset:        asset,
		Quantity:     quantity,
		PricePerUnit: price,
		TotalAmount:  total,
		Fee:          fee,
		Status:       domain.TxCompleted,
		CreatedAt:    now,
		CompletedAt:  now,
	}
	if _, err := tx.CreateTransaction(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// afterTrade refreshes the materialized portfolio view and notifies the
// sink. Both are post-commit effects: failures are logged, never propagated.
func (e *Engine) afterTrade(ctx context.Context, rec *domain.Transaction) {
	if err := e.portfolio.Update(ctx, rec.UserID, rec.Asset); err != nil {
		e.logger.Error(ctx, err, "Portfolio refresh after trade failed",
			map[string]interface{}{"userID": rec.UserID, "asset": rec.Asset})
	}
	e.notifier.TransactionCompleted(ctx, rec)
}

// ExecuteMarketBuy debits quantity*price (plus fee) USDT, credits the asset
// and records a COMPLETED BUY transaction, all in one store transaction.
func (e *Engine) ExecuteMarketBuy(ctx context.Context, userID int64, asset domain.Asset, quantity, price decimal.Decimal) (*domain.Transaction, error) {
	return e.executeMarket(ctx, userID, asset, quantity, price, domain.Buy)
}

// ExecuteMarketSell debits the asset, credits quantity*price (minus fee)
// USDT and records a COMPLETED SELL transaction, all in one store
// transaction.
func (e *Engine) ExecuteMarketSell(ctx context.Context, userID int64, asset domain.Asset, quantity, price decimal.Decimal) (*domain.Transaction, error) {
	return e.executeMarket(ctx, userID, asset, quantity, price, domain.Sell)
}

func (e *Engine) executeMarket(ctx context.Context, userID int64, asset domain.Asset, quantity, price decimal.Decimal, side domain.OrderSide) (*domain.Transaction, error) {
	if err := checkTradeParams(asset, quantity, price); err != nil {
		return nil, err
	}

	var rec *domain.Transaction
	err := e.store.InTx(ctx, func(tx ports.LedgerTx) error {
		if err := requireActiveUser(ctx, tx, userID); err != nil {
			return err
		}
		var err error
		rec, err = e.settleTrade(ctx, tx, userID, asset, quantity, price, side)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info(ctx, "Market order executed", map[string]interface{}{
		"userID": userID, "asset": asset, "side": side,
		"quantity": quantity.String(), "price": price.String(),
	})
	e.afterTrade(ctx, rec)
	return rec, nil
}

// Deposit credits the USDT balance with a fiat amount and records a
// COMPLETED DEPOSIT transaction. The asset column stays empty: this is a
// pure fiat movement settled 1:1 into USDT.
func (e *Engine) Deposit(ctx context.Context, userID int64, amount decimal.Decimal, currency string) (*domain.Transaction, error) {
	return e.moveFiat(ctx, userID, amount, currency, domain.TxDeposit)
}

// Withdraw debits the USDT balance by a fiat amount and records a COMPLETED
// WITHDRAWAL transaction. Fails with ErrInsufficientFunds when the
// available balance is short.
func (e *Engine) Withdraw(ctx context.Context, userID int64, amount decimal.Decimal, currency string) (*domain.Transaction, error) {
	return e.moveFiat(ctx, userID, amount, currency, domain.TxWithdrawal)
}

func (e *Engine) moveFiat(ctx context.Context, userID int64, amount decimal.Decimal, currency string, txType domain.TransactionType) (*domain.Transaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s: %w", amount.String(), ports.ErrInvalidRequest)
	}
	if currency == "" {
		currency = "USD"
	}

	delta := amount
	if txType == domain.TxWithdrawal {
		delta = amount.Neg()
	}

	now := time.Now().UTC()
	rec := &domain.Transaction{
		Reference:    uuid.NewString(),
		UserID:       userID,
		Type:         txType,
		FiatAmount:   amount,
		FiatCurrency: currency,
		Fee:          decimal.Zero,
		Status:       domain.TxCompleted,
		CreatedAt:    now,
		CompletedAt:  now,
	}

	err := e.store.InTx(ctx, func(tx ports.LedgerTx) error {
		if err := requireActiveUser(ctx, tx, userID); err != nil {
			return err
		}
		if err := tx.AdjustAvailable(ctx, userID, domain.QuoteAsset, delta); err != nil {
			return err
		}
		_, err := tx.CreateTransaction(ctx, rec)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info(ctx, "Fiat movement completed", map[string]interface{}{
		"userID": userID, "type": txType, "amount": amount.String(), "currency": currency,
	})
	e.notifier.TransactionCompleted(ctx, rec)
	return rec, nil
}

// GetUserBalance returns the available balance for one asset.
func (e *Engine) GetUserBalance(ctx context.Context, userID int64, asset domain.Asset) (decimal.Decimal, error) {
	if !asset.IsSupported() {
		return decimal.Zero, fmt.Errorf("asset %s: %w", asset, ports.ErrAssetNotFound)
	}
	bal, err := e.store.GetBalance(ctx, userID, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Available, nil
}
