package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptobroker/internal/domain"
	"cryptobroker/internal/ports"
)

// ledgerTx implements ports.LedgerTx on one *sql.Tx. The store runs on a
// single connection with immediate transactions, so the read-check-write
// sequences below cannot interleave with another writer.
type ledgerTx struct {
	tx     *sql.Tx
	logger ports.Logger
}

// GetUser retrieves a user by ID within the transaction.
func (l *ledgerTx) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return getUser(ctx, l.tx, id)
}

// GetBalance retrieves one balance row, inserting a zero row when missing
// so subsequent adjustments have a target.
func (l *ledgerTx) GetBalance(ctx context.Context, userID int64, asset domain.Asset) (*domain.Balance, error) {
	b, err := getBalance(ctx, l.tx, userID, asset)
	if err != nil {
		return nil, err
	}
	if b != nil {
		return b, nil
	}

	now := time.Now().UTC()
	_, err = l.tx.ExecContext(ctx,
		`INSERT INTO balances (user_id, asset, available, reserved, updated_at) VALUES (?, ?, '0', '0', ?)`,
		userID, asset, now)
	if err != nil {
		return nil, fmt.Errorf("failed to seed balance row for user %d asset %s: %w", userID, asset, err)
	}
	return &domain.Balance{UserID: userID, Asset: asset, Available: decimal.Zero, Reserved: decimal.Zero, UpdatedAt: now}, nil
}

func (l *ledgerTx) writeBalance(ctx context.Context, b *domain.Balance) error {
	res, err := l.tx.ExecContext(ctx,
		`UPDATE balances SET available = ?, reserved = ?, updated_at = ? WHERE user_id = ? AND asset = ?`,
		b.Available.String(), b.Reserved.String(), time.Now().UTC(), b.UserID, b.Asset)
	if err != nil {
		return fmt.Errorf("failed to update balance for user %d asset %s: %w", b.UserID, b.Asset, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for balance update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("balance row missing for user %d asset %s: %w", b.UserID, b.Asset, ports.ErrNotFound)
	}
	return nil
}

// AdjustAvailable applies a signed delta to the available column, refusing
// to drive it negative.
func (l *ledgerTx) AdjustAvailable(ctx context.Context, userID int64, asset domain.Asset, delta decimal.Decimal) error {
	b, err := l.GetBalance(ctx, userID, asset)
	if err != nil {
		return err
	}
	next := b.Available.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%s balance %s short of required %s: %w",
			asset, b.Available.String(), delta.Neg().String(), ports.ErrInsufficientFunds)
	}
	b.Available = next
	return l.writeBalance(ctx, b)
}

// Reserve moves amount from available to reserved.
func (l *ledgerTx) Reserve(ctx context.Context, userID int64, asset domain.Asset, amount decimal.Decimal) error {
	b, err := l.GetBalance(ctx, userID, asset)
	if err != nil {
		return err
	}
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%s available %s short of reservation %s: %w",
			asset, b.Available.String(), amount.String(), ports.ErrInsufficientFunds)
	}
	b.Available = b.Available.Sub(amount)
	b.Reserved = b.Reserved.Add(amount)
	return l.writeBalance(ctx, b)
}

// Release moves amount from reserved back to available.
func (l *ledgerTx) Release(ctx context.Context, userID int64, asset domain.Asset, amount decimal.Decimal) error {
	b, err := l.GetBalance(ctx, userID, asset)
	if err != nil {
		return err
	}
	if b.Reserved.LessThan(amount) {
		return fmt.Errorf("%s reserved %s short of release %s: %w",
			asset, b.Reserved.String(), amount.String(), ports.ErrInsufficientFunds)
	}
	b.Reserved = b.Reserved.Sub(amount)
	b.Available = b.Available.Add(amount)
	return l.writeBalance(ctx, b)
}

// nullStr returns NULL for empty strings.
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateTransaction inserts a transaction row and returns its ID. Trade
// columns are NULL for fiat transactions and vice versa.
func (l *ledgerTx) CreateTransaction(ctx context.Context, t *domain.Transaction) (int64, error) {
	const query = `INSERT INTO transactions
		(reference, user_id, tx_type, asset, quantity, price_per_unit, total_amount,
		 fiat_amount, fiat_currency, fee, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var quantity, pricePerUnit, totalAmount, fiatAmount sql.NullString
	if t.Type == domain.TxBuy || t.Type == domain.TxSell {
		quantity = nullStr(t.Quantity.String())
		pricePerUnit = nullStr(t.PricePerUnit.String())
		totalAmount = nullStr(t.TotalAmount.String())
	} else {
		fiatAmount = nullStr(t.FiatAmount.String())
	}
	var completedAt sql.NullTime
	if !t.CompletedAt.IsZero() {
		completedAt = sql.NullTime{Time: t.CompletedAt, Valid: true}
	}

	res, err := l.tx.ExecContext(ctx, query,
		t.Reference, t.UserID, t.Type, nullStr(string(t.Asset)), quantity, pricePerUnit, totalAmount,
		fiatAmount, nullStr(t.FiatCurrency), t.Fee.String(), t.Status, t.CreatedAt, completedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transaction for user %d: %w", t.UserID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for transaction: %w", err)
	}
	t.ID = id
	return id, nil
}

// CreateOrder inserts an order row and returns its ID.
func (l *ledgerTx) CreateOrder(ctx context.Context, o *domain.Order) (int64, error) {
	const query = `INSERT INTO orders
		(client_order_id, user_id, order_type, side, asset, quantity, limit_price, stop_price,
		 filled_quantity, avg_filled_price, status, time_in_force, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var limitPrice, stopPrice sql.NullString
	if o.Type == domain.OrderLimit {
		limitPrice = nullStr(o.LimitPrice.String())
	}
	if o.Type == domain.OrderStopLoss || o.Type == domain.OrderTakeProfit {
		stopPrice = nullStr(o.StopPrice.String())
	}

	res, err := l.tx.ExecContext(ctx, query,
		o.ClientOrderID, o.UserID, o.Type, o.Side, o.Asset, o.Quantity.String(), limitPrice, stopPrice,
		o.FilledQuantity.String(), o.AvgFilledPrice.String(), o.Status, o.TimeInForce, o.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert order for user %d: %w", o.UserID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for order: %w", err)
	}
	o.ID = id
	return id, nil
}

// GetOrder retrieves an order within the transaction.
func (l *ledgerTx) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	return getOrder(ctx, l.tx, id)
}

// UpdateOrder persists fill progress and status changes.
func (l *ledgerTx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	const query = `UPDATE orders
		SET filled_quantity = ?, avg_filled_price = ?, status = ?, filled_at = ?
		WHERE id = ?`

	var filledAt sql.NullTime
	if !o.FilledAt.IsZero() {
		filledAt = sql.NullTime{Time: o.FilledAt, Valid: true}
	}
	res, err := l.tx.ExecContext(ctx, query,
		o.FilledQuantity.String(), o.AvgFilledPrice.String(), o.Status, filledAt, o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", o.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for order update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("order %d not found for update: %w", o.ID, ports.ErrOrderNotFound)
	}
	return nil
}

// FindCompletedTrades is the transactional variant of the replay read.
func (l *ledgerTx) FindCompletedTrades(ctx context.Context, userID int64, asset domain.Asset) ([]*domain.Transaction, error) {
	return findCompletedTrades(ctx, l.tx, userID, asset)
}

// UpsertPortfolio writes the recomputed portfolio row for (user, asset).
func (l *ledgerTx) UpsertPortfolio(ctx context.Context, p *domain.Portfolio) error {
	const query = `INSERT INTO portfolios
		(user_id, asset, total_quantity, avg_buy_price, total_invested, current_value,
		 profit_loss, profit_loss_pct, allocation_pct, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, asset) DO UPDATE SET
			total_quantity = excluded.total_quantity,
			avg_buy_price = excluded.avg_buy_price,
			total_invested = excluded.total_invested,
			current_value = excluded.current_value,
			profit_loss = excluded.profit_loss,
			profit_loss_pct = excluded.profit_loss_pct,
			allocation_pct = excluded.allocation_pct,
			updated_at = excluded.updated_at`

	_, err := l.tx.ExecContext(ctx, query,
		p.UserID, p.Asset, p.TotalQuantity.String(), p.AverageBuyPrice.String(), p.TotalInvested.String(),
		p.CurrentValue.String(), p.ProfitLoss.String(), p.ProfitLossPct.String(), p.AllocationPct.String(),
		p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert portfolio for user %d asset %s: %w", p.UserID, p.Asset, err)
	}
	return nil
}

// UpsertCryptocurrency writes the market-data row for a symbol.
func (l *ledgerTx) UpsertCryptocurrency(ctx context.Context, c *domain.Cryptocurrency) error {
	const query = `INSERT INTO cryptocurrencies
		(symbol, name, current_price, change_24h, change_pct_24h, market_cap, volume_24h,
		 circulating_supply, max_supply, rank, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			name = excluded.name,
			current_price = excluded.current_price,
			change_24h = excluded.change_24h,
			change_pct_24h = excluded.change_pct_24h,
			market_cap = excluded.market_cap,
			volume_24h = excluded.volume_24h,
			circulating_supply = excluded.circulating_supply,
			max_supply = excluded.max_supply,
			rank = excluded.rank,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`

	_, err := l.tx.ExecContext(ctx, query,
		c.Symbol, c.Name, c.CurrentPrice.String(), c.Change24h.String(), c.ChangePct24h.String(),
		c.MarketCap.String(), c.Volume24h.String(), c.CirculatingSupply.String(), c.MaxSupply.String(),
		c.Rank, c.IsActive, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert cryptocurrency %s: %w", c.Symbol, err)
	}
	return nil
}

// AppendPricePoint appends one price history sample.
func (l *ledgerTx) AppendPricePoint(ctx context.Context, p *domain.PricePoint) error {
	_, err := l.tx.ExecContext(ctx,
		`INSERT INTO price_history (symbol, price, volume, market_cap, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		p.Symbol, p.Price.String(), p.Volume.String(), p.MarketCap.String(), p.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to append price history for %s: %w", p.Symbol, err)
	}
	return nil
}
