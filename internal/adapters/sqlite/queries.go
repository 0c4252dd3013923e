package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptobroker/internal/domain"
)

// querier is satisfied by both *sql.DB and *sql.Tx so the read side is
// shared between plain reads and units of work.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func parseDec(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

const userColumns = `id, username, email, is_active, is_blocked, created_at`

func getUser(ctx context.Context, q querier, id int64) (*domain.User, error) {
	row := q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u := &domain.User{}
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.IsActive, &u.IsBlocked, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query user %d: %w", id, err)
	}
	return u, nil
}

func scanBalance(s scanner) (*domain.Balance, error) {
	b := &domain.Balance{}
	var available, reserved string
	if err := s.Scan(&b.UserID, &b.Asset, &available, &reserved, &b.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if b.Available, err = parseDec(available); err != nil {
		return nil, fmt.Errorf("corrupt available balance %q: %w", available, err)
	}
	if b.Reserved, err = parseDec(reserved); err != nil {
		return nil, fmt.Errorf("corrupt reserved balance %q: %w", reserved, err)
	}
	return b, nil
}

const balanceColumns = `user_id, asset, available, reserved, updated_at`

func getBalance(ctx context.Context, q querier, userID int64, asset domain.Asset) (*domain.Balance, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = ? AND asset = ?`, userID, asset)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query balance for user %d asset %s: %w", userID, asset, err)
	}
	return b, nil
}

const transactionColumns = `id, reference, user_id, tx_type, COALESCE(asset, ''),
	COALESCE(quantity, '0'), COALESCE(price_per_unit, '0'), COALESCE(total_amount, '0'),
	COALESCE(fiat_amount, '0'), COALESCE(fiat_currency, ''), fee, status, created_at, completed_at`

func scanTransaction(s scanner) (*domain.Transaction, error) {
	t := &domain.Transaction{}
	var asset, quantity, pricePerUnit, totalAmount, fiatAmount, fee string
	var completedAt sql.NullTime
	err := s.Scan(&t.ID, &t.Reference, &t.UserID, &t.Type, &asset,
		&quantity, &pricePerUnit, &totalAmount,
		&fiatAmount, &t.FiatCurrency, &fee, &t.Status, &t.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.Asset = domain.Asset(asset)
	if t.Quantity, err = parseDec(quantity); err != nil {
		return nil, fmt.Errorf("corrupt quantity %q: %w", quantity, err)
	}
	if t.PricePerUnit, err = parseDec(pricePerUnit); err != nil {
		return nil, fmt.Errorf("corrupt price_per_unit %q: %w", pricePerUnit, err)
	}
	if t.TotalAmount, err = parseDec(totalAmount); err != nil {
		return nil, fmt.Errorf("corrupt total_amount %q: %w", totalAmount, err)
	}
	if t.FiatAmount, err = parseDec(fiatAmount); err != nil {
		return nil, fmt.Errorf("corrupt fiat_amount %q: %w", fiatAmount, err)
	}
	if t.Fee, err = parseDec(fee); err != nil {
		return nil, fmt.Errorf("corrupt fee %q: %w", fee, err)
	}
	if completedAt.Valid {
		t.CompletedAt = completedAt.Time
	}
	return t, nil
}

func findCompletedTrades(ctx context.Context, q querier, userID int64, asset domain.Asset) ([]*domain.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions
		WHERE user_id = ? AND asset = ? AND status = ? AND tx_type IN (?, ?)
		ORDER BY completed_at ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, userID, asset, domain.TxCompleted, domain.TxBuy, domain.TxSell)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed trades for user %d asset %s: %w", userID, asset, err)
	}
	defer rows.Close()

	trades := make([]*domain.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade transaction: %w", err)
		}
		trades = append(trades, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

const orderColumns = `id, client_order_id, user_id, order_type, side, asset, quantity,
	COALESCE(limit_price, '0'), COALESCE(stop_price, '0'), filled_quantity, avg_filled_price,
	status, time_in_force, created_at, filled_at`

func scanOrder(s scanner) (*domain.Order, error) {
	o := &domain.Order{}
	var quantity, limitPrice, stopPrice, filledQty, avgPrice string
	var filledAt sql.NullTime
	err := s.Scan(&o.ID, &o.ClientOrderID, &o.UserID, &o.Type, &o.Side, &o.Asset, &quantity,
		&limitPrice, &stopPrice, &filledQty, &avgPrice,
		&o.Status, &o.TimeInForce, &o.CreatedAt, &filledAt)
	if err != nil {
		return nil, err
	}
	if o.Quantity, err = parseDec(quantity); err != nil {
		return nil, fmt.Errorf("corrupt order quantity %q: %w", quantity, err)
	}
	if o.LimitPrice, err = parseDec(limitPrice); err != nil {
		return nil, fmt.Errorf("corrupt limit_price %q: %w", limitPrice, err)
	}
	if o.StopPrice, err = parseDec(stopPrice); err != nil {
		return nil, fmt.Errorf("corrupt stop_price %q: %w", stopPrice, err)
	}
	if o.FilledQuantity, err = parseDec(filledQty); err != nil {
		return nil, fmt.Errorf("corrupt filled_quantity %q: %w", filledQty, err)
	}
	if o.AvgFilledPrice, err = parseDec(avgPrice); err != nil {
		return nil, fmt.Errorf("corrupt avg_filled_price %q: %w", avgPrice, err)
	}
	if filledAt.Valid {
		o.FilledAt = filledAt.Time
	}
	return o, nil
}

func getOrder(ctx context.Context, q querier, id int64) (*domain.Order, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query order %d: %w", id, err)
	}
	return o, nil
}

// --- ports.Ledger read side ---

// GetUser retrieves a user by ID. Returns nil, nil when not found.
func (r *Repository) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return getUser(ctx, r.db, id)
}

// GetBalance retrieves one balance row, returning a zero balance for
// (user, asset) pairs that have no row yet.
func (r *Repository) GetBalance(ctx context.Context, userID int64, asset domain.Asset) (*domain.Balance, error) {
	b, err := getBalance(ctx, r.db, userID, asset)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return &domain.Balance{UserID: userID, Asset: asset, Available: decimal.Zero, Reserved: decimal.Zero}, nil
	}
	return b, nil
}

// GetBalances retrieves all balance rows for a user ordered by asset.
func (r *Repository) GetBalances(ctx context.Context, userID int64) ([]*domain.Balance, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = ? ORDER BY asset ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances for user %d: %w", userID, err)
	}
	defer rows.Close()

	balances := make([]*domain.Balance, 0)
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance row: %w", err)
		}
		balances = append(balances, b)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating balance rows: %w", err)
	}
	return balances, nil
}

// GetOrder retrieves an order by ID. Returns nil, nil when not found.
func (r *Repository) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	return getOrder(ctx, r.db, id)
}

// FindOpenOrders retrieves all OPEN and PARTIALLY_FILLED orders of the
// given types, ordered by creation time ascending.
func (r *Repository) FindOpenOrders(ctx context.Context, types ...domain.OrderType) ([]*domain.Order, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("at least one order type is required")
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status IN (?, ?) AND order_type IN (?`
	args := []interface{}{domain.OrderOpen, domain.OrderPartiallyFilled, types[0]}
	for _, t := range types[1:] {
		query += `, ?`
		args = append(args, t)
	}
	query += `) ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	orders := make([]*domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan open order: %w", err)
		}
		orders = append(orders, o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating open order rows: %w", err)
	}
	return orders, nil
}

// FindOrdersByUser retrieves a user's most recent orders, up to limit.
func (r *Repository) FindOrdersByUser(ctx context.Context, userID int64, limit int) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders for user %d: %w", userID, err)
	}
	defer rows.Close()

	orders := make([]*domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order during FindOrdersByUser: %w", err)
		}
		orders = append(orders, o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}
	return orders, nil
}

// FindCompletedTrades retrieves the COMPLETED BUY/SELL transactions for one
// (user, asset) pair in chronological order.
func (r *Repository) FindCompletedTrades(ctx context.Context, userID int64, asset domain.Asset) ([]*domain.Transaction, error) {
	return findCompletedTrades(ctx, r.db, userID, asset)
}

// FindTransactionsByUser retrieves a user's most recent transactions.
func (r *Repository) FindTransactionsByUser(ctx context.Context, userID int64, limit int) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions for user %d: %w", userID, err)
	}
	defer rows.Close()

	txs := make([]*domain.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		txs = append(txs, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}
	return txs, nil
}

// GetPortfolio retrieves all portfolio rows for a user ordered by asset.
func (r *Repository) GetPortfolio(ctx context.Context, userID int64) ([]*domain.Portfolio, error) {
	const query = `SELECT user_id, asset, total_quantity, avg_buy_price, total_invested,
		current_value, profit_loss, profit_loss_pct, allocation_pct, updated_at
		FROM portfolios WHERE user_id = ? ORDER BY asset ASC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio for user %d: %w", userID, err)
	}
	defer rows.Close()

	result := make([]*domain.Portfolio, 0)
	for rows.Next() {
		p := &domain.Portfolio{}
		var totalQty, avgBuy, invested, value, pl, plPct, allocPct string
		if err := rows.Scan(&p.UserID, &p.Asset, &totalQty, &avgBuy, &invested,
			&value, &pl, &plPct, &allocPct, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio row: %w", err)
		}
		fieldsByDest := []struct {
			dest *decimal.Decimal
			raw  string
		}{
			{&p.TotalQuantity, totalQty}, {&p.AverageBuyPrice, avgBuy}, {&p.TotalInvested, invested},
			{&p.CurrentValue, value}, {&p.ProfitLoss, pl}, {&p.ProfitLossPct, plPct}, {&p.AllocationPct, allocPct},
		}
		for _, f := range fieldsByDest {
			if *f.dest, err = parseDec(f.raw); err != nil {
				return nil, fmt.Errorf("corrupt portfolio value %q: %w", f.raw, err)
			}
		}
		result = append(result, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolio rows: %w", err)
	}
	return result, nil
}

// GetCryptocurrency retrieves the market-data row for a symbol.
// Returns nil, nil when the symbol is unknown.
func (r *Repository) GetCryptocurrency(ctx context.Context, symbol domain.Asset) (*domain.Cryptocurrency, error) {
	const query = `SELECT symbol, name, current_price, change_24h, change_pct_24h, market_cap,
		volume_24h, circulating_supply, max_supply, rank, is_active, updated_at
		FROM cryptocurrencies WHERE symbol = ?`
	row := r.db.QueryRowContext(ctx, query, symbol)
	c := &domain.Cryptocurrency{}
	var price, change, changePct, marketCap, volume, circSupply, maxSupply string
	err := row.Scan(&c.Symbol, &c.Name, &price, &change, &changePct, &marketCap,
		&volume, &circSupply, &maxSupply, &c.Rank, &c.IsActive, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query cryptocurrency %s: %w", symbol, err)
	}
	fieldsByDest := []struct {
		dest *decimal.Decimal
		raw  string
	}{
		{&c.CurrentPrice, price}, {&c.Change24h, change}, {&c.ChangePct24h, changePct},
		{&c.MarketCap, marketCap}, {&c.Volume24h, volume}, {&c.CirculatingSupply, circSupply},
		{&c.MaxSupply, maxSupply},
	}
	for _, f := range fieldsByDest {
		if *f.dest, err = parseDec(f.raw); err != nil {
			return nil, fmt.Errorf("corrupt market data value %q: %w", f.raw, err)
		}
	}
	return c, nil
}

// PriceHistorySince retrieves price points recorded at or after the cutoff,
// ordered by time ascending.
func (r *Repository) PriceHistorySince(ctx context.Context, symbol domain.Asset, since time.Time) ([]domain.PricePoint, error) {
	const query = `SELECT symbol, price, volume, market_cap, recorded_at FROM price_history
		WHERE symbol = ? AND recorded_at >= ? ORDER BY recorded_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query, symbol, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history for %s: %w", symbol, err)
	}
	defer rows.Close()

	points := make([]domain.PricePoint, 0)
	for rows.Next() {
		var p domain.PricePoint
		var price, volume, marketCap string
		if err := rows.Scan(&p.Symbol, &price, &volume, &marketCap, &p.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price history row: %w", err)
		}
		if p.Price, err = parseDec(price); err != nil {
			return nil, fmt.Errorf("corrupt price %q: %w", price, err)
		}
		if p.Volume, err = parseDec(volume); err != nil {
			return nil, fmt.Errorf("corrupt volume %q: %w", volume, err)
		}
		if p.MarketCap, err = parseDec(marketCap); err != nil {
			return nil, fmt.Errorf("corrupt market cap %q: %w", marketCap, err)
		}
		points = append(points, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price history rows: %w", err)
	}
	return points, nil
}
