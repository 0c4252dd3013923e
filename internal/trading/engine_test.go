package trading

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptobroker/internal/adapters/sqlite"
	"cryptobroker/internal/domain"
	"cryptobroker/internal/ports"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// mockNotifier records every event it receives.
type mockNotifier struct {
	mu           sync.Mutex
	transactions []*domain.Transaction
	orders       []*domain.Order
}

func (m *mockNotifier) TransactionCompleted(ctx context.Context, tx *domain.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = append(m.transactions, tx)
}

func (m *mockNotifier) OrderUpdated(ctx context.Context, order *domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, order)
}

func (m *mockNotifier) PriceTick(ctx context.Context, quotes []ports.Quote) {}

// mockPortfolio records which (user, asset) pairs were refreshed.
type mockPortfolio struct {
	mu      sync.Mutex
	updates []domain.Asset
}

func (m *mockPortfolio) Update(ctx context.Context, userID int64, asset domain.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, asset)
	return nil
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

type testEnv struct {
	engine    *Engine
	repo      *sqlite.Repository
	notifier  *mockNotifier
	portfolio *mockPortfolio
}

func setupEngine(t *testing.T, feeRate decimal.Decimal) (*testEnv, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "trading-test-*")
	require.NoError(t, err)

	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: filepath.Join(tmpDir, "test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	notif := &mockNotifier{}
	pf := &mockPortfolio{}
	engine, err := NewEngine(Config{
		Store:     repo,
		Portfolio: pf,
		Notifier:  notif,
		Logger:    &mockLogger{},
		FeeRate:   feeRate,
	})
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}
	return &testEnv{engine: engine, repo: repo, notifier: notif, portfolio: pf}, cleanup
}

func (env *testEnv) createUser(t *testing.T, username string, active bool) int64 {
	t.Helper()
	id, err := env.repo.CreateUser(context.Background(), &domain.User{
		Username: username,
		Email:    username + "@example.com",
		IsActive: active,
	})
	require.NoError(t, err)
	return id
}

func (env *testEnv) fund(t *testing.T, userID int64, asset domain.Asset, amount string) {
	t.Helper()
	d, err := decimal.NewFromString(amount)
	require.NoError(t, err)
	err = env.repo.InTx(context.Background(), func(tx ports.LedgerTx) error {
		return tx.AdjustAvailable(context.Background(), userID, asset, d)
	})
	require.NoError(t, err)
}

func (env *testEnv) available(t *testing.T, userID int64, asset domain.Asset) decimal.Decimal {
	t.Helper()
	b, err := env.repo.GetBalance(context.Background(), userID, asset)
	require.NoError(t, err)
	return b.Available
}

func (env *testEnv) reserved(t *testing.T, userID int64, asset domain.Asset) decimal.Decimal {
	t.Helper()
	b, err := env.repo.GetBalance(context.Background(), userID, asset)
	require.NoError(t, err)
	return b.Reserved
}

func TestEngine_ExecuteMarketBuy(t *testing.T) {
	env, cleanup := setupEngine(t, decimal.Zero)
	defer cleanup()
	ctx := context.Background()

	userID := env.createUser(t, "alice", true)
	env.fund(t, userID, domain.AssetUSDT, "1000")

	rec, err := env.engine.ExecuteMarketBuy(ctx, userID, domain.AssetBTC, dec(t, "0.01"), dec(t, "50000"))
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, domain.TxBuy, rec.Type)
	assert.Equal(t, domain.TxCompleted, rec.Status)
	assert.True(t, rec.TotalAmount.Equal(dec(t, "500")))
	assert.NotEmpty(t, rec.Reference)
	assert.Equal(t, rec.CreatedAt, rec.CompletedAt)

	assert.True(t, env.available(t, userID, domain.AssetUSDT).Equal(dec(t, "500")))
	assert.True(t, env.available(t, userID, domain.AssetBTC).Equal(dec(t, "0.01")))

	// The portfolio view and the notifier both saw the trade.
	assert.Equal(t, []domain.Asset{domain.AssetBTC}, env.portfolio.updates)
	require.Len(t, env.notifier.transactions, 1)
	assert.Equal(t, rec.Reference, env.notifier.transactions[0].Reference)
}

func TestEngine_ExecuteMarketBuy_InsufficientFunds(t *testing.T) {
	env, cleanup := setupEngine(t, decimal.Zero)
	defer cleanup()
	ctx := context.Background()

	userID := env.createUser(t, "bob", true)
	env.fund(t, userID, domain.AssetUSDT, "100")

	_, err := env.engine.ExecuteMarketBuy(ctx, userID, domain.AssetBTC, dec(t, "1"), dec(t, "50000"))
	require.ErrorIs(t, err, ports.ErrInsufficientFunds)

	// Nothing moved and nothing was recorded.
	assert.True(t, env.available(t, userID, domain.AssetUSDT).Equal(dec(t, "100")))
	assert.True(t, env.available(t, userID, domain.AssetBTC).IsZero())
	txs, err := env.repo.FindTransactionsByUser(ctx, userID, 10)
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Empty(t, env.notifier.transactions)
}

func TestEngine_ExecuteMarketSell_RoundTrip(t *testing.T) {
	env, cleanup := setupEngine(t, decimal.Zero)
	defer cleanup()
	ctx := context.Background()

	userID := env.createUser(t, "carol", true)
	env.fund(t, userID, domain.AssetUSDT, "1000")

	_, err := env.engine.ExecuteMarketBuy(ctx, userID, domain.AssetETH, dec(t, "0.2"), dec(t, "3000"))
	require.NoError(t, err)
	_, err = env.engine.ExecuteMarketSell(ctx, userID, domain.AssetETH, dec(t, "0.2"), dec(t, "3000"))
	require.NoError(t, err)

	// Fee-free buy and sell at the same price restore the cash balance.
	assert.True(t, env.available(t, userID, domain.AssetUSDT).Equal(dec(t, "1000")))
	assert.True(t, env.available(t, userID, domain.AssetETH).IsZero())
}

func TestEngine_ExecuteMarketSell_NoHoldings(t *testing.T) {
	env, cleanup := setupEngine(t, decimal.Zero)
	defer cleanup()

	userID := env.createUser(t, "dave", true)
	_, err := env.engine.ExecuteMarketSell(context.Background(), userID, domain.AssetBTC, dec(t, "1"), dec(t, "50000"))
	assert.ErrorIs(t, err, ports.ErrInsufficientFunds)
}

func TestEngine_FeeApplied(t *testing.T) {
	env, cleanup := setupEngine(t, dec(t, "0.001"))
	defer cleanup()
	ctx := context.Background()

	userID := env.createUser(t, "erin", true)
	env.fund(t, userID, domain.AssetUSDT, "1000")

	rec, err := env.engine.ExecuteMarketBuy(ctx, userID, domain.AssetLTC, dec(t, "5"), dec(t, "100"))
	require.NoError(t, err)

	// 5 * 100 = 500 notional, 0.5 fee; the buyer pays both.
	assert.True(t, rec.Fee.Equal(dec(t, "0.5")))
	assert.True(t, env.available(t, userID, domain.AssetUSDT).Equal(dec(t, "499.5")))

	rec, err = env.engine.ExecuteMarketSell(ctx, userID, domain.AssetLTC, dec(t, "5"), dec(t, "100"))
	require.NoError(t, err)

	// The seller receives the notional minus the fee.
	assert.True(t, rec.Fee.Equal(dec(t, "0.5")))
	assert.True(t, env.available(t, userID, domain.AssetUSDT).Equal(dec(t, "999")))
}

func TestEngine_UserChecks(t *testing.T) {
	env, cleanup := setupEngine(t, decimal.Zero)
	defer cleanup()
	ctx := context.Background()

	inactive := env.createUser(t, "frank", false)
	env.fund(t, inactive, domain.AssetUSDT, "1000")

	_, err := env.engine.ExecuteMarketBuy(ctx, inactive, domain.AssetBTC, dec(t, "0.001"), dec(t, "50000"))
	assert.ErrorIs(t, err, ports.ErrUserInactive)

	_, err = env.engine.ExecuteMarketBuy(ctx, 9999, domain.AssetBTC, dec(t, "0.001"), dec(t, "50000"))
	assert.ErrorIs(t, err, ports.ErrUserNotFound)
}

func TestEngine_ValidateTrade(t *testing.T) {
	env, cleanup := setupEngine(t, decimal.Zero)
	defer cleanup()
	ctx := context.Background()

	userID := env.createUser(t, "grace", true)
	env.fund(t, userID, domain.AssetUSDT, "100")

	tests := []struct {
		name     string
		asset    domain.Asset
		quantity string
		price    string
		side     domain.OrderSide
		wantErrs []error
	}{
		{
			name:  "valid buy",
			asset: domain.AssetBTC, quantity: "0.001", price: "50000", side: domain.Buy,
		},
		{
			name:  "negative quantity and price reported together",
			asset: domain.AssetBTC, quantity: "-1", price: "-5", side: domain.Buy,
			wantErrs: []error{ports.ErrInvalidOrderParameters, ports.ErrInvalidOrderParameters},
		},
		{
			name:  "unsupported asset",
			asset: "DOGE", quantity: "1", price: "1", side: domain.Buy,
			wantErrs: []error{ports.ErrAssetNotFound},
		},
		{
			name:  "quote asset is not tradable",
			asset: domain.AssetUSDT, quantity: "1", price: "1", side: domain.Buy,
			wantErrs: []error{ports.ErrAssetNotFound},
		},
		{
			name:  "buy beyond funds",
			asset: domain.AssetBTC, quantity: "1", price: "50000", side: domain.Buy,
			wantErrs: []error{ports.ErrInsufficientFunds},
		},
		{
			name:  "sell beyond holdings",
			asset: domain.AssetBTC, quantity: "1", price: "50000", side: domain.Sell,
			wantErrs: []error{ports.ErrInsufficientFunds},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := env.engine.ValidateTrade(ctx, userID, tt.asset, dec(t, tt.quantity), dec(t, tt.price), tt.side)
			require.Len(t, errs, len(tt.wantErrs))
			for i, want := range tt.wantErrs {
				assert.ErrorIs(t, errs[i], want)
			}
		})
	}
}

func TestEngine_DepositWithdraw(t *testing.T) {
	env, cleanup := setupEngine(t, decimal.Zero)
	defer cleanup()
	ctx := context.Background()

	userID := env.createUser(t, "heidi", true)

	rec, err := env.engine.Deposit(ctx, userID, dec(t, "250"), "")
	require.NoError(t, err)
	assert.Equal(t, domain.TxDeposit, rec.Type)
	assert.Equal(t, "USD", rec.FiatCurrency)
	assert.Equal(t, domain.Asset(""), rec.Asset)
	assert.True(t, env.available(t, userID, domain.AssetUSDT).Equal(dec(t, "250")))

	_, err = env.engine.Withdraw(ctx, userID, dec(t, "300"), "USD")
	assert.ErrorIs(t, err, ports.ErrInsufficientFunds)
	assert.True(t, env.available(t, userID, domain.AssetUSDT).Equal(dec(t, "250")))

	rec, err = env.engine.Withdraw(ctx, userID, dec(t, "100"), "USD")
	require.NoError(t, err)
	assert.Equal(t, domain.TxWithdrawal, rec.Type)
	assert.True(t, env.available(t, userID, domain.AssetUSDT).Equal(dec(t, "150")))

	_, err = env.engine.Deposit(ctx, userID, decimal.Zero, "USD")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestEngine_GetUserBalance(t *testing.T) {
	env, cleanup := setupEngine(t, decimal.Zero)
	defer cleanup()
	ctx := context.Background()

	userID := env.createUser(t, "ivan", true)
	env.fund(t, userID, domain.AssetTRX, "123.45")

	got, err := env.engine.GetUserBalance(ctx, userID, domain.AssetTRX)
	require.NoError(t, err)
	assert.True(t, got.Equal(dec(t, "123.45")))

	_, err = env.engine.GetUserBalance(ctx, userID, "DOGE")
	assert.ErrorIs(t, err, ports.ErrAssetNotFound)
}
