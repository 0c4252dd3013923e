package portfolio

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

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

// stubPrices serves a fixed price table.
type stubPrices struct {
	prices map[domain.Asset]decimal.Decimal
}

func (s *stubPrices) GetCurrentPrice(_ context.Context, symbol domain.Asset) ports.Quote {
	return ports.Quote{Symbol: symbol, Price: s.prices[symbol]}
}

func (s *stubPrices) Refresh(context.Context) error { return nil }

func (s *stubPrices) GetHistoricalData(context.Context, domain.Asset, int) ([]domain.PricePoint, error) {
	return nil, nil
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func setupValuator(t *testing.T, prices map[domain.Asset]decimal.Decimal) (*Valuator, *sqlite.Repository, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "portfolio-test-*")
	require.NoError(t, err)

	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: filepath.Join(tmpDir, "test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	v, err := NewValuator(repo, &stubPrices{prices: prices}, &mockLogger{})
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}
	return v, repo, cleanup
}

func recordTrade(t *testing.T, repo *sqlite.Repository, userID int64, txType domain.TransactionType, asset domain.Asset, quantity, price string, at time.Time) {
	t.Helper()
	q, p := dec(t, quantity), dec(t, price)
	err := repo.InTx(context.Background(), func(tx ports.LedgerTx) error {
		_, err := tx.CreateTransaction(context.Background(), &domain.Transaction{
			Reference:    string(txType) + "-" + string(asset) + "-" + at.Format(time.RFC3339Nano),
			UserID:       userID,
			Type:         txType,
			Asset:        asset,
			Quantity:     q,
			PricePerUnit: p,
			TotalAmount:  q.Mul(p),
			Fee:          decimal.Zero,
			Status:       domain.TxCompleted,
			CreatedAt:    at,
			CompletedAt:  at,
		})
		return err
	})
	require.NoError(t, err)
}

func TestReplay_AverageCost(t *testing.T) {
	now := time.Now().UTC()
	trade := func(txType domain.TransactionType, quantity, price string) *domain.Transaction {
		q := decimal.RequireFromString(quantity)
		p := decimal.RequireFromString(price)
		return &domain.Transaction{
			Type: txType, Quantity: q, PricePerUnit: p, TotalAmount: q.Mul(p),
			Status: domain.TxCompleted, CompletedAt: now,
		}
	}

	tests := []struct {
		name         string
		trades       []*domain.Transaction
		wantQuantity string
		wantInvested string
	}{
		{
			name:         "buys accumulate cost",
			trades:       []*domain.Transaction{trade(domain.TxBuy, "2", "100"), trade(domain.TxBuy, "2", "300")},
			wantQuantity: "4",
			wantInvested: "800",
		},
		{
			name: "sell removes proportional cost",
			trades: []*domain.Transaction{
				trade(domain.TxBuy, "4", "200"), // invested 800
				trade(domain.TxSell, "1", "500"),
			},
			wantQuantity: "3",
			wantInvested: "600", // sale price does not touch the cost basis
		},
		{
			name: "full liquidation clears cost",
			trades: []*domain.Transaction{
				trade(domain.TxBuy, "2", "100"),
				trade(domain.TxSell, "2", "150"),
			},
			wantQuantity: "0",
			wantInvested: "0",
		},
		{
			name:         "empty history",
			trades:       nil,
			wantQuantity: "0",
			wantInvested: "0",
		},
		{
			name: "oversold history clamps to zero",
			trades: []*domain.Transaction{
				trade(domain.TxBuy, "1", "100"),
				trade(domain.TxSell, "2", "100"),
			},
			wantQuantity: "0",
			wantInvested: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quantity, invested := replay(tt.trades)
			assert.True(t, quantity.Equal(decimal.RequireFromString(tt.wantQuantity)),
				"quantity = %s, want %s", quantity, tt.wantQuantity)
			assert.True(t, invested.Equal(decimal.RequireFromString(tt.wantInvested)),
				"invested = %s, want %s", invested, tt.wantInvested)
		})
	}
}

func TestValuator_Update(t *testing.T) {
	v, repo, cleanup := setupValuator(t, map[domain.Asset]decimal.Decimal{
		domain.AssetBTC: decimal.NewFromInt(250),
	})
	defer cleanup()
	ctx := context.Background()

	userID, err := repo.CreateUser(ctx, &domain.User{Username: "alice", Email: "alice@example.com", IsActive: true})
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	recordTrade(t, repo, userID, domain.TxBuy, domain.AssetBTC, "2", "100", base)
	recordTrade(t, repo, userID, domain.TxBuy, domain.AssetBTC, "2", "300", base.Add(time.Minute))

	require.NoError(t, v.Update(ctx, userID, domain.AssetBTC))

	rows, err := repo.GetPortfolio(ctx, userID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]

	assert.True(t, row.TotalQuantity.Equal(dec(t, "4")))
	assert.True(t, row.TotalInvested.Equal(dec(t, "800")))
	assert.True(t, row.AverageBuyPrice.Equal(dec(t, "200")))
	assert.True(t, row.CurrentValue.Equal(dec(t, "1000"))) // 4 * 250
	assert.True(t, row.ProfitLoss.Equal(dec(t, "200")))
	assert.True(t, row.ProfitLossPct.Equal(dec(t, "25")))
	assert.True(t, row.AllocationPct.Equal(dec(t, "100")))
}

func TestValuator_Update_Idempotent(t *testing.T) {
	v, repo, cleanup := setupValuator(t, map[domain.Asset]decimal.Decimal{
		domain.AssetETH: decimal.NewFromInt(3000),
	})
	defer cleanup()
	ctx := context.Background()

	userID, err := repo.CreateUser(ctx, &domain.User{Username: "bob", Email: "bob@example.com", IsActive: true})
	require.NoError(t, err)
	recordTrade(t, repo, userID, domain.TxBuy, domain.AssetETH, "1", "2500", time.Now().UTC().Add(-time.Hour))

	require.NoError(t, v.Update(ctx, userID, domain.AssetETH))
	first, err := repo.GetPortfolio(ctx, userID)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, v.Update(ctx, userID, domain.AssetETH))
	second, err := repo.GetPortfolio(ctx, userID)
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.True(t, first[0].TotalQuantity.Equal(second[0].TotalQuantity))
	assert.True(t, first[0].TotalInvested.Equal(second[0].TotalInvested))
	assert.True(t, first[0].ProfitLoss.Equal(second[0].ProfitLoss))
}

func TestValuator_Update_SkipsQuoteAsset(t *testing.T) {
	v, repo, cleanup := setupValuator(t, nil)
	defer cleanup()
	ctx := context.Background()

	userID, err := repo.CreateUser(ctx, &domain.User{Username: "carol", Email: "carol@example.com", IsActive: true})
	require.NoError(t, err)

	require.NoError(t, v.Update(ctx, userID, domain.AssetUSDT))
	require.NoError(t, v.Update(ctx, userID, ""))

	rows, err := repo.GetPortfolio(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestValuator_Update_UnknownPriceValuesAtCost(t *testing.T) {
	v, repo, cleanup := setupValuator(t, nil) // no prices known
	defer cleanup()
	ctx := context.Background()

	userID, err := repo.CreateUser(ctx, &domain.User{Username: "dave", Email: "dave@example.com", IsActive: true})
	require.NoError(t, err)
	recordTrade(t, repo, userID, domain.TxBuy, domain.AssetLTC, "10", "80", time.Now().UTC().Add(-time.Hour))

	require.NoError(t, v.Update(ctx, userID, domain.AssetLTC))

	rows, err := repo.GetPortfolio(ctx, userID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	// Valued at the cost basis, the position reads break-even.
	assert.True(t, rows[0].CurrentValue.Equal(dec(t, "800")))
	assert.True(t, rows[0].ProfitLoss.IsZero())
}

func TestValuator_GetPortfolio(t *testing.T) {
	v, repo, cleanup := setupValuator(t, map[domain.Asset]decimal.Decimal{
		domain.AssetBTC: decimal.NewFromInt(300),
		domain.AssetETH: decimal.NewFromInt(100),
	})
	defer cleanup()
	ctx := context.Background()

	userID, err := repo.CreateUser(ctx, &domain.User{Username: "erin", Email: "erin@example.com", IsActive: true})
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	recordTrade(t, repo, userID, domain.TxBuy, domain.AssetBTC, "1", "200", base)
	recordTrade(t, repo, userID, domain.TxBuy, domain.AssetETH, "1", "100", base.Add(time.Minute))
	// A fully liquidated position should not appear in the listing.
	recordTrade(t, repo, userID, domain.TxBuy, domain.AssetLTC, "5", "50", base.Add(2*time.Minute))
	recordTrade(t, repo, userID, domain.TxSell, domain.AssetLTC, "5", "60", base.Add(3*time.Minute))

	for _, asset := range []domain.Asset{domain.AssetBTC, domain.AssetETH, domain.AssetLTC} {
		require.NoError(t, v.Update(ctx, userID, asset))
	}

	rows, err := v.GetPortfolio(ctx, userID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byAsset := make(map[domain.Asset]*domain.Portfolio, len(rows))
	totalAlloc := decimal.Zero
	for _, row := range rows {
		byAsset[row.Asset] = row
		totalAlloc = totalAlloc.Add(row.AllocationPct)
	}

	btc := byAsset[domain.AssetBTC]
	require.NotNil(t, btc)
	assert.True(t, btc.CurrentValue.Equal(dec(t, "300")))
	assert.True(t, btc.ProfitLoss.Equal(dec(t, "100")))
	assert.True(t, btc.ProfitLossPct.Equal(dec(t, "50")))
	assert.True(t, btc.AllocationPct.Equal(dec(t, "75"))) // 300 of 400

	eth := byAsset[domain.AssetETH]
	require.NotNil(t, eth)
	assert.True(t, eth.AllocationPct.Equal(dec(t, "25")))

	assert.True(t, totalAlloc.Equal(dec(t, "100")))
}
