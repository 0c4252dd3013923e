package pricefeed

import (
	"context"
	"errors"
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

type mockNotifier struct {
	ticks int
}

func (m *mockNotifier) TransactionCompleted(ctx context.Context, tx *domain.Transaction) {}
func (m *mockNotifier) OrderUpdated(ctx context.Context, order *domain.Order)            {}
func (m *mockNotifier) PriceTick(ctx context.Context, quotes []ports.Quote)              { m.ticks++ }

// fakeProvider returns canned quotes or a canned error, counting calls.
type fakeProvider struct {
	name   string
	quotes []ports.Quote
	err    error
	calls  int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) FetchQuotes(ctx context.Context, symbols []domain.Asset) ([]ports.Quote, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.quotes, nil
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func quoteFor(t *testing.T, symbol domain.Asset, price string) ports.Quote {
	t.Helper()
	return ports.Quote{Symbol: symbol, Price: dec(t, price), UpdatedAt: time.Now().UTC()}
}

func setupRepo(t *testing.T) (*sqlite.Repository, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "pricefeed-test-*")
	require.NoError(t, err)

	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: filepath.Join(tmpDir, "test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}
	return repo, cleanup
}

func newService(t *testing.T, repo *sqlite.Repository, notif ports.Notifier, providers ...ports.PriceProvider) *Service {
	t.Helper()
	s, err := NewService(Config{
		Store:     repo,
		Providers: providers,
		Notifier:  notif,
		Logger:    &mockLogger{},
	})
	require.NoError(t, err)
	return s
}

func TestService_QuoteAssetPeggedAtOne(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()

	s := newService(t, repo, &mockNotifier{}, &fakeProvider{name: "primary"})

	q := s.GetCurrentPrice(context.Background(), domain.QuoteAsset)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(1)))
}

func TestService_GetCurrentPrice_UnknownSymbolIsZero(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()

	s := newService(t, repo, &mockNotifier{}, &fakeProvider{name: "primary"})

	q := s.GetCurrentPrice(context.Background(), domain.AssetBTC)
	assert.Equal(t, domain.AssetBTC, q.Symbol)
	assert.True(t, q.Price.IsZero())
}

func TestService_Refresh_FirstProviderWins(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	primary := &fakeProvider{name: "primary", quotes: []ports.Quote{quoteFor(t, domain.AssetBTC, "60000")}}
	secondary := &fakeProvider{name: "secondary", quotes: []ports.Quote{quoteFor(t, domain.AssetBTC, "59999")}}
	notif := &mockNotifier{}
	s := newService(t, repo, notif, primary, secondary)

	require.NoError(t, s.Refresh(ctx))

	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 0, secondary.calls, "secondary must not be consulted when the primary succeeds")
	assert.Equal(t, 1, notif.ticks)

	q := s.GetCurrentPrice(ctx, domain.AssetBTC)
	assert.True(t, q.Price.Equal(dec(t, "60000")))

	// The refresh persisted market data and one history sample.
	c, err := repo.GetCryptocurrency(ctx, domain.AssetBTC)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.CurrentPrice.Equal(dec(t, "60000")))

	points, err := repo.PriceHistorySince(ctx, domain.AssetBTC, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, points, 1)
}

func TestService_Refresh_FallsBackToSecondary(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	primary := &fakeProvider{name: "primary", err: errors.New("connection refused")}
	secondary := &fakeProvider{name: "secondary", quotes: []ports.Quote{quoteFor(t, domain.AssetETH, "3000")}}
	s := newService(t, repo, &mockNotifier{}, primary, secondary)

	require.NoError(t, s.Refresh(ctx))

	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
	assert.True(t, s.GetCurrentPrice(ctx, domain.AssetETH).Price.Equal(dec(t, "3000")))
}

func TestService_Refresh_EmptyResponseTreatedAsFailure(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()

	primary := &fakeProvider{name: "primary"} // no quotes, no error
	secondary := &fakeProvider{name: "secondary", quotes: []ports.Quote{quoteFor(t, domain.AssetBTC, "60000")}}
	s := newService(t, repo, &mockNotifier{}, primary, secondary)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, 1, secondary.calls)
}

func TestService_Refresh_AllFailServesLastKnown(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	provider := &fakeProvider{name: "flaky", quotes: []ports.Quote{quoteFor(t, domain.AssetBTC, "58000")}}
	s := newService(t, repo, &mockNotifier{}, provider)

	require.NoError(t, s.Refresh(ctx))

	// The provider goes dark; the refresh fails but the cache survives.
	provider.err = errors.New("rate limited")
	provider.quotes = nil

	err := s.Refresh(ctx)
	require.ErrorIs(t, err, ports.ErrPriceUnavailable)
	assert.True(t, s.GetCurrentPrice(ctx, domain.AssetBTC).Price.Equal(dec(t, "58000")))
}

func TestService_WarmCacheFromStore(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()

	// Pre-persisted market data survives a restart as the initial cache.
	err := repo.InTx(ctx, func(tx ports.LedgerTx) error {
		return tx.UpsertCryptocurrency(ctx, &domain.Cryptocurrency{
			Symbol:       domain.AssetLTC,
			Name:         "Litecoin",
			CurrentPrice: dec(t, "85"),
			IsActive:     true,
			UpdatedAt:    time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	s := newService(t, repo, &mockNotifier{}, &fakeProvider{name: "down", err: errors.New("down")})

	assert.True(t, s.GetCurrentPrice(ctx, domain.AssetLTC).Price.Equal(dec(t, "85")))
}

func TestService_GetHistoricalData(t *testing.T) {
	repo, cleanup := setupRepo(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	err := repo.InTx(ctx, func(tx ports.LedgerTx) error {
		for _, p := range []domain.PricePoint{
			{Symbol: domain.AssetBTC, Price: dec(t, "50000"), RecordedAt: now.AddDate(0, 0, -10)},
			{Symbol: domain.AssetBTC, Price: dec(t, "55000"), RecordedAt: now.AddDate(0, 0, -3)},
			{Symbol: domain.AssetBTC, Price: dec(t, "60000"), RecordedAt: now.AddDate(0, 0, -1)},
		} {
			p := p
			if err := tx.AppendPricePoint(ctx, &p); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	s := newService(t, repo, &mockNotifier{}, &fakeProvider{name: "primary"})

	points, err := s.GetHistoricalData(ctx, domain.AssetBTC, 7)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.True(t, points[0].Price.Equal(dec(t, "55000")))
	assert.True(t, points[1].Price.Equal(dec(t, "60000")))

	_, err = s.GetHistoricalData(ctx, domain.AssetBTC, 0)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	empty, err := s.GetHistoricalData(ctx, domain.AssetTRX, 7)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
