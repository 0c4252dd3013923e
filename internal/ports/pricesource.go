package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"cryptobroker/internal/domain"
)

// Quote is the current market snapshot for one asset.
type Quote struct {
	Symbol       domain.Asset
	Price        decimal.Decimal
	Change24h    decimal.Decimal
	ChangePct24h decimal.Decimal
	Volume24h    decimal.Decimal
	MarketCap    decimal.Decimal
	UpdatedAt    time.Time
}

// PriceSource abstracts current and historical market data. Implementations
// keep serving the last-known quote when their upstream providers are down.
type PriceSource interface {
	// GetCurrentPrice always returns a quote; unknown symbols yield a
	// zero-value quote rather than an error.
	GetCurrentPrice(ctx context.Context, symbol domain.Asset) Quote

	// Refresh queries the configured providers in priority order, stopping
	// at the first that returns data, and persists the result. Returns
	// ErrPriceUnavailable when every provider fails; previously cached
	// quotes remain in effect.
	Refresh(ctx context.Context) error

	// GetHistoricalData returns price points for the trailing window of
	// days, ordered ascending. Empty slice for symbols with no history.
	GetHistoricalData(ctx context.Context, symbol domain.Asset, days int) ([]domain.PricePoint, error)
}

// PriceProvider is one upstream market-data feed. Providers are tried in
// priority order by the price source; a provider that times out or returns
// no rows is treated as failed and the next one is consulted.
type PriceProvider interface {
	// Name identifies the provider in logs.
	Name() string
	// FetchQuotes retrieves current quotes for the given symbols. The call
	// must respect ctx cancellation; a partial result is acceptable as long
	// as it is non-empty.
	FetchQuotes(ctx context.Context, symbols []domain.Asset) ([]Quote, error)
}
