package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"cryptobroker/internal/domain"
	"cryptobroker/internal/ports"
)

// binancePairs maps our tickers to Binance spot symbols. USDT itself has no
// pair; it is pegged at 1.
var binancePairs = map[domain.Asset]string{
	domain.AssetBTC: "BTCUSDT",
	domain.AssetETH: "ETHUSDT",
	domain.AssetLTC: "LTCUSDT",
	domain.AssetTRX: "TRXUSDT",
}

// Binance implements ports.PriceProvider on the Binance spot 24h ticker
// statistics endpoint. Public market data needs no API keys.
type Binance struct {
	client *binance.Client
	logger ports.Logger
}

// BinanceConfig holds configuration for the Binance provider.
type BinanceConfig struct {
	APIKey    string // optional, public endpoints work without keys
	SecretKey string
	Logger    ports.Logger
}

// NewBinance creates a Binance market-data provider.
func NewBinance(cfg BinanceConfig) (*Binance, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance provider")
	}
	return &Binance{
		client: binance.NewClient(cfg.APIKey, cfg.SecretKey),
		logger: cfg.Logger,
	}, nil
}

// Name identifies the provider in logs.
func (b *Binance) Name() string { return "binance" }

// translateErr maps Binance API failures onto the standard sentinels.
func translateErr(err error, pair string) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("binance ticker %s failed (code %d): %w: %w", pair, apiErr.Code, ports.ErrProviderEmpty, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("binance ticker %s timed out: %w: %w", pair, ports.ErrTimeout, err)
	}
	return fmt.Errorf("binance ticker %s failed: %w", pair, err)
}

// FetchQuotes retrieves the 24h ticker stats for each requested symbol. A
// symbol whose pair lookup fails is skipped; the call errors only when no
// symbol could be quoted.
func (b *Binance) FetchQuotes(ctx context.Context, symbols []domain.Asset) ([]ports.Quote, error) {
	now := time.Now().UTC()
	quotes := make([]ports.Quote, 0, len(symbols))
	var lastErr error

	for _, sym := range symbols {
		if sym == domain.AssetUSDT {
			quotes = append(quotes, ports.Quote{Symbol: sym, Price: decimal.NewFromInt(1), UpdatedAt: now})
			continue
		}
		pair, ok := binancePairs[sym]
		if !ok {
			b.logger.Warn(ctx, "No Binance pair for symbol", map[string]interface{}{"symbol": sym})
			continue
		}

		stats, err := b.client.NewListPriceChangeStatsService().Symbol(pair).Do(ctx)
		if err != nil {
			lastErr = translateErr(err, pair)
			b.logger.Warn(ctx, "Binance ticker lookup failed", map[string]interface{}{"pair": pair, "error": err.Error()})
			continue
		}
		if len(stats) == 0 {
			lastErr = fmt.Errorf("no ticker data for %s: %w", pair, ports.ErrProviderEmpty)
			continue
		}

		q, err := statsToQuote(sym, stats[0], now)
		if err != nil {
			lastErr = err
			b.logger.Warn(ctx, "Could not parse Binance ticker", map[string]interface{}{"pair": pair, "error": err.Error()})
			continue
		}
		quotes = append(quotes, q)
	}

	if len(quotes) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("binance returned no usable tickers: %w", ports.ErrProviderEmpty)
	}
	return quotes, nil
}

func statsToQuote(sym domain.Asset, s *binance.PriceChangeStats, now time.Time) (ports.Quote, error) {
	price, err := decimal.NewFromString(s.LastPrice)
	if err != nil {
		return ports.Quote{}, fmt.Errorf("could not parse price %q: %w", s.LastPrice, err)
	}
	change, err := decimal.NewFromString(s.PriceChange)
	if err != nil {
		return ports.Quote{}, fmt.Errorf("could not parse price change %q: %w", s.PriceChange, err)
	}
	changePct, err := decimal.NewFromString(s.PriceChangePercent)
	if err != nil {
		return ports.Quote{}, fmt.Errorf("could not parse change percent %q: %w", s.PriceChangePercent, err)
	}
	volume, err := decimal.NewFromString(s.QuoteVolume)
	if err != nil {
		return ports.Quote{}, fmt.Errorf("could not parse quote volume %q: %w", s.QuoteVolume, err)
	}
	return ports.Quote{
		Symbol:       sym,
		Price:        price,
		Change24h:    change,
		ChangePct24h: changePct,
		Volume24h:    volume,
		UpdatedAt:    now,
	}, nil
}
