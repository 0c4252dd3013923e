package pricefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"cryptobroker/internal/domain"
	"cryptobroker/internal/ports"
)

// assetNames maps tickers to display names for the market-data rows.
var assetNames = map[domain.Asset]string{
	domain.AssetBTC:  "Bitcoin",
	domain.AssetETH:  "Ethereum",
	domain.AssetUSDT: "Tether",
	domain.AssetLTC:  "Litecoin",
	domain.AssetTRX:  "TRON",
}

// Service implements ports.PriceSource. Providers are consulted in priority
// order with an individual timeout; the first non-empty response wins and
// is persisted (market-data upsert plus one price-history sample per
// symbol). Quotes are cached in memory so reads keep working on last-known
// data while every provider is down.
type Service struct {
	store     ports.Ledger
	providers []ports.PriceProvider
	notifier  ports.Notifier
	logger    ports.Logger

	symbols  []domain.Asset
	timeout  time.Duration
	interval time.Duration

	refreshMu sync.Mutex // single-flight refresh
	cacheMu   sync.RWMutex
	cache     map[domain.Asset]ports.Quote
}

// Config holds the price service's dependencies and parameters.
type Config struct {
	Store     ports.Ledger
	Providers []ports.PriceProvider // priority order, first wins
	Notifier  ports.Notifier
	Logger    ports.Logger
	Symbols   []domain.Asset
	Timeout   time.Duration // per-provider call budget
	Interval  time.Duration // refresh period
}

// NewService creates the price service and warms the cache from the store's
// last persisted market data.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Notifier == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for price service")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one price provider is required: %w", ports.ErrConfigurationError)
	}
	symbols := cfg.Symbols
	if len(symbols) == 0 {
		symbols = domain.SupportedAssets
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	s := &Service{
		store:     cfg.Store,
		providers: cfg.Providers,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger,
		symbols:   symbols,
		timeout:   timeout,
		interval:  interval,
		cache:     make(map[domain.Asset]ports.Quote, len(symbols)),
	}
	s.warmCache(context.Background())
	return s, nil
}

// warmCache loads the last persisted quote per symbol so a restart does not
// lose the price fallback. The quote asset is pegged at 1.
func (s *Service) warmCache(ctx context.Context) {
	s.cache[domain.QuoteAsset] = ports.Quote{
		Symbol: domain.QuoteAsset, Price: decimal.NewFromInt(1), UpdatedAt: time.Now().UTC(),
	}
	for _, sym := range s.symbols {
		c, err := s.store.GetCryptocurrency(ctx, sym)
		if err != nil {
			s.logger.Warn(ctx, "Could not warm price cache", map[string]interface{}{"symbol": sym, "error": err.Error()})
			continue
		}
		if c == nil || !c.CurrentPrice.IsPositive() {
			continue
		}
		s.cache[sym] = ports.Quote{
			Symbol:       sym,
			Price:        c.CurrentPrice,
			Change24h:    c.Change24h,
			ChangePct24h: c.ChangePct24h,
			Volume24h:    c.Volume24h,
			MarketCap:    c.MarketCap,
			UpdatedAt:    c.UpdatedAt,
		}
	}
}

// GetCurrentPrice returns the cached quote for the symbol. Unknown symbols
// yield a zero-value quote, never an error.
func (s *Service) GetCurrentPrice(_ context.Context, symbol domain.Asset) ports.Quote {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	if q, ok := s.cache[symbol]; ok {
		return q
	}
	return ports.Quote{Symbol: symbol}
}

// Refresh queries the providers in priority order and persists the first
// non-empty result. Returns ErrPriceUnavailable when every provider fails;
// the cache keeps serving last-known quotes in that case.
func (s *Service) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	for _, p := range s.providers {
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		quotes, err := p.FetchQuotes(pctx, s.symbols)
		cancel()
		if err != nil {
			s.logger.Warn(ctx, "Price provider failed, trying next", map[string]interface{}{
				"provider": p.Name(), "error": err.Error(),
			})
			continue
		}
		if len(quotes) == 0 {
			s.logger.Warn(ctx, "Price provider returned no data, trying next", map[string]interface{}{"provider": p.Name()})
			continue
		}

		if err := s.persist(ctx, quotes); err != nil {
			s.logger.Error(ctx, err, "Failed to persist refreshed prices", map[string]interface{}{"provider": p.Name()})
			// The in-memory cache still advances so trading sees the new data.
		}

		s.cacheMu.Lock()
		for _, q := range quotes {
			s.cache[q.Symbol] = q
		}
		s.cacheMu.Unlock()

		s.logger.Debug(ctx, "Prices refreshed", map[string]interface{}{"provider": p.Name(), "symbols": len(quotes)})
		s.notifier.PriceTick(ctx, quotes)
		return nil
	}

	return fmt.Errorf("price refresh exhausted %d providers: %w", len(s.providers), ports.ErrPriceUnavailable)
}

// persist upserts the market-data row and appends one history sample per
// refreshed symbol in a single store transaction.
func (s *Service) persist(ctx context.Context, quotes []ports.Quote) error {
	now := time.Now().UTC()
	return s.store.InTx(ctx, func(tx ports.LedgerTx) error {
		for _, q := range quotes {
			name := assetNames[q.Symbol]
			if name == "" {
				name = string(q.Symbol)
			}
			err := tx.UpsertCryptocurrency(ctx, &domain.Cryptocurrency{
				Symbol:       q.Symbol,
				Name:         name,
				CurrentPrice: q.Price,
				Change24h:    q.Change24h,
				ChangePct24h: q.ChangePct24h,
				MarketCap:    q.MarketCap,
				Volume24h:    q.Volume24h,
				IsActive:     true,
				UpdatedAt:    now,
			})
			if err != nil {
				return err
			}
			err = tx.AppendPricePoint(ctx, &domain.PricePoint{
				Symbol:     q.Symbol,
				Price:      q.Price,
				Volume:     q.Volume24h,
				MarketCap:  q.MarketCap,
				RecordedAt: now,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetHistoricalData returns the symbol's price points for the trailing
// window of days, ordered ascending. Empty slice for unknown symbols.
func (s *Service) GetHistoricalData(ctx context.Context, symbol domain.Asset, days int) ([]domain.PricePoint, error) {
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d: %w", days, ports.ErrInvalidRequest)
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	return s.store.PriceHistorySince(ctx, symbol, since)
}

// Run refreshes prices on the configured interval until the context is
// cancelled. While every provider is failing, the retry delay grows on a
// jittered exponential backoff and resets on the first success.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info(ctx, "Price refresh loop started", map[string]interface{}{
		"interval": s.interval.String(), "providers": len(s.providers),
	})
	retry := &backoff.Backoff{Min: s.interval, Max: 10 * s.interval, Factor: 2, Jitter: true}

	for {
		wait := s.interval
		if err := s.Refresh(ctx); err != nil {
			wait = retry.Duration()
			s.logger.Error(ctx, err, "Price refresh failed, serving last-known prices", map[string]interface{}{
				"nextAttemptIn": wait.String(),
			})
		} else {
			retry.Reset()
		}

		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Price refresh loop stopped")
			return
		case <-time.After(wait):
		}
	}
}
