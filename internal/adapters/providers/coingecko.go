package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptobroker/internal/domain"
	"cryptobroker/internal/ports"
)

const defaultGeckoBaseURL = "https://api.coingecko.com"

// geckoIDs maps our tickers to CoinGecko coin identifiers.
var geckoIDs = map[domain.Asset]string{
	domain.AssetBTC:  "bitcoin",
	domain.AssetETH:  "ethereum",
	domain.AssetUSDT: "tether",
	domain.AssetLTC:  "litecoin",
	domain.AssetTRX:  "tron",
}

// CoinGecko implements ports.PriceProvider on the CoinGecko simple-price
// endpoint. One request covers every symbol, which keeps it well inside
// the free-tier rate limit.
type CoinGecko struct {
	baseURL string
	client  *http.Client
	logger  ports.Logger
}

// CoinGeckoConfig holds configuration for the CoinGecko provider.
type CoinGeckoConfig struct {
	BaseURL string // override for tests; defaults to the public API
	Logger  ports.Logger
}

// NewCoinGecko creates a CoinGecko market-data provider.
func NewCoinGecko(cfg CoinGeckoConfig) (*CoinGecko, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for CoinGecko provider")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeckoBaseURL
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		// The per-call deadline comes from the caller's context; this is a
		// hard ceiling in case a caller forgets one.
		client: &http.Client{Timeout: 30 * time.Second},
		logger: cfg.Logger,
	}, nil
}

// Name identifies the provider in logs.
func (g *CoinGecko) Name() string { return "coingecko" }

// geckoRow is one coin's entry in the simple-price response.
type geckoRow struct {
	USD          json.Number `json:"usd"`
	USDMarketCap json.Number `json:"usd_market_cap"`
	USD24hVol    json.Number `json:"usd_24h_vol"`
	USD24hChange json.Number `json:"usd_24h_change"` // percentage
}

// FetchQuotes retrieves current prices for all requested symbols in one
// request.
func (g *CoinGecko) FetchQuotes(ctx context.Context, symbols []domain.Asset) ([]ports.Quote, error) {
	ids := make([]string, 0, len(symbols))
	bySymbol := make(map[string]domain.Asset, len(symbols))
	for _, sym := range symbols {
		id, ok := geckoIDs[sym]
		if !ok {
			g.logger.Warn(ctx, "No CoinGecko ID for symbol", map[string]interface{}{"symbol": sym})
			continue
		}
		ids = append(ids, id)
		bySymbol[id] = sym
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no symbols map to CoinGecko IDs: %w", ports.ErrProviderEmpty)
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_market_cap", "true")
	q.Set("include_24hr_vol", "true")
	q.Set("include_24hr_change", "true")
	reqURL := g.baseURL + "/api/v3/simple/price?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build CoinGecko request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("CoinGecko request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("CoinGecko returned status %d: %w", resp.StatusCode, ports.ErrProviderEmpty)
	}

	var body map[string]geckoRow
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode CoinGecko response: %w", err)
	}

	now := time.Now().UTC()
	quotes := make([]ports.Quote, 0, len(body))
	for id, row := range body {
		sym, ok := bySymbol[id]
		if !ok {
			continue
		}
		quote, err := rowToQuote(sym, row, now)
		if err != nil {
			g.logger.Warn(ctx, "Could not parse CoinGecko row", map[string]interface{}{"id": id, "error": err.Error()})
			continue
		}
		quotes = append(quotes, quote)
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("CoinGecko returned no usable rows: %w", ports.ErrProviderEmpty)
	}
	return quotes, nil
}

func numToDec(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(n.String())
}

func rowToQuote(sym domain.Asset, row geckoRow, now time.Time) (ports.Quote, error) {
	price, err := numToDec(row.USD)
	if err != nil {
		return ports.Quote{}, fmt.Errorf("could not parse price %q: %w", row.USD, err)
	}
	marketCap, err := numToDec(row.USDMarketCap)
	if err != nil {
		return ports.Quote{}, fmt.Errorf("could not parse market cap %q: %w", row.USDMarketCap, err)
	}
	volume, err := numToDec(row.USD24hVol)
	if err != nil {
		return ports.Quote{}, fmt.Errorf("could not parse volume %q: %w", row.USD24hVol, err)
	}
	changePct, err := numToDec(row.USD24hChange)
	if err != nil {
		return ports.Quote{}, fmt.Errorf("could not parse 24h change %q: %w", row.USD24hChange, err)
	}

	// The endpoint reports the change as a percentage; derive the absolute
	// move from it.
	change := decimal.Zero
	denom := decimal.NewFromInt(100).Add(changePct)
	if !denom.IsZero() {
		prev := price.Mul(decimal.NewFromInt(100)).Div(denom)
		change = price.Sub(prev)
	}

	return ports.Quote{
		Symbol:       sym,
		Price:        price,
		Change24h:    change,
		ChangePct24h: changePct,
		Volume24h:    volume,
		MarketCap:    marketCap,
		UpdatedAt:    now,
	}, nil
}
