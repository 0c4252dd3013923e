package domain

import "fmt"

// Asset is the short ticker identifying a tradable cryptocurrency.
type Asset string

const (
	AssetBTC  Asset = "BTC"
	AssetETH  Asset = "ETH"
	AssetUSDT Asset = "USDT"
	AssetLTC  Asset = "LTC"
	AssetTRX  Asset = "TRX"
)

// QuoteAsset is the settlement currency for all trades.
const QuoteAsset = AssetUSDT

// SupportedAssets lists every asset the brokerage carries a balance for.
// Order is stable; it is also the display order for portfolio listings.
var SupportedAssets = []Asset{AssetBTC, AssetETH, AssetUSDT, AssetLTC, AssetTRX}

// IsSupported reports whether the asset belongs to the supported set.
func (a Asset) IsSupported() bool {
	for _, s := range SupportedAssets {
		if a == s {
			return true
		}
	}
	return false
}

// ParseAsset validates a raw symbol string against the supported set.
func ParseAsset(symbol string) (Asset, error) {
	a := Asset(symbol)
	if !a.IsSupported() {
		return "", fmt.Errorf("unsupported asset symbol %q", symbol)
	}
	return a, nil
}
