package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cryptocurrency is the reference/market-data row for one tradable asset.
// It is written only by the price refresh job and read by everything else.
type Cryptocurrency struct {
	Symbol            Asset
	Name              string
	CurrentPrice      decimal.Decimal
	Change24h         decimal.Decimal // absolute 24h price change
	ChangePct24h      decimal.Decimal
	MarketCap         decimal.Decimal
	Volume24h         decimal.Decimal
	CirculatingSupply decimal.Decimal
	MaxSupply         decimal.Decimal
	Rank              int
	IsActive          bool
	UpdatedAt         time.Time
}

// PricePoint is one append-only PriceHistory sample.
type PricePoint struct {
	Symbol     Asset
	Price      decimal.Decimal
	Volume     decimal.Decimal
	MarketCap  decimal.Decimal
	RecordedAt time.Time
}
