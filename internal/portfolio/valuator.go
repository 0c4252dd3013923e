package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptobroker/internal/domain"
	"cryptobroker/internal/ports"
)

var hundred = decimal.NewFromInt(100)

// Valuator maintains the materialized portfolio view. Every figure it
// writes is recomputed from the COMPLETED transaction history plus the
// current market price, so the view can always be rebuilt from scratch.
type Valuator struct {
	store  ports.Ledger
	prices ports.PriceSource
	logger ports.Logger
}

// NewValuator creates a portfolio valuator instance.
func NewValuator(store ports.Ledger, prices ports.PriceSource, logger ports.Logger) (*Valuator, error) {
	if store == nil || prices == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for portfolio valuator")
	}
	return &Valuator{store: store, prices: prices, logger: logger}, nil
}

// replay folds the chronological trade history into held quantity and
// invested cost using the average-cost method: each sale removes a
// proportional share of the invested cost, so realized gains never inflate
// the remaining cost basis.
func replay(trades []*domain.Transaction) (quantity, invested decimal.Decimal) {
	quantity, invested = decimal.Zero, decimal.Zero
	for _, t := range trades {
		switch t.Type {
		case domain.TxBuy:
			quantity = quantity.Add(t.Quantity)
			invested = invested.Add(t.TotalAmount)
		case domain.TxSell:
			if quantity.IsPositive() {
				invested = invested.Sub(invested.Mul(t.Quantity).Div(quantity))
			}
			quantity = quantity.Sub(t.Quantity)
		}
	}
	// History written through the engine cannot oversell, but a rebuilt or
	// imported history might; never report negative holdings.
	if quantity.IsNegative() {
		quantity = decimal.Zero
	}
	if invested.IsNegative() {
		invested = decimal.Zero
	}
	return quantity, invested
}

// Update recomputes the portfolio row for one (user, asset) pair from its
// trade history and the current market price. Idempotent: a second call
// with no intervening transactions writes identical values.
func (v *Valuator) Update(ctx context.Context, userID int64, asset domain.Asset) error {
	if asset == "" || asset == domain.QuoteAsset {
		return nil // cash balance is not a holding
	}
	if !asset.IsSupported() {
		return fmt.Errorf("asset %s: %w", asset, ports.ErrAssetNotFound)
	}

	err := v.store.InTx(ctx, func(tx ports.LedgerTx) error {
		trades, err := tx.FindCompletedTrades(ctx, userID, asset)
		if err != nil {
			return err
		}
		quantity, invested := replay(trades)

		avgBuy := decimal.Zero
		if quantity.IsPositive() {
			avgBuy = invested.Div(quantity)
		}

		// Unknown symbols value at cost so the view degrades to break-even
		// instead of reporting a total loss.
		price := v.prices.GetCurrentPrice(ctx, asset).Price
		if !price.IsPositive() {
			price = avgBuy
		}

		value := quantity.Mul(price)
		pl := value.Sub(invested)
		plPct := decimal.Zero
		if invested.IsPositive() {
			plPct = pl.Div(invested).Mul(hundred)
		}

		return tx.UpsertPortfolio(ctx, &domain.Portfolio{
			UserID:          userID,
			Asset:           asset,
			TotalQuantity:   quantity,
			AverageBuyPrice: avgBuy,
			TotalInvested:   invested,
			CurrentValue:    value,
			ProfitLoss:      pl,
			ProfitLossPct:   plPct,
			UpdatedAt:       time.Now().UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("portfolio update for user %d asset %s: %w", userID, asset, err)
	}

	if err := v.updateAllocations(ctx, userID); err != nil {
		// Allocation shares are cosmetic relative to the row itself; log and
		// keep the freshly written row.
		v.logger.Warn(ctx, "Allocation refresh failed", map[string]interface{}{"userID": userID, "error": err.Error()})
	}
	return nil
}

// updateAllocations rewrites every row's share of the user's total
// portfolio value.
func (v *Valuator) updateAllocations(ctx context.Context, userID int64) error {
	rows, err := v.store.GetPortfolio(ctx, userID)
	if err != nil {
		return err
	}
	total := decimal.Zero
	for _, row := range rows {
		total = total.Add(row.CurrentValue)
	}
	return v.store.InTx(ctx, func(tx ports.LedgerTx) error {
		for _, row := range rows {
			row.AllocationPct = decimal.Zero
			if total.IsPositive() {
				row.AllocationPct = row.CurrentValue.Div(total).Mul(hundred)
			}
			if err := tx.UpsertPortfolio(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPortfolio returns the user's non-empty holdings revalued at current
// market prices, with profit/loss and allocation shares recomputed on read
// so callers always see live figures regardless of when the rows were last
// persisted.
func (v *Valuator) GetPortfolio(ctx context.Context, userID int64) ([]*domain.Portfolio, error) {
	rows, err := v.store.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := make([]*domain.Portfolio, 0, len(rows))
	total := decimal.Zero
	for _, row := range rows {
		if !row.TotalQuantity.IsPositive() {
			continue
		}
		price := v.prices.GetCurrentPrice(ctx, row.Asset).Price
		if !price.IsPositive() {
			price = row.AverageBuyPrice
		}
		row.CurrentValue = row.TotalQuantity.Mul(price)
		row.ProfitLoss = row.CurrentValue.Sub(row.TotalInvested)
		row.ProfitLossPct = decimal.Zero
		if row.TotalInvested.IsPositive() {
			row.ProfitLossPct = row.ProfitLoss.Div(row.TotalInvested).Mul(hundred)
		}
		total = total.Add(row.CurrentValue)
		result = append(result, row)
	}
	for _, row := range result {
		row.AllocationPct = decimal.Zero
		if total.IsPositive() {
			row.AllocationPct = row.CurrentValue.Div(total).Mul(hundred)
		}
	}
	return result, nil
}
