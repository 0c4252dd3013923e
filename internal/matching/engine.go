package matching

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptobroker/internal/domain"
	"cryptobroker/internal/ports"
	"cryptobroker/internal/trading"
)

// Settler executes the ledger side of a match. Satisfied by
// *trading.Engine.
type Settler interface {
	ExecuteMatch(ctx context.Context, m trading.Match) error
	TriggerStop(ctx context.Context, orderID int64, price decimal.Decimal) error
	ExpireOrder(ctx context.Context, orderID int64) (*domain.Order, error)
}

// Engine periodically scans the resting order book, pairs crossed limit
// orders with price-time priority and triggers crossed stop orders. A
// mutex makes each pass single-flight: overlapping invocations return
// immediately instead of double-scanning the same resting orders.
type Engine struct {
	store   ports.Ledger
	settler Settler
	prices  ports.PriceSource
	logger  ports.Logger

	interval time.Duration
	passMu   sync.Mutex
}

// Config holds the matching engine's dependencies and parameters.
type Config struct {
	Store    ports.Ledger
	Settler  Settler
	Prices   ports.PriceSource
	Logger   ports.Logger
	Interval time.Duration
}

// NewEngine creates a matching engine instance.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Settler == nil || cfg.Prices == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for matching engine")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Engine{
		store:    cfg.Store,
		settler:  cfg.Settler,
		prices:   cfg.Prices,
		logger:   cfg.Logger,
		interval: interval,
	}, nil
}

// bookSides partitions open limit orders into price-time priority order:
// buys by price descending then age, sells by price ascending then age.
func bookSides(orders []*domain.Order) (buys, sells []*domain.Order) {
	for _, o := range orders {
		if o.Side == domain.Buy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}
	sort.Slice(buys, func(i, j int) bool {
		if buys[i].LimitPrice.Equal(buys[j].LimitPrice) {
			return buys[i].CreatedAt.Before(buys[j].CreatedAt)
		}
		return buys[i].LimitPrice.GreaterThan(buys[j].LimitPrice)
	})
	sort.Slice(sells, func(i, j int) bool {
		if sells[i].LimitPrice.Equal(sells[j].LimitPrice) {
			return sells[i].CreatedAt.Before(sells[j].CreatedAt)
		}
		return sells[i].LimitPrice.LessThan(sells[j].LimitPrice)
	})
	return buys, sells
}

// MatchOrders runs one matching pass and returns the number of matches
// settled. Remaining capacity is tracked across the scan, so a resting
// order is never paired beyond its quantity within one pass, and each
// pair's settlement failure is logged without aborting the rest of the
// pass. Returns without scanning when a pass is already in flight.
func (e *Engine) MatchOrders(ctx context.Context) (int, error) {
	if !e.passMu.TryLock() {
		e.logger.Debug(ctx, "Matching pass already in flight, skipping")
		return 0, nil
	}
	defer e.passMu.Unlock()

	open, err := e.store.FindOpenOrders(ctx, domain.OrderLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to load open limit orders: %w", err)
	}
	buys, sells := bookSides(open)

	remaining := make(map[int64]decimal.Decimal, len(open))
	for _, o := range open {
		remaining[o.ID] = o.Remaining()
	}

	matched := 0
	for _, buy := range buys {
		for _, sell := range sells {
			if remaining[buy.ID].IsZero() {
				break
			}
			if buy.Asset != sell.Asset || buy.UserID == sell.UserID {
				continue
			}
			if buy.LimitPrice.LessThan(sell.LimitPrice) {
				continue
			}
			qty := decimal.Min(remaining[buy.ID], remaining[sell.ID])
			if !qty.IsPositive() {
				continue
			}

			m := trading.Match{
				BuyOrderID:  buy.ID,
				SellOrderID: sell.ID,
				Asset:       buy.Asset,
				Quantity:    qty,
				Price:       sell.LimitPrice, // maker price: the resting sell settles the match
			}
			if err := e.settler.ExecuteMatch(ctx, m); err != nil {
				e.logger.Error(ctx, err, "Match settlement failed, pair left unresolved", map[string]interface{}{
					"buyOrderID": buy.ID, "sellOrderID": sell.ID, "quantity": qty.String(),
				})
				continue
			}
			remaining[buy.ID] = remaining[buy.ID].Sub(qty)
			remaining[sell.ID] = remaining[sell.ID].Sub(qty)
			matched++
		}
	}

	e.expireImmediateOrders(ctx, open, remaining)

	if matched > 0 {
		e.logger.Info(ctx, "Matching pass complete", map[string]interface{}{"matches": matched})
	}
	return matched, nil
}

// expireImmediateOrders cancels the unfilled remainder of IOC orders after
// the pass they first participated in.
func (e *Engine) expireImmediateOrders(ctx context.Context, open []*domain.Order, remaining map[int64]decimal.Decimal) {
	for _, o := range open {
		if o.TimeInForce != domain.IOC || !remaining[o.ID].IsPositive() {
			continue
		}
		if _, err := e.settler.ExpireOrder(ctx, o.ID); err != nil {
			e.logger.Error(ctx, err, "Failed to expire IOC remainder", map[string]interface{}{"orderID": o.ID})
		}
	}
}

// stopCrossed reports whether the market price crosses the order's trigger.
func stopCrossed(o *domain.Order, price decimal.Decimal) bool {
	switch {
	case o.Type == domain.OrderStopLoss && o.Side == domain.Sell:
		return price.LessThanOrEqual(o.StopPrice)
	case o.Type == domain.OrderStopLoss && o.Side == domain.Buy:
		return price.GreaterThanOrEqual(o.StopPrice)
	case o.Type == domain.OrderTakeProfit && o.Side == domain.Sell:
		return price.GreaterThanOrEqual(o.StopPrice)
	case o.Type == domain.OrderTakeProfit && o.Side == domain.Buy:
		return price.LessThanOrEqual(o.StopPrice)
	default:
		return false
	}
}

// TriggerStopOrders scans open stop orders against current prices and
// executes the crossed ones at the market price. A failed trigger (for
// example a BUY stop whose owner no longer has the funds) is logged and the
// order stays open for a later pass.
func (e *Engine) TriggerStopOrders(ctx context.Context) (int, error) {
	open, err := e.store.FindOpenOrders(ctx, domain.OrderStopLoss, domain.OrderTakeProfit)
	if err != nil {
		return 0, fmt.Errorf("failed to load open stop orders: %w", err)
	}

	triggered := 0
	for _, o := range open {
		price := e.prices.GetCurrentPrice(ctx, o.Asset).Price
		if !price.IsPositive() || !stopCrossed(o, price) {
			continue
		}
		if err := e.settler.TriggerStop(ctx, o.ID, price); err != nil {
			e.logger.Error(ctx, err, "Stop trigger failed, order left open", map[string]interface{}{
				"orderID": o.ID, "stopPrice": o.StopPrice.String(), "marketPrice": price.String(),
			})
			continue
		}
		triggered++
	}
	return triggered, nil
}

// Run executes matching and stop-trigger passes on the configured interval
// until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info(ctx, "Matching engine started", map[string]interface{}{"interval": e.interval.String()})
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info(ctx, "Matching engine stopped")
			return
		case <-ticker.C:
			if _, err := e.TriggerStopOrders(ctx); err != nil {
				e.logger.Error(ctx, err, "Stop-trigger pass failed")
			}
			if _, err := e.MatchOrders(ctx); err != nil {
				e.logger.Error(ctx, err, "Matching pass failed")
			}
		}
	}
}
