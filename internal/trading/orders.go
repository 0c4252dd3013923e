package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptobroker/internal/domain"
	"cryptobroker/internal/ports"
)

// reservationFor returns the asset and amount an order holds against the
// owner's balance. Limit BUY orders hold the gross cost at the limit price,
// fee included, so settlement can never fail on a fully backed order.
// Stop/take-profit BUY orders hold nothing: their balance is checked at
// trigger time.
func (e *Engine) reservationFor(o *domain.Order, quantity decimal.Decimal) (domain.Asset, decimal.Decimal, bool) {
	switch {
	case o.Side == domain.Sell:
		return o.Asset, quantity, true
	case o.Type == domain.OrderLimit:
		return domain.QuoteAsset, e.grossCost(quantity.Mul(o.LimitPrice)), true
	default:
		return "", decimal.Zero, false
	}
}

// CreateLimitOrder validates and reserves the backing balance, then inserts
// an OPEN limit order. The reservation (quote funds for BUY at the limit
// price plus fee, asset units for SELL) is released on cancellation or
// consumed by fills, so one balance can never back two open orders.
func (e *Engine) CreateLimitOrder(ctx context.Context, userID int64, asset domain.Asset, side domain.OrderSide, quantity, price decimal.Decimal, tif domain.TimeInForce) (*domain.Order, error) {
	if err := checkTradeParams(asset, quantity, price); err != nil {
		return nil, err
	}
	if tif == "" {
		tif = domain.GTC
	}
	if tif == domain.FOK {
		// The resting book settles asynchronously; fill-or-kill cannot be
		// honored at placement time.
		return nil, fmt.Errorf("time in force %s is not supported for resting orders: %w", tif, ports.ErrInvalidOrderParameters)
	}
	if tif != domain.GTC && tif != domain.IOC {
		return nil, fmt.Errorf("unknown time in force %q: %w", tif, ports.ErrInvalidOrderParameters)
	}

	order := &domain.Order{
		ClientOrderID:  uuid.NewString(),
		UserID:         userID,
		Type:           domain.OrderLimit,
		Side:           side,
		Asset:          asset,
		Quantity:       quantity,
		LimitPrice:     price,
		FilledQuantity: decimal.Zero,
		AvgFilledPrice: decimal.Zero,
		Status:         domain.OrderOpen,
		TimeInForce:    tif,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.placeOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// CreateStopOrder validates and inserts an OPEN stop order. orderType must
// be STOP_LOSS or TAKE_PROFIT. SELL stops reserve the asset quantity up
// front; BUY stops defer the funds check to trigger time because the
// eventual cost depends on the trigger price.
func (e *Engine) CreateStopOrder(ctx context.Context, userID int64, asset domain.Asset, side domain.OrderSide, orderType domain.OrderType, quantity, stopPrice decimal.Decimal, tif domain.TimeInForce) (*domain.Order, error) {
	if orderType != domain.OrderStopLoss && orderType != domain.OrderTakeProfit {
		return nil, fmt.Errorf("order type %s is not a stop type: %w", orderType, ports.ErrInvalidOrderParameters)
	}
	if err := checkTradeParams(asset, quantity, stopPrice); err != nil {
		return nil, err
	}
	if tif == "" {
		tif = domain.GTC
	}
	if tif != domain.GTC {
		return nil, fmt.Errorf("time in force %s is not supported for stop orders: %w", tif, ports.ErrInvalidOrderParameters)
	}

	order := &domain.Order{
		ClientOrderID:  uuid.NewString(),
		UserID:         userID,
		Type:           orderType,
		Side:           side,
		Asset:          asset,
		Quantity:       quantity,
		StopPrice:      stopPrice,
		FilledQuantity: decimal.Zero,
		AvgFilledPrice: decimal.Zero,
		Status:         domain.OrderOpen,
		TimeInForce:    tif,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.placeOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (e *Engine) placeOrder(ctx context.Context, order *domain.Order) error {
	if order.Side != domain.Buy && order.Side != domain.Sell {
		return fmt.Errorf("unknown order side %q: %w", order.Side, ports.ErrInvalidOrderParameters)
	}

	err := e.store.InTx(ctx, func(tx ports.LedgerTx) error {
		if err := requireActiveUser(ctx, tx, order.UserID); err != nil {
			return err
		}
		if asset, amount, held := e.reservationFor(order, order.Quantity); held {
			if err := tx.Reserve(ctx, order.UserID, asset, amount); err != nil {
				return err
			}
		}
		_, err := tx.CreateOrder(ctx, order)
		return err
	})
	if err != nil {
		return err
	}

	e.logger.Info(ctx, "Order placed", map[string]interface{}{
		"orderID": order.ID, "userID": order.UserID, "type": order.Type,
		"side": order.Side, "asset": order.Asset, "quantity": order.Quantity.String(),
	})
	e.notifier.OrderUpdated(ctx, order)
	return nil
}

// CancelOrder transitions an OPEN or PARTIALLY_FILLED order owned by the
// user to CANCELLED and releases the reservation backing the unfilled
// remainder. Terminal orders fail with ErrInvalidOrderState; orders that do
// not exist or belong to someone else fail with ErrOrderNotFound.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID int64) (*domain.Order, error) {
	var order *domain.Order
	err := e.store.InTx(ctx, func(tx ports.LedgerTx) error {
		var err error
		order, err = tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil || order.UserID != userID {
			return fmt.Errorf("order %d for user %d: %w", orderID, userID, ports.ErrOrderNotFound)
		}
		if !order.CanCancel() {
			return fmt.Errorf("order %d is %s: %w", orderID, order.Status, ports.ErrInvalidOrderState)
		}

		if asset, amount, held := e.reservationFor(order, order.Remaining()); held {
			if err := tx.Release(ctx, userID, asset, amount); err != nil {
				return err
			}
		}
		order.Status = domain.OrderCancelled
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info(ctx, "Order cancelled", map[string]interface{}{"orderID": orderID, "userID": userID})
	e.notifier.OrderUpdated(ctx, order)
	return order, nil
}

// ExpireOrder transitions an order to EXPIRED and releases the remainder's
// reservation. Used by the matching engine for IOC remainders.
func (e *Engine) ExpireOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	var order *domain.Order
	err := e.store.InTx(ctx, func(tx ports.LedgerTx) error {
		var err error
		order, err = tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return fmt.Errorf("order %d: %w", orderID, ports.ErrOrderNotFound)
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("order %d is %s: %w", orderID, order.Status, ports.ErrInvalidOrderState)
		}

		if asset, amount, held := e.reservationFor(order, order.Remaining()); held {
			if err := tx.Release(ctx, order.UserID, asset, amount); err != nil {
				return err
			}
		}
		order.Status = domain.OrderExpired
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug(ctx, "Order expired", map[string]interface{}{"orderID": orderID})
	e.notifier.OrderUpdated(ctx, order)
	return order, nil
}

// ExecuteMatch settles one crossed pair atomically: both orders' fill
// progress, both reservations and both users' balances move in a single
// store transaction together with the two COMPLETED transaction records.
// Any failure rolls the whole match back and leaves it unresolved.
func (e *Engine) ExecuteMatch(ctx context.Context, m Match) error {
	if !m.Quantity.IsPositive() || !m.Price.IsPositive() {
		return fmt.Errorf("match quantity and price must be positive: %w", ports.ErrInvalidOrderParameters)
	}

	var buyRec, sellRec *domain.Transaction
	var buyOrder, sellOrder *domain.Order
	err := e.store.InTx(ctx, func(tx ports.LedgerTx) error {
		var err error
		buyOrder, err = tx.GetOrder(ctx, m.BuyOrderID)
		if err != nil {
			return err
		}
		sellOrder, err = tx.GetOrder(ctx, m.SellOrderID)
		if err != nil {
			return err
		}
		if buyOrder == nil || sellOrder == nil {
			return fmt.Errorf("match orders %d/%d: %w", m.BuyOrderID, m.SellOrderID, ports.ErrOrderNotFound)
		}
		// Re-validate against committed state: the scan's view may be stale.
		if buyOrder.Side != domain.Buy || buyOrder.Type != domain.OrderLimit ||
			sellOrder.Side != domain.Sell || sellOrder.Type != domain.OrderLimit {
			return fmt.Errorf("match orders %d/%d are not a limit buy/sell pair: %w", m.BuyOrderID, m.SellOrderID, ports.ErrInvalidOrderState)
		}
		if buyOrder.Status.IsTerminal() || sellOrder.Status.IsTerminal() {
			return fmt.Errorf("match orders %d/%d no longer open: %w", m.BuyOrderID, m.SellOrderID, ports.ErrInvalidOrderState)
		}
		if buyOrder.Remaining().LessThan(m.Quantity) || sellOrder.Remaining().LessThan(m.Quantity) {
			return fmt.Errorf("match quantity %s exceeds remaining capacity: %w", m.Quantity.String(), ports.ErrInvalidOrderState)
		}

		// The buyer reserved the gross cost at their own (higher or equal)
		// limit price; release that slice, then settle at the maker price.
		// The spread between the two returns to the buyer's available funds.
		if err := tx.Release(ctx, buyOrder.UserID, domain.QuoteAsset, e.grossCost(m.Quantity.Mul(buyOrder.LimitPrice))); err != nil {
			return err
		}
		if buyRec, err = e.settleTrade(ctx, tx, buyOrder.UserID, m.Asset, m.Quantity, m.Price, domain.Buy); err != nil {
			return err
		}

		if err := tx.Release(ctx, sellOrder.UserID, m.Asset, m.Quantity); err != nil {
			return err
		}
		if sellRec, err = e.settleTrade(ctx, tx, sellOrder.UserID, m.Asset, m.Quantity, m.Price, domain.Sell); err != nil {
			return err
		}

		now := time.Now().UTC()
		buyOrder.ApplyFill(m.Quantity, m.Price, now)
		sellOrder.ApplyFill(m.Quantity, m.Price, now)
		if err := tx.UpdateOrder(ctx, buyOrder); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, sellOrder)
	})
	if err != nil {
		return err
	}

	e.logger.Info(ctx, "Match executed", map[string]interface{}{
		"buyOrderID": m.BuyOrderID, "sellOrderID": m.SellOrderID,
		"asset": m.Asset, "quantity": m.Quantity.String(), "price": m.Price.String(),
	})
	e.afterTrade(ctx, buyRec)
	e.afterTrade(ctx, sellRec)
	e.notifier.OrderUpdated(ctx, buyOrder)
	e.notifier.OrderUpdated(ctx, sellOrder)
	return nil
}

// TriggerStop executes a crossed stop order's full remaining quantity as a
// market trade at the trigger price. SELL stops consume their reservation;
// BUY stops are funds-checked here, and stay OPEN when the check fails so a
// later trigger can retry.
func (e *Engine) TriggerStop(ctx context.Context, orderID int64, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("trigger price must be positive: %w", ports.ErrInvalidOrderParameters)
	}

	var rec *domain.Transaction
	var order *domain.Order
	err := e.store.InTx(ctx, func(tx ports.LedgerTx) error {
		var err error
		order, err = tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return fmt.Errorf("stop order %d: %w", orderID, ports.ErrOrderNotFound)
		}
		if order.Type != domain.OrderStopLoss && order.Type != domain.OrderTakeProfit {
			return fmt.Errorf("order %d is not a stop order: %w", orderID, ports.ErrInvalidOrderState)
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("stop order %d is %s: %w", orderID, order.Status, ports.ErrInvalidOrderState)
		}

		remaining := order.Remaining()
		if asset, amount, held := e.reservationFor(order, remaining); held {
			if err := tx.Release(ctx, order.UserID, asset, amount); err != nil {
				return err
			}
		}
		if rec, err = e.settleTrade(ctx, tx, order.UserID, order.Asset, remaining, price, order.Side); err != nil {
			return err
		}

		order.ApplyFill(remaining, price, time.Now().UTC())
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return err
	}

	e.logger.Info(ctx, "Stop order triggered", map[string]interface{}{
		"orderID": orderID, "type": order.Type, "side": order.Side, "price": price.String(),
	})
	e.afterTrade(ctx, rec)
	e.notifier.OrderUpdated(ctx, order)
	return nil
}
