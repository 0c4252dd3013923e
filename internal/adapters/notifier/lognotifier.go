package notifier

import (
	"context"

	"cryptobroker/internal/domain"
	"cryptobroker/internal/ports"
)

// LogNotifier writes every event to the structured logger. It is the
// default sink when no websocket clients are wanted.
type LogNotifier struct {
	logger ports.Logger
}

// NewLogNotifier creates a notifier that records events in the log.
func NewLogNotifier(logger ports.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// TransactionCompleted logs a completed transaction.
func (n *LogNotifier) TransactionCompleted(ctx context.Context, tx *domain.Transaction) {
	if tx == nil {
		return
	}
	n.logger.Info(ctx, "Transaction completed", map[string]interface{}{
		"reference": tx.Reference,
		"user_id":   tx.UserID,
		"type":      tx.Type,
		"asset":     tx.Asset,
		"quantity":  tx.Quantity.String(),
		"total":     tx.TotalAmount.String(),
	})
}

// OrderUpdated logs an order state change.
func (n *LogNotifier) OrderUpdated(ctx context.Context, order *domain.Order) {
	if order == nil {
		return
	}
	n.logger.Info(ctx, "Order updated", map[string]interface{}{
		"order_id": order.ID,
		"user_id":  order.UserID,
		"asset":    order.Asset,
		"side":     order.Side,
		"type":     order.Type,
		"status":   order.Status,
		"filled":   order.FilledQuantity.String(),
	})
}

// PriceTick logs a market-data refresh at debug level to keep the log
// readable at the default level.
func (n *LogNotifier) PriceTick(ctx context.Context, quotes []ports.Quote) {
	n.logger.Debug(ctx, "Price tick", map[string]interface{}{
		"symbols": len(quotes),
	})
}
