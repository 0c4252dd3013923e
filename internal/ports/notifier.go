package ports

import (
	"context"

	"cryptobroker/internal/domain"
)

// Notifier is the fire-and-forget sink for user-visible events. Failures
// are logged by implementations and must never block or roll back the
// operation that triggered them.
type Notifier interface {
	// TransactionCompleted announces a transaction reaching COMPLETED.
	TransactionCompleted(ctx context.Context, tx *domain.Transaction)
	// OrderUpdated announces an order status or fill-progress change.
	OrderUpdated(ctx context.Context, order *domain.Order)
	// PriceTick announces refreshed market data.
	PriceTick(ctx context.Context, quotes []Quote)
}
