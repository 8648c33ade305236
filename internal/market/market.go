package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"options_watcher/internal/models"
)

var (
	ErrUnknownAccount    = errors.New("unknown account")
	ErrInvalidOCCSymbol  = errors.New("invalid OCC option symbol")
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrOrderNotSubmitted = errors.New("order not accepted by broker")
)

// FillSource supplies the raw fill rows the reconciler rebuilds from.
type FillSource interface {
	FetchFills(ctx context.Context, accountID string, since time.Time) ([]models.FillRow, error)
}

// BrokerSnapshot reports what the broker currently holds and prices it.
type BrokerSnapshot interface {
	FetchOpenPositions(ctx context.Context, accountID string) ([]models.BrokerPosition, error)
	// FetchMarkPrice returns the current per-contract price. A zero price is
	// treated as unavailable by callers.
	FetchMarkPrice(ctx context.Context, accountID, instrumentID string) (decimal.Decimal, error)
}

// OrderGateway submits and manages exit orders.
type OrderGateway interface {
	SubmitClose(ctx context.Context, accountID string, pos models.LongPosition, limitPrice decimal.Decimal) (models.OrderResult, error)
	SubmitTrailingStop(ctx context.Context, accountID string, pos models.LongPosition, limitPrice, stopPrice decimal.Decimal) (models.OrderResult, error)
	Cancel(ctx context.Context, accountID, orderID string) error
	GetOrderStatus(ctx context.Context, accountID, orderID string) (*models.Order, error)
}

// Clock reports time and market session state.
type Clock interface {
	Now() time.Time
	IsMarketOpen(t time.Time) bool
}
