package alpaca

import (
	"context"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"go.uber.org/zap"

	"options_watcher/internal/models"
)

// OrderUpdateHandler receives every order event pushed by the broker.
type OrderUpdateHandler func(accountID string, event string, order models.Order)

const (
	streamMinBackoff = time.Second
	streamMaxBackoff = time.Minute
)

// StreamOrderUpdates follows the account's trade-update stream until ctx
// ends, reconnecting with exponential backoff. Tracked-order polling stays
// in place; the stream only makes status changes visible sooner.
func (p *Provider) StreamOrderUpdates(ctx context.Context, accountID string, handler OrderUpdateHandler) error {
	c, err := p.client(accountID)
	if err != nil {
		return err
	}
	logger := p.logger.With(zap.String("account", accountID))

	onUpdate := func(u alpaca.TradeUpdate) {
		o := mapOrder(&u.Order)
		if o == nil {
			return
		}
		logger.Debug("trade update", zap.String("event", u.Event), zap.String("order_id", o.ID), zap.String("status", o.Status))
		handler(accountID, u.Event, *o)
	}

	backoff := streamMinBackoff
	for ctx.Err() == nil {
		logger.Info("connecting to trade update stream")
		started := time.Now()
		err := c.trade.StreamTradeUpdates(ctx, onUpdate, alpaca.StreamTradeUpdatesRequest{})
		if ctx.Err() != nil {
			break
		}
		logger.Warn("trade update stream closed", zap.Error(err))

		// a connection that lasted resets the backoff
		if time.Since(started) > streamMaxBackoff {
			backoff = streamMinBackoff
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > streamMaxBackoff {
			backoff = streamMaxBackoff
		}
	}
	logger.Info("trade update stream stopped")
	return nil
}
