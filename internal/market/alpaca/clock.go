package alpaca

import (
	"context"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"go.uber.org/zap"

	"options_watcher/internal/market"
)

const clockTTL = time.Minute

// BrokerClock asks Alpaca whether the market is open, which covers exchange
// holidays and early closes. The answer is cached for a minute and refreshed
// in the background, so callers never wait on the network; until the first
// answer arrives, or when the broker cannot be reached, the weekday calendar
// decides.
type BrokerClock struct {
	fetch    func() (*alpaca.Clock, error)
	fallback *market.Calendar
	timeout  time.Duration
	logger   *zap.Logger

	mu         sync.Mutex
	refreshing bool
	checkedAt  time.Time
	open       bool
	nextOpen   time.Time
	nextClose  time.Time
}

var _ market.Clock = (*BrokerClock)(nil)

// NewBrokerClock uses creds for the clock endpoint.
func NewBrokerClock(creds Credentials, fallback *market.Calendar, timeout time.Duration, logger *zap.Logger) *BrokerClock {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
		BaseURL:   creds.BaseURL,
	})
	return newBrokerClock(client.GetClock, fallback, timeout, logger)
}

func newBrokerClock(fetch func() (*alpaca.Clock, error), fallback *market.Calendar, timeout time.Duration, logger *zap.Logger) *BrokerClock {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BrokerClock{
		fetch:    fetch,
		fallback: fallback,
		timeout:  timeout,
		logger:   logger,
	}
}

func (b *BrokerClock) Now() time.Time {
	return b.fallback.Now()
}

// IsMarketOpen answers from the cached broker clock. A stale cache starts
// one background refresh and answers from what is known meanwhile.
func (b *BrokerClock) IsMarketOpen(t time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	fresh := !b.checkedAt.IsZero() && t.Sub(b.checkedAt) < clockTTL && !t.Before(b.checkedAt)
	if !fresh && !b.refreshing {
		b.refreshing = true
		go b.refresh(t)
	}
	if b.checkedAt.IsZero() {
		return b.fallback.IsMarketOpen(t)
	}
	return b.openAt(t)
}

func (b *BrokerClock) refresh(t time.Time) {
	c, err := call(context.Background(), b.timeout, b.fetch)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshing = false
	if err != nil || c == nil {
		b.logger.Warn("broker clock unavailable, using calendar", zap.Error(err))
		// forget the old answer so the calendar decides until the broker is back
		b.checkedAt = time.Time{}
		return
	}
	b.checkedAt = t
	b.open = c.IsOpen
	b.nextOpen = c.NextOpen
	b.nextClose = c.NextClose
}

// openAt answers from the cached clock, flipping at the next session boundary.
func (b *BrokerClock) openAt(t time.Time) bool {
	if b.open && !b.nextClose.IsZero() && !t.Before(b.nextClose) {
		return false
	}
	if !b.open && !b.nextOpen.IsZero() && !t.Before(b.nextOpen) {
		return true
	}
	return b.open
}
