package alpaca

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_watcher/internal/market"
	"options_watcher/internal/models"
	"options_watcher/internal/reconcile"
)

func ev(id string, minute int, symbol, side, qty, price string) fillEvent {
	return fillEvent{
		ID:     id,
		Time:   time.Date(2025, 3, 3, 15, minute, 0, 0, time.UTC),
		Symbol: symbol,
		Side:   side,
		Qty:    decimal.RequireFromString(qty),
		Price:  decimal.RequireFromString(price),
	}
}

func TestFillsFromEvents_LongRoundTrip(t *testing.T) {
	events := []fillEvent{
		ev("3", 30, "AAPL250620C00150000", "sell", "2", "3.10"),
		ev("1", 10, "AAPL250620C00150000", "buy", "1", "2.00"),
		ev("2", 20, "AAPL250620C00150000", "buy", "1", "2.20"),
		ev("x", 15, "AAPL", "buy", "10", "180.00"),
	}

	rows, skipped := fillsFromEvents("ACC1", events, nil)
	assert.Equal(t, 1, skipped)
	require.Len(t, rows, 3)

	assert.Equal(t, "1", rows[0].ID)
	assert.Equal(t, string(models.EffectOpen), rows[0].Effect)
	assert.Equal(t, string(models.DirectionDebit), rows[0].Direction)
	assert.Equal(t, "long_call", rows[0].StrategyTag)
	assert.Equal(t, "AAPL", rows[0].Symbol)
	assert.Equal(t, "AAPL250620C00150000", rows[0].InstrumentGroupKey)
	assert.Equal(t, "2025-06-20", rows[0].ExpirationDate)
	assert.Equal(t, "150.00", rows[0].StrikeDescriptor)
	assert.Equal(t, "-200", rows[0].Premium)
	assert.Equal(t, "2025-03-03T15:10:00Z", rows[0].Timestamp)

	last := rows[2]
	assert.Equal(t, string(models.EffectClose), last.Effect)
	assert.Equal(t, string(models.DirectionCredit), last.Direction)
	assert.Equal(t, "long_call", last.StrategyTag)
	assert.Equal(t, "620", last.Premium)
}

func TestFillsFromEvents_ShortPut(t *testing.T) {
	open := ev("1", 0, "SPY250321P00500000", "sell", "1", "4.00")
	open.Intent = alpaca.SellToOpen
	rows, _ := fillsFromEvents("ACC1", []fillEvent{
		open,
		ev("2", 5, "SPY250321P00500000", "buy", "1", "1.00"),
	}, nil)
	require.Len(t, rows, 2)
	assert.Equal(t, string(models.EffectOpen), rows[0].Effect)
	assert.Equal(t, string(models.DirectionCredit), rows[0].Direction)
	assert.Equal(t, "short_put", rows[0].StrategyTag)
	assert.Equal(t, "400", rows[0].Premium)
	assert.Equal(t, string(models.EffectClose), rows[1].Effect)
	assert.Equal(t, "short_put", rows[1].StrategyTag)
	assert.Equal(t, "-100", rows[1].Premium)
}

func TestFillsFromEvents_IntentOverridesNetQuantity(t *testing.T) {
	// a long opened and closed against an existing short would look like a
	// cover without the intent
	first := ev("1", 0, "AAPL250620C00150000", "sell", "1", "2.00")
	first.Intent = alpaca.SellToOpen
	second := ev("2", 5, "AAPL250620C00150000", "buy", "1", "1.00")
	second.Intent = alpaca.BuyToOpen

	rows, _ := fillsFromEvents("ACC1", []fillEvent{first, second}, nil)
	require.Len(t, rows, 2)
	assert.Equal(t, string(models.EffectOpen), rows[1].Effect)
	assert.Equal(t, "long_call", rows[1].StrategyTag)
}

func TestFillsFromEvents_CloseBeforeWindowIsOrphaned(t *testing.T) {
	// the opening buy predates the history start
	rows, skipped := fillsFromEvents("ACC1", []fillEvent{
		ev("1", 0, "AAPL250620C00150000", "sell", "2", "3.10"),
		ev("2", 10, "AAPL250620C00150000", "buy", "1", "1.00"),
	}, nil)
	require.Zero(t, skipped)
	require.Len(t, rows, 2)
	assert.Equal(t, string(models.EffectClose), rows[0].Effect)
	assert.Equal(t, string(models.DirectionCredit), rows[0].Direction)
	assert.Equal(t, "long_call", rows[0].StrategyTag)
	assert.Equal(t, string(models.EffectOpen), rows[1].Effect, "net stays at zero after the orphaned close")

	after := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	res := reconcile.New(nil, time.UTC).WithClock(func() time.Time { return after }).Rebuild(rows[:1])
	require.Len(t, res.Positions, 1)
	p := res.Positions[0]
	assert.Equal(t, models.StatusOrphaned, p.Status)
	assert.False(t, p.NetCredit.Valid)
}

func TestFillsFromEvents_SellOfHeldShortOpens(t *testing.T) {
	rows, _ := fillsFromEvents("ACC1", []fillEvent{
		ev("1", 0, "SPY250321P00500000", "sell", "1", "4.00"),
	}, map[string]bool{"SPY250321P00500000": true})
	require.Len(t, rows, 1)
	assert.Equal(t, string(models.EffectOpen), rows[0].Effect)
	assert.Equal(t, "short_put", rows[0].StrategyTag)
}

func TestMidPrice(t *testing.T) {
	assert.Equal(t, "1.25", midPrice(1.2, 1.3).String())
	assert.Equal(t, "0.5", midPrice(0, 0.5).String())
	assert.Equal(t, "0.4", midPrice(0.4, 0).String())
	assert.True(t, midPrice(0, 0).IsZero())
}

func TestMapOrder(t *testing.T) {
	assert.Nil(t, mapOrder(nil))

	qty := decimal.NewFromInt(2)
	avg := decimal.RequireFromString("1.55")
	filled := time.Date(2025, 3, 3, 16, 0, 0, 0, time.UTC)
	o := mapOrder(&alpaca.Order{
		ID:             "o1",
		Symbol:         "AAPL250620C00150000",
		Qty:            &qty,
		FilledQty:      qty,
		FilledAvgPrice: &avg,
		Type:           alpaca.StopLimit,
		Side:           alpaca.Sell,
		Status:         "filled",
		FilledAt:       &filled,
	})
	require.NotNil(t, o)
	assert.True(t, o.Qty.Equal(qty))
	assert.True(t, o.FilledAvgPrice.Equal(avg))
	assert.Equal(t, "stop_limit", o.Type)
	assert.Equal(t, "sell", o.Side)
	assert.True(t, models.IsTerminalOrderStatus(o.Status))
	assert.Empty(t, o.ReplacedBy)

	next := "o2"
	replaced := mapOrder(&alpaca.Order{ID: "o1", Status: "replaced", ReplacedBy: &next})
	assert.Equal(t, "o2", replaced.ReplacedBy)
}

func TestCall_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := call(context.Background(), 20*time.Millisecond, func() (int, error) {
		<-release
		return 1, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	v, err := call(context.Background(), time.Second, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = call(context.Background(), time.Second, func() (int, error) { return 0, errors.New("boom") })
	assert.EqualError(t, err, "boom")
}

func TestProvider_UnknownAccount(t *testing.T) {
	p := NewProvider(nil, time.Second, nil)
	_, err := p.FetchOpenPositions(context.Background(), "missing")
	assert.ErrorIs(t, err, market.ErrUnknownAccount)
	_, err = p.FetchMarkPrice(context.Background(), "missing", "AAPL250620C00150000")
	assert.ErrorIs(t, err, market.ErrUnknownAccount)
	assert.ErrorIs(t, p.Cancel(context.Background(), "missing", "o1"), market.ErrUnknownAccount)
}
