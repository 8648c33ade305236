package watcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_watcher/internal/cache"
	"options_watcher/internal/market/markettest"
	"options_watcher/internal/reconcile"
)

type stubReporter struct {
	summary reconcile.Summary
	days    []reconcile.DailyPnL
}

func (s *stubReporter) Summary(context.Context, string) (reconcile.Summary, error) {
	return s.summary, nil
}

func (s *stubReporter) DailyPnL(context.Context, string, string, string) ([]reconcile.DailyPnL, error) {
	return s.days, nil
}

func newCommands(t *testing.T) (*Commands, *cache.PositionCache, *markettest.Broker, *int) {
	t.Helper()
	c, b, clock := newFixture(t, true)
	b.SetPositions(acct,
		markettest.LongOption(aaplOCC, 2, "400"),
		markettest.LongOption(msftOCC, 1, "500"),
	)
	b.SetPrice(aaplOCC, "3")
	b.SetPrice(msftOCC, "4")
	_, err := c.LoadPositionsForAccount(context.Background(), acct)
	require.NoError(t, err)

	saves := new(int)
	mgr := NewManager(c, clock, nil, fastIntervals(), nil)
	rep := &stubReporter{
		summary: reconcile.Summary{ClosedPnL: d("120"), ExpiredPnL: d("-50"), ClosedCount: 3, ExpiredCount: 1, OpenCount: 2, OpenValue: d("900")},
		days:    []reconcile.DailyPnL{{Date: "2025-03-07", PnL: d("80"), PositionCount: 1}},
	}
	cmds := NewCommands(c, mgr, nil, rep, func() { *saves++ }, clock, CommandsConfig{
		DefaultTrailingStopPct: 20,
		DefaultTakeProfitPct:   50,
	})
	return cmds, c, b, saves
}

func TestHandleCommand_Basics(t *testing.T) {
	cmds, _, _, _ := newCommands(t)
	ctx := context.Background()

	assert.Equal(t, "Pong 🏓", cmds.Handle(ctx, "/ping"))
	assert.Equal(t, "Pong 🏓", cmds.Handle(ctx, "/ping@options_bot"))
	assert.Equal(t, "", cmds.Handle(ctx, "   "))
	assert.Contains(t, cmds.Handle(ctx, "/bogus"), "Unknown command")
	assert.Contains(t, cmds.Handle(ctx, "/help"), "/trail <acct> <symbol> [pct]")
	assert.Contains(t, cmds.Handle(ctx, "/status"), "Market: OPEN")
	assert.Contains(t, cmds.Handle(ctx, "/trail"), "Usage")
	assert.Contains(t, cmds.Handle(ctx, "/positions NOPE"), "Unknown account")
}

func TestHandleCommand_RiskConfiguration(t *testing.T) {
	cmds, c, _, saves := newCommands(t)
	ctx := context.Background()

	// underlying symbol resolves when unique, default percent applies
	reply := cmds.Handle(ctx, "/trail ACC1 aapl")
	assert.Contains(t, reply, "Trailing stop 20% on "+aaplOCC)
	assert.Contains(t, reply, "trigger $2.40")

	reply = cmds.Handle(ctx, "/trail ACC1 "+msftOCC+" 15%")
	assert.Contains(t, reply, "Trailing stop 15%")
	assert.Contains(t, cmds.Handle(ctx, "/trail ACC1 aapl 150"), "Error")

	reply = cmds.Handle(ctx, "/tp ACC1 AAPL 60")
	assert.Contains(t, reply, "Take profit 60%")
	assert.Contains(t, reply, "current P&L 50.00%")

	positions := cmds.Handle(ctx, "/positions ACC1")
	assert.Contains(t, positions, "TS 20%: HWM $3.00, trigger $2.40 (armed)")
	assert.Contains(t, positions, "TP 60% (waiting)")

	assert.Contains(t, cmds.Handle(ctx, "/untrail ACC1 AAPL"), "disabled")
	assert.Contains(t, cmds.Handle(ctx, "/tp ACC1 AAPL off"), "disabled")
	p, err := c.Position(acct, aaplOCC)
	require.NoError(t, err)
	assert.False(t, p.TrailingStop.Enabled)
	assert.False(t, p.TakeProfit.Enabled)

	assert.Contains(t, cmds.Handle(ctx, "/untrail ACC1 TSLA"), "Position not found")
	assert.Equal(t, 5, *saves)
}

func TestHandleCommand_OrdersAndCancel(t *testing.T) {
	cmds, c, b, saves := newCommands(t)
	ctx := context.Background()

	assert.Contains(t, cmds.Handle(ctx, "/orders ACC1"), "No tracked orders")

	_, err := c.EnableTrailingStop(ctx, acct, aaplOCC, d("20"))
	require.NoError(t, err)
	order, err := c.SubmitTrailingStopOrder(ctx, acct, aaplOCC)
	require.NoError(t, err)

	list := cmds.Handle(ctx, "/orders ACC1")
	assert.Contains(t, list, order.OrderID)
	assert.Contains(t, list, "stop_limit")

	reply := cmds.Handle(ctx, "/cancel ACC1 "+order.OrderID)
	assert.Contains(t, reply, "cancelled")
	assert.Equal(t, []string{order.OrderID}, b.Canceled())
	assert.Equal(t, 1, *saves)

	p, err := c.Position(acct, aaplOCC)
	require.NoError(t, err)
	assert.False(t, p.TrailingStop.OrderSubmitted, "cancel re-arms the trailing stop")

	assert.True(t, strings.HasPrefix(cmds.Handle(ctx, "/cancel ACC1 missing"), "⚠️"))
}

func TestHandleCommand_PnL(t *testing.T) {
	cmds, _, _, _ := newCommands(t)
	reply := cmds.Handle(context.Background(), "/pnl ACC1")

	assert.Contains(t, reply, "Closed: $120.00 (3)")
	assert.Contains(t, reply, "Expired: $-50.00 (1)")
	assert.Contains(t, reply, "Total realized: $70.00")
	assert.Contains(t, reply, "• 2025-03-07: $80.00 (1)")
}
