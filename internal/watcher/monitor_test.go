package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_watcher/internal/cache"
	"options_watcher/internal/market"
	"options_watcher/internal/market/markettest"
	"options_watcher/internal/models"
	"options_watcher/internal/telegram"
)

const (
	acct    = "ACC1"
	aaplOCC = "AAPL250620C00150000"
	msftOCC = "MSFT250620P00400000"
)

var t0 = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fastIntervals() Intervals {
	return Intervals{
		Fast:            5 * time.Millisecond,
		OpenReconcile:   time.Minute,
		ClosedCheck:     5 * time.Millisecond,
		ClosedReconcile: 5 * time.Minute,
		ErrorBackoff:    5 * time.Millisecond,
	}
}

// spyHandler records triggers; it panics once when panicNext is set.
type spyHandler struct {
	mu        sync.Mutex
	triggers  []cache.Trigger
	panicNext bool
}

func (h *spyHandler) HandleTrigger(_ context.Context, _ string, t cache.Trigger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panicNext {
		h.panicNext = false
		panic("handler exploded")
	}
	h.triggers = append(h.triggers, t)
}

func (h *spyHandler) count(kind cache.TriggerKind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, t := range h.triggers {
		if t.Kind == kind {
			n++
		}
	}
	return n
}

// spyNotifier records outbound messages.
type spyNotifier struct {
	mu          sync.Mutex
	messages    []string
	interactive []spyAlert
}

type spyAlert struct {
	text    string
	buttons []telegram.Button
}

func (n *spyNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	return nil
}

func (n *spyNotifier) SendInteractive(_ context.Context, text string, buttons []telegram.Button) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interactive = append(n.interactive, spyAlert{text: text, buttons: buttons})
	return nil
}

func (n *spyNotifier) alerts() []spyAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]spyAlert(nil), n.interactive...)
}

func (n *spyNotifier) notes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func newFixture(t *testing.T, open bool) (*cache.PositionCache, *markettest.Broker, *markettest.Clock) {
	t.Helper()
	b := markettest.NewBroker()
	clock := markettest.NewClock(t0, open)
	c := cache.New(b, cache.WithGateway(b), cache.WithClock(clock.Now), cache.WithCallTimeout(time.Second))
	return c, b, clock
}

// runMonitor starts m and returns a stop function that waits for Run.
func runMonitor(t *testing.T, m *AccountMonitor) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	t.Cleanup(cancel)
	return func() error {
		cancel()
		select {
		case err := <-errc:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("monitor did not stop")
			return nil
		}
	}
}

func TestMonitor_ExitsWhenNoPositions(t *testing.T) {
	c, _, clock := newFixture(t, true)
	m := NewAccountMonitor(acct, c, clock, nil, fastIntervals(), nil)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor should exit with nothing to monitor")
	}
	assert.Equal(t, StateIdle, m.Status().State)
	select {
	case <-m.Loaded():
	default:
		t.Fatal("loaded channel not closed")
	}
}

func TestMonitor_TrailingStopFiresOnDrop(t *testing.T) {
	c, b, clock := newFixture(t, true)
	b.SetPositions(acct, markettest.LongOption(aaplOCC, 1, "1000"))
	b.SetPrice(aaplOCC, "10")
	h := &spyHandler{}
	m := NewAccountMonitor(acct, c, clock, h, fastIntervals(), nil)
	stop := runMonitor(t, m)

	<-m.Loaded()
	_, err := c.EnableTrailingStop(context.Background(), acct, aaplOCC, d("20"))
	require.NoError(t, err)

	b.SetPrice(aaplOCC, "12")
	require.Eventually(t, func() bool {
		p, err := c.Position(acct, aaplOCC)
		return err == nil && p.TrailingStop.HighestPriceSeen.Equal(d("12"))
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.count(cache.TriggerTrailingStop))

	// 9 <= 12 * 0.8
	b.SetPrice(aaplOCC, "9")
	require.Eventually(t, func() bool { return h.count(cache.TriggerTrailingStop) > 0 }, 2*time.Second, 5*time.Millisecond)

	p, err := c.Position(acct, aaplOCC)
	require.NoError(t, err)
	assert.True(t, p.TrailingStop.Triggered)
	assert.True(t, p.TrailingStop.TriggerPrice.Equal(d("9.6")))
	assert.NoError(t, stop())
	assert.Equal(t, StateStopped, m.Status().State)
}

func TestMonitor_ClosedMarketSkipsPricing(t *testing.T) {
	c, b, clock := newFixture(t, false)
	b.SetPositions(acct, markettest.LongOption(aaplOCC, 1, "200"))
	b.SetPrice(aaplOCC, "2")
	m := NewAccountMonitor(acct, c, clock, nil, fastIntervals(), nil)
	stop := runMonitor(t, m)

	require.Eventually(t, func() bool { return m.Status().Iterations >= 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, b.PriceCalls())
	assert.Equal(t, 1, b.PositionCalls(acct))

	// closed-session reconcile still happens on its slower cadence
	clock.Advance(6 * time.Minute)
	require.Eventually(t, func() bool { return b.PositionCalls(acct) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, b.PriceCalls())
	assert.NoError(t, stop())
}

func TestMonitor_ReconcilePicksUpNewPositions(t *testing.T) {
	c, b, clock := newFixture(t, true)
	b.SetPositions(acct, markettest.LongOption(aaplOCC, 1, "200"))
	b.SetPrice(aaplOCC, "2")
	b.SetPrice(msftOCC, "5")
	m := NewAccountMonitor(acct, c, clock, nil, fastIntervals(), nil)
	stop := runMonitor(t, m)

	<-m.Loaded()
	_, err := c.SetTakeProfit(context.Background(), acct, aaplOCC, d("50"))
	require.NoError(t, err)

	b.SetPositions(acct,
		markettest.LongOption(aaplOCC, 1, "200"),
		markettest.LongOption(msftOCC, 1, "500"),
	)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.Count(acct), "reconcile must wait for its interval")

	clock.Advance(61 * time.Second)
	require.Eventually(t, func() bool { return c.Count(acct) == 2 }, 2*time.Second, 5*time.Millisecond)

	p, err := c.Position(acct, aaplOCC)
	require.NoError(t, err)
	assert.True(t, p.TakeProfit.Enabled, "risk state survives the merge")
	assert.NoError(t, stop())
}

func TestMonitor_ErrorsDoNotStopTheLoop(t *testing.T) {
	c, b, clock := newFixture(t, true)
	b.SetPositions(acct, markettest.LongOption(aaplOCC, 1, "200"))
	b.PositionsErr = errors.New("broker unavailable")
	h := &spyHandler{panicNext: true}
	m := NewAccountMonitor(acct, c, clock, h, fastIntervals(), nil)
	stop := runMonitor(t, m)

	// initial load keeps retrying
	require.Eventually(t, func() bool { return b.PositionCalls(acct) >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateInitializing, m.Status().State)
	b.SetPositionsErr(nil)
	<-m.Loaded()

	b.SetPrice(aaplOCC, "1")
	_, err := c.SetTakeProfit(context.Background(), acct, aaplOCC, d("10"))
	require.NoError(t, err)

	// price fetch failures are retried
	b.SetPriceErr(errors.New("quote timeout"))
	require.Eventually(t, func() bool { return m.Status().LastError != "" }, 2*time.Second, 5*time.Millisecond)
	b.SetPriceErr(nil)

	// +50%: the first trigger panics inside the handler, later ones arrive
	b.SetPrice(aaplOCC, "3")
	require.Eventually(t, func() bool { return h.count(cache.TriggerTakeProfit) > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, m.Status().State)
	assert.NoError(t, stop())
}

func TestMonitor_UnknownAccountFails(t *testing.T) {
	b := markettest.NewBroker()
	clock := markettest.NewClock(t0, true)
	c := cache.New(unknownSnapshot{b}, cache.WithClock(clock.Now))
	m := NewAccountMonitor("nope", c, clock, nil, fastIntervals(), nil)

	err := m.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateStopped, m.Status().State)
}

// unknownSnapshot rejects every account.
type unknownSnapshot struct{ *markettest.Broker }

func (unknownSnapshot) FetchOpenPositions(context.Context, string) ([]models.BrokerPosition, error) {
	return nil, market.ErrUnknownAccount
}
