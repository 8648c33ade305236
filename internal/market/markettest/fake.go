// Package markettest provides in-memory broker fakes for tests.
package markettest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"options_watcher/internal/market"
	"options_watcher/internal/models"
)

// SubmittedOrder records an order the fake accepted.
type SubmittedOrder struct {
	AccountID  string
	Symbol     string
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	Kind       models.OrderKind
}

// Broker is a thread-safe fake implementing FillSource, BrokerSnapshot and
// OrderGateway.
type Broker struct {
	mu sync.Mutex

	fills     map[string][]models.FillRow
	positions map[string][]models.BrokerPosition
	prices    map[string]decimal.Decimal
	orders    map[string]*models.Order
	submitted []SubmittedOrder
	canceled  []string

	PositionsErr error
	FillsErr     error
	PriceErr     error
	SubmitErr    error
	RejectOrders bool

	positionCalls map[string]int
	priceCalls    int
	nextID        int
}

var (
	_ market.FillSource     = (*Broker)(nil)
	_ market.BrokerSnapshot = (*Broker)(nil)
	_ market.OrderGateway   = (*Broker)(nil)
)

func NewBroker() *Broker {
	return &Broker{
		fills:         make(map[string][]models.FillRow),
		positions:     make(map[string][]models.BrokerPosition),
		prices:        make(map[string]decimal.Decimal),
		orders:        make(map[string]*models.Order),
		positionCalls: make(map[string]int),
	}
}

// LongOption builds a long broker position for an OCC symbol.
func LongOption(symbol string, qty int64, costBasis string) models.BrokerPosition {
	cost := decimal.RequireFromString(costBasis)
	q := decimal.NewFromInt(qty)
	return models.BrokerPosition{
		AssetID:       "asset-" + symbol,
		Symbol:        symbol,
		AssetClass:    "us_option",
		Side:          "long",
		Qty:           q,
		CostBasis:     cost,
		AvgEntryPrice: cost.Div(q.Mul(models.ContractMultiplier)),
	}
}

func (b *Broker) SetPositions(accountID string, positions ...models.BrokerPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[accountID] = append([]models.BrokerPosition(nil), positions...)
}

func (b *Broker) SetFills(accountID string, rows ...models.FillRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fills[accountID] = append([]models.FillRow(nil), rows...)
}

func (b *Broker) SetPrice(instrumentID, price string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[instrumentID] = decimal.RequireFromString(price)
}

// SetOrderStatus changes the broker-side status of a submitted order.
func (b *Broker) SetOrderStatus(orderID, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orders[orderID]; ok {
		o.Status = status
	}
}

// ReplaceOrder marks orderID replaced by a working copy under newID.
func (b *Broker) ReplaceOrder(orderID, newID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return
	}
	next := *o
	next.ID = newID
	next.Status = "new"
	b.orders[newID] = &next
	o.Status = "replaced"
	o.ReplacedBy = newID
}

// SetPositionsErr sets PositionsErr under the lock, for use while a
// monitor goroutine is polling.
func (b *Broker) SetPositionsErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PositionsErr = err
}

func (b *Broker) SetPriceErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PriceErr = err
}

func (b *Broker) SetSubmitErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SubmitErr = err
}

func (b *Broker) Submitted() []SubmittedOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SubmittedOrder(nil), b.submitted...)
}

func (b *Broker) Canceled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.canceled...)
}

func (b *Broker) PositionCalls(accountID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positionCalls[accountID]
}

func (b *Broker) PriceCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.priceCalls
}

func (b *Broker) FetchFills(ctx context.Context, accountID string, since time.Time) ([]models.FillRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FillsErr != nil {
		return nil, b.FillsErr
	}
	return append([]models.FillRow(nil), b.fills[accountID]...), nil
}

func (b *Broker) FetchOpenPositions(ctx context.Context, accountID string) ([]models.BrokerPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positionCalls[accountID]++
	if b.PositionsErr != nil {
		return nil, b.PositionsErr
	}
	return append([]models.BrokerPosition(nil), b.positions[accountID]...), nil
}

func (b *Broker) FetchMarkPrice(ctx context.Context, accountID, instrumentID string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.priceCalls++
	if b.PriceErr != nil {
		return decimal.Zero, b.PriceErr
	}
	p, ok := b.prices[instrumentID]
	if !ok {
		return decimal.Zero, market.ErrPriceUnavailable
	}
	return p, nil
}

func (b *Broker) submit(accountID string, pos models.LongPosition, limit, stop decimal.Decimal, kind models.OrderKind) (models.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SubmitErr != nil {
		return models.OrderResult{}, b.SubmitErr
	}
	if b.RejectOrders {
		return models.OrderResult{Success: false, Error: "rejected by fake"}, nil
	}
	b.nextID++
	id := fmt.Sprintf("order-%d", b.nextID)
	b.orders[id] = &models.Order{
		ID:     id,
		Symbol: pos.InstrumentID(),
		Qty:    pos.Quantity,
		Type:   string(kind),
		Side:   "sell",
		Status: "new",
	}
	b.submitted = append(b.submitted, SubmittedOrder{
		AccountID:  accountID,
		Symbol:     pos.InstrumentID(),
		Quantity:   pos.Quantity,
		LimitPrice: limit,
		StopPrice:  stop,
		Kind:       kind,
	})
	return models.OrderResult{Success: true, OrderID: id}, nil
}

func (b *Broker) SubmitClose(ctx context.Context, accountID string, pos models.LongPosition, limitPrice decimal.Decimal) (models.OrderResult, error) {
	return b.submit(accountID, pos, limitPrice, decimal.Zero, models.OrderKindClose)
}

func (b *Broker) SubmitTrailingStop(ctx context.Context, accountID string, pos models.LongPosition, limitPrice, stopPrice decimal.Decimal) (models.OrderResult, error) {
	return b.submit(accountID, pos, limitPrice, stopPrice, models.OrderKindTrailingStop)
}

func (b *Broker) Cancel(ctx context.Context, accountID, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	o.Status = "canceled"
	b.canceled = append(b.canceled, orderID)
	return nil
}

func (b *Broker) GetOrderStatus(ctx context.Context, accountID, orderID string) (*models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	cp := *o
	return &cp, nil
}

// Clock is a settable market.Clock.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	open bool
}

var _ market.Clock = (*Clock)(nil)

func NewClock(now time.Time, open bool) *Clock {
	return &Clock{now: now, open: open}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) IsMarketOpen(time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Clock) SetOpen(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = open
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
