package alpaca

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"options_watcher/internal/market"
	"options_watcher/internal/models"
)

// Credentials identify one Alpaca account.
type Credentials struct {
	AccountID string
	APIKey    string
	APISecret string
	BaseURL   string
}

type accountClient struct {
	trade *alpaca.Client
	data  *marketdata.Client
}

// Provider implements FillSource, BrokerSnapshot and OrderGateway on top of
// one Alpaca client pair per account.
type Provider struct {
	mu      sync.RWMutex
	clients map[string]*accountClient
	timeout time.Duration
	logger  *zap.Logger
}

// Ensure Provider implements the interfaces
var (
	_ market.FillSource     = (*Provider)(nil)
	_ market.BrokerSnapshot = (*Provider)(nil)
	_ market.OrderGateway   = (*Provider)(nil)
)

// NewProvider returns a Provider with a client pair for every account.
func NewProvider(accounts []Credentials, timeout time.Duration, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := &Provider{
		clients: make(map[string]*accountClient, len(accounts)),
		timeout: timeout,
		logger:  logger,
	}
	for _, a := range accounts {
		p.AddAccount(a)
	}
	return p
}

// AddAccount registers (or replaces) an account's clients.
func (p *Provider) AddAccount(c Credentials) {
	client := &accountClient{
		trade: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    c.APIKey,
			APISecret: c.APISecret,
			BaseURL:   c.BaseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    c.APIKey,
			APISecret: c.APISecret,
		}),
	}
	p.mu.Lock()
	p.clients[c.AccountID] = client
	p.mu.Unlock()
}

func (p *Provider) client(accountID string) (*accountClient, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", market.ErrUnknownAccount, accountID)
	}
	return c, nil
}

// call runs a blocking SDK call, giving up when ctx or the provider timeout
// expires. The SDK takes no context, so an abandoned call finishes in the
// background and its result is dropped.
func call[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// --- Snapshot ---

func (p *Provider) FetchOpenPositions(ctx context.Context, accountID string) ([]models.BrokerPosition, error) {
	c, err := p.client(accountID)
	if err != nil {
		return nil, err
	}
	raw, err := call(ctx, p.timeout, c.trade.GetPositions)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	out := make([]models.BrokerPosition, 0, len(raw))
	for _, x := range raw {
		out = append(out, mapPosition(x))
	}
	return out, nil
}

func (p *Provider) FetchMarkPrice(ctx context.Context, accountID, instrumentID string) (decimal.Decimal, error) {
	c, err := p.client(accountID)
	if err != nil {
		return decimal.Zero, err
	}

	q, err := call(ctx, p.timeout, func() (*marketdata.OptionQuote, error) {
		return c.data.GetLatestOptionQuote(instrumentID, marketdata.GetLatestOptionQuoteRequest{})
	})
	if err == nil && q != nil {
		if mid := midPrice(q.BidPrice, q.AskPrice); mid.IsPositive() {
			return mid, nil
		}
	}

	tr, err := call(ctx, p.timeout, func() (*marketdata.OptionTrade, error) {
		return c.data.GetLatestOptionTrade(instrumentID, marketdata.GetLatestOptionTradeRequest{})
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("latest trade %s: %w", instrumentID, err)
	}
	if tr == nil || tr.Price <= 0 {
		return decimal.Zero, market.ErrPriceUnavailable
	}
	return decimal.NewFromFloat(tr.Price), nil
}

// midPrice is the bid/ask midpoint, or the single positive side.
func midPrice(bid, ask float64) decimal.Decimal {
	switch {
	case bid > 0 && ask > 0:
		return decimal.NewFromFloat(bid).Add(decimal.NewFromFloat(ask)).Div(decimal.NewFromInt(2)).Round(4)
	case ask > 0:
		return decimal.NewFromFloat(ask)
	case bid > 0:
		return decimal.NewFromFloat(bid)
	}
	return decimal.Zero
}

// --- Fills ---

const activityPageSize = 100

// FetchFills pages through FILL activities since the given time and turns
// option fills into fill rows ordered by time. Open/close effect comes from
// the position intent of each fill's order when the broker reports one.
func (p *Provider) FetchFills(ctx context.Context, accountID string, since time.Time) ([]models.FillRow, error) {
	c, err := p.client(accountID)
	if err != nil {
		return nil, err
	}

	var events []fillEvent
	token := ""
	for {
		req := alpaca.GetAccountActivitiesRequest{
			ActivityTypes: []string{"FILL"},
			After:         since,
			PageSize:      activityPageSize,
			PageToken:     token,
		}
		page, err := call(ctx, p.timeout, func() ([]alpaca.AccountActivity, error) {
			return c.trade.GetAccountActivities(req)
		})
		if err != nil {
			return nil, fmt.Errorf("account activities: %w", err)
		}
		for _, a := range page {
			events = append(events, fillEvent{
				ID:      a.ID,
				OrderID: a.OrderID,
				Time:    a.TransactionTime,
				Symbol:  a.Symbol,
				Side:    a.Side,
				Qty:     a.Qty,
				Price:   a.Price,
			})
		}
		if len(page) < activityPageSize {
			break
		}
		token = page[len(page)-1].ID
	}

	p.resolveIntents(ctx, c, accountID, events)
	rows, skipped := fillsFromEvents(accountID, events, p.heldShorts(ctx, accountID))
	if skipped > 0 {
		p.logger.Debug("ignored non-option fills", zap.String("account", accountID), zap.Int("count", skipped))
	}
	return rows, nil
}

// resolveIntents looks up the position intent of every option fill's order.
// Orders that cannot be fetched leave their fills to the quantity heuristic.
func (p *Provider) resolveIntents(ctx context.Context, c *accountClient, accountID string, events []fillEvent) {
	intents := make(map[string]alpaca.PositionIntent)
	for i := range events {
		ev := &events[i]
		if ev.OrderID == "" {
			continue
		}
		if _, err := market.ParseOCCSymbol(ev.Symbol); err != nil {
			continue
		}
		id := ev.OrderID
		intent, seen := intents[id]
		if !seen {
			o, err := call(ctx, p.timeout, func() (*alpaca.Order, error) {
				return c.trade.GetOrder(id)
			})
			if err != nil || o == nil {
				p.logger.Debug("order intent unavailable",
					zap.String("account", accountID), zap.String("order_id", id), zap.Error(err))
			} else {
				intent = o.PositionIntent
			}
			intents[id] = intent
		}
		ev.Intent = intent
	}
}

// heldShorts returns the contracts currently held short. A failed lookup
// yields an empty set.
func (p *Provider) heldShorts(ctx context.Context, accountID string) map[string]bool {
	positions, err := p.FetchOpenPositions(ctx, accountID)
	if err != nil {
		p.logger.Warn("open positions unavailable for fill classification", zap.String("account", accountID), zap.Error(err))
		return nil
	}
	out := make(map[string]bool)
	for _, pos := range positions {
		if strings.EqualFold(pos.Side, "short") || pos.Qty.IsNegative() {
			out[pos.Symbol] = true
		}
	}
	return out
}

type fillEvent struct {
	ID      string
	OrderID string
	Time    time.Time
	Symbol  string
	Side    string
	Intent  alpaca.PositionIntent
	Qty     decimal.Decimal
	Price   decimal.Decimal
}

// classifyFill decides open/close effect, cash direction and which side of
// the contract (long or short) the fill belongs to. The order's position
// intent wins; without it the running net quantity decides. A sell with
// nothing held closes a long opened before the history window, unless the
// broker currently holds the contract short.
func classifyFill(ev fillEvent, held decimal.Decimal, heldShort bool) (models.Effect, models.Direction, string) {
	switch ev.Intent {
	case alpaca.BuyToOpen:
		return models.EffectOpen, models.DirectionDebit, "long"
	case alpaca.BuyToClose:
		return models.EffectClose, models.DirectionDebit, "short"
	case alpaca.SellToOpen:
		return models.EffectOpen, models.DirectionCredit, "short"
	case alpaca.SellToClose:
		return models.EffectClose, models.DirectionCredit, "long"
	}

	if strings.EqualFold(ev.Side, "buy") {
		if held.IsNegative() {
			return models.EffectClose, models.DirectionDebit, "short"
		}
		return models.EffectOpen, models.DirectionDebit, "long"
	}
	switch {
	case held.IsPositive():
		return models.EffectClose, models.DirectionCredit, "long"
	case held.IsNegative(), heldShort:
		return models.EffectOpen, models.DirectionCredit, "short"
	}
	return models.EffectClose, models.DirectionCredit, "long"
}

// fillsFromEvents converts activities into fill rows. Premiums carry the
// cash sign: debits negative, credits positive.
func fillsFromEvents(accountID string, events []fillEvent, heldShort map[string]bool) ([]models.FillRow, int) {
	sorted := append([]fillEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	net := make(map[string]decimal.Decimal)
	rows := make([]models.FillRow, 0, len(sorted))
	skipped := 0
	for _, ev := range sorted {
		contract, err := market.ParseOCCSymbol(ev.Symbol)
		if err != nil || !ev.Qty.IsPositive() {
			skipped++
			continue
		}
		sym := contract.ContractSymbol
		held := net[sym]
		effect, direction, side := classifyFill(ev, held, heldShort[sym])

		// closes never flip the net past zero; the rest of the position
		// predates the window
		switch {
		case effect == models.EffectClose && side == "long":
			net[sym] = decimal.Max(held.Sub(ev.Qty), decimal.Zero)
		case effect == models.EffectClose:
			net[sym] = decimal.Min(held.Add(ev.Qty), decimal.Zero)
		case side == "long":
			net[sym] = held.Add(ev.Qty)
		default:
			net[sym] = held.Sub(ev.Qty)
		}

		premium := ev.Price.Mul(ev.Qty).Mul(models.ContractMultiplier)
		if direction == models.DirectionDebit {
			premium = premium.Neg()
		}

		rows = append(rows, models.FillRow{
			ID:                 ev.ID,
			AccountID:          accountID,
			InstrumentGroupKey: sym,
			Symbol:             contract.Underlying,
			Timestamp:          ev.Time.UTC().Format(time.RFC3339),
			Effect:             string(effect),
			ExpirationDate:     contract.ExpirationDate(),
			StrikeDescriptor:   market.FormatStrike(contract.Strike),
			OptionType:         contract.OptionType,
			Price:              ev.Price.String(),
			Quantity:           ev.Qty.String(),
			Premium:            premium.String(),
			StrategyTag:        side + "_" + contract.OptionType,
			Direction:          string(direction),
		})
	}
	return rows, skipped
}

// --- Execution ---

func (p *Provider) place(ctx context.Context, accountID string, req alpaca.PlaceOrderRequest) (models.OrderResult, error) {
	c, err := p.client(accountID)
	if err != nil {
		return models.OrderResult{}, err
	}
	o, err := call(ctx, p.timeout, func() (*alpaca.Order, error) {
		return c.trade.PlaceOrder(req)
	})
	if err != nil {
		return models.OrderResult{Success: false, Error: err.Error()}, nil
	}
	if o == nil || o.ID == "" {
		return models.OrderResult{Success: false, Error: market.ErrOrderNotSubmitted.Error()}, nil
	}
	p.logger.Info("order placed",
		zap.String("account", accountID),
		zap.String("symbol", req.Symbol),
		zap.String("type", string(req.Type)),
		zap.String("order_id", o.ID))
	return models.OrderResult{Success: true, OrderID: o.ID}, nil
}

func sellRequest(pos models.LongPosition, limit decimal.Decimal) alpaca.PlaceOrderRequest {
	qty := pos.Quantity
	return alpaca.PlaceOrderRequest{
		Symbol:        pos.InstrumentID(),
		Qty:           &qty,
		Side:          alpaca.Sell,
		Type:          alpaca.Limit,
		TimeInForce:   alpaca.Day,
		LimitPrice:    &limit,
		ClientOrderID: uuid.NewString(),
	}
}

func (p *Provider) SubmitClose(ctx context.Context, accountID string, pos models.LongPosition, limitPrice decimal.Decimal) (models.OrderResult, error) {
	return p.place(ctx, accountID, sellRequest(pos, limitPrice))
}

func (p *Provider) SubmitTrailingStop(ctx context.Context, accountID string, pos models.LongPosition, limitPrice, stopPrice decimal.Decimal) (models.OrderResult, error) {
	req := sellRequest(pos, limitPrice)
	req.Type = alpaca.StopLimit
	req.StopPrice = &stopPrice
	return p.place(ctx, accountID, req)
}

func (p *Provider) Cancel(ctx context.Context, accountID, orderID string) error {
	c, err := p.client(accountID)
	if err != nil {
		return err
	}
	_, err = call(ctx, p.timeout, func() (struct{}, error) {
		return struct{}{}, c.trade.CancelOrder(orderID)
	})
	return err
}

func (p *Provider) GetOrderStatus(ctx context.Context, accountID, orderID string) (*models.Order, error) {
	c, err := p.client(accountID)
	if err != nil {
		return nil, err
	}
	o, err := call(ctx, p.timeout, func() (*alpaca.Order, error) {
		return c.trade.GetOrder(orderID)
	})
	if err != nil {
		return nil, err
	}
	return mapOrder(o), nil
}

// --- Helpers ---

func mapPosition(x alpaca.Position) models.BrokerPosition {
	current := decimal.Zero
	if x.CurrentPrice != nil {
		current = *x.CurrentPrice
	}
	return models.BrokerPosition{
		AssetID:       x.AssetID,
		Symbol:        x.Symbol,
		AssetClass:    string(x.AssetClass),
		Side:          string(x.Side),
		Qty:           x.Qty,
		AvgEntryPrice: x.AvgEntryPrice,
		CurrentPrice:  current,
		CostBasis:     x.CostBasis,
	}
}

func mapOrder(o *alpaca.Order) *models.Order {
	if o == nil {
		return nil
	}
	res := &models.Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		FilledQty:     o.FilledQty,
		Type:          string(o.Type),
		Side:          string(o.Side),
		Status:        o.Status,
		CreatedAt:     o.CreatedAt,
		FilledAt:      o.FilledAt,
	}
	if o.Qty != nil {
		res.Qty = *o.Qty
	}
	if o.FilledAvgPrice != nil {
		res.FilledAvgPrice = *o.FilledAvgPrice
	}
	if o.ReplacedBy != nil {
		res.ReplacedBy = *o.ReplacedBy
	}
	return res
}
