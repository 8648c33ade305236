package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"options_watcher/internal/models"
	"options_watcher/internal/risk"
)

func (c *PositionCache) trackLocked(accountID string, o models.TrackedOrder) {
	m, ok := c.orders[accountID]
	if !ok {
		m = make(map[string]*models.TrackedOrder)
		c.orders[accountID] = m
	}
	m[o.OrderID] = &o
}

func submitError(res models.OrderResult, err error) error {
	if err != nil {
		return err
	}
	if !res.Success || res.OrderID == "" {
		if res.Error == "" {
			return errors.New("order rejected")
		}
		return errors.New(res.Error)
	}
	return nil
}

// SubmitCloseOrder sends a limit sell for the whole position and tracks it.
// A failed submission leaves all risk state untouched.
func (c *PositionCache) SubmitCloseOrder(ctx context.Context, accountID, ref string, limitPrice decimal.Decimal) (models.TrackedOrder, error) {
	if c.gateway == nil {
		return models.TrackedOrder{}, ErrGatewayNotConfigured
	}
	pos, err := c.Position(accountID, ref)
	if err != nil {
		return models.TrackedOrder{}, err
	}
	if !pos.Quantity.IsPositive() {
		return models.TrackedOrder{}, ErrInvalidQuantity
	}
	if !limitPrice.IsPositive() {
		return models.TrackedOrder{}, fmt.Errorf("limit price must be positive, got %s", limitPrice)
	}

	callCtx, cancel := c.withTimeout(ctx)
	res, err := c.gateway.SubmitClose(callCtx, accountID, pos, limitPrice)
	cancel()
	if err := submitError(res, err); err != nil {
		return models.TrackedOrder{}, fmt.Errorf("submit close %s: %w", pos.InstrumentID(), err)
	}

	order := models.TrackedOrder{
		OrderID:     res.OrderID,
		PositionKey: pos.Key,
		Symbol:      pos.InstrumentID(),
		Quantity:    pos.Quantity,
		LimitPrice:  limitPrice,
		Kind:        models.OrderKindClose,
		SubmittedAt: c.now(),
		Status:      "new",
	}
	c.mu.Lock()
	c.trackLocked(accountID, order)
	c.mu.Unlock()
	return order, nil
}

// SubmitTakeProfitOrder closes the position at the price that realizes its
// take-profit percent.
func (c *PositionCache) SubmitTakeProfitOrder(ctx context.Context, accountID, ref string) (models.TrackedOrder, error) {
	pos, err := c.Position(accountID, ref)
	if err != nil {
		return models.TrackedOrder{}, err
	}
	if !pos.TakeProfit.Enabled {
		return models.TrackedOrder{}, ErrTakeProfitDisabled
	}
	limit, err := risk.TakeProfitLimitPrice(pos.OpenPremium, pos.Quantity, pos.TakeProfit.Percent)
	if err != nil {
		return models.TrackedOrder{}, ErrInvalidQuantity
	}
	return c.SubmitCloseOrder(ctx, accountID, pos.Key, limit)
}

// SubmitTrailingStopOrder sends a stop-limit sell at the trailing stop's
// trigger. On success the stop is frozen with the broker order id.
func (c *PositionCache) SubmitTrailingStopOrder(ctx context.Context, accountID, ref string) (models.TrackedOrder, error) {
	if c.gateway == nil {
		return models.TrackedOrder{}, ErrGatewayNotConfigured
	}
	pos, err := c.Position(accountID, ref)
	if err != nil {
		return models.TrackedOrder{}, err
	}
	if !pos.TrailingStop.Enabled {
		return models.TrackedOrder{}, ErrTrailingStopDisabled
	}
	if pos.TrailingStop.OrderSubmitted {
		return models.TrackedOrder{}, fmt.Errorf("trailing stop order %s already submitted", pos.TrailingStop.LastOrderID)
	}
	if !pos.Quantity.IsPositive() {
		return models.TrackedOrder{}, ErrInvalidQuantity
	}
	limit, stop, err := risk.TrailingStopPrices(pos.TrailingStop, pos.CurrentPrice)
	if err != nil {
		return models.TrackedOrder{}, err
	}

	callCtx, cancel := c.withTimeout(ctx)
	res, err := c.gateway.SubmitTrailingStop(callCtx, accountID, pos, limit, stop)
	cancel()
	if err := submitError(res, err); err != nil {
		return models.TrackedOrder{}, fmt.Errorf("submit trailing stop %s: %w", pos.InstrumentID(), err)
	}

	order := models.TrackedOrder{
		OrderID:     res.OrderID,
		PositionKey: pos.Key,
		Symbol:      pos.InstrumentID(),
		Quantity:    pos.Quantity,
		LimitPrice:  limit,
		StopPrice:   stop,
		Kind:        models.OrderKindTrailingStop,
		SubmittedAt: c.now(),
		Status:      "new",
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.trackLocked(accountID, order)
	if p, ok := c.accounts[accountID][pos.Key]; ok {
		p.TrailingStop.OrderSubmitted = true
		p.TrailingStop.LastOrderID = res.OrderID
	}
	return order, nil
}

// CancelOrder cancels a broker order. When it was the trailing stop's order
// the stop is re-armed.
func (c *PositionCache) CancelOrder(ctx context.Context, accountID, orderID string) error {
	if c.gateway == nil {
		return ErrGatewayNotConfigured
	}
	callCtx, cancel := c.withTimeout(ctx)
	err := c.gateway.Cancel(callCtx, accountID, orderID)
	cancel()
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyOrderStatusLocked(accountID, models.Order{ID: orderID, Status: "canceled"})
	return nil
}

func (c *PositionCache) applyOrderStatusLocked(accountID string, update models.Order) {
	orderID, status := update.ID, update.Status
	o, ok := c.orders[accountID][orderID]
	if ok {
		o.Status = status
	}
	if strings.EqualFold(status, "replaced") {
		// the order keeps working at the broker under its successor's id
		if ok && update.ReplacedBy != "" {
			c.followReplacementLocked(accountID, o, update.ReplacedBy)
		}
		return
	}
	if status == "filled" || !models.IsTerminalOrderStatus(status) {
		return
	}
	for _, p := range c.accounts[accountID] {
		if p.TrailingStop.OrderSubmitted && p.TrailingStop.LastOrderID == orderID {
			p.TrailingStop.OrderSubmitted = false
			p.TrailingStop.Triggered = false
			p.TrailingStop.LastOrderID = ""
		}
	}
}

func (c *PositionCache) followReplacementLocked(accountID string, old *models.TrackedOrder, newID string) {
	if _, exists := c.orders[accountID][newID]; !exists {
		next := *old
		next.OrderID = newID
		next.Status = "new"
		c.orders[accountID][newID] = &next
	}
	for _, p := range c.accounts[accountID] {
		if p.TrailingStop.LastOrderID == old.OrderID {
			p.TrailingStop.LastOrderID = newID
		}
	}
}

// ApplyOrderUpdate records a broker-pushed order state for a tracked order
// and reports whether the order was tracked.
func (c *PositionCache) ApplyOrderUpdate(accountID string, update models.Order) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.orders[accountID][update.ID]; !ok {
		return false
	}
	c.applyOrderStatusLocked(accountID, update)
	return true
}

// TrackedOrders returns copies of the account's tracked orders, oldest first.
func (c *PositionCache) TrackedOrders(accountID string) []models.TrackedOrder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.TrackedOrder, 0, len(c.orders[accountID]))
	for _, o := range c.orders[accountID] {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}

// HasOpenOrder reports whether a non-terminal order is tracked for the
// position key.
func (c *PositionCache) HasOpenOrder(accountID, key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, o := range c.orders[accountID] {
		if o.PositionKey == key && !models.IsTerminalOrderStatus(o.Status) {
			return true
		}
	}
	return false
}

// RefreshOrderStatus polls the broker for every non-terminal tracked order
// and returns how many changed status.
func (c *PositionCache) RefreshOrderStatus(ctx context.Context, accountID string) (int, error) {
	if c.gateway == nil {
		return 0, ErrGatewayNotConfigured
	}
	c.mu.RLock()
	var pending []string
	for id, o := range c.orders[accountID] {
		if !models.IsTerminalOrderStatus(o.Status) {
			pending = append(pending, id)
		}
	}
	c.mu.RUnlock()

	updates := make(map[string]models.Order, len(pending))
	var errs []error
	for _, id := range pending {
		callCtx, cancel := c.withTimeout(ctx)
		o, err := c.gateway.GetOrderStatus(callCtx, accountID, id)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", id, err))
			continue
		}
		if o != nil {
			upd := *o
			upd.ID = id
			updates[id] = upd
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	changed := 0
	for id, upd := range updates {
		o, ok := c.orders[accountID][id]
		if !ok || o.Status == upd.Status {
			continue
		}
		c.applyOrderStatusLocked(accountID, upd)
		changed++
	}
	return changed, errors.Join(errs...)
}
