package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"options_watcher/internal/market"
	"options_watcher/internal/models"
	"options_watcher/internal/risk"
)

func applyPrice(p *models.LongPosition, price decimal.Decimal) {
	pnl, pct, ok := risk.UnrealizedPnL(price, p.Quantity, p.OpenPremium)
	p.CurrentPrice = price
	p.PnL = pnl
	if ok {
		p.PnLPercent = pct
	}
}

// RefreshPrices fetches a mark price for every cached position and updates
// price and P&L. A position whose quote fails keeps its last known values.
// It returns how many positions were updated; the error joins every failed
// quote.
func (c *PositionCache) RefreshPrices(ctx context.Context, accountID string) (int, error) {
	c.mu.RLock()
	m, ok := c.accounts[accountID]
	if !ok {
		c.mu.RUnlock()
		return 0, market.ErrUnknownAccount
	}
	targets := make(map[string]string, len(m))
	for key, p := range m {
		if id := p.InstrumentID(); id != "" {
			targets[key] = id
		}
	}
	c.mu.RUnlock()

	prices := make(map[string]decimal.Decimal, len(targets))
	var errs []error
	for key, id := range targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		callCtx, cancel := c.withTimeout(ctx)
		price, err := c.snapshot.FetchMarkPrice(callCtx, accountID, id)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if !price.IsPositive() {
			errs = append(errs, fmt.Errorf("%s: %w", id, ErrPriceUnavailable))
			continue
		}
		prices[key] = price
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	updated := 0
	m = c.accounts[accountID]
	for key, price := range prices {
		// the position may have been dropped by a concurrent reconcile
		if p, ok := m[key]; ok {
			applyPrice(p, price)
			updated++
		}
	}
	return updated, errors.Join(errs...)
}

// TriggerKind names the policy that fired.
type TriggerKind string

const (
	TriggerTrailingStop TriggerKind = "trailing_stop"
	TriggerTakeProfit   TriggerKind = "take_profit"
)

// Trigger is a fired risk policy with a copy of the position at that moment.
type Trigger struct {
	Kind     TriggerKind
	Position models.LongPosition
}

// EvaluateTrailingStop runs the trailing-stop state machine for one position
// at its cached price and reports whether it is triggered.
func (c *PositionCache) EvaluateTrailingStop(accountID, ref string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.resolveLocked(accountID, ref)
	if err != nil {
		return false, err
	}
	return risk.EvaluateTrailingStop(&p.TrailingStop, p.CurrentPrice), nil
}

// EvaluateTakeProfit recomputes the take-profit flag for one position.
func (c *PositionCache) EvaluateTakeProfit(accountID, ref string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.resolveLocked(accountID, ref)
	if err != nil {
		return false, err
	}
	return risk.EvaluateTakeProfit(&p.TakeProfit, p.PnLPercent), nil
}

// EvaluateRisk evaluates both policies for every position of the account
// and returns the ones that fired. A trailing stop whose order is already
// submitted is not reported again.
func (c *PositionCache) EvaluateRisk(accountID string) []Trigger {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Trigger
	for _, p := range c.accounts[accountID] {
		if p.TrailingStop.Enabled && !p.TrailingStop.OrderSubmitted {
			if risk.EvaluateTrailingStop(&p.TrailingStop, p.CurrentPrice) {
				out = append(out, Trigger{Kind: TriggerTrailingStop, Position: p.Clone()})
			}
		}
		if p.TakeProfit.Enabled && p.OpenPremium.IsPositive() && p.CurrentPrice.IsPositive() {
			if risk.EvaluateTakeProfit(&p.TakeProfit, p.PnLPercent) {
				out = append(out, Trigger{Kind: TriggerTakeProfit, Position: p.Clone()})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position.Key != out[j].Position.Key {
			return out[i].Position.Key < out[j].Position.Key
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
