package cache

import (
	"context"

	"github.com/shopspring/decimal"

	"options_watcher/internal/models"
	"options_watcher/internal/risk"
)

// currentPrice returns the cached price of a position, fetching a fresh quote
// when none is cached yet.
func (c *PositionCache) currentPrice(ctx context.Context, accountID, ref string) (string, decimal.Decimal, error) {
	c.mu.RLock()
	p, err := c.resolveLocked(accountID, ref)
	if err != nil {
		c.mu.RUnlock()
		return "", decimal.Zero, err
	}
	key, price, instrument := p.Key, p.CurrentPrice, p.InstrumentID()
	c.mu.RUnlock()

	if price.IsPositive() {
		return key, price, nil
	}
	if instrument == "" {
		return "", decimal.Zero, ErrPriceUnavailable
	}
	callCtx, cancel := c.withTimeout(ctx)
	price, err = c.snapshot.FetchMarkPrice(callCtx, accountID, instrument)
	cancel()
	if err != nil || !price.IsPositive() {
		return "", decimal.Zero, ErrPriceUnavailable
	}
	return key, price, nil
}

// lookupLocked finds a position by key after a lock-free broker call.
func (c *PositionCache) lookupLocked(accountID, key string) (*models.LongPosition, error) {
	p, ok := c.accounts[accountID][key]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return p, nil
}

// EnableTrailingStop arms a trailing stop at the current price. It fails when
// the position is unknown or no price > 0 can be resolved.
func (c *PositionCache) EnableTrailingStop(ctx context.Context, accountID, ref string, percent decimal.Decimal) (models.LongPosition, error) {
	if err := risk.ValidatePercent(percent); err != nil {
		return models.LongPosition{}, err
	}
	key, price, err := c.currentPrice(ctx, accountID, ref)
	if err != nil {
		return models.LongPosition{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.lookupLocked(accountID, key)
	if err != nil {
		return models.LongPosition{}, err
	}
	if !p.CurrentPrice.IsPositive() {
		applyPrice(p, price)
	}
	p.TrailingStop = risk.NewTrailingStop(p.CurrentPrice, percent)
	return p.Clone(), nil
}

// DisableTrailingStop clears the trailing stop, including a submitted flag.
func (c *PositionCache) DisableTrailingStop(accountID, ref string) (models.LongPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.resolveLocked(accountID, ref)
	if err != nil {
		return models.LongPosition{}, err
	}
	p.TrailingStop = models.TrailingStopState{}
	return p.Clone(), nil
}

// SetTakeProfit enables take profit at percent and evaluates it once.
func (c *PositionCache) SetTakeProfit(ctx context.Context, accountID, ref string, percent decimal.Decimal) (models.LongPosition, error) {
	if !percent.IsPositive() {
		return models.LongPosition{}, risk.ErrInvalidPercent
	}
	key, price, err := c.currentPrice(ctx, accountID, ref)
	if err != nil {
		return models.LongPosition{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.lookupLocked(accountID, key)
	if err != nil {
		return models.LongPosition{}, err
	}
	if !p.CurrentPrice.IsPositive() {
		applyPrice(p, price)
	}
	p.TakeProfit = models.TakeProfitState{Enabled: true, Percent: percent}
	risk.EvaluateTakeProfit(&p.TakeProfit, p.PnLPercent)
	return p.Clone(), nil
}

// DisableTakeProfit clears take profit.
func (c *PositionCache) DisableTakeProfit(accountID, ref string) (models.LongPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.resolveLocked(accountID, ref)
	if err != nil {
		return models.LongPosition{}, err
	}
	p.TakeProfit = models.TakeProfitState{}
	return p.Clone(), nil
}
