// Package risk holds the trailing-stop and take-profit state machines and the
// order prices derived from them. Nothing here locks or does I/O; callers own
// the state and its synchronization.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"options_watcher/internal/models"
)

var (
	ErrInvalidTrailingStop = errors.New("invalid trailing stop configuration")
	ErrInvalidQuantity     = errors.New("invalid quantity for position")
	ErrInvalidPercent      = errors.New("percent must be between 0 and 100")
)

var (
	hundred = decimal.NewFromInt(100)
	// stop-limit orders put the stop slightly above the limit
	stopLimitRatio = decimal.NewFromFloat(0.97)
)

// ValidatePercent checks a user-supplied percentage.
func ValidatePercent(percent decimal.Decimal) error {
	if !percent.IsPositive() || percent.GreaterThanOrEqual(hundred) {
		return ErrInvalidPercent
	}
	return nil
}

// NewTrailingStop arms a trailing stop at the current price.
func NewTrailingStop(price, percent decimal.Decimal) models.TrailingStopState {
	return models.TrailingStopState{
		Enabled:          true,
		Percent:          percent,
		HighestPriceSeen: price,
		TriggerPrice:     triggerPrice(price, percent),
	}
}

func triggerPrice(highest, percent decimal.Decimal) decimal.Decimal {
	return highest.Mul(hundred.Sub(percent)).Div(hundred)
}

// EvaluateTrailingStop ratchets the high-water mark and recomputes the
// trigger. Once an order was submitted the state is frozen. It returns the
// resulting Triggered flag; repeated calls with the same price are no-ops.
func EvaluateTrailingStop(s *models.TrailingStopState, price decimal.Decimal) bool {
	if !s.Enabled || s.OrderSubmitted || !price.IsPositive() {
		return s.Triggered
	}
	if price.GreaterThan(s.HighestPriceSeen) {
		s.HighestPriceSeen = price
	}
	s.TriggerPrice = triggerPrice(s.HighestPriceSeen, s.Percent)
	s.Triggered = price.LessThanOrEqual(s.TriggerPrice)
	return s.Triggered
}

// EvaluateTakeProfit recomputes Triggered from the current P&L percent.
// It is not sticky.
func EvaluateTakeProfit(s *models.TakeProfitState, pnlPercent decimal.Decimal) bool {
	if !s.Enabled {
		s.Triggered = false
		return false
	}
	s.Triggered = pnlPercent.GreaterThanOrEqual(s.Percent)
	return s.Triggered
}

// TrailingStopPrices returns limit and stop prices for a stop-limit sell.
// The limit is the trigger price; if none was computed yet it is derived from
// the current price.
func TrailingStopPrices(s models.TrailingStopState, currentPrice decimal.Decimal) (limit, stop decimal.Decimal, err error) {
	trigger := s.TriggerPrice
	if !trigger.IsPositive() {
		if !currentPrice.IsPositive() || !s.Percent.IsPositive() {
			return decimal.Zero, decimal.Zero, ErrInvalidTrailingStop
		}
		trigger = triggerPrice(currentPrice, s.Percent)
	}
	limit = trigger.Round(2)
	stop = trigger.Div(stopLimitRatio).Round(2)
	return limit, stop, nil
}

// TakeProfitLimitPrice is the per-contract limit that realizes percent on
// the premium paid.
func TakeProfitLimitPrice(openPremium, quantity, percent decimal.Decimal) (decimal.Decimal, error) {
	if !quantity.IsPositive() {
		return decimal.Zero, ErrInvalidQuantity
	}
	target := openPremium.Mul(hundred.Add(percent)).Div(hundred)
	return target.Div(quantity.Mul(models.ContractMultiplier)).Round(2), nil
}

// UnrealizedPnL returns pnl and pnl percent for a long position at price.
// The percent is only meaningful when ok is true (open premium > 0).
func UnrealizedPnL(price, quantity, openPremium decimal.Decimal) (pnl, pct decimal.Decimal, ok bool) {
	pnl = price.Mul(quantity).Mul(models.ContractMultiplier).Sub(openPremium)
	if !openPremium.IsPositive() {
		return pnl, decimal.Zero, false
	}
	return pnl, pnl.Div(openPremium).Mul(hundred), true
}
