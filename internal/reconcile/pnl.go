package reconcile

import (
	"github.com/shopspring/decimal"

	"options_watcher/internal/models"
)

// PnLResult is the outcome of a closed-position P&L calculation.
// Fallback is set when prices were unusable and premiums were summed instead.
type PnLResult struct {
	Value    decimal.Decimal
	Fallback bool
	Reason   string
}

// ClosedPnL computes realized P&L for a position with both OPEN and CLOSE fills.
//
// With usable prices: (close - open) * quantity * 100, negated for CREDIT.
// Unknown directions are treated as DEBIT.
func ClosedPnL(p models.Position) PnLResult {
	switch {
	case !p.OpenPrice.Valid:
		return premiumPnL(p, "open price missing")
	case !p.ClosePrice.Valid:
		return premiumPnL(p, "close price missing")
	case !p.Quantity.IsPositive():
		return premiumPnL(p, "quantity not positive")
	}

	diff := p.ClosePrice.Decimal.Sub(p.OpenPrice.Decimal)
	pnl := diff.Mul(p.Quantity).Mul(models.ContractMultiplier)
	if p.Direction == models.DirectionCredit {
		pnl = pnl.Neg()
	}
	return PnLResult{Value: pnl}
}

// premiumPnL is the signed premium sum used when prices are missing.
func premiumPnL(p models.Position, reason string) PnLResult {
	open := decimal.Zero
	if p.OpenPremium.Valid {
		open = p.OpenPremium.Decimal
	}
	closing := decimal.Zero
	if p.ClosePremium.Valid {
		closing = p.ClosePremium.Decimal
	}
	return PnLResult{Value: open.Add(closing), Fallback: true, Reason: reason}
}

// ExpiredPnL is the P&L of a single-leg position that expired worthless:
// the whole premium is lost for DEBIT and kept for CREDIT.
func ExpiredPnL(p models.Position) decimal.Decimal {
	if !p.OpenPremium.Valid || p.OpenPremium.Decimal.IsZero() {
		return decimal.Zero
	}
	premium := p.OpenPremium.Decimal.Abs()

	switch p.Direction {
	case models.DirectionDebit:
		return premium.Neg()
	case models.DirectionCredit:
		return premium
	default:
		return decimal.Zero
	}
}
