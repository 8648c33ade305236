package reconcile

import (
	"strings"
	"time"

	"options_watcher/internal/models"
)

// ExpirationLayout is the date format of option expirations.
const ExpirationLayout = "2006-01-02"

// IsSpread reports whether a strategy tag names a multi-leg spread.
func IsSpread(strategyTag string) bool {
	return strings.Contains(strings.ToLower(strategyTag), "_spread")
}

// HasCloseOnly reports whether the position has CLOSE fills but no OPEN fills.
// It must be checked before Classify.
func HasCloseOnly(p models.Position) bool {
	return p.ClosePremium.Valid && !p.OpenPremium.Valid
}

// IsExpired reports whether expiration (YYYY-MM-DD, midnight in loc) lies
// before now. Empty or unparsable dates are never expired.
func IsExpired(expiration string, now time.Time, loc *time.Location) bool {
	if expiration == "" {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	exp, err := time.ParseInLocation(ExpirationLayout, expiration, loc)
	if err != nil {
		return false
	}
	return exp.Before(now)
}

// Classify decides the status of a non-orphaned position from the presence of
// open/close premiums and the expiration date.
func Classify(p models.Position, now time.Time, loc *time.Location) models.Status {
	hasOpen := p.OpenPremium.Valid
	hasClose := p.ClosePremium.Valid

	switch {
	case hasOpen && hasClose:
		return models.StatusClosed
	case hasOpen:
		if IsExpired(p.ExpirationDate, now, loc) {
			return models.StatusExpired
		}
		return models.StatusOpen
	case hasClose:
		return models.StatusOrphaned
	}
	return models.StatusOpen
}
