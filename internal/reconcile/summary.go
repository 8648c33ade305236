package reconcile

import (
	"sort"

	"github.com/shopspring/decimal"

	"options_watcher/internal/models"
)

// Summary is the realized P&L breakdown of a position set.
type Summary struct {
	ClosedPnL    decimal.Decimal `json:"closed_pnl"`
	ExpiredPnL   decimal.Decimal `json:"expired_pnl"`
	OpenValue    decimal.Decimal `json:"open_value"`
	OpenCount    int             `json:"open_count"`
	ClosedCount  int             `json:"closed_count"`
	ExpiredCount int             `json:"expired_count"`
}

// TotalPnL is closed plus expired P&L.
func (s Summary) TotalPnL() decimal.Decimal {
	return s.ClosedPnL.Add(s.ExpiredPnL)
}

// TotalPositions counts every non-orphaned position.
func (s Summary) TotalPositions() int {
	return s.OpenCount + s.ClosedCount + s.ExpiredCount
}

// Summarize builds a Summary. Orphaned positions are ignored.
func Summarize(positions []models.Position) Summary {
	var s Summary
	for _, p := range positions {
		switch p.Status {
		case models.StatusOpen:
			s.OpenCount++
			if p.OpenPremium.Valid {
				s.OpenValue = s.OpenValue.Add(p.OpenPremium.Decimal.Abs())
			}
		case models.StatusClosed:
			s.ClosedCount++
			if p.NetCredit.Valid {
				s.ClosedPnL = s.ClosedPnL.Add(p.NetCredit.Decimal)
			}
		case models.StatusExpired:
			s.ExpiredCount++
			if p.NetCredit.Valid {
				s.ExpiredPnL = s.ExpiredPnL.Add(p.NetCredit.Decimal)
			}
		}
	}
	return s
}

// DailyPnL is realized P&L grouped by close date.
type DailyPnL struct {
	Date          string          `json:"date"`
	PnL           decimal.Decimal `json:"pnl"`
	PositionCount int             `json:"count"`
	Symbols       []string        `json:"symbols"`
}

// Daily groups closed and expired positions by close date (newest first).
func Daily(positions []models.Position) []DailyPnL {
	byDay := make(map[string]*DailyPnL)
	for _, p := range positions {
		if p.Status != models.StatusClosed && p.Status != models.StatusExpired {
			continue
		}
		if p.CloseDate.IsZero() {
			continue
		}
		day := p.CloseDate.Format(ExpirationLayout)
		d, ok := byDay[day]
		if !ok {
			d = &DailyPnL{Date: day}
			byDay[day] = d
		}
		if p.NetCredit.Valid {
			d.PnL = d.PnL.Add(p.NetCredit.Decimal)
		}
		d.PositionCount++
		d.Symbols = append(d.Symbols, p.Symbol)
	}

	out := make([]DailyPnL, 0, len(byDay))
	for _, d := range byDay {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}
