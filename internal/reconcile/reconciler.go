// Package reconcile turns raw option fills into aggregated positions with
// lifecycle status and realized P&L.
package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"options_watcher/internal/models"
)

// Result is the output of one full reconciliation pass.
type Result struct {
	Positions []models.Position
	Skipped   int // malformed fills
	Excluded  int // spread fills
}

// Reconciler rebuilds the full position set from a complete fill history.
type Reconciler struct {
	logger *zap.Logger
	loc    *time.Location
	now    func() time.Time
}

// New returns a Reconciler evaluating expirations in loc.
func New(logger *zap.Logger, loc *time.Location) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Reconciler{logger: logger, loc: loc, now: time.Now}
}

// WithClock replaces the wall clock used for expiration checks.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

type group struct {
	key    string
	first  models.FillRecord
	opens  []models.FillRecord
	closes []models.FillRecord
}

// Rebuild converts the complete fill list of one account into positions.
// It never merges with previous output; callers replace their stored set.
func (r *Reconciler) Rebuild(rows []models.FillRow) Result {
	var res Result

	fills := make([]models.FillRecord, 0, len(rows))
	for _, row := range rows {
		f, err := ParseFill(row)
		if err != nil {
			res.Skipped++
			r.logger.Warn("skipping malformed fill", zap.String("fill_id", row.ID), zap.Error(err))
			continue
		}
		if IsSpread(f.StrategyTag) {
			res.Excluded++
			continue
		}
		fills = append(fills, f)
	}

	sort.SliceStable(fills, func(i, j int) bool {
		return fills[i].Timestamp.Before(fills[j].Timestamp)
	})

	var order []string
	groups := make(map[string]*group)
	for _, f := range fills {
		key := PositionKey(f)
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, first: f}
			groups[key] = g
			order = append(order, key)
		}
		switch f.Effect {
		case models.EffectOpen:
			g.opens = append(g.opens, f)
		case models.EffectClose:
			g.closes = append(g.closes, f)
		}
	}

	now := r.now()
	res.Positions = make([]models.Position, 0, len(order))
	for _, key := range order {
		res.Positions = append(res.Positions, r.aggregate(groups[key], now))
	}
	return res
}

func (r *Reconciler) aggregate(g *group, now time.Time) models.Position {
	p := models.Position{
		Key:              g.key,
		AccountID:        g.first.AccountID,
		Symbol:           g.first.Symbol,
		ExpirationDate:   g.first.ExpirationDate,
		StrikeDescriptor: g.first.StrikeDescriptor,
		OptionType:       g.first.OptionType,
		StrategyTag:      g.first.StrategyTag,
		Direction:        g.first.Direction,
		Quantity:         decimal.Zero,
	}

	if len(g.opens) > 0 {
		a := sumFills(g.opens)
		p.Quantity = a.quantity
		p.OpenPrice = a.avgPrice
		p.OpenPremium = decimal.NewNullDecimal(a.premium)
		p.OpenDate = g.opens[0].Timestamp
	}
	if len(g.closes) > 0 {
		a := sumFills(g.closes)
		p.ClosePrice = a.avgPrice
		p.ClosePremium = decimal.NewNullDecimal(a.premium)
		p.CloseDate = g.closes[len(g.closes)-1].Timestamp
	}

	if HasCloseOnly(p) {
		p.Status = models.StatusOrphaned
		return p
	}

	p.Status = Classify(p, now, r.loc)
	switch p.Status {
	case models.StatusClosed:
		res := ClosedPnL(p)
		if res.Fallback {
			r.logger.Debug("closed P&L from premiums", zap.String("key", p.Key), zap.String("reason", res.Reason))
		}
		p.NetCredit = decimal.NewNullDecimal(res.Value)
	case models.StatusExpired:
		p.NetCredit = decimal.NewNullDecimal(ExpiredPnL(p))
		p.ClosePrice = decimal.NewNullDecimal(decimal.Zero)
		p.ClosePremium = decimal.NewNullDecimal(decimal.Zero)
		if exp, err := time.ParseInLocation(ExpirationLayout, p.ExpirationDate, r.loc); err == nil {
			p.CloseDate = exp
		}
	}
	return p
}

type aggregate struct {
	quantity decimal.Decimal
	premium  decimal.Decimal
	avgPrice decimal.NullDecimal
}

// sumFills aggregates one side of a position: summed quantity and premium and
// the quantity-weighted average price. Missing prices weigh in as zero.
func sumFills(fills []models.FillRecord) aggregate {
	qty := decimal.Zero
	premium := decimal.Zero
	weighted := decimal.Zero
	for _, f := range fills {
		qty = qty.Add(f.Quantity)
		if f.Premium.Valid {
			premium = premium.Add(f.Premium.Decimal)
		}
		if f.Price.Valid {
			weighted = weighted.Add(f.Price.Decimal.Mul(f.Quantity))
		}
	}
	a := aggregate{quantity: qty, premium: premium}
	if qty.IsPositive() {
		a.avgPrice = decimal.NewNullDecimal(weighted.Div(qty))
	}
	return a
}

// PositionKey is the stable composite key of a fill's position.
func PositionKey(f models.FillRecord) string {
	return fmt.Sprintf("%s_%s_%s_%s", f.Symbol, f.InstrumentGroupKey, f.ExpirationDate, f.StrikeDescriptor)
}

// ParseFill validates a stored fill row.
func ParseFill(row models.FillRow) (models.FillRecord, error) {
	f := models.FillRecord{
		ID:                 row.ID,
		AccountID:          row.AccountID,
		InstrumentGroupKey: row.InstrumentGroupKey,
		Symbol:             row.Symbol,
		ExpirationDate:     row.ExpirationDate,
		StrikeDescriptor:   row.StrikeDescriptor,
		OptionType:         row.OptionType,
		StrategyTag:        row.StrategyTag,
		Direction:          models.Direction(strings.ToLower(row.Direction)),
	}

	ts, err := time.Parse(time.RFC3339, row.Timestamp)
	if err != nil {
		return f, fmt.Errorf("timestamp %q: %w", row.Timestamp, err)
	}
	f.Timestamp = ts

	switch models.Effect(strings.ToLower(row.Effect)) {
	case models.EffectOpen:
		f.Effect = models.EffectOpen
	case models.EffectClose:
		f.Effect = models.EffectClose
	default:
		return f, fmt.Errorf("unknown position effect %q", row.Effect)
	}

	if f.Price, err = parseOptional(row.Price); err != nil {
		return f, fmt.Errorf("price: %w", err)
	}
	if f.Premium, err = parseOptional(row.Premium); err != nil {
		return f, fmt.Errorf("premium: %w", err)
	}
	qty, err := parseOptional(row.Quantity)
	if err != nil {
		return f, fmt.Errorf("quantity: %w", err)
	}
	f.Quantity = qty.Decimal
	if f.Quantity.IsNegative() {
		return f, fmt.Errorf("quantity %s is negative", f.Quantity)
	}
	return f, nil
}

func parseOptional(s string) (decimal.NullDecimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
