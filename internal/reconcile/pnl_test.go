package reconcile

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"options_watcher/internal/models"
)

func priced(direction models.Direction, open, closing, qty string) models.Position {
	return models.Position{
		Direction:    direction,
		Quantity:     dec(qty),
		OpenPrice:    decimal.NewNullDecimal(dec(open)),
		ClosePrice:   decimal.NewNullDecimal(dec(closing)),
		OpenPremium:  decimal.NewNullDecimal(dec(open).Mul(dec(qty)).Mul(models.ContractMultiplier)),
		ClosePremium: decimal.NewNullDecimal(dec(closing).Mul(dec(qty)).Mul(models.ContractMultiplier)),
	}
}

func TestClosedPnL_DirectionalSign(t *testing.T) {
	tests := []struct {
		name      string
		direction models.Direction
		want      string
	}{
		{"debit gains when price rises", models.DirectionDebit, "300"},
		{"credit loses when price rises", models.DirectionCredit, "-300"},
		{"unknown direction uses debit formula", models.Direction("weird"), "300"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ClosedPnL(priced(tt.direction, "1.00", "2.50", "2"))
			assert.False(t, res.Fallback)
			assert.True(t, res.Value.Equal(dec(tt.want)), "got %s", res.Value)
		})
	}
}

func TestClosedPnL_PremiumFallback(t *testing.T) {
	p := models.Position{
		Direction:    models.DirectionDebit,
		Quantity:     dec("1"),
		OpenPremium:  decimal.NewNullDecimal(dec("-120")),
		ClosePremium: decimal.NewNullDecimal(dec("180")),
	}
	res := ClosedPnL(p)
	assert.True(t, res.Fallback)
	assert.Equal(t, "open price missing", res.Reason)
	assert.True(t, res.Value.Equal(dec("60")))

	p.OpenPrice = decimal.NewNullDecimal(dec("1.2"))
	p.ClosePrice = decimal.NewNullDecimal(dec("1.8"))
	p.Quantity = decimal.Zero
	res = ClosedPnL(p)
	assert.True(t, res.Fallback)
	assert.Equal(t, "quantity not positive", res.Reason)
}

func TestExpiredPnL(t *testing.T) {
	p := models.Position{OpenPremium: decimal.NewNullDecimal(dec("250"))}

	p.Direction = models.DirectionDebit
	assert.True(t, ExpiredPnL(p).Equal(dec("-250")))

	p.Direction = models.DirectionCredit
	assert.True(t, ExpiredPnL(p).Equal(dec("250")))

	p.Direction = ""
	assert.True(t, ExpiredPnL(p).IsZero())

	p.Direction = models.DirectionDebit
	p.OpenPremium = decimal.NullDecimal{}
	assert.True(t, ExpiredPnL(p).IsZero())
}

func TestClassify(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	some := decimal.NewNullDecimal(dec("1"))

	assert.Equal(t, models.StatusClosed, Classify(models.Position{OpenPremium: some, ClosePremium: some}, now, time.UTC))
	assert.Equal(t, models.StatusOpen, Classify(models.Position{OpenPremium: some, ExpirationDate: "2025-03-11"}, now, time.UTC))
	assert.Equal(t, models.StatusOpen, Classify(models.Position{OpenPremium: some}, now, time.UTC))
	assert.Equal(t, models.StatusExpired, Classify(models.Position{OpenPremium: some, ExpirationDate: "2025-03-09"}, now, time.UTC))
	assert.Equal(t, models.StatusOpen, Classify(models.Position{OpenPremium: some, ExpirationDate: "03/09/2025"}, now, time.UTC))
	assert.True(t, HasCloseOnly(models.Position{ClosePremium: some}))
	assert.False(t, HasCloseOnly(models.Position{OpenPremium: some, ClosePremium: some}))
}

func TestIsSpread(t *testing.T) {
	assert.True(t, IsSpread("call_credit_SPREAD"))
	assert.True(t, IsSpread("iron_condor_spread"))
	assert.False(t, IsSpread("long_call"))
	assert.False(t, IsSpread(""))
}

func TestSummarizeAndDaily(t *testing.T) {
	day1 := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)
	positions := []models.Position{
		{Symbol: "AAPL", Status: models.StatusOpen, OpenPremium: decimal.NewNullDecimal(dec("100"))},
		{Symbol: "AAPL", Status: models.StatusClosed, CloseDate: day1, NetCredit: decimal.NewNullDecimal(dec("50"))},
		{Symbol: "MSFT", Status: models.StatusClosed, CloseDate: day1, NetCredit: decimal.NewNullDecimal(dec("-20"))},
		{Symbol: "TSLA", Status: models.StatusExpired, CloseDate: day2, NetCredit: decimal.NewNullDecimal(dec("-75"))},
		{Symbol: "NVDA", Status: models.StatusOrphaned, CloseDate: day2},
	}

	s := Summarize(positions)
	assert.Equal(t, 1, s.OpenCount)
	assert.Equal(t, 2, s.ClosedCount)
	assert.Equal(t, 1, s.ExpiredCount)
	assert.Equal(t, 4, s.TotalPositions())
	assert.True(t, s.TotalPnL().Equal(dec("-45")))
	assert.True(t, s.OpenValue.Equal(dec("100")))

	daily := Daily(positions)
	if assert.Len(t, daily, 2) {
		assert.Equal(t, "2025-03-04", daily[0].Date)
		assert.True(t, daily[0].PnL.Equal(dec("-75")))
		assert.Equal(t, 2, daily[1].PositionCount)
		assert.True(t, daily[1].PnL.Equal(dec("30")))
	}
}
