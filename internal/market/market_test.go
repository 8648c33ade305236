package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOCCSymbol(t *testing.T) {
	c, err := ParseOCCSymbol("AAPL240119C00150000")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", c.Underlying)
	assert.Equal(t, "2024-01-19", c.ExpirationDate())
	assert.Equal(t, "call", c.OptionType)
	assert.Equal(t, "150.00", FormatStrike(c.Strike))

	c, err = ParseOCCSymbol("spy250321p00412500")
	require.NoError(t, err)
	assert.Equal(t, "SPY", c.Underlying)
	assert.Equal(t, "put", c.OptionType)
	assert.Equal(t, "412.50", FormatStrike(c.Strike))
}

func TestParseOCCSymbol_Invalid(t *testing.T) {
	for _, s := range []string{"", "AAPL", "AAPL241319C00150000", "AAPL240119X00150000", "AAPL240119C0015A000", "240119C00150000"} {
		_, err := ParseOCCSymbol(s)
		assert.ErrorIs(t, err, ErrInvalidOCCSymbol, s)
	}
}

func TestCalendar_IsMarketOpen(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	cal := NewCalendar(ny)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"monday open", time.Date(2025, 3, 10, 9, 30, 0, 0, ny), true},
		{"monday premarket", time.Date(2025, 3, 10, 9, 29, 0, 0, ny), false},
		{"monday close", time.Date(2025, 3, 10, 16, 0, 0, 0, ny), false},
		{"friday afternoon", time.Date(2025, 3, 14, 15, 59, 0, 0, ny), true},
		{"saturday", time.Date(2025, 3, 15, 12, 0, 0, 0, ny), false},
		{"utc input converted", time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cal.IsMarketOpen(tt.at))
		})
	}
}
