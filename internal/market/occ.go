package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"options_watcher/internal/models"
)

// ParseOCCSymbol decodes a contract symbol such as AAPL240119C00150000:
// root, YYMMDD expiration, C or P, and the strike times 1000 in 8 digits.
func ParseOCCSymbol(symbol string) (models.OptionContract, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if len(s) < 16 {
		return models.OptionContract{}, fmt.Errorf("%w: %q", ErrInvalidOCCSymbol, symbol)
	}
	tail := s[len(s)-15:]
	root := strings.TrimSpace(s[:len(s)-15])
	if root == "" {
		return models.OptionContract{}, fmt.Errorf("%w: %q", ErrInvalidOCCSymbol, symbol)
	}

	exp, err := time.Parse("060102", tail[:6])
	if err != nil {
		return models.OptionContract{}, fmt.Errorf("%w: %q: bad expiration", ErrInvalidOCCSymbol, symbol)
	}

	var optionType string
	switch tail[6] {
	case 'C':
		optionType = "call"
	case 'P':
		optionType = "put"
	default:
		return models.OptionContract{}, fmt.Errorf("%w: %q: bad option type", ErrInvalidOCCSymbol, symbol)
	}

	digits := tail[7:]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return models.OptionContract{}, fmt.Errorf("%w: %q: bad strike", ErrInvalidOCCSymbol, symbol)
		}
	}
	strike, err := decimal.NewFromString(digits)
	if err != nil {
		return models.OptionContract{}, fmt.Errorf("%w: %q: bad strike", ErrInvalidOCCSymbol, symbol)
	}

	return models.OptionContract{
		ContractSymbol: s,
		Underlying:     root,
		Expiration:     exp,
		OptionType:     optionType,
		Strike:         strike.Shift(-3),
	}, nil
}

// FormatStrike renders a strike the way position keys and fills carry it.
func FormatStrike(strike decimal.Decimal) string {
	return strike.StringFixed(2)
}
