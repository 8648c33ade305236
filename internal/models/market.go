package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order represents a broker order as seen by the watcher.
type Order struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Qty            decimal.Decimal `json:"qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	Type           string          `json:"type"`   // limit, stop_limit
	Side           string          `json:"side"`   // buy, sell
	Status         string          `json:"status"` // new, filled, canceled, expired, rejected
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	CreatedAt      time.Time       `json:"created_at"`
	FilledAt       *time.Time      `json:"filled_at,omitempty"`
	ReplacedBy     string          `json:"replaced_by,omitempty"` // successor id when Status is replaced
}

// IsTerminalOrderStatus reports whether an order in this status can no longer fill.
func IsTerminalOrderStatus(status string) bool {
	switch strings.ToLower(status) {
	case "filled", "canceled", "cancelled", "expired", "rejected", "replaced", "done_for_day":
		return true
	}
	return false
}

// BrokerPosition represents an open position held at the broker.
type BrokerPosition struct {
	AssetID       string          `json:"asset_id"`
	Symbol        string          `json:"symbol"` // OCC contract symbol for options
	AssetClass    string          `json:"asset_class"`
	Side          string          `json:"side"` // long, short
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
}

// OptionContract is the instrument metadata recovered from a contract symbol.
type OptionContract struct {
	ContractSymbol string
	Underlying     string
	Expiration     time.Time
	OptionType     string // call, put
	Strike         decimal.Decimal
}

// ExpirationDate formats the expiration as YYYY-MM-DD.
func (c OptionContract) ExpirationDate() string {
	return c.Expiration.Format("2006-01-02")
}
