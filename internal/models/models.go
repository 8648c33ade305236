package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContractMultiplier is the number of underlying shares per option contract.
var ContractMultiplier = decimal.NewFromInt(100)

// Effect says whether a fill opened or closed exposure.
type Effect string

const (
	EffectOpen  Effect = "open"
	EffectClose Effect = "close"
)

// Direction is the cash direction of a strategy.
// DEBIT means premium was paid (long option), CREDIT means it was received.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Status is the lifecycle status of a reconciled Position.
type Status string

const (
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusExpired  Status = "expired"
	StatusOrphaned Status = "orphaned"
)

// FillRow is a fill as it is stored and ingested. Numeric fields are kept as
// text so that a single bad row can be detected and skipped during
// reconciliation instead of failing the whole batch.
type FillRow struct {
	ID                 string `json:"id"`
	AccountID          string `json:"account_id"`
	InstrumentGroupKey string `json:"instrument_group_key"` // one contract (or joined leg-set)
	Symbol             string `json:"symbol"`               // underlying, e.g. "AAPL"
	Timestamp          string `json:"timestamp"`            // RFC3339
	Effect             string `json:"effect"`
	ExpirationDate     string `json:"expiration_date"` // YYYY-MM-DD
	StrikeDescriptor   string `json:"strike"`          // "150.00" or "150.00/155.00" for leg-sets
	OptionType         string `json:"option_type"`
	Price              string `json:"price"`
	Quantity           string `json:"quantity"`
	Premium            string `json:"premium"`
	StrategyTag        string `json:"strategy"`
	Direction          string `json:"direction"`
}

// FillRecord is a parsed, immutable fill.
type FillRecord struct {
	ID                 string
	AccountID          string
	InstrumentGroupKey string
	Symbol             string
	Timestamp          time.Time
	Effect             Effect
	ExpirationDate     string
	StrikeDescriptor   string
	OptionType         string
	Price              decimal.NullDecimal
	Quantity           decimal.Decimal
	Premium            decimal.NullDecimal
	StrategyTag        string
	Direction          Direction
}

// Position is the aggregate of all fills for one instrument group.
// It is rebuilt from scratch on every reconciliation pass.
type Position struct {
	Key              string              `json:"key"`
	AccountID        string              `json:"account_id"`
	Symbol           string              `json:"symbol"`
	ExpirationDate   string              `json:"expiration_date"`
	StrikeDescriptor string              `json:"strike"`
	OptionType       string              `json:"option_type"`
	StrategyTag      string              `json:"strategy"`
	Direction        Direction           `json:"direction"`
	OpenDate         time.Time           `json:"open_date"`
	CloseDate        time.Time           `json:"close_date"`
	Quantity         decimal.Decimal     `json:"quantity"` // sum of OPEN quantities only
	OpenPrice        decimal.NullDecimal `json:"open_price"`
	ClosePrice       decimal.NullDecimal `json:"close_price"`
	OpenPremium      decimal.NullDecimal `json:"open_premium"`
	ClosePremium     decimal.NullDecimal `json:"close_premium"`
	NetCredit        decimal.NullDecimal `json:"net_credit"`
	Status           Status              `json:"status"`
}

// TrailingStopState is local risk-policy state. It is never derived from the
// broker and survives reconciles.
type TrailingStopState struct {
	Enabled          bool            `json:"enabled"`
	Percent          decimal.Decimal `json:"percent"`
	HighestPriceSeen decimal.Decimal `json:"highest_price_seen"`
	TriggerPrice     decimal.Decimal `json:"trigger_price"`
	Triggered        bool            `json:"triggered"`
	OrderSubmitted   bool            `json:"order_submitted"`
	LastOrderID      string          `json:"last_order_id,omitempty"`
}

// TakeProfitState fires when unrealized P&L percent reaches Percent.
type TakeProfitState struct {
	Enabled   bool            `json:"enabled"`
	Percent   decimal.Decimal `json:"percent"`
	Triggered bool            `json:"triggered"`
}

// LongPosition is a live, monitored option position owned by the cache.
type LongPosition struct {
	Key            string          `json:"key"`
	AccountID      string          `json:"account_id"`
	Symbol         string          `json:"symbol"`
	StrikePrice    decimal.Decimal `json:"strike_price"`
	OptionType     string          `json:"option_type"`
	ExpirationDate string          `json:"expiration_date"`
	Quantity       decimal.Decimal `json:"quantity"`
	OpenPremium    decimal.Decimal `json:"open_premium"` // total cost, multiplier included
	CurrentPrice   decimal.Decimal `json:"current_price"`
	PnL            decimal.Decimal `json:"pnl"`
	PnLPercent     decimal.Decimal `json:"pnl_percent"`
	InstrumentIDs  []string        `json:"instrument_ids"`

	TrailingStop TrailingStopState `json:"trailing_stop"`
	TakeProfit   TakeProfitState   `json:"take_profit"`
}

// Clone returns a copy that shares no memory with p.
func (p *LongPosition) Clone() LongPosition {
	c := *p
	c.InstrumentIDs = append([]string(nil), p.InstrumentIDs...)
	return c
}

// InstrumentID is the id used for quotes and orders.
func (p *LongPosition) InstrumentID() string {
	if len(p.InstrumentIDs) == 0 {
		return ""
	}
	return p.InstrumentIDs[0]
}

// RiskState is the part of a LongPosition carried across reconciles and restarts.
type RiskState struct {
	TrailingStop TrailingStopState `json:"trailing_stop"`
	TakeProfit   TakeProfitState   `json:"take_profit"`
}

// HasRiskPolicy reports whether any risk policy was ever configured.
func (r RiskState) HasRiskPolicy() bool {
	return r.TrailingStop.Enabled || r.TakeProfit.Enabled || r.TrailingStop.OrderSubmitted
}

// OrderKind identifies why an order was submitted.
type OrderKind string

const (
	OrderKindClose        OrderKind = "limit"
	OrderKindTrailingStop OrderKind = "stop_limit"
)

// TrackedOrder is an order submitted through the cache, kept for status polling.
type TrackedOrder struct {
	OrderID     string          `json:"order_id"`
	PositionKey string          `json:"position_key"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	StopPrice   decimal.Decimal `json:"stop_price,omitempty"`
	Kind        OrderKind       `json:"kind"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Status      string          `json:"status"`
}

// OrderResult is what the gateway returns for a submission.
type OrderResult struct {
	Success bool
	OrderID string
	Error   string
}
