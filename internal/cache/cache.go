// Package cache holds the live, per-account LongPosition maps and their local
// risk-policy state.
//
// Every read and write happens under one lock. Broker calls (snapshots,
// quotes, orders) are made without the lock held: fetch, then lock and apply.
// Readers always receive copies.
package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"options_watcher/internal/market"
	"options_watcher/internal/models"
)

var (
	ErrPositionNotFound     = errors.New("position not found")
	ErrPriceUnavailable     = errors.New("current price unavailable")
	ErrGatewayNotConfigured = errors.New("order gateway not configured")
	ErrTrailingStopDisabled = errors.New("trailing stop not enabled")
	ErrTakeProfitDisabled   = errors.New("take profit not enabled")
	ErrInvalidQuantity      = errors.New("position quantity must be positive")
	ErrAmbiguousSymbol      = errors.New("symbol matches more than one position")
)

const defaultCallTimeout = 10 * time.Second

// PositionCache is the risk-state store shared by all account monitors.
type PositionCache struct {
	mu       sync.RWMutex
	accounts map[string]map[string]*models.LongPosition
	orders   map[string]map[string]*models.TrackedOrder
	seeds    map[string]map[string]models.RiskState

	snapshot market.BrokerSnapshot
	gateway  market.OrderGateway
	logger   *zap.Logger

	callTimeout time.Duration
	now         func() time.Time
}

// Option configures a PositionCache.
type Option func(*PositionCache)

// WithGateway enables order submission.
func WithGateway(g market.OrderGateway) Option {
	return func(c *PositionCache) { c.gateway = g }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *PositionCache) { c.logger = l }
}

// WithCallTimeout bounds every broker call made by the cache.
func WithCallTimeout(d time.Duration) Option {
	return func(c *PositionCache) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithClock overrides the time source used for order timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *PositionCache) { c.now = now }
}

// New builds an empty cache backed by snapshot.
func New(snapshot market.BrokerSnapshot, opts ...Option) *PositionCache {
	c := &PositionCache{
		accounts:    make(map[string]map[string]*models.LongPosition),
		orders:      make(map[string]map[string]*models.TrackedOrder),
		seeds:       make(map[string]map[string]models.RiskState),
		snapshot:    snapshot,
		logger:      zap.NewNop(),
		callTimeout: defaultCallTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *PositionCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

// PositionKey is the cache key of a live position.
func PositionKey(symbol, expiration, strike, optionType string) string {
	return symbol + "_" + expiration + "_" + strike + "_" + optionType
}

// fromBroker converts a broker position. Non-long, empty and unparsable
// positions are rejected.
func fromBroker(accountID string, bp models.BrokerPosition) (*models.LongPosition, error) {
	if bp.AssetClass != "" && !strings.EqualFold(bp.AssetClass, "us_option") {
		return nil, errors.New("not an option position")
	}
	if bp.Side != "" && !strings.EqualFold(bp.Side, "long") {
		return nil, errors.New("not a long position")
	}
	if !bp.Qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	contract, err := market.ParseOCCSymbol(bp.Symbol)
	if err != nil {
		return nil, err
	}

	strike := market.FormatStrike(contract.Strike)
	p := &models.LongPosition{
		Key:            PositionKey(contract.Underlying, contract.ExpirationDate(), strike, contract.OptionType),
		AccountID:      accountID,
		Symbol:         contract.Underlying,
		StrikePrice:    contract.Strike,
		OptionType:     contract.OptionType,
		ExpirationDate: contract.ExpirationDate(),
		Quantity:       bp.Qty,
		OpenPremium:    bp.CostBasis.Abs(),
		InstrumentIDs:  []string{contract.ContractSymbol},
	}
	if bp.CurrentPrice.IsPositive() {
		applyPrice(p, bp.CurrentPrice)
	}
	return p, nil
}

func (c *PositionCache) convert(accountID string, broker []models.BrokerPosition) map[string]*models.LongPosition {
	out := make(map[string]*models.LongPosition, len(broker))
	for _, bp := range broker {
		p, err := fromBroker(accountID, bp)
		if err != nil {
			c.logger.Debug("skipping broker position",
				zap.String("account", accountID),
				zap.String("symbol", bp.Symbol),
				zap.Error(err))
			continue
		}
		if existing, ok := out[p.Key]; ok {
			existing.Quantity = existing.Quantity.Add(p.Quantity)
			existing.OpenPremium = existing.OpenPremium.Add(p.OpenPremium)
			continue
		}
		out[p.Key] = p
	}
	return out
}

// LoadPositionsForAccount replaces the account's map with a fresh broker
// snapshot and returns how many positions were loaded. Risk state seeded
// with SeedRiskState is applied to matching keys.
func (c *PositionCache) LoadPositionsForAccount(ctx context.Context, accountID string) (int, error) {
	callCtx, cancel := c.withTimeout(ctx)
	broker, err := c.snapshot.FetchOpenPositions(callCtx, accountID)
	cancel()
	if err != nil {
		return 0, err
	}
	fresh := c.convert(accountID, broker)

	c.mu.Lock()
	defer c.mu.Unlock()
	if seeds, ok := c.seeds[accountID]; ok {
		for key, p := range fresh {
			if s, ok := seeds[key]; ok {
				p.TrailingStop = s.TrailingStop
				p.TakeProfit = s.TakeProfit
			}
		}
		delete(c.seeds, accountID)
	}
	c.accounts[accountID] = fresh
	return len(fresh), nil
}

// ReconcileResult describes one merge of a broker snapshot.
type ReconcileResult struct {
	Total   int
	Added   []string
	Removed []string
}

// ReconcileAccount merges a fresh broker snapshot into the account's map.
// Keys present before and after keep their trailing-stop and take-profit
// state (and last known price when the snapshot has none); keys gone from
// the snapshot are dropped; new keys start without risk state.
func (c *PositionCache) ReconcileAccount(ctx context.Context, accountID string) (ReconcileResult, error) {
	callCtx, cancel := c.withTimeout(ctx)
	broker, err := c.snapshot.FetchOpenPositions(callCtx, accountID)
	cancel()
	if err != nil {
		return ReconcileResult{}, err
	}
	fresh := c.convert(accountID, broker)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mergeLocked(accountID, fresh), nil
}

func (c *PositionCache) mergeLocked(accountID string, fresh map[string]*models.LongPosition) ReconcileResult {
	old := c.accounts[accountID]
	res := ReconcileResult{Total: len(fresh)}

	for key, p := range fresh {
		prev, ok := old[key]
		if !ok {
			res.Added = append(res.Added, key)
			continue
		}
		p.TrailingStop = prev.TrailingStop
		p.TakeProfit = prev.TakeProfit
		if !p.CurrentPrice.IsPositive() && prev.CurrentPrice.IsPositive() {
			applyPrice(p, prev.CurrentPrice)
			if !p.OpenPremium.IsPositive() {
				p.PnLPercent = prev.PnLPercent
			}
		}
	}
	for key := range old {
		if _, ok := fresh[key]; !ok {
			res.Removed = append(res.Removed, key)
		}
	}
	sort.Strings(res.Added)
	sort.Strings(res.Removed)

	c.accounts[accountID] = fresh
	return res
}

// RemoveAccount drops an account's positions and tracked orders.
func (c *PositionCache) RemoveAccount(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accounts, accountID)
	delete(c.orders, accountID)
	delete(c.seeds, accountID)
}

// Accounts lists account ids with a loaded map.
func (c *PositionCache) Accounts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.accounts))
	for id := range c.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count is the number of cached positions for accountID.
func (c *PositionCache) Count(accountID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.accounts[accountID])
}

// Positions returns copies of the account's positions ordered by key.
func (c *PositionCache) Positions(accountID string) []models.LongPosition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.accounts[accountID]
	out := make([]models.LongPosition, 0, len(m))
	for _, p := range m {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Position returns a copy of one position. ref is a position key, a contract
// symbol or an underlying symbol held in exactly one position.
func (c *PositionCache) Position(accountID, ref string) (models.LongPosition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, err := c.resolveLocked(accountID, ref)
	if err != nil {
		return models.LongPosition{}, err
	}
	return p.Clone(), nil
}

func (c *PositionCache) resolveLocked(accountID, ref string) (*models.LongPosition, error) {
	m, ok := c.accounts[accountID]
	if !ok {
		return nil, market.ErrUnknownAccount
	}
	if p, ok := m[ref]; ok {
		return p, nil
	}
	var matches []*models.LongPosition
	for _, p := range m {
		if strings.EqualFold(p.InstrumentID(), ref) {
			return p, nil
		}
		if strings.EqualFold(p.Symbol, ref) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return nil, ErrPositionNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguousSymbol
	}
}

// ExportRiskState returns the risk state of every position that has a policy,
// keyed by account then position key.
func (c *PositionCache) ExportRiskState() map[string]map[string]models.RiskState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[string]models.RiskState)
	for acct, m := range c.accounts {
		for key, p := range m {
			rs := models.RiskState{TrailingStop: p.TrailingStop, TakeProfit: p.TakeProfit}
			if !rs.HasRiskPolicy() {
				continue
			}
			if out[acct] == nil {
				out[acct] = make(map[string]models.RiskState)
			}
			out[acct][key] = rs
		}
	}
	// accounts not loaded yet keep their seeds
	for acct, seeds := range c.seeds {
		if _, loaded := c.accounts[acct]; loaded {
			continue
		}
		for key, rs := range seeds {
			if out[acct] == nil {
				out[acct] = make(map[string]models.RiskState)
			}
			out[acct][key] = rs
		}
	}
	return out
}

// SeedRiskState stages persisted risk state to be applied on the next
// LoadPositionsForAccount of each account.
func (c *PositionCache) SeedRiskState(states map[string]map[string]models.RiskState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for acct, m := range states {
		cp := make(map[string]models.RiskState, len(m))
		for k, v := range m {
			cp[k] = v
		}
		c.seeds[acct] = cp
	}
}
