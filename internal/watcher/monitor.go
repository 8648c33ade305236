package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"options_watcher/internal/cache"
	"options_watcher/internal/config"
	"options_watcher/internal/market"
	"options_watcher/internal/metrics"
)

// Intervals drives an AccountMonitor's cadence.
type Intervals struct {
	Fast            time.Duration // price refresh + evaluation while open
	OpenReconcile   time.Duration
	ClosedCheck     time.Duration // clock re-check while closed
	ClosedReconcile time.Duration
	ErrorBackoff    time.Duration
}

// DefaultIntervals are 1s, 60s, 60s, 300s and 5s.
func DefaultIntervals() Intervals {
	return Intervals{
		Fast:            time.Second,
		OpenReconcile:   time.Minute,
		ClosedCheck:     time.Minute,
		ClosedReconcile: 5 * time.Minute,
		ErrorBackoff:    5 * time.Second,
	}
}

// IntervalsFromConfig maps config durations, keeping defaults for zeros.
func IntervalsFromConfig(cfg *config.Config) Intervals {
	iv := DefaultIntervals()
	set := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	set(&iv.Fast, cfg.FastInterval)
	set(&iv.OpenReconcile, cfg.OpenReconcileInterval)
	set(&iv.ClosedCheck, cfg.ClosedCheckInterval)
	set(&iv.ClosedReconcile, cfg.ClosedReconcileInterval)
	set(&iv.ErrorBackoff, cfg.ErrorBackoff)
	return iv
}

// State is the lifecycle phase of an AccountMonitor.
type State string

const (
	StatePending      State = "pending"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateIdle         State = "idle" // exited after loading zero positions
	StateStopped      State = "stopped"
)

// TriggerHandler acts on a fired risk policy.
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, accountID string, t cache.Trigger)
}

// AccountMonitor watches one account's positions until its context ends.
type AccountMonitor struct {
	accountID string
	cache     *cache.PositionCache
	clock     market.Clock
	handler   TriggerHandler
	iv        Intervals
	logger    *zap.Logger

	loaded     chan struct{}
	loadedOnce sync.Once

	mu            sync.Mutex
	state         State
	since         time.Time
	lastReconcile time.Time
	lastErr       error
	iterations    int
}

func NewAccountMonitor(accountID string, c *cache.PositionCache, clock market.Clock, handler TriggerHandler, iv Intervals, logger *zap.Logger) *AccountMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountMonitor{
		accountID: accountID,
		cache:     c,
		clock:     clock,
		handler:   handler,
		iv:        iv,
		logger:    logger.With(zap.String("account", config.Mask(accountID))),
		loaded:    make(chan struct{}),
		state:     StatePending,
	}
}

func (m *AccountMonitor) AccountID() string { return m.accountID }

// Loaded is closed once the initial load has finished (or the monitor
// stopped before it could).
func (m *AccountMonitor) Loaded() <-chan struct{} { return m.loaded }

func (m *AccountMonitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.since = m.clock.Now()
	m.mu.Unlock()
}

// Status is a point-in-time view of a monitor.
type Status struct {
	AccountID     string
	State         State
	Since         time.Time
	Positions     int
	Iterations    int
	LastReconcile time.Time
	LastError     string
}

func (m *AccountMonitor) Status() Status {
	m.mu.Lock()
	s := Status{
		AccountID:     m.accountID,
		State:         m.state,
		Since:         m.since,
		Iterations:    m.iterations,
		LastReconcile: m.lastReconcile,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()
	s.Positions = m.cache.Count(m.accountID)
	return s
}

// Run blocks until ctx is canceled, or returns nil straight after the
// initial load when the account holds no positions.
func (m *AccountMonitor) Run(ctx context.Context) error {
	defer m.loadedOnce.Do(func() { close(m.loaded) })

	m.setState(StateInitializing)
	n, err := m.initialLoad(ctx)
	m.loadedOnce.Do(func() { close(m.loaded) })
	if err != nil {
		m.setState(StateStopped)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	metrics.SetMonitoredPositions(m.accountID, n)
	if n == 0 {
		m.logger.Info("no open long option positions, nothing to monitor")
		m.setState(StateIdle)
		return nil
	}

	m.logger.Info("monitoring started", zap.Int("positions", n))
	m.setState(StateRunning)
	defer func() {
		m.setState(StateStopped)
		m.logger.Info("monitoring stopped")
	}()

	for {
		wait := m.iterate(ctx)
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// initialLoad retries until it succeeds or ctx ends.
func (m *AccountMonitor) initialLoad(ctx context.Context) (int, error) {
	for {
		n, err := m.cache.LoadPositionsForAccount(ctx, m.accountID)
		if err == nil {
			m.mu.Lock()
			m.lastReconcile = m.clock.Now()
			m.lastErr = nil
			m.mu.Unlock()
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		m.recordErr("load", err)
		if errors.Is(err, market.ErrUnknownAccount) {
			return 0, err
		}
		if !sleep(ctx, m.iv.ErrorBackoff) {
			return 0, ctx.Err()
		}
	}
}

// iterate runs one pass and returns how long to wait before the next.
func (m *AccountMonitor) iterate(ctx context.Context) (next time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			m.recordErr("panic", fmt.Errorf("recovered: %v", r))
			next = m.iv.ErrorBackoff
		}
	}()

	now := m.clock.Now()
	open := m.clock.IsMarketOpen(now)
	metrics.RecordIteration(m.accountID, open)

	m.mu.Lock()
	m.iterations++
	due := now.Sub(m.lastReconcile)
	m.mu.Unlock()

	every := m.iv.ClosedReconcile
	if open {
		every = m.iv.OpenReconcile
	}
	if due >= every {
		if err := m.reconcile(ctx, now); err != nil {
			return m.iv.ErrorBackoff
		}
	}

	if !open {
		return m.iv.ClosedCheck
	}

	updated, err := m.cache.RefreshPrices(ctx, m.accountID)
	if err != nil {
		m.recordErr("refresh", err)
		if updated == 0 {
			return m.iv.ErrorBackoff
		}
	}

	for _, t := range m.cache.EvaluateRisk(m.accountID) {
		if ctx.Err() != nil {
			return 0
		}
		metrics.RecordTrigger(m.accountID, string(t.Kind))
		m.logger.Info("risk trigger",
			zap.String("kind", string(t.Kind)),
			zap.String("position", t.Position.Key),
			zap.String("price", t.Position.CurrentPrice.String()),
			zap.String("trigger_price", t.Position.TrailingStop.TriggerPrice.String()),
			zap.String("pnl_pct", t.Position.PnLPercent.StringFixed(2)))
		if m.handler != nil {
			m.handler.HandleTrigger(ctx, m.accountID, t)
		}
	}

	if err != nil {
		return m.iv.ErrorBackoff
	}
	return m.iv.Fast
}

// reconcile merges a fresh broker snapshot and polls tracked orders.
func (m *AccountMonitor) reconcile(ctx context.Context, now time.Time) error {
	res, err := m.cache.ReconcileAccount(ctx, m.accountID)
	if err != nil {
		m.recordErr("reconcile", err)
		return err
	}
	m.mu.Lock()
	m.lastReconcile = now
	m.mu.Unlock()
	metrics.SetMonitoredPositions(m.accountID, res.Total)
	if len(res.Added) > 0 || len(res.Removed) > 0 {
		m.logger.Info("positions reconciled",
			zap.Int("total", res.Total), zap.Strings("added", res.Added), zap.Strings("removed", res.Removed))
	}

	if _, err := m.cache.RefreshOrderStatus(ctx, m.accountID); err != nil && !errors.Is(err, cache.ErrGatewayNotConfigured) {
		m.recordErr("order_status", err)
	}
	return nil
}

func (m *AccountMonitor) recordErr(kind string, err error) {
	metrics.RecordError(m.accountID, kind)
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.logger.Warn("monitor iteration failed", zap.String("stage", kind), zap.Error(err))
}

// sleep waits d or until ctx is done, reporting false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
