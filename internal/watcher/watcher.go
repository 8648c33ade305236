// Package watcher runs one AccountMonitor per account over a shared
// PositionCache and turns fired risk policies into alerts or orders.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"options_watcher/internal/cache"
	"options_watcher/internal/market"
)

var ErrAlreadyRunning = errors.New("account monitor already running")

type handle struct {
	monitor *AccountMonitor
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager owns the set of running AccountMonitors.
type Manager struct {
	cache   *cache.PositionCache
	clock   market.Clock
	handler TriggerHandler
	iv      Intervals
	logger  *zap.Logger

	mu       sync.Mutex
	monitors map[string]*handle
	stopped  bool
}

func NewManager(c *cache.PositionCache, clock market.Clock, handler TriggerHandler, iv Intervals, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cache:    c,
		clock:    clock,
		handler:  handler,
		iv:       iv,
		logger:   logger,
		monitors: make(map[string]*handle),
	}
}

// Start launches a monitor for accountID. A monitor that already exited
// (idle or failed) is replaced.
func (m *Manager) Start(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return errors.New("manager stopped")
	}
	if h, ok := m.monitors[accountID]; ok {
		select {
		case <-h.done:
		default:
			return fmt.Errorf("%s: %w", accountID, ErrAlreadyRunning)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{
		monitor: NewAccountMonitor(accountID, m.cache, m.clock, m.handler, m.iv, m.logger),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.monitors[accountID] = h

	go func() {
		defer close(h.done)
		defer cancel()
		if err := h.monitor.Run(runCtx); err != nil {
			m.logger.Error("account monitor exited", zap.String("account", accountID), zap.Error(err))
		}
	}()
	return nil
}

// RestartIdle starts a fresh monitor for every account whose monitor exited
// because it had no positions, so positions opened later get watched. It
// returns the restarted accounts.
func (m *Manager) RestartIdle(ctx context.Context) []string {
	m.mu.Lock()
	var idle []string
	for id, h := range m.monitors {
		select {
		case <-h.done:
			if h.monitor.Status().State == StateIdle {
				idle = append(idle, id)
			}
		default:
		}
	}
	m.mu.Unlock()
	sort.Strings(idle)

	var restarted []string
	for _, id := range idle {
		if err := m.Start(ctx, id); err != nil {
			m.logger.Warn("restart idle monitor failed", zap.String("account", id), zap.Error(err))
			continue
		}
		restarted = append(restarted, id)
	}
	return restarted
}

// Stop cancels one account's monitor and waits for it to exit. It reports
// whether a monitor existed.
func (m *Manager) Stop(accountID string) bool {
	m.mu.Lock()
	h, ok := m.monitors[accountID]
	delete(m.monitors, accountID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	<-h.done
	return true
}

// StopAll cancels every monitor and waits up to timeout for them to exit.
// Later calls are no-ops.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	handles := make([]*handle, 0, len(m.monitors))
	for _, h := range m.monitors {
		handles = append(handles, h)
		h.cancel()
	}
	m.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline.C:
			return fmt.Errorf("monitors did not stop within %s", timeout)
		}
	}
	m.logger.Info("all account monitors stopped", zap.Int("count", len(handles)))
	return nil
}

// WaitForInitialLoad blocks until every started monitor finished its first
// load, or timeout. It reports whether all of them did.
func (m *Manager) WaitForInitialLoad(timeout time.Duration) bool {
	m.mu.Lock()
	chans := make([]<-chan struct{}, 0, len(m.monitors))
	for _, h := range m.monitors {
		chans = append(chans, h.monitor.Loaded())
	}
	m.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, c := range chans {
		select {
		case <-c:
		case <-deadline.C:
			return false
		}
	}
	return true
}

// Running lists accounts whose monitor has not exited.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, h := range m.monitors {
		select {
		case <-h.done:
		default:
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Status returns every monitor's status sorted by account.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	mons := make([]*AccountMonitor, 0, len(m.monitors))
	for _, h := range m.monitors {
		mons = append(mons, h.monitor)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(mons))
	for _, mon := range mons {
		out = append(out, mon.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}
