package watcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"options_watcher/internal/cache"
	"options_watcher/internal/metrics"
	"options_watcher/internal/models"
	"options_watcher/internal/telegram"
)

// Notifier delivers operator messages.
type Notifier interface {
	Notify(ctx context.Context, text string) error
	SendInteractive(ctx context.Context, text string, buttons []telegram.Button) error
}

// AlertConfig tunes trigger handling.
type AlertConfig struct {
	AutoExecute     bool
	ConfirmationTTL time.Duration
	Debounce        time.Duration // between alerts for the same position and policy
	RetryInterval   time.Duration // between automatic submission attempts
}

func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		ConfirmationTTL: 5 * time.Minute,
		Debounce:        15 * time.Minute,
		RetryInterval:   30 * time.Second,
	}
}

// PendingAction is a trigger waiting for the operator's confirmation.
type PendingAction struct {
	ID           string
	AccountID    string
	PositionKey  string
	Symbol       string
	Kind         cache.TriggerKind
	TriggerPrice decimal.Decimal
	Timestamp    time.Time
}

// Alerter implements TriggerHandler. With AutoExecute it submits the exit
// order directly; otherwise it asks for confirmation over Telegram.
type Alerter struct {
	cache    *cache.PositionCache
	notifier Notifier
	cfg      AlertConfig
	persist  func()
	now      func() time.Time
	logger   *zap.Logger

	mu        sync.Mutex
	pending   map[string]PendingAction
	lastAlert map[string]time.Time
}

var _ TriggerHandler = (*Alerter)(nil)

// NewAlerter builds an Alerter. notifier may be nil (alerts are only
// logged); persist runs after every successful submission.
func NewAlerter(c *cache.PositionCache, notifier Notifier, cfg AlertConfig, persist func(), logger *zap.Logger) *Alerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Alerter{
		cache:     c,
		notifier:  notifier,
		cfg:       cfg,
		persist:   persist,
		now:       time.Now,
		logger:    logger,
		pending:   make(map[string]PendingAction),
		lastAlert: make(map[string]time.Time),
	}
}

// WithClock replaces time.Now.
func (a *Alerter) WithClock(now func() time.Time) *Alerter {
	a.now = now
	return a
}

func slotKey(accountID, positionKey string, kind cache.TriggerKind) string {
	return accountID + "|" + positionKey + "|" + string(kind)
}

func kindLabel(kind cache.TriggerKind) string {
	switch kind {
	case cache.TriggerTrailingStop:
		return "TRAILING STOP"
	case cache.TriggerTakeProfit:
		return "TAKE PROFIT"
	}
	return strings.ToUpper(string(kind))
}

// HandleTrigger is called by the monitor loop for every fired policy.
func (a *Alerter) HandleTrigger(ctx context.Context, accountID string, t cache.Trigger) {
	pos := t.Position
	if a.cache.HasOpenOrder(accountID, pos.Key) {
		return
	}

	now := a.now()
	slot := slotKey(accountID, pos.Key, t.Kind)
	gap := a.cfg.Debounce
	if a.cfg.AutoExecute {
		gap = a.cfg.RetryInterval
	}

	a.mu.Lock()
	a.expireLocked(now)
	if last, ok := a.lastAlert[slot]; ok && now.Sub(last) < gap {
		a.mu.Unlock()
		return
	}
	a.lastAlert[slot] = now
	var action PendingAction
	if !a.cfg.AutoExecute {
		action = PendingAction{
			ID:           uuid.NewString()[:8],
			AccountID:    accountID,
			PositionKey:  pos.Key,
			Symbol:       pos.InstrumentID(),
			Kind:         t.Kind,
			TriggerPrice: pos.CurrentPrice,
			Timestamp:    now,
		}
		a.pending[action.ID] = action
	}
	a.mu.Unlock()

	if a.cfg.AutoExecute {
		order, err := a.execute(ctx, accountID, pos.Key, t.Kind)
		if err != nil {
			a.notify(ctx, fmt.Sprintf("❌ *%s FAILED*\nAccount: %s\nContract: %s\nError: %v",
				kindLabel(t.Kind), accountID, pos.InstrumentID(), err))
			return
		}
		a.notify(ctx, fmt.Sprintf("✅ *%s EXECUTED*\nAccount: %s\n%s",
			kindLabel(t.Kind), accountID, describeOrder(order)))
		return
	}

	msg := fmt.Sprintf("🚨 *%s ALERT*\nAccount: %s\nContract: %s\nPrice: $%s\n%s\nAction: SELL TO CLOSE %s\n\n⏱️ Valid for %d seconds.",
		kindLabel(t.Kind), accountID, pos.InstrumentID(), pos.CurrentPrice.StringFixed(2),
		triggerDetail(t), pos.Quantity.String(), int(a.cfg.ConfirmationTTL.Seconds()))
	buttons := []telegram.Button{
		{Text: "✅ CONFIRM", CallbackData: "confirm:" + action.ID},
		{Text: "❌ CANCEL", CallbackData: "cancel:" + action.ID},
	}
	if a.notifier == nil {
		a.logger.Warn("trigger needs confirmation but telegram is not configured",
			zap.String("account", accountID), zap.String("position", pos.Key), zap.String("kind", string(t.Kind)))
		return
	}
	if err := a.notifier.SendInteractive(ctx, msg, buttons); err != nil {
		a.logger.Warn("alert delivery failed", zap.String("position", pos.Key), zap.Error(err))
	}
}

func triggerDetail(t cache.Trigger) string {
	if t.Kind == cache.TriggerTrailingStop {
		ts := t.Position.TrailingStop
		return fmt.Sprintf("HWM: $%s | Trigger: $%s (%s%%)",
			ts.HighestPriceSeen.StringFixed(2), ts.TriggerPrice.StringFixed(2), ts.Percent.String())
	}
	return fmt.Sprintf("P&L: $%s (%s%% >= %s%%)",
		t.Position.PnL.StringFixed(2), t.Position.PnLPercent.StringFixed(2), t.Position.TakeProfit.Percent.String())
}

func describeOrder(o models.TrackedOrder) string {
	s := fmt.Sprintf("Order %s: SELL %s %s @ $%s", o.OrderID, o.Quantity.String(), o.Symbol, o.LimitPrice.StringFixed(2))
	if o.StopPrice.IsPositive() {
		s += fmt.Sprintf(" (stop $%s)", o.StopPrice.StringFixed(2))
	}
	return s
}

func (a *Alerter) notify(ctx context.Context, text string) {
	if a.notifier == nil {
		a.logger.Info(text)
		return
	}
	if err := a.notifier.Notify(ctx, text); err != nil {
		a.logger.Warn("telegram notify failed", zap.Error(err))
	}
}

func (a *Alerter) execute(ctx context.Context, accountID, key string, kind cache.TriggerKind) (models.TrackedOrder, error) {
	var (
		order models.TrackedOrder
		err   error
	)
	switch kind {
	case cache.TriggerTrailingStop:
		order, err = a.cache.SubmitTrailingStopOrder(ctx, accountID, key)
	case cache.TriggerTakeProfit:
		order, err = a.cache.SubmitTakeProfitOrder(ctx, accountID, key)
	default:
		return order, fmt.Errorf("unknown trigger kind %q", kind)
	}
	metrics.RecordOrder(accountID, string(kind), err == nil)
	if err != nil {
		a.logger.Warn("exit order failed",
			zap.String("account", accountID), zap.String("position", key), zap.String("kind", string(kind)), zap.Error(err))
		return order, err
	}
	a.logger.Info("exit order submitted",
		zap.String("account", accountID), zap.String("position", key), zap.String("kind", string(kind)),
		zap.String("order_id", order.OrderID), zap.String("limit", order.LimitPrice.String()))
	if a.persist != nil {
		a.persist()
	}
	return order, nil
}

func (a *Alerter) expireLocked(now time.Time) {
	for id, p := range a.pending {
		if now.Sub(p.Timestamp) > a.cfg.ConfirmationTTL {
			delete(a.pending, id)
		}
	}
}

// Pending returns the actions awaiting confirmation.
func (a *Alerter) Pending() []PendingAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked(a.now())
	out := make([]PendingAction, 0, len(a.pending))
	for _, p := range a.pending {
		out = append(out, p)
	}
	return out
}

// HandleCallback processes CONFIRM/CANCEL button presses ("confirm:<id>").
func (a *Alerter) HandleCallback(ctx context.Context, data string) string {
	action, id, ok := strings.Cut(data, ":")
	if !ok || id == "" {
		return "⚠️ Invalid callback data."
	}

	a.mu.Lock()
	pending, exists := a.pending[id]
	delete(a.pending, id)
	a.mu.Unlock()
	if !exists {
		return "⚠️ Action expired or not found."
	}

	switch action {
	case "cancel":
		return fmt.Sprintf("❌ %s for %s cancelled.", kindLabel(pending.Kind), pending.Symbol)
	case "confirm":
	default:
		return "⚠️ Invalid callback data."
	}

	if a.now().Sub(pending.Timestamp) > a.cfg.ConfirmationTTL {
		return fmt.Sprintf("⏳ TIMEOUT: Confirmation for %s is older than %ds. Action aborted.",
			pending.Symbol, int(a.cfg.ConfirmationTTL.Seconds()))
	}
	if a.cache.HasOpenOrder(pending.AccountID, pending.PositionKey) {
		return fmt.Sprintf("⚠️ An order for %s is already working.", pending.Symbol)
	}

	order, err := a.execute(ctx, pending.AccountID, pending.PositionKey, pending.Kind)
	if err != nil {
		return fmt.Sprintf("❌ Execution failed for %s: %v", pending.Symbol, err)
	}
	a.notify(ctx, fmt.Sprintf("✅ *%s CONFIRMED*\nAccount: %s\n%s", kindLabel(pending.Kind), pending.AccountID, describeOrder(order)))
	return "✅ Order submitted."
}
