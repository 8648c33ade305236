package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"options_watcher/internal/cache"
	"options_watcher/internal/market"
	"options_watcher/internal/reconcile"
)

// Reporter serves the realized P&L views.
type Reporter interface {
	Summary(ctx context.Context, accountID string) (reconcile.Summary, error)
	DailyPnL(ctx context.Context, accountID, start, end string) ([]reconcile.DailyPnL, error)
}

type CommandDoc struct {
	Name        string
	Description string
	Example     string
}

// Commands answers operator commands.
type Commands struct {
	cache     *cache.PositionCache
	manager   *Manager
	alerter   *Alerter
	reporter  Reporter
	persist   func()
	clock     market.Clock
	startTime time.Time

	defaultTrailPct decimal.Decimal
	defaultTPPct    decimal.Decimal
	autoExecute     bool

	docs []CommandDoc
}

// CommandsConfig carries the defaults used when a percent is omitted.
type CommandsConfig struct {
	DefaultTrailingStopPct float64
	DefaultTakeProfitPct   float64
	AutoExecute            bool
}

// NewCommands wires the handlers. reporter and persist may be nil.
func NewCommands(c *cache.PositionCache, manager *Manager, alerter *Alerter, reporter Reporter, persist func(), clock market.Clock, cfg CommandsConfig) *Commands {
	return &Commands{
		cache:           c,
		manager:         manager,
		alerter:         alerter,
		reporter:        reporter,
		persist:         persist,
		clock:           clock,
		startTime:       clock.Now(),
		defaultTrailPct: decimal.NewFromFloat(cfg.DefaultTrailingStopPct),
		defaultTPPct:    decimal.NewFromFloat(cfg.DefaultTakeProfitPct),
		autoExecute:     cfg.AutoExecute,
		docs: []CommandDoc{
			{"/ping", "Connectivity check", "/ping"},
			{"/status", "Monitors, market session, pending confirmations", "/status"},
			{"/positions", "Cached long option positions with P&L and risk state", "/positions <acct>"},
			{"/trail", "Enable a trailing stop (default percent if omitted)", "/trail <acct> <symbol> [pct]"},
			{"/untrail", "Disable a trailing stop", "/untrail <acct> <symbol>"},
			{"/tp", "Set or disable take profit", "/tp <acct> <symbol> <pct|off>"},
			{"/orders", "Tracked exit orders", "/orders <acct>"},
			{"/cancel", "Cancel a tracked order", "/cancel <acct> <orderId>"},
			{"/pnl", "Realized P&L summary", "/pnl <acct>"},
		},
	}
}

// Handle processes one "/command args" line and returns the reply.
func (c *Commands) Handle(ctx context.Context, cmd string) string {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return ""
	}
	name := strings.ToLower(parts[0])
	// "/status@my_bot" in group chats
	if i := strings.Index(name, "@"); i > 0 {
		name = name[:i]
	}
	args := parts[1:]

	switch name {
	case "/ping":
		return "Pong 🏓"
	case "/help", "/start":
		return c.help()
	case "/status":
		return c.status()
	case "/positions":
		if len(args) < 1 {
			return "Usage: /positions <acct>"
		}
		return c.positions(args[0])
	case "/trail":
		return c.trail(ctx, args)
	case "/untrail":
		return c.untrail(args)
	case "/tp":
		return c.takeProfit(ctx, args)
	case "/orders":
		if len(args) < 1 {
			return "Usage: /orders <acct>"
		}
		return c.orders(args[0])
	case "/cancel":
		return c.cancel(ctx, args)
	case "/pnl":
		if len(args) < 1 {
			return "Usage: /pnl <acct>"
		}
		return c.pnl(ctx, args[0])
	default:
		return "Unknown command. Try /help."
	}
}

func (c *Commands) help() string {
	var sb strings.Builder
	sb.WriteString("📖 *COMMANDS*\n")
	for _, d := range c.docs {
		sb.WriteString(fmt.Sprintf("• `%s` %s\n", d.Example, d.Description))
	}
	return sb.String()
}

func (c *Commands) saved() {
	if c.persist != nil {
		c.persist()
	}
}

// symbolRef upper-cases bare symbols; position keys carry a lower-case
// option type and are passed through.
func symbolRef(arg string) string {
	if strings.Contains(arg, "_") {
		return arg
	}
	return strings.ToUpper(arg)
}

func describeErr(err error) string {
	switch {
	case errors.Is(err, market.ErrUnknownAccount):
		return "⚠️ Unknown account (not loaded)."
	case errors.Is(err, cache.ErrPositionNotFound):
		return "⚠️ Position not found."
	case errors.Is(err, cache.ErrAmbiguousSymbol):
		return "⚠️ Symbol matches several positions, use the contract symbol or key."
	case errors.Is(err, cache.ErrPriceUnavailable):
		return "⚠️ No current price available, try again shortly."
	case errors.Is(err, cache.ErrGatewayNotConfigured):
		return "⚠️ Order gateway not configured."
	}
	return fmt.Sprintf("⚠️ Error: %v", err)
}

func (c *Commands) status() string {
	now := c.clock.Now()
	session := "CLOSED"
	if c.clock.IsMarketOpen(now) {
		session = "OPEN"
	}

	var sb strings.Builder
	sb.WriteString("📊 *WATCHER STATUS*\n")
	sb.WriteString(fmt.Sprintf("Uptime: %s | Market: %s\n", now.Sub(c.startTime).Truncate(time.Second), session))
	mode := "confirm via Telegram"
	if c.autoExecute {
		mode = "auto-execute"
	}
	sb.WriteString(fmt.Sprintf("Exit mode: %s\n", mode))

	statuses := c.manager.Status()
	if len(statuses) == 0 {
		sb.WriteString("No account monitors.\n")
	}
	for _, s := range statuses {
		sb.WriteString(fmt.Sprintf("• %s: %s, %d positions", s.AccountID, s.State, s.Positions))
		if !s.LastReconcile.IsZero() {
			sb.WriteString(fmt.Sprintf(", reconciled %s ago", now.Sub(s.LastReconcile).Truncate(time.Second)))
		}
		if s.LastError != "" {
			sb.WriteString(fmt.Sprintf("\n  last error: %s", s.LastError))
		}
		sb.WriteString("\n")
	}

	if c.alerter != nil {
		if n := len(c.alerter.Pending()); n > 0 {
			sb.WriteString(fmt.Sprintf("⏳ %d alert(s) awaiting confirmation\n", n))
		}
	}
	return sb.String()
}

func (c *Commands) positions(accountID string) string {
	if !c.knownAccount(accountID) {
		return describeErr(market.ErrUnknownAccount)
	}
	positions := c.cache.Positions(accountID)
	if len(positions) == 0 {
		return fmt.Sprintf("No monitored positions for %s.", accountID)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📈 *POSITIONS: %s*\n", accountID))
	for _, p := range positions {
		sb.WriteString(fmt.Sprintf("\n*%s* x%s\n", p.InstrumentID(), p.Quantity.String()))
		if p.CurrentPrice.IsPositive() {
			sb.WriteString(fmt.Sprintf("Price: $%s | P&L: $%s (%s%%)\n",
				p.CurrentPrice.StringFixed(2), p.PnL.StringFixed(2), p.PnLPercent.StringFixed(2)))
		} else {
			sb.WriteString("Price: n/a\n")
		}
		if ts := p.TrailingStop; ts.Enabled {
			state := "armed"
			switch {
			case ts.OrderSubmitted:
				state = "order " + ts.LastOrderID
			case ts.Triggered:
				state = "TRIGGERED"
			}
			sb.WriteString(fmt.Sprintf("TS %s%%: HWM $%s, trigger $%s (%s)\n",
				ts.Percent.String(), ts.HighestPriceSeen.StringFixed(2), ts.TriggerPrice.StringFixed(2), state))
		}
		if tp := p.TakeProfit; tp.Enabled {
			state := "waiting"
			if tp.Triggered {
				state = "TRIGGERED"
			}
			sb.WriteString(fmt.Sprintf("TP %s%% (%s)\n", tp.Percent.String(), state))
		}
	}
	return sb.String()
}

func (c *Commands) knownAccount(accountID string) bool {
	for _, id := range c.cache.Accounts() {
		if id == accountID {
			return true
		}
	}
	return false
}

func parsePercent(arg string) (decimal.Decimal, error) {
	pct, err := decimal.NewFromString(strings.TrimSuffix(arg, "%"))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid percent %q", arg)
	}
	return pct, nil
}

func (c *Commands) trail(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "Usage: /trail <acct> <symbol> [pct]"
	}
	pct := c.defaultTrailPct
	if len(args) > 2 {
		var err error
		if pct, err = parsePercent(args[2]); err != nil {
			return describeErr(err)
		}
	}
	pos, err := c.cache.EnableTrailingStop(ctx, args[0], symbolRef(args[1]), pct)
	if err != nil {
		return describeErr(err)
	}
	c.saved()
	ts := pos.TrailingStop
	return fmt.Sprintf("✅ Trailing stop %s%% on %s\nHWM $%s | trigger $%s",
		ts.Percent.String(), pos.InstrumentID(), ts.HighestPriceSeen.StringFixed(2), ts.TriggerPrice.StringFixed(2))
}

func (c *Commands) untrail(args []string) string {
	if len(args) < 2 {
		return "Usage: /untrail <acct> <symbol>"
	}
	pos, err := c.cache.DisableTrailingStop(args[0], symbolRef(args[1]))
	if err != nil {
		return describeErr(err)
	}
	c.saved()
	return fmt.Sprintf("🛑 Trailing stop disabled on %s", pos.InstrumentID())
}

func (c *Commands) takeProfit(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "Usage: /tp <acct> <symbol> <pct|off>"
	}
	ref := symbolRef(args[1])
	if len(args) > 2 && strings.EqualFold(args[2], "off") {
		pos, err := c.cache.DisableTakeProfit(args[0], ref)
		if err != nil {
			return describeErr(err)
		}
		c.saved()
		return fmt.Sprintf("🛑 Take profit disabled on %s", pos.InstrumentID())
	}

	pct := c.defaultTPPct
	if len(args) > 2 {
		var err error
		if pct, err = parsePercent(args[2]); err != nil {
			return describeErr(err)
		}
	}
	pos, err := c.cache.SetTakeProfit(ctx, args[0], ref, pct)
	if err != nil {
		return describeErr(err)
	}
	c.saved()
	return fmt.Sprintf("✅ Take profit %s%% on %s (current P&L %s%%)",
		pos.TakeProfit.Percent.String(), pos.InstrumentID(), pos.PnLPercent.StringFixed(2))
}

func (c *Commands) orders(accountID string) string {
	orders := c.cache.TrackedOrders(accountID)
	if len(orders) == 0 {
		return fmt.Sprintf("No tracked orders for %s.", accountID)
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🧾 *ORDERS: %s*\n", accountID))
	for _, o := range orders {
		sb.WriteString(fmt.Sprintf("• `%s` %s %s x%s @ $%s [%s]\n",
			o.OrderID, o.Kind, o.Symbol, o.Quantity.String(), o.LimitPrice.StringFixed(2), o.Status))
	}
	return sb.String()
}

func (c *Commands) cancel(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "Usage: /cancel <acct> <orderId>"
	}
	if err := c.cache.CancelOrder(ctx, args[0], args[1]); err != nil {
		return describeErr(err)
	}
	c.saved()
	return fmt.Sprintf("❌ Order %s cancelled.", args[1])
}

func (c *Commands) pnl(ctx context.Context, accountID string) string {
	if c.reporter == nil {
		return "⚠️ P&L history not available."
	}
	s, err := c.reporter.Summary(ctx, accountID)
	if err != nil {
		return describeErr(err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("💰 *P&L: %s*\n", accountID))
	sb.WriteString(fmt.Sprintf("Closed: $%s (%d)\n", s.ClosedPnL.StringFixed(2), s.ClosedCount))
	sb.WriteString(fmt.Sprintf("Expired: $%s (%d)\n", s.ExpiredPnL.StringFixed(2), s.ExpiredCount))
	sb.WriteString(fmt.Sprintf("Total realized: $%s\n", s.TotalPnL().StringFixed(2)))
	sb.WriteString(fmt.Sprintf("Open: %d positions, $%s premium\n", s.OpenCount, s.OpenValue.StringFixed(2)))

	start := c.clock.Now().AddDate(0, 0, -7).Format(reconcile.ExpirationLayout)
	days, err := c.reporter.DailyPnL(ctx, accountID, start, "")
	if err == nil && len(days) > 0 {
		sb.WriteString("\nLast 7 days:\n")
		for _, d := range days {
			sb.WriteString(fmt.Sprintf("• %s: $%s (%d)\n", d.Date, d.PnL.StringFixed(2), d.PositionCount))
		}
	}
	return sb.String()
}
