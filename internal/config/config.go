package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const defaultBaseURL = "https://paper-api.alpaca.markets"

// Account is one brokerage account from the accounts file.
type Account struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	Enabled   *bool  `yaml:"enabled"`
}

// IsEnabled defaults to true when the field is omitted.
func (a Account) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

type accountsFile struct {
	Accounts []Account `yaml:"accounts"`
}

// Config is the effective process configuration.
type Config struct {
	AccountsFile string
	Accounts     []Account

	LogLevel      string
	LogEncoding   string
	LogFile       string
	MaxLogSizeMB  int
	MaxLogBackups int

	DatabasePath  string
	RiskStateFile string

	FastInterval            time.Duration
	OpenReconcileInterval   time.Duration
	ClosedCheckInterval     time.Duration
	ClosedReconcileInterval time.Duration
	ErrorBackoff            time.Duration
	CallTimeout             time.Duration

	AutoExecute            bool
	DefaultTrailingStopPct float64
	DefaultTakeProfitPct   float64
	ConfirmationTTL        time.Duration

	FillHistoryStart time.Time
	IngestSchedule   string
	MetricsAddr      string

	TelegramBotToken string
	TelegramChatID   string

	MarketLocation *time.Location

	// Warnings collects fallbacks taken while loading, logged once the
	// logger exists.
	Warnings []string
}

// secretVars are masked when the effective configuration is logged.
var secretVars = map[string]bool{
	"TELEGRAM_BOT_TOKEN": true,
	"TELEGRAM_CHAT_ID":   true,
}

// Load reads .env (if present), the environment and the accounts file.
func Load() (*Config, error) {
	e := &env{}
	// Load .env variables into the process environment
	if err := godotenv.Load(); err != nil {
		e.warn("no .env file found, using system environment variables")
	}

	cfg := &Config{
		AccountsFile:  e.str("OPTIONS_ACCOUNTS_FILE", ""),
		LogLevel:      strings.ToLower(e.str("WATCHER_LOG_LEVEL", "info")),
		LogEncoding:   strings.ToLower(e.str("WATCHER_LOG_ENCODING", "json")),
		LogFile:       e.str("WATCHER_LOG_FILE", "watcher.log"),
		MaxLogSizeMB:  e.int("MAX_LOG_SIZE_MB", 10),
		MaxLogBackups: e.int("MAX_LOG_BACKUPS", 3),
		DatabasePath:  e.str("DATABASE_PATH", "options.db"),
		RiskStateFile: e.str("RISK_STATE_FILE", "risk_state.json"),

		FastInterval:            time.Duration(e.int("FAST_INTERVAL_MS", 1000)) * time.Millisecond,
		OpenReconcileInterval:   e.seconds("OPEN_RECONCILE_SEC", 60),
		ClosedCheckInterval:     e.seconds("CLOSED_CHECK_SEC", 60),
		ClosedReconcileInterval: e.seconds("CLOSED_RECONCILE_SEC", 300),
		ErrorBackoff:            e.seconds("ERROR_BACKOFF_SEC", 5),
		CallTimeout:             e.seconds("CALL_TIMEOUT_SEC", 10),

		AutoExecute:            e.bool("AUTO_EXECUTE", false),
		DefaultTrailingStopPct: e.float64("DEFAULT_TRAILING_STOP_PCT", 20),
		DefaultTakeProfitPct:   e.float64("DEFAULT_TAKE_PROFIT_PCT", 50),
		ConfirmationTTL:        e.seconds("CONFIRMATION_TTL_SEC", 300),

		IngestSchedule: e.str("INGEST_SCHEDULE", "0 */5 * * * *"),
		MetricsAddr:    e.str("METRICS_ADDR", ":9102"),

		TelegramBotToken: e.str("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   e.str("TELEGRAM_CHAT_ID", ""),
	}

	loc, err := time.LoadLocation(e.str("MARKET_TIMEZONE", "America/New_York"))
	if err != nil {
		return nil, fmt.Errorf("MARKET_TIMEZONE: %w", err)
	}
	cfg.MarketLocation = loc

	cfg.FillHistoryStart = time.Now().In(loc).AddDate(0, 0, -90)
	if v := e.str("FILL_HISTORY_START", ""); v != "" {
		start, err := time.ParseInLocation("2006-01-02", v, loc)
		if err != nil {
			return nil, fmt.Errorf("FILL_HISTORY_START must be YYYY-MM-DD: %w", err)
		}
		cfg.FillHistoryStart = start
	}

	if cfg.AccountsFile == "" {
		return nil, errors.New("missing required environment variable OPTIONS_ACCOUNTS_FILE")
	}
	if cfg.Accounts, err = LoadAccounts(cfg.AccountsFile); err != nil {
		return nil, err
	}

	cfg.Warnings = e.warnings
	return cfg, nil
}

// LoadAccounts parses and validates the YAML accounts file. ${VAR}
// references are expanded from the environment.
func LoadAccounts(path string) ([]Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var f accountsFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &f); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
	}
	if len(f.Accounts) == 0 {
		return nil, fmt.Errorf("accounts file %s defines no accounts", path)
	}

	seen := make(map[string]bool, len(f.Accounts))
	for i := range f.Accounts {
		a := &f.Accounts[i]
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return nil, fmt.Errorf("account #%d has no id", i+1)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("duplicate account id %q", a.ID)
		}
		seen[a.ID] = true
		if a.IsEnabled() && (a.APIKey == "" || a.APISecret == "") {
			return nil, fmt.Errorf("account %q is enabled but has no api_key/api_secret", a.ID)
		}
		if a.BaseURL == "" {
			a.BaseURL = defaultBaseURL
		}
		if a.Name == "" {
			a.Name = a.ID
		}
	}
	return f.Accounts, nil
}

// EnabledAccounts filters out disabled accounts.
func (c *Config) EnabledAccounts() []Account {
	var out []Account
	for _, a := range c.Accounts {
		if a.IsEnabled() {
			out = append(out, a)
		}
	}
	return out
}

// TelegramEnabled reports whether alerts and commands can be used.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != ""
}

// Mask shows only the last 4 characters of a secret.
func Mask(val string) string {
	if len(val) > 4 {
		return "***" + val[len(val)-4:]
	}
	return "***"
}

// LogEffective logs the loading warnings, the variables defined in .env
// (secrets masked) and the configured accounts.
func (c *Config) LogEffective(logger *zap.Logger) {
	for _, w := range c.Warnings {
		logger.Warn(w)
	}

	if envMap, err := godotenv.Read(); err == nil {
		keys := make([]string, 0, len(envMap))
		for k := range envMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]zap.Field, 0, len(keys))
		for _, k := range keys {
			v := envMap[k]
			if secretVars[k] || strings.Contains(k, "SECRET") || strings.Contains(k, "KEY") {
				v = Mask(v)
			}
			fields = append(fields, zap.String(k, v))
		}
		logger.Info(".env file variables", fields...)
	}

	for _, a := range c.Accounts {
		logger.Info("account configured",
			zap.String("account", a.ID),
			zap.String("name", a.Name),
			zap.String("api_key", Mask(a.APIKey)),
			zap.String("base_url", a.BaseURL),
			zap.Bool("enabled", a.IsEnabled()))
	}
}
