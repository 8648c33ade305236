package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const accountsYAML = `
accounts:
  - id: main
    name: Main paper
    api_key: ${TEST_MAIN_KEY}
    api_secret: main_secret
  - id: spare
    enabled: false
`

func writeAccounts(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("OPTIONS_ACCOUNTS_FILE", writeAccounts(t, accountsYAML))
	t.Setenv("TEST_MAIN_KEY", "main_key_1234")

	// optional vars must fall back to defaults
	for _, k := range []string{
		"WATCHER_LOG_LEVEL",
		"FAST_INTERVAL_MS",
		"CONFIRMATION_TTL_SEC",
		"DEFAULT_TAKE_PROFIT_PCT",
		"DEFAULT_TRAILING_STOP_PCT",
		"AUTO_EXECUTE",
		"FILL_HISTORY_START",
		"MARKET_TIMEZONE",
	} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, time.Second, cfg.FastInterval)
	assert.Equal(t, time.Minute, cfg.OpenReconcileInterval)
	assert.Equal(t, 5*time.Minute, cfg.ClosedReconcileInterval)
	assert.Equal(t, 5*time.Minute, cfg.ConfirmationTTL)
	assert.Equal(t, 50.0, cfg.DefaultTakeProfitPct)
	assert.Equal(t, 20.0, cfg.DefaultTrailingStopPct)
	assert.False(t, cfg.AutoExecute)
	assert.Equal(t, "America/New_York", cfg.MarketLocation.String())
	assert.WithinDuration(t, time.Now().AddDate(0, 0, -90), cfg.FillHistoryStart, time.Minute)

	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, "main_key_1234", cfg.Accounts[0].APIKey)
	assert.Equal(t, defaultBaseURL, cfg.Accounts[0].BaseURL)
	assert.Equal(t, "spare", cfg.Accounts[1].Name)

	enabled := cfg.EnabledAccounts()
	require.Len(t, enabled, 1)
	assert.Equal(t, "main", enabled[0].ID)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("OPTIONS_ACCOUNTS_FILE", writeAccounts(t, accountsYAML))
	t.Setenv("TEST_MAIN_KEY", "k")
	t.Setenv("FAST_INTERVAL_MS", "250")
	t.Setenv("AUTO_EXECUTE", "true")
	t.Setenv("DEFAULT_TRAILING_STOP_PCT", "12.5")
	t.Setenv("FILL_HISTORY_START", "2025-01-02")
	t.Setenv("MAX_LOG_BACKUPS", "nope")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.FastInterval)
	assert.True(t, cfg.AutoExecute)
	assert.Equal(t, 12.5, cfg.DefaultTrailingStopPct)
	assert.Equal(t, "2025-01-02", cfg.FillHistoryStart.Format("2006-01-02"))
	assert.Equal(t, 3, cfg.MaxLogBackups)
	assert.Contains(t, cfg.Warnings, `invalid integer "nope" for MAX_LOG_BACKUPS, using default 3`)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing accounts file var", func(t *testing.T) {
		t.Setenv("OPTIONS_ACCOUNTS_FILE", "")
		_, err := Load()
		assert.ErrorContains(t, err, "OPTIONS_ACCOUNTS_FILE")
	})

	t.Run("bad history start", func(t *testing.T) {
		t.Setenv("OPTIONS_ACCOUNTS_FILE", writeAccounts(t, accountsYAML))
		t.Setenv("FILL_HISTORY_START", "01/02/2025")
		_, err := Load()
		assert.ErrorContains(t, err, "FILL_HISTORY_START")
	})
}

func TestLoadAccounts_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty", "accounts: []\n", "defines no accounts"},
		{"no id", "accounts:\n  - api_key: a\n    api_secret: b\n", "has no id"},
		{"duplicate", "accounts:\n  - {id: a, api_key: k, api_secret: s}\n  - {id: a, api_key: k, api_secret: s}\n", "duplicate account id"},
		{"missing creds", "accounts:\n  - id: a\n", "no api_key/api_secret"},
		{"bad yaml", "accounts: [", "parse accounts file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAccounts(writeAccounts(t, tt.body))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestMask(t *testing.T) {
	assert.Equal(t, "***", Mask("abc"))
	assert.Equal(t, "***6789", Mask("123456789"))
}
