package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_watcher/internal/market/markettest"
	"options_watcher/internal/models"
	"options_watcher/internal/reconcile"
	"options_watcher/internal/storage"
)

var now = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

func row(id, effect, ts, price, qty, premium, tag, direction string) models.FillRow {
	return models.FillRow{
		ID:                 id,
		InstrumentGroupKey: "AAPL250620C00150000",
		Symbol:             "AAPL",
		Timestamp:          ts,
		Effect:             effect,
		ExpirationDate:     "2025-06-20",
		StrikeDescriptor:   "150.00",
		OptionType:         "call",
		Price:              price,
		Quantity:           qty,
		Premium:            premium,
		StrategyTag:        tag,
		Direction:          direction,
	}
}

func newSyncer(t *testing.T) (*Syncer, *markettest.Broker, *storage.Repository) {
	t.Helper()
	repo, err := storage.NewRepository(filepath.Join(t.TempDir(), "options.db"), time.UTC)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	b := markettest.NewBroker()
	r := reconcile.New(nil, time.UTC).WithClock(func() time.Time { return now })
	return NewSyncer(b, repo, r, now.AddDate(0, 0, -90), time.Second, nil), b, repo
}

func TestSyncAccount_DedupesAndRebuilds(t *testing.T) {
	s, b, repo := newSyncer(t)
	ctx := context.Background()

	b.SetFills("ACC1",
		row("1", "open", "2025-03-01T14:00:00Z", "1.00", "1", "100", "long_call", "debit"),
		row("bad", "open", "2025-03-01T15:00:00Z", "x", "1", "100", "long_call", "debit"),
	)
	res, err := s.SyncAccount(ctx, "ACC1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Positions)

	open, err := repo.PositionsByStatus(ctx, "ACC1", models.StatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// the broker returns overlapping history plus the close
	b.SetFills("ACC1",
		row("1", "open", "2025-03-01T14:00:00Z", "1.00", "1", "100", "long_call", "debit"),
		row("2", "close", "2025-03-05T14:00:00Z", "1.80", "1", "180", "long_call", "credit"),
	)
	res, err = s.SyncAccount(ctx, "ACC1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	open, err = repo.PositionsByStatus(ctx, "ACC1", models.StatusOpen)
	require.NoError(t, err)
	assert.Empty(t, open)

	closed, err := repo.PositionsByStatus(ctx, "ACC1", models.StatusClosed)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "80", closed[0].NetCredit.Decimal.String())
	assert.Equal(t, "ACC1", closed[0].AccountID)
}

func TestSyncAll_ContinuesPastFailures(t *testing.T) {
	s, b, _ := newSyncer(t)
	b.FillsErr = errors.New("broker down")

	results := s.SyncAll(context.Background(), []string{"ACC1", "ACC2"})
	assert.Empty(t, results)

	b.FillsErr = nil
	results = s.SyncAll(context.Background(), []string{"ACC1", "ACC2"})
	assert.Len(t, results, 2)
}

func TestRunner_SchedulesJobs(t *testing.T) {
	r := NewRunner(context.Background(), nil)
	ran := make(chan struct{}, 1)
	_, err := r.Add("* * * * * *", func(context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	_, err = r.Add("not a spec", func(context.Context) {})
	assert.Error(t, err)

	r.Start()
	defer r.Stop()
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}
