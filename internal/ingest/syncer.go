// Package ingest pulls fills from the broker into the repository and
// rebuilds the stored position set from them.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"options_watcher/internal/market"
	"options_watcher/internal/metrics"
	"options_watcher/internal/models"
	"options_watcher/internal/reconcile"
)

// Store is the persistence the syncer needs.
type Store interface {
	InsertFills(ctx context.Context, rows []models.FillRow) (int, error)
	ListFills(ctx context.Context, accountID string) ([]models.FillRow, error)
	ReplacePositions(ctx context.Context, accountID string, positions []models.Position) error
}

// Result summarizes one account sync.
type Result struct {
	AccountID string
	Fetched   int
	Inserted  int
	Skipped   int
	Excluded  int
	Positions int
}

// Syncer runs fetch, dedupe, rebuild and replace for one account at a time.
type Syncer struct {
	source     market.FillSource
	store      Store
	reconciler *reconcile.Reconciler
	since      time.Time
	timeout    time.Duration
	logger     *zap.Logger
}

// NewSyncer fetches fills from since onwards.
func NewSyncer(source market.FillSource, store Store, reconciler *reconcile.Reconciler, since time.Time, timeout time.Duration, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Syncer{
		source:     source,
		store:      store,
		reconciler: reconciler,
		since:      since,
		timeout:    timeout,
		logger:     logger,
	}
}

// SyncAccount ingests new fills and replaces the account's positions with a
// full rebuild over every stored fill.
func (s *Syncer) SyncAccount(ctx context.Context, accountID string) (Result, error) {
	res := Result{AccountID: accountID}

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	rows, err := s.source.FetchFills(fetchCtx, accountID, s.since)
	cancel()
	if err != nil {
		metrics.RecordError(accountID, "ingest")
		return res, fmt.Errorf("fetch fills: %w", err)
	}
	res.Fetched = len(rows)
	for i := range rows {
		rows[i].AccountID = accountID
	}

	if res.Inserted, err = s.store.InsertFills(ctx, rows); err != nil {
		metrics.RecordError(accountID, "ingest")
		return res, fmt.Errorf("store fills: %w", err)
	}

	all, err := s.store.ListFills(ctx, accountID)
	if err != nil {
		return res, fmt.Errorf("load fills: %w", err)
	}
	rebuilt := s.reconciler.Rebuild(all)
	for i := range rebuilt.Positions {
		rebuilt.Positions[i].AccountID = accountID
	}
	res.Skipped = rebuilt.Skipped
	res.Excluded = rebuilt.Excluded
	res.Positions = len(rebuilt.Positions)

	if err := s.store.ReplacePositions(ctx, accountID, rebuilt.Positions); err != nil {
		metrics.RecordError(accountID, "ingest")
		return res, fmt.Errorf("replace positions: %w", err)
	}

	metrics.RecordIngest(accountID, res.Inserted, res.Skipped)
	s.logger.Info("fills synced",
		zap.String("account", accountID),
		zap.Int("fetched", res.Fetched),
		zap.Int("inserted", res.Inserted),
		zap.Int("skipped", res.Skipped),
		zap.Int("excluded", res.Excluded),
		zap.Int("positions", res.Positions))
	return res, nil
}

// SyncAll syncs every account; one account's failure does not stop the rest.
func (s *Syncer) SyncAll(ctx context.Context, accountIDs []string) []Result {
	out := make([]Result, 0, len(accountIDs))
	for _, id := range accountIDs {
		if ctx.Err() != nil {
			break
		}
		res, err := s.SyncAccount(ctx, id)
		if err != nil {
			s.logger.Warn("fill sync failed", zap.String("account", id), zap.Error(err))
			continue
		}
		out = append(out, res)
	}
	return out
}
