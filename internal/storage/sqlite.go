package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"options_watcher/internal/models"
	"options_watcher/internal/reconcile"
)

const schema = `
CREATE TABLE IF NOT EXISTS fills (
	account_id           TEXT NOT NULL,
	id                   TEXT NOT NULL,
	instrument_group_key TEXT NOT NULL,
	symbol               TEXT NOT NULL,
	ts                   TEXT NOT NULL,
	effect               TEXT NOT NULL,
	expiration_date      TEXT NOT NULL,
	strike               TEXT NOT NULL,
	option_type          TEXT NOT NULL,
	price                TEXT NOT NULL,
	quantity             TEXT NOT NULL,
	premium              TEXT NOT NULL,
	strategy_tag         TEXT NOT NULL,
	direction            TEXT NOT NULL,
	PRIMARY KEY (account_id, id)
);
CREATE INDEX IF NOT EXISTS fills_account_ts ON fills (account_id, ts);

CREATE TABLE IF NOT EXISTS positions (
	account_id      TEXT NOT NULL,
	key             TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	expiration_date TEXT NOT NULL,
	strike          TEXT NOT NULL,
	option_type     TEXT NOT NULL,
	strategy_tag    TEXT NOT NULL,
	direction       TEXT NOT NULL,
	open_date       TEXT NOT NULL,
	close_date      TEXT NOT NULL,
	quantity        TEXT NOT NULL,
	open_price      TEXT,
	close_price     TEXT,
	open_premium    TEXT,
	close_premium   TEXT,
	net_credit      TEXT,
	status          TEXT NOT NULL,
	PRIMARY KEY (account_id, key)
);
CREATE INDEX IF NOT EXISTS positions_account_status ON positions (account_id, status);
`

// Repository stores fills and the reconciled position set in SQLite.
type Repository struct {
	db  *sql.DB
	loc *time.Location
}

// NewRepository opens (or creates) the database at dbPath. Dates are
// reported in loc.
func NewRepository(dbPath string, loc *time.Location) (*Repository, error) {
	if loc == nil {
		loc = time.UTC
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer; sqlite serializes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Repository{db: db, loc: loc}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// InsertFills stores fills, ignoring ids already present for the account.
// It returns how many rows were new.
func (r *Repository) InsertFills(ctx context.Context, rows []models.FillRow) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO fills
		(account_id, id, instrument_group_key, symbol, ts, effect, expiration_date, strike,
		 option_type, price, quantity, premium, strategy_tag, direction)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, f := range rows {
		res, err := stmt.ExecContext(ctx,
			f.AccountID, f.ID, f.InstrumentGroupKey, f.Symbol, f.Timestamp, f.Effect,
			f.ExpirationDate, f.StrikeDescriptor, f.OptionType, f.Price, f.Quantity,
			f.Premium, f.StrategyTag, f.Direction)
		if err != nil {
			return 0, fmt.Errorf("insert fill %s: %w", f.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListFills returns every stored fill of the account ordered by time.
func (r *Repository) ListFills(ctx context.Context, accountID string) ([]models.FillRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT
		account_id, id, instrument_group_key, symbol, ts, effect, expiration_date, strike,
		option_type, price, quantity, premium, strategy_tag, direction
		FROM fills WHERE account_id = ? ORDER BY ts ASC, id ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var out []models.FillRow
	for rows.Next() {
		var f models.FillRow
		if err := rows.Scan(&f.AccountID, &f.ID, &f.InstrumentGroupKey, &f.Symbol, &f.Timestamp,
			&f.Effect, &f.ExpirationDate, &f.StrikeDescriptor, &f.OptionType, &f.Price,
			&f.Quantity, &f.Premium, &f.StrategyTag, &f.Direction); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// LastFillTime is the timestamp of the newest stored fill, zero when none.
func (r *Repository) LastFillTime(ctx context.Context, accountID string) (time.Time, error) {
	var ts sql.NullString
	err := r.db.QueryRowContext(ctx, "SELECT MAX(ts) FROM fills WHERE account_id = ?", accountID).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid || ts.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, ts.String)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (r *Repository) parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(r.loc), nil
}

// ReplacePositions swaps the account's stored position set for positions in
// one transaction.
func (r *Repository) ReplacePositions(ctx context.Context, accountID string, positions []models.Position) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM positions WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("clear positions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO positions
		(account_id, key, symbol, expiration_date, strike, option_type, strategy_tag, direction,
		 open_date, close_date, quantity, open_price, close_price, open_premium, close_premium,
		 net_credit, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range positions {
		if _, err := stmt.ExecContext(ctx,
			accountID, p.Key, p.Symbol, p.ExpirationDate, p.StrikeDescriptor, p.OptionType,
			p.StrategyTag, string(p.Direction), formatTime(p.OpenDate), formatTime(p.CloseDate),
			p.Quantity, p.OpenPrice, p.ClosePrice, p.OpenPremium, p.ClosePremium,
			p.NetCredit, string(p.Status)); err != nil {
			return fmt.Errorf("insert position %s: %w", p.Key, err)
		}
	}
	return tx.Commit()
}

const positionColumns = `account_id, key, symbol, expiration_date, strike, option_type, strategy_tag,
	direction, open_date, close_date, quantity, open_price, close_price, open_premium,
	close_premium, net_credit, status`

func (r *Repository) queryPositions(ctx context.Context, query string, args ...any) ([]models.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var (
			p                   models.Position
			direction, status   string
			openDate, closeDate string
			qty                 decimal.Decimal
		)
		if err := rows.Scan(&p.AccountID, &p.Key, &p.Symbol, &p.ExpirationDate, &p.StrikeDescriptor,
			&p.OptionType, &p.StrategyTag, &direction, &openDate, &closeDate, &qty,
			&p.OpenPrice, &p.ClosePrice, &p.OpenPremium, &p.ClosePremium, &p.NetCredit,
			&status); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.Direction = models.Direction(direction)
		p.Status = models.Status(status)
		p.Quantity = qty
		if p.OpenDate, err = r.parseTime(openDate); err != nil {
			return nil, fmt.Errorf("position %s open date: %w", p.Key, err)
		}
		if p.CloseDate, err = r.parseTime(closeDate); err != nil {
			return nil, fmt.Errorf("position %s close date: %w", p.Key, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Positions returns the full stored set, orphans included.
func (r *Repository) Positions(ctx context.Context, accountID string) ([]models.Position, error) {
	return r.queryPositions(ctx, "SELECT "+positionColumns+" FROM positions WHERE account_id = ? ORDER BY key", accountID)
}

// PositionsByStatus returns positions in one status. Orphaned positions and
// positions without an open premium are never returned.
func (r *Repository) PositionsByStatus(ctx context.Context, accountID string, status models.Status) ([]models.Position, error) {
	return r.queryPositions(ctx, "SELECT "+positionColumns+` FROM positions
		WHERE account_id = ? AND status = ? AND status != ? AND open_premium IS NOT NULL
		ORDER BY open_date, key`, accountID, string(status), string(models.StatusOrphaned))
}

// realized returns closed and expired positions.
func (r *Repository) realized(ctx context.Context, accountID string) ([]models.Position, error) {
	return r.queryPositions(ctx, "SELECT "+positionColumns+` FROM positions
		WHERE account_id = ? AND status IN (?, ?) AND open_premium IS NOT NULL
		ORDER BY close_date, key`, accountID, string(models.StatusClosed), string(models.StatusExpired))
}

// PositionsClosedOn returns closed or expired positions whose close date,
// in the repository timezone, is day (YYYY-MM-DD).
func (r *Repository) PositionsClosedOn(ctx context.Context, accountID, day string) ([]models.Position, error) {
	all, err := r.realized(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var out []models.Position
	for _, p := range all {
		if !p.CloseDate.IsZero() && p.CloseDate.Format(reconcile.ExpirationLayout) == day {
			out = append(out, p)
		}
	}
	return out, nil
}

// DailyPnL groups realized P&L by close date, newest first. Empty start or
// end leaves that side of the range open.
func (r *Repository) DailyPnL(ctx context.Context, accountID, start, end string) ([]reconcile.DailyPnL, error) {
	all, err := r.realized(ctx, accountID)
	if err != nil {
		return nil, err
	}
	days := reconcile.Daily(all)
	out := days[:0]
	for _, d := range days {
		if start != "" && d.Date < start {
			continue
		}
		if end != "" && d.Date > end {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Summary is the P&L summary over the stored set.
func (r *Repository) Summary(ctx context.Context, accountID string) (reconcile.Summary, error) {
	all, err := r.Positions(ctx, accountID)
	if err != nil {
		return reconcile.Summary{}, err
	}
	return reconcile.Summarize(all), nil
}
