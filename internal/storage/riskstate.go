package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"options_watcher/internal/models"
)

// CurrentRiskStateVersion is the schema version written by SaveRiskState.
const CurrentRiskStateVersion = "1.2"

// RiskStateFile is the on-disk snapshot of trailing-stop and take-profit
// state, keyed by account then position key.
type RiskStateFile struct {
	Version  string                                 `json:"version"`
	SavedAt  time.Time                              `json:"saved_at"`
	Accounts map[string]map[string]models.RiskState `json:"accounts"`

	// Positions is the flat 1.0 layout, folded into Accounts by migration.
	Positions []legacyRiskEntry `json:"positions,omitempty"`
}

type legacyRiskEntry struct {
	AccountID    string                   `json:"account_id"`
	Key          string                   `json:"key"`
	TrailingStop models.TrailingStopState `json:"trailing_stop"`
	TakeProfit   models.TakeProfitState   `json:"take_profit"`
}

// RiskStore persists risk state to a JSON file.
type RiskStore struct {
	path   string
	logger *zap.Logger
}

func NewRiskStore(path string, logger *zap.Logger) *RiskStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RiskStore{path: path, logger: logger}
}

// Load reads the snapshot. A missing file yields an empty state and a fresh
// template on disk. Older schemas are migrated and written back.
func (s *RiskStore) Load() (map[string]map[string]models.RiskState, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Info("risk state file missing, generating template", zap.String("path", s.path))
		empty := map[string]map[string]models.RiskState{}
		return empty, s.Save(empty)
	}
	if err != nil {
		return nil, err
	}

	var f RiskStateFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}

	if migrateRiskState(&f, s.logger) {
		s.logger.Info("risk state migrated, saving", zap.String("version", f.Version))
		if err := s.Save(f.Accounts); err != nil {
			return nil, err
		}
	}
	if f.Accounts == nil {
		f.Accounts = map[string]map[string]models.RiskState{}
	}
	return f.Accounts, nil
}

// migrateRiskState upgrades f in place and reports whether it changed.
func migrateRiskState(f *RiskStateFile, logger *zap.Logger) bool {
	updated := false

	// 1.0 -> 1.1: flat position list becomes per-account maps
	if f.Version < "1.1" {
		logger.Info("migrating risk state schema", zap.String("from", f.Version), zap.String("to", "1.1"))
		if f.Accounts == nil {
			f.Accounts = map[string]map[string]models.RiskState{}
		}
		for _, e := range f.Positions {
			if f.Accounts[e.AccountID] == nil {
				f.Accounts[e.AccountID] = map[string]models.RiskState{}
			}
			f.Accounts[e.AccountID][e.Key] = models.RiskState{TrailingStop: e.TrailingStop, TakeProfit: e.TakeProfit}
		}
		f.Positions = nil
		f.Version = "1.1"
		updated = true
	}

	// 1.1 -> 1.2: trigger price is stored; backfill from the high-water mark
	if f.Version < "1.2" {
		logger.Info("migrating risk state schema", zap.String("from", f.Version), zap.String("to", "1.2"))
		hundred := decimal.NewFromInt(100)
		for _, positions := range f.Accounts {
			for key, rs := range positions {
				ts := rs.TrailingStop
				if ts.Enabled && ts.TriggerPrice.IsZero() && ts.HighestPriceSeen.IsPositive() {
					ts.TriggerPrice = ts.HighestPriceSeen.Mul(hundred.Sub(ts.Percent)).Div(hundred)
					rs.TrailingStop = ts
					positions[key] = rs
				}
			}
		}
		f.Version = "1.2"
		updated = true
	}

	return updated
}

// Save writes the snapshot atomically: temp file, fsync, rename.
func (s *RiskStore) Save(accounts map[string]map[string]models.RiskState) error {
	f := RiskStateFile{
		Version:  CurrentRiskStateVersion,
		SavedAt:  time.Now().UTC(),
		Accounts: accounts,
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal risk state: %w", err)
	}

	// same directory so the rename stays on one filesystem
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp risk state: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp risk state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp risk state: %w", err)
	}
	// close before rename (required on Windows)
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace risk state file: %w", err)
	}
	return nil
}
