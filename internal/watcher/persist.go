package watcher

import (
	"sync"

	"go.uber.org/zap"

	"options_watcher/internal/cache"
	"options_watcher/internal/models"
)

// RiskSaver stores per-account risk state.
type RiskSaver interface {
	Save(accounts map[string]map[string]models.RiskState) error
}

// Persister snapshots the cache's risk state into a RiskSaver.
type Persister struct {
	cache  *cache.PositionCache
	saver  RiskSaver
	logger *zap.Logger
	mu     sync.Mutex
}

func NewPersister(c *cache.PositionCache, saver RiskSaver, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{cache: c, saver: saver, logger: logger}
}

// Save writes the current risk state. Concurrent callers are serialized so
// an older snapshot never overwrites a newer one.
func (p *Persister) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saver.Save(p.cache.ExportRiskState())
}

// SaveQuietly is Save with the error logged.
func (p *Persister) SaveQuietly() {
	if err := p.Save(); err != nil {
		p.logger.Error("failed to persist risk state", zap.Error(err))
	}
}
