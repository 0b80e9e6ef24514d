package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tagging-cli/internal/backup"
	"github.com/sells-group/tagging-cli/internal/catalog"
	"github.com/sells-group/tagging-cli/internal/config"
	"github.com/sells-group/tagging-cli/internal/ledger"
	"github.com/sells-group/tagging-cli/internal/monitoring"
	"github.com/sells-group/tagging-cli/internal/tagstore"
)

// storeEnv holds the durability layer shared by every command.
type storeEnv struct {
	Backups *backup.Engine
	Store   *tagstore.Store
	Ledger  ledger.Ledger
	Metrics *monitoring.Metrics
	Alerter *monitoring.Alerter
}

// Close releases the ledger connection.
func (e *storeEnv) Close() {
	if e.Ledger != nil {
		if err := e.Ledger.Close(); err != nil {
			zap.L().Warn("close ledger", zap.Error(err))
		}
	}
}

func newBackupEngine(c *config.Config) *backup.Engine {
	return backup.New(backup.Config{
		Dir:         c.Backup.Dir,
		MainPath:    c.Store.Path,
		RecoveryLog: c.Backup.RecoveryLog,
	})
}

func newStore(c *config.Config, engine *backup.Engine) *tagstore.Store {
	return tagstore.New(tagstore.Config{
		Path:        c.Store.Path,
		MinRows:     c.Store.MinRows,
		MaxShrink:   c.Store.MaxShrink,
		LockTimeout: time.Duration(c.Store.LockTimeoutSecs) * time.Second,
		SaveLog:     c.Backup.SaveLog,
	}, engine)
}

// initStoreEnv wires the store, backups and ledger from config. The caller
// must Close the result.
func initStoreEnv(ctx context.Context, c *config.Config) (*storeEnv, error) {
	led, err := ledger.Open(ctx, c.Ledger.Driver, c.Ledger.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "open ledger")
	}
	engine := newBackupEngine(c)
	return &storeEnv{
		Backups: engine,
		Store:   newStore(c, engine),
		Ledger:  led,
		Metrics: monitoring.NewMetrics(),
		Alerter: monitoring.NewAlerter(c.Monitoring),
	}, nil
}

// runRecovery performs the startup integrity check and reports a restore
// through metrics and alerts.
func runRecovery(ctx context.Context, c *config.Config, env *storeEnv) (*backup.Recovery, error) {
	rec, err := env.Backups.Recover(ctx, backup.RecoverOptions{
		Threshold:   c.Backup.Threshold,
		ScanLimit:   c.Backup.ScanLimit,
		LockTimeout: time.Duration(c.Store.LockTimeoutSecs) * time.Second,
	})
	if err != nil {
		return nil, eris.Wrap(err, "startup recovery")
	}
	if rec.Restored {
		env.Metrics.ObserveRecovery(rec.BestRows)
		env.Alerter.SendAlerts(ctx, monitoring.RecoveryAlert(rec))
	}
	return rec, nil
}

func loadCatalog(ctx context.Context, c *config.Config) (*catalog.Catalog, error) {
	return catalog.Load(ctx, c.Catalog.Path, catalog.Options{
		Seed:     c.Catalog.Seed,
		Encoding: c.Catalog.Encoding,
		Timeout:  time.Duration(c.Catalog.TimeoutSecs) * time.Second,
	})
}

func pruneBackups(c *config.Config, engine *backup.Engine) ([]string, error) {
	maxAge := time.Duration(c.Backup.RetentionDays) * 24 * time.Hour
	return engine.Prune(c.Backup.RetentionCount, maxAge)
}
