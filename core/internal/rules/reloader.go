package rules

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"omnichannel-routing-system/shared/logx"
)

// Reloader keeps a Store in sync with a Source.
type Reloader struct {
	store    *Store
	source   Source
	interval time.Duration
	logger   logx.Logger
	group    singleflight.Group
}

func NewReloader(store *Store, source Source, interval time.Duration, logger logx.Logger) *Reloader {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reloader{store: store, source: source, interval: interval, logger: logger}
}

// Reload rebuilds the store if the source version moved. Concurrent callers
// share one load.
func (r *Reloader) Reload(ctx context.Context) (bool, error) {
	v, err, _ := r.group.Do("reload", func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		version, err := r.source.Version(loadCtx)
		if err != nil {
			return false, err
		}
		if version == r.store.Version() && version != "" {
			return false, nil
		}
		tenants, version, err := r.source.Load(loadCtx)
		if err != nil {
			return false, err
		}
		built, err := Build(loadCtx, tenants)
		if err != nil {
			return false, err
		}
		r.store.Replace(built, version)
		r.logger.Info(ctx, "rules_reloaded", "routing rules reloaded",
			slog.String("source", r.source.Name()),
			slog.String("version", version),
			slog.Int("tenants", len(built)),
		)
		return true, nil
	})
	changed, _ := v.(bool)
	return changed, err
}

// Run polls the source until ctx is cancelled. A failed reload keeps the
// previous snapshot.
func (r *Reloader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Reload(ctx); err != nil {
				r.logger.Warn(ctx, "rules_reload_failed", "routing rules reload failed",
					slog.String("error_code", "RULES_RELOAD_FAILED"),
					slog.String("source", r.source.Name()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
