package core

import (
	"context"
	"time"
)

// initDatasourceWatcher starts the poll that notices datasource row
// changes, dropping stale pools and cached bundles when they happen.
func (g *Gateway) initDatasourceWatcher() error {
	ge := g.Load().(*gatewayEngine)

	ps := time.Duration(ge.conf.DatasourcePollSeconds) * time.Second

	switch {
	case ps < (1 * time.Second):
		return nil

	case ps < (5 * time.Second):
		ps = 10 * time.Second
	}

	go func() {
		g.startDatasourceWatcher(ps)
	}()
	return nil
}

// startDatasourceWatcher polls the datasource fingerprint and reacts
// to changes.
func (g *Gateway) startDatasourceWatcher(ps time.Duration) {
	ticker := time.NewTicker(ps)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
		}

		ge := g.Load().(*gatewayEngine)

		ctx, cancel := context.WithTimeout(context.Background(), ps)
		fp, err := ge.store.DatasourceFingerprint(ctx)
		cancel()
		if err != nil {
			ge.log.Debugw("datasource poll", "error", err)
			continue
		}

		g.dsMu.Lock()
		prev := g.dsFingerprint
		g.dsFingerprint = fp
		g.dsMu.Unlock()

		// The first observation is a baseline, not a change.
		if prev == "" || prev == fp {
			continue
		}

		ge.log.Infow("datasource change detected, dropping pools and caches")
		ge.pools.DisposeAll()
		ge.bundles.InvalidateAll(context.Background())
		ge.access.Refresh()
	}
}
