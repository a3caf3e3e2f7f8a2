package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rjsadow/hastream/internal/auth"
	"github.com/rjsadow/hastream/internal/state"
	"github.com/rjsadow/hastream/internal/subscription"
)

// SitemapRefreshTask re-walks the configured sitemap periodically so its
// page list stays current as the HA backend's layout changes, driving
// the set of pages the long-poll strategy subscribes to on its next
// restart.
func SitemapRefreshTask(interval func() time.Duration, fetcher subscription.Fetcher, sitemapName func() string, onDiscovered func([]string)) Task {
	return Task{
		Name:     "sitemap-refresh",
		Interval: interval,
		Run: func(ctx context.Context) error {
			pages, err := subscription.DiscoverPages(ctx, fetcher, sitemapName())
			if err != nil {
				return fmt.Errorf("scheduler: refreshing sitemap: %w", err)
			}
			if onDiscovered != nil {
				onDiscovered(pages)
			}
			return nil
		},
	}
}

// LockoutPruneTask evicts expired, inactive lockout entries (spec §5's
// 60s lockout-map pruning), wired to internal/auth.Lockout.Prune.
func LockoutPruneTask(interval func() time.Duration, lockout *auth.Lockout) Task {
	return Task{
		Name:     "lockout-prune",
		Interval: interval,
		Run: func(ctx context.Context) error {
			lockout.Prune()
			return nil
		},
	}
}

// StatePruneTask removes item-state entries not seen within the last task
// interval (spec §4.E's stale-state pruning), wired to
// internal/state.Store.PruneStale.
func StatePruneTask(interval func() time.Duration, store *state.Store) Task {
	return Task{
		Name:     "state-prune",
		Interval: interval,
		Run: func(ctx context.Context) error {
			store.PruneStale(time.Now().Add(-interval()))
			return nil
		},
	}
}
