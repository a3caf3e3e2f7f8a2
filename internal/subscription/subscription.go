// Package subscription implements the three interchangeable upstream
// subscription strategies (long-poll, SSE, periodic poll) behind one
// shared contract, selected by name from configuration and swappable in
// place on hot reload.
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/rjsadow/hastream/internal/state"
	"github.com/rjsadow/hastream/internal/upstream"
)

// Strategy is the contract every subscription transport implements:
// start when the first client connects, stop when the last disconnects.
type Strategy interface {
	Start(ctx context.Context) error
	Stop()
}

// Resubscriber is implemented by strategies that need to react to a fresh
// sitemap discovery result — currently only long-poll, which falls back to
// a placeholder page id when discovery first finds nothing and needs to
// retry once a real page list (or a new sitemap name) appears.
type Resubscriber interface {
	NeedsResubscribe(sitemapName string) bool
}

// Fetcher is the subset of the upstream client a strategy needs: plain
// GET, a long-poll GET carrying a tracking id, and streaming SSE lines.
type Fetcher interface {
	Get(ctx context.Context, path string) (*upstream.Response, error)
	LongPollGet(ctx context.Context, path, trackingID string) (*upstream.Response, error)
	StreamLines(ctx context.Context, path string, onLine func(line string)) error
}

// Deps bundles everything a strategy factory needs to build a Strategy.
type Deps struct {
	Fetcher     Fetcher
	SitemapName string
	OnChanges   func([]state.ItemChange)
	IsFocused   func() bool

	// PollFocusedInterval/PollBackgroundInterval/NoUpdateWatchdog read the
	// current config snapshot value live, so a hot reload changes the
	// interval the next time it's consulted without restarting the
	// strategy.
	PollFocusedInterval    func() time.Duration
	PollBackgroundInterval func() time.Duration
	NoUpdateWatchdog       func() time.Duration
}

type factory func(Deps) Strategy

var registry = map[string]factory{}

// Register adds a named strategy constructor. Called from each
// strategy's init().
func Register(name string, f factory) {
	registry[name] = f
}

// New builds the named strategy, or an error if unknown.
func New(name string, deps Deps) (Strategy, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("subscription: unknown strategy %q", name)
	}
	return f(deps), nil
}
