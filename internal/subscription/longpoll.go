package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rjsadow/hastream/internal/state"
)

func init() {
	Register("longpoll", newLongPoll)
}

// longPoll subscribes with one in-flight GET per discovered page,
// reconnecting immediately on a clean response and after a fixed delay on
// error. A generation counter invalidates late callbacks from a prior
// Start/Stop cycle.
type longPoll struct {
	deps Deps

	mu                 sync.Mutex
	cancel             context.CancelFunc
	generation         int64
	lastUpdate         time.Time
	watchdogCh         chan struct{}
	usedPlaceholder    bool
	startedSitemapName string
}

func newLongPoll(deps Deps) Strategy {
	return &longPoll{deps: deps, watchdogCh: make(chan struct{}, 1)}
}

const longPollReconnectDelay = 3 * time.Second

func (l *longPoll) Start(parent context.Context) error {
	l.mu.Lock()
	l.generation++
	gen := l.generation
	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	l.lastUpdate = time.Now()
	l.mu.Unlock()

	pages, err := DiscoverPages(ctx, l.deps.Fetcher, l.deps.SitemapName)
	if err != nil {
		return fmt.Errorf("subscription: longpoll start: %w", err)
	}
	placeholder := len(pages) == 0
	if placeholder {
		pages = []string{"placeholder"}
	}

	l.mu.Lock()
	l.usedPlaceholder = placeholder
	l.startedSitemapName = l.deps.SitemapName
	l.mu.Unlock()

	for _, pageID := range pages {
		go l.pump(ctx, gen, pageID)
	}
	go l.watchdog(ctx, gen)
	return nil
}

func (l *longPoll) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation++
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

func (l *longPoll) pump(ctx context.Context, gen int64, pageID string) {
	path := fmt.Sprintf("/rest/sitemaps/%s/%s?type=json", l.deps.SitemapName, pageID)
	trackingID := ""

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		resp, err := l.deps.Fetcher.LongPollGet(ctx, path, trackingID)
		if !l.stillCurrent(gen) {
			return
		}
		if err != nil {
			select {
			case <-time.After(longPollReconnectDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		if next := resp.Header.Get("X-Atmosphere-tracking-id"); next != "" {
			trackingID = next
		}

		changes := extractItemChanges(resp.Body)
		if len(changes) > 0 {
			l.touch()
			l.deps.OnChanges(changes)
		}
	}
}

// NeedsResubscribe reports whether this subscription should be torn down
// and restarted given the currently configured sitemapName: either its
// last start only found a placeholder page, or the sitemap name itself has
// since changed.
func (l *longPoll) NeedsResubscribe(sitemapName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usedPlaceholder || l.startedSitemapName != sitemapName
}

func (l *longPoll) stillCurrent(gen int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return gen == l.generation
}

func (l *longPoll) touch() {
	l.mu.Lock()
	l.lastUpdate = time.Now()
	l.mu.Unlock()
}

// watchdog fires a single warning if no item update has been observed
// within the configured threshold, and resets on any subsequent update.
func (l *longPoll) watchdog(ctx context.Context, gen int64) {
	threshold := l.deps.NoUpdateWatchdog()
	if threshold <= 0 {
		return
	}
	ticker := time.NewTicker(threshold)
	defer ticker.Stop()

	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.stillCurrent(gen) {
				return
			}
			l.mu.Lock()
			stale := time.Since(l.lastUpdate) >= threshold
			l.mu.Unlock()
			if stale && !warned {
				slog.Warn("subscription: no item update received within watchdog threshold", "threshold", threshold)
				warned = true
			} else if !stale {
				warned = false
			}
		}
	}
}

type leafWidget struct {
	Item    *struct{ Name, State string } `json:"item"`
	Widget  []leafWidget                   `json:"widget"`
	Widgets []leafWidget                   `json:"widgets"`
}

type leafPage struct {
	Widget  []leafWidget `json:"widget"`
	Widgets []leafWidget `json:"widgets"`
}

// extractItemChanges recursively walks a widget tree for {item:{name,state}}
// leaves, tolerating either a bare page body or one wrapped in "homepage".
func extractItemChanges(body []byte) []state.ItemChange {
	var wrapped struct {
		leafPage
		Homepage *leafPage `json:"homepage"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil
	}
	page := wrapped.leafPage
	if wrapped.Homepage != nil {
		page = *wrapped.Homepage
	}
	var out []state.ItemChange
	var walk func([]leafWidget)
	walk = func(ws []leafWidget) {
		for _, w := range ws {
			if w.Item != nil && w.Item.Name != "" {
				out = append(out, state.ItemChange{Name: w.Item.Name, State: w.Item.State})
			}
			if len(w.Widgets) > 0 {
				walk(w.Widgets)
			} else {
				walk(w.Widget)
			}
		}
	}
	if len(page.Widgets) > 0 {
		walk(page.Widgets)
	} else {
		walk(page.Widget)
	}
	return out
}
