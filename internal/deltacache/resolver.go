package deltacache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// PageFetcher retrieves the raw JSON body of a sitemap page from the
// upstream backend for the given canonical path (delta/since/type
// already normalized by Resolver). Backed in production by
// internal/upstream.Client.FetchSitemapPage.
type PageFetcher interface {
	FetchSitemapPage(ctx context.Context, path string) ([]byte, error)
}

// GroupOverrider rewrites item-state values in place to reflect computed
// group aggregates. Backed in production by internal/state.Store.
type GroupOverrider interface {
	ApplyGroupOverrides(m map[string]string)
}

// Result is the response the delta endpoint renders: either a structural
// delta (Changes) or a full page (Page).
type Result struct {
	Delta   bool
	Hash    string
	Title   string
	Changes []WidgetSnapshot
	Page    PageSnapshot
}

// Resolver implements the sitemap delta compute path (spec §4.G): strip
// delta/since, fetch, normalize, snapshot, diff against history.
type Resolver struct {
	Fetcher   PageFetcher
	Overrides GroupOverrider
	Cache     *Cache
}

// Resolve computes the delta (or full-page) response for rawURL, which
// carries the client's requested `delta`/`since` query parameters.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{}, fmt.Errorf("deltacache: parsing url: %w", err)
	}

	q := u.Query()
	wantDelta := q.Get("delta") == "1" || strings.EqualFold(q.Get("delta"), "true")
	since := q.Get("since")
	q.Del("delta")
	q.Del("since")
	q.Set("type", "json")
	u.RawQuery = q.Encode()

	canonicalKey := u.Path + "?" + u.RawQuery

	body, err := r.Fetcher.FetchSitemapPage(ctx, u.String())
	if err != nil {
		return Result{}, fmt.Errorf("deltacache: fetching page: %w", err)
	}

	var raw rawSitemapPage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Result{}, fmt.Errorf("deltacache: decoding page: %w", err)
	}

	overrides := map[string]string{}
	collectItemStates(pageChildren(raw), overrides)
	if r.Overrides != nil {
		r.Overrides.ApplyGroupOverrides(overrides)
	}

	snap := BuildSnapshot(raw, overrides)
	r.Cache.Append(canonicalKey, snap)

	if wantDelta && since != "" {
		if prev, found := r.Cache.FindByContentHash(canonicalKey, since); found && prev.StructuralHash == snap.StructuralHash {
			if changes, ok := Diff(prev, snap); ok {
				return Result{Delta: true, Hash: snap.ContentHash, Title: snap.Title, Changes: changes}, nil
			}
		}
	}

	return Result{Delta: false, Hash: snap.ContentHash, Title: snap.Title, Page: snap}, nil
}

func collectItemStates(widgets []rawWidget, out map[string]string) {
	for _, w := range widgets {
		if w.Item != nil && w.Item.Name != "" {
			out[w.Item.Name] = w.Item.State
		}
		if kids := children(w); len(kids) > 0 {
			collectItemStates(kids, out)
		}
	}
}
