package subscription

import (
	"context"
	"encoding/json"
	"fmt"
)

type discoveredWidget struct {
	Item       *struct{ Name, State string } `json:"item"`
	Widget     []discoveredWidget             `json:"widget"`
	Widgets    []discoveredWidget             `json:"widgets"`
	LinkedPage *discoveredPage                `json:"linkedPage"`
}

type discoveredPage struct {
	ID      string             `json:"id"`
	Widget  []discoveredWidget `json:"widget"`
	Widgets []discoveredWidget `json:"widgets"`
}

type discoveredSitemap struct {
	Homepage *discoveredPage    `json:"homepage"`
	Widget   []discoveredWidget `json:"widget"`
	Widgets  []discoveredWidget `json:"widgets"`
}

// DiscoverPages performs one GET /rest/sitemaps/<name>?type=json and walks
// linkedPage.id, widget/widgets, and homepage recursively, returning every
// distinct page id reachable from the sitemap's root.
func DiscoverPages(ctx context.Context, f Fetcher, sitemapName string) ([]string, error) {
	resp, err := f.Get(ctx, fmt.Sprintf("/rest/sitemaps/%s?type=json", sitemapName))
	if err != nil {
		return nil, fmt.Errorf("subscription: discovering pages: %w", err)
	}

	var sm discoveredSitemap
	if err := json.Unmarshal(resp.Body, &sm); err != nil {
		return nil, fmt.Errorf("subscription: decoding sitemap: %w", err)
	}

	seen := map[string]bool{}
	var pages []string

	visitPage := func(p *discoveredPage) {
		if p == nil || p.ID == "" || seen[p.ID] {
			return
		}
		seen[p.ID] = true
		pages = append(pages, p.ID)
	}

	var walkWidgets func([]discoveredWidget)
	walkWidgets = func(ws []discoveredWidget) {
		for _, w := range ws {
			if w.LinkedPage != nil {
				visitPage(w.LinkedPage)
				walkWidgets(childWidgets(w.LinkedPage.Widgets, w.LinkedPage.Widget))
			}
			walkWidgets(childWidgets(w.Widgets, w.Widget))
		}
	}

	if sm.Homepage != nil {
		visitPage(sm.Homepage)
		walkWidgets(childWidgets(sm.Homepage.Widgets, sm.Homepage.Widget))
	}
	walkWidgets(childWidgets(sm.Widgets, sm.Widget))

	return pages, nil
}

func childWidgets(widgets, fallback []discoveredWidget) []discoveredWidget {
	if len(widgets) > 0 {
		return widgets
	}
	return fallback
}
