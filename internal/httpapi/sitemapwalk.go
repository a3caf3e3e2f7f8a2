package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// walkWidget mirrors the dynamic upstream widget shape (both "widget" and
// "widgets" property names are accepted, per spec §4.G's widget
// normalization rule), with just enough fields to BFS-walk linked pages
// and flatten a search index.
type walkWidget struct {
	WidgetID   string       `json:"widgetId"`
	Type       string       `json:"type"`
	Label      string       `json:"label"`
	Icon       string       `json:"icon"`
	Item       *walkItem    `json:"item"`
	Widget     []walkWidget `json:"widget"`
	Widgets    []walkWidget `json:"widgets"`
	LinkedPage *walkPage    `json:"linkedPage"`
}

type walkItem struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// walkPage is both a linkedPage reference and a fetched page body.
type walkPage struct {
	ID      string       `json:"id"`
	Title   string       `json:"title"`
	Link    string       `json:"link"`
	Widget  []walkWidget `json:"widget"`
	Widgets []walkWidget `json:"widgets"`
}

func widgetChildren(w walkWidget) []walkWidget {
	if len(w.Widgets) > 0 {
		return w.Widgets
	}
	return w.Widget
}

func pageChildren(p walkPage) []walkWidget {
	if len(p.Widgets) > 0 {
		return p.Widgets
	}
	return p.Widget
}

// walkSitemap BFS-walks every page reachable from rootPath (already a
// `/rest/sitemaps/...` path), fetching each exactly once, and returns the
// fetched pages keyed by the path used to fetch them plus the root key.
func walkSitemap(ctx context.Context, get func(ctx context.Context, path string) ([]byte, int, error), relativize func(string) string, rootPath string) (pages map[string]walkPage, root string, err error) {
	rootPath = ensureTypeJSON(rootPath)
	pages = map[string]walkPage{}
	visited := map[string]bool{rootPath: true}
	queue := []string{rootPath}

	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]

		body, status, err := get(ctx, path)
		if err != nil {
			return nil, "", fmt.Errorf("httpapi: fetching sitemap page %s: %w", path, err)
		}
		if status >= 400 {
			return nil, "", fmt.Errorf("httpapi: sitemap page %s returned status %d", path, status)
		}

		var page walkPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, "", fmt.Errorf("httpapi: decoding sitemap page %s: %w", path, err)
		}
		pages[path] = page

		for _, link := range linkedPagePaths(pageChildren(page)) {
			link = ensureTypeJSON(relativize(link))
			if !visited[link] {
				visited[link] = true
				queue = append(queue, link)
			}
		}
	}

	return pages, rootPath, nil
}

// linkedPagePaths recursively collects every distinct linkedPage.link
// reachable from widgets, stripped to a relative path by the caller.
func linkedPagePaths(widgets []walkWidget) []string {
	var out []string
	var walk func([]walkWidget)
	walk = func(ws []walkWidget) {
		for _, w := range ws {
			if w.LinkedPage != nil && w.LinkedPage.Link != "" {
				out = append(out, w.LinkedPage.Link)
			}
			if kids := widgetChildren(w); len(kids) > 0 {
				walk(kids)
			}
		}
	}
	walk(widgets)
	return out
}

func ensureTypeJSON(path string) string {
	if strings.Contains(path, "type=json") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "type=json"
}

// searchIndexEntry is one flattened, role-filtered widget or frame label
// in /search-index's response.
type searchIndexEntry struct {
	Key      string `json:"key"`
	Kind     string `json:"kind"` // "widget" or "frame"
	Label    string `json:"label"`
	State    string `json:"state,omitempty"`
	Icon     string `json:"icon,omitempty"`
	ItemName string `json:"itemName,omitempty"`
	PageID   string `json:"pageId"`
}

// flattenForSearch walks every page's widget tree, emitting one entry per
// widget/frame, visible to role according to the persisted widget rules
// (no rule for a key means visible to everyone).
func flattenForSearch(pages map[string]walkPage, role string, rules map[string]widgetVisibility) []searchIndexEntry {
	var out []searchIndexEntry
	for _, page := range pages {
		var walk func([]walkWidget)
		walk = func(ws []walkWidget) {
			for _, w := range ws {
				key := searchKey(w)
				if rule, ok := rules[key]; ok && !rule.visibleTo(role) {
					continue
				}
				kind := "widget"
				if strings.EqualFold(w.Type, "Frame") {
					kind = "frame"
				}
				entry := searchIndexEntry{Key: key, Kind: kind, Label: w.Label, PageID: page.ID}
				if w.Item != nil {
					entry.ItemName = w.Item.Name
					entry.State = w.Item.State
				}
				entry.Icon = w.Icon
				out = append(out, entry)
				if kids := widgetChildren(w); len(kids) > 0 {
					walk(kids)
				}
			}
		}
		walk(pageChildren(page))
	}
	return out
}

// searchKey derives the widget_rules lookup key for a widget: its upstream
// id, else its bound item name, else its label. The precedence follows
// deltacache's widget key, but the value carries none of that key's
// "id:"/"item:"/"label:" prefix or type/link suffix.
func searchKey(w walkWidget) string {
	switch {
	case w.WidgetID != "":
		return w.WidgetID
	case w.Item != nil && w.Item.Name != "":
		return w.Item.Name
	default:
		return w.Label
	}
}

// widgetVisibility is the role-filtering view of a store.WidgetRule.
type widgetVisibility struct {
	visibleRoles []string
}

func (v widgetVisibility) visibleTo(role string) bool {
	if len(v.visibleRoles) == 0 {
		return true
	}
	for _, r := range v.visibleRoles {
		if r == role {
			return true
		}
	}
	return false
}
