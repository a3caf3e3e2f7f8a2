// Package deltacache builds structural/content-hashed snapshots of sitemap
// pages and serves bandwidth-efficient deltas against a bounded history of
// prior snapshots per canonical URL.
package deltacache

import "strings"

// frameMarker is the key prefix used for flattened Frame children, so the
// structural hash can distinguish a frame boundary from an ordinary widget
// at the same position.
const frameMarker = "frame:"

// WidgetSnapshot is one entry in a page's flattened widget list.
type WidgetSnapshot struct {
	Key               string
	ID                string
	ItemName          string
	Label             string
	State             string
	ValueColor        string
	Icon              string
	MappingsSignature string
}

// PageSnapshot is the flattened, normalized view of a sitemap page used to
// compute hashes and diffs.
type PageSnapshot struct {
	Title          string
	Order          []string // ordered keys, including frame markers
	Entries        map[string]WidgetSnapshot
	ContentHash    string
	StructuralHash string
}

// rawWidget mirrors the dynamic shape of an upstream sitemap widget: both
// "widget" and "widgets" are accepted for children, "mapping" and
// "mappings" for the choice list.
type rawWidget struct {
	WidgetID   string       `json:"widgetId"`
	Type       string       `json:"type"`
	Label      string       `json:"label"`
	Icon       string       `json:"icon"`
	ValueColor string       `json:"valuecolor"`
	Item       *rawItem     `json:"item"`
	Mappings   []rawMapping `json:"mappings"`
	Mapping    []rawMapping `json:"mapping"`
	Widget     []rawWidget  `json:"widget"`
	Widgets    []rawWidget  `json:"widgets"`
	LinkedPage *rawPage     `json:"linkedPage"`
}

type rawItem struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type rawMapping struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type rawPage struct {
	ID      string      `json:"id"`
	Title   string      `json:"title"`
	Widget  []rawWidget `json:"widget"`
	Widgets []rawWidget `json:"widgets"`
}

// rawSitemapPage is the top-level decoded response for a sitemap page
// fetch (and a sitemap's homepage field).
type rawSitemapPage struct {
	Title    string      `json:"title"`
	Widget   []rawWidget `json:"widget"`
	Widgets  []rawWidget `json:"widgets"`
	Homepage *rawPage    `json:"homepage"`
}

func children(w rawWidget) []rawWidget {
	if len(w.Widgets) > 0 {
		return w.Widgets
	}
	return w.Widget
}

func pageChildren(p rawSitemapPage) []rawWidget {
	if len(p.Widgets) > 0 {
		return p.Widgets
	}
	return p.Widget
}

func mappings(w rawWidget) []rawMapping {
	if len(w.Mappings) > 0 {
		return w.Mappings
	}
	return w.Mapping
}

// BuildSnapshot flattens a decoded sitemap page into a PageSnapshot,
// applying group-state overrides (already-resolved item states keyed by
// item name) before hashing, so the content hash reflects computed
// aggregates rather than raw upstream strings.
func BuildSnapshot(page rawSitemapPage, overrides map[string]string) PageSnapshot {
	snap := PageSnapshot{
		Title:   page.Title,
		Order:   nil,
		Entries: make(map[string]WidgetSnapshot),
	}
	flatten(pageChildren(page), overrides, &snap)
	snap.StructuralHash = structuralHash(snap.Order)
	snap.ContentHash = contentHash(snap.Title, snap.Order, snap.Entries)
	return snap
}

func flatten(widgets []rawWidget, overrides map[string]string, snap *PageSnapshot) {
	for _, w := range widgets {
		if strings.EqualFold(w.Type, "Frame") {
			snap.Order = append(snap.Order, frameMarker+frameKey(w))
			flatten(children(w), overrides, snap)
			continue
		}

		ws := widgetSnapshot(w, overrides)
		snap.Order = append(snap.Order, ws.Key)
		snap.Entries[ws.Key] = ws

		if kids := children(w); len(kids) > 0 {
			flatten(kids, overrides, snap)
		}
	}
}

func frameKey(w rawWidget) string {
	if w.WidgetID != "" {
		return w.WidgetID
	}
	return w.Label
}

// widgetKey derives the stable key for a widget: prefer its upstream id,
// then its bound item name, then its label — each namespaced by type and
// (for the item/label forms) a link discriminator so two different
// widgets bound to the same item/label in different contexts don't
// collide.
func widgetKey(w rawWidget) string {
	switch {
	case w.WidgetID != "":
		return "id:" + w.WidgetID
	case w.Item != nil && w.Item.Name != "":
		return "item:" + w.Item.Name + "|" + w.Type + "|" + linkOf(w)
	default:
		return "label:" + w.Label + "|" + w.Type + "|" + linkOf(w)
	}
}

func linkOf(w rawWidget) string {
	if w.LinkedPage != nil {
		return w.LinkedPage.ID
	}
	return ""
}

func widgetSnapshot(w rawWidget, overrides map[string]string) WidgetSnapshot {
	itemName := ""
	state := ""
	if w.Item != nil {
		itemName = w.Item.Name
		state = w.Item.State
	}
	if itemName != "" {
		if override, ok := overrides[itemName]; ok {
			state = override
		}
	}

	title, labelState := splitLabel(w.Label)
	if labelState != "" {
		state = labelState
	}

	return WidgetSnapshot{
		Key:               widgetKey(w),
		ID:                w.WidgetID,
		ItemName:          itemName,
		Label:             title,
		State:             state,
		ValueColor:        w.ValueColor,
		Icon:              w.Icon,
		MappingsSignature: mappingsSignature(mappings(w)),
	}
}

// splitLabel splits a "Title [State]" label into its parts. A trailing
// empty "[]" is treated as absent rather than an empty state.
func splitLabel(label string) (title, state string) {
	open := strings.LastIndex(label, "[")
	if open < 0 || !strings.HasSuffix(label, "]") {
		return label, ""
	}
	inner := label[open+1 : len(label)-1]
	if inner == "" {
		return strings.TrimSpace(label[:open]), ""
	}
	return strings.TrimSpace(label[:open]), inner
}

func mappingsSignature(ms []rawMapping) string {
	parts := make([]string, len(ms))
	for i, m := range ms {
		parts[i] = m.Value + "=" + m.Label
	}
	return strings.Join(parts, ",")
}
