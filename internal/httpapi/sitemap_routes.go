package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/rjsadow/hastream/internal/middleware"
	"github.com/rjsadow/hastream/internal/store"
)

// rootPathFromQuery resolves /sitemap-full and /search-index's
// "sitemap=<name> | root=<path>" query convention into a single fetch
// path for walkSitemap.
func rootPathFromQuery(r *http.Request) (path string, ok bool) {
	if name := r.URL.Query().Get("sitemap"); name != "" {
		return "/rest/sitemaps/" + name, true
	}
	if root := r.URL.Query().Get("root"); root != "" {
		return root, true
	}
	return "", false
}

func (h *handlers) walk(r *http.Request) (map[string]walkPage, string, error) {
	rootPath, ok := rootPathFromQuery(r)
	if !ok {
		return nil, "", errMissingRootQuery
	}
	get := func(ctx context.Context, path string) ([]byte, int, error) {
		resp, err := h.app.Upstream.Get(ctx, path)
		if err != nil {
			return nil, 0, err
		}
		return resp.Body, resp.Status, nil
	}
	return walkSitemap(r.Context(), get, h.app.Upstream.RelativePath, rootPath)
}

func (h *handlers) handleSitemapFull(w http.ResponseWriter, r *http.Request) {
	pages, root, err := h.walk(r)
	if err == errMissingRootQuery {
		http.Error(w, "Bad Request: sitemap or root query parameter required", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages, "root": root})
}

func (h *handlers) handleSearchIndex(w http.ResponseWriter, r *http.Request) {
	pages, _, err := h.walk(r)
	if err == errMissingRootQuery {
		http.Error(w, "Bad Request: sitemap or root query parameter required", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	role := middleware.GetRoleFromContext(r.Context())
	rules, err := h.widgetVisibilityRules()
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	entries := flattenForSearch(pages, role, rules)
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "widgets": entries})
}

func (h *handlers) widgetVisibilityRules() (map[string]widgetVisibility, error) {
	raw, err := h.app.Store.ListWidgetRules()
	if err != nil {
		return nil, err
	}
	out := make(map[string]widgetVisibility, len(raw))
	for key, rule := range raw {
		out[key] = widgetVisibility{visibleRoles: splitNonEmpty(rule.VisibleRoles)}
	}
	return out, nil
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, v := range strings.Split(csv, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// handleConfigJS renders the client-facing config snapshot: connection
// settings, per-widget glow/visibility/video/iframe/proxy-cache rules,
// and the caller's role (spec §4.H).
func (h *handlers) handleConfigJS(w http.ResponseWriter, r *http.Request) {
	snap := h.app.Snapshot()
	role := middleware.GetRoleFromContext(r.Context())

	rawRules, err := h.app.Store.ListWidgetRules()
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	widgetRules := make(map[string]clientWidgetRule, len(rawRules))
	for key, rule := range rawRules {
		widgetRules[key] = clientWidgetRule{
			Glow:       rule.Glow,
			Visible:    rule.VisibleTo(role),
			VideoURL:   rule.VideoURL,
			IframeURL:  rule.IframeURL,
			ProxyCache: rule.ProxyCache,
		}
	}

	body := map[string]any{
		"sitemap":            snap.SitemapName,
		"subscriptionMode":   snap.SubscriptionStrategy,
		"role":               role,
		"widgetRules":        widgetRules,
		"noUpdateWatchdogMs": snap.NoUpdateWatchdogTimeout.Milliseconds(),
	}

	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("window.HASTREAM_CONFIG = "))
	writeJSONBody(w, body)
	w.Write([]byte(";\n"))
}

// clientWidgetRule is the config.js-facing projection of store.WidgetRule:
// Visible has already been resolved against the caller's role, so the
// client never needs to know the role-matching rules itself.
type clientWidgetRule struct {
	Glow       bool   `json:"glow"`
	Visible    bool   `json:"visible"`
	VideoURL   string `json:"videoUrl,omitempty"`
	IframeURL  string `json:"iframeUrl,omitempty"`
	ProxyCache bool   `json:"proxyCache"`
}

// handleSettingsGet returns every persisted whitelisted client setting.
func (h *handlers) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	settings, err := h.app.Store.ListSettings()
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handleSettingsPost persists whitelisted primitive-valued keys only
// (spec §4.H); an unknown key in the body is rejected with 400 rather
// than silently dropped.
func (h *handlers) handleSettingsPost(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeJSONBody(r, &body); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	for key, value := range body {
		if !store.IsAllowedSettingKey(key) {
			http.Error(w, "Bad Request: unknown setting key "+key, http.StatusBadRequest)
			return
		}
		if !isPrimitive(value) {
			http.Error(w, "Bad Request: setting value must be a primitive", http.StatusBadRequest)
			return
		}
	}

	for key, value := range body {
		raw, err := encodeJSONValue(value)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if err := h.app.Store.PutSetting(key, raw); err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case string, float64, bool, nil:
		return true
	default:
		return false
	}
}
