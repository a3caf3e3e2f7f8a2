// Package httpapi assembles hastream's core HTTP surface: the delta
// endpoint, the verbatim REST passthrough, the sitemap-full and
// search-index walks, the client config script, trivial liveness, and
// the whitelisted settings endpoint. It accepts all dependencies as
// parameters so main() and tests build the same handler chain.
package httpapi

import (
	"net/http"

	"github.com/rjsadow/hastream/internal/config"
	"github.com/rjsadow/hastream/internal/deltacache"
	"github.com/rjsadow/hastream/internal/middleware"
	"github.com/rjsadow/hastream/internal/staticassets"
	"github.com/rjsadow/hastream/internal/store"
	"github.com/rjsadow/hastream/internal/upstream"
	"github.com/rjsadow/hastream/internal/wsgateway"
)

// App holds every dependency the HTTP surface needs.
type App struct {
	Snapshot func() *config.Snapshot
	Upstream *upstream.Client
	Resolver *deltacache.Resolver
	Store    *store.Store
	Hub      *wsgateway.Hub // mounted at /ws; nil disables the route
	Auth     *middleware.Auth
	// Static serves the HTML/JS client bundle. Nil falls back to a bare
	// 404 handler; no implementation ships (out of scope).
	Static staticassets.Server
}

// Handler builds the complete HTTP handler: routes registered on a
// stdlib mux, wrapped in the security-headers/request-id/auth chain.
// /ws is mounted outside the HTTP auth wrapper — wsgateway.Hub runs its
// own accept pipeline (spec §4.F), distinct from the HTTP one.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	h := &handlers{app: a}

	mux.HandleFunc("GET /api/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("GET /api/ping", h.handlePing)

	mux.HandleFunc("GET /api/login", h.handleLoginCSRF)
	mux.HandleFunc("POST /api/login", h.handleLogin)

	mux.HandleFunc("GET /rest/sitemaps/", h.handleSitemapPage)
	mux.HandleFunc("GET /rest/", h.handleRestPassthrough)
	mux.HandleFunc("POST /rest/", h.handleRestPassthrough)

	mux.HandleFunc("GET /sitemap-full", h.handleSitemapFull)
	mux.HandleFunc("GET /search-index", h.handleSearchIndex)
	mux.HandleFunc("GET /config.js", h.handleConfigJS)

	mux.HandleFunc("POST /api/settings", h.handleSettingsPost)
	mux.HandleFunc("GET /api/settings", h.handleSettingsGet)

	if a.Static != nil {
		mux.Handle("/", a.Static)
	} else {
		mux.Handle("/", staticassets.NotConfigured())
	}

	var authed http.Handler = mux
	if a.Auth != nil {
		authed = a.Auth.Middleware(mux)
	}

	top := http.NewServeMux()
	if a.Hub != nil {
		top.Handle("/ws", a.Hub)
	}
	top.Handle("/", authed)

	return middleware.SecurityHeaders(middleware.RequestID(top))
}
