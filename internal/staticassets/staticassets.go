// Package staticassets names the interface for the HTML/JS client bundle
// server. Serving that bundle is out of scope; this package exists so
// internal/httpapi has something concrete to mount, or fall back to a
// 404 handler, when no implementation is configured.
package staticassets

import "net/http"

// Server serves the client bundle (index.html, compiled JS/CSS, icons).
type Server interface {
	http.Handler
}

// NotConfigured is mounted in place of a Server when none is wired up.
func NotConfigured() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}
