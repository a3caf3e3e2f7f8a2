package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// handlers binds HTTP handler methods to an App's dependencies.
type handlers struct {
	app *App
}

func (h *handlers) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (h *handlers) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

// handleLoginCSRF issues a fresh double-submit CSRF cookie for the login
// page to read and echo back on POST /api/login.
func (h *handlers) handleLoginCSRF(w http.ResponseWriter, r *http.Request) {
	if h.app.Auth == nil {
		http.Error(w, "Auth config unavailable", http.StatusInternalServerError)
		return
	}
	token := h.app.Auth.IssueCSRF(w)
	writeJSON(w, http.StatusOK, map[string]any{"csrfToken": token})
}

// handleLogin validates the double-submit CSRF token and credentials of a
// JSON login request and, on success, issues the session cookie.
func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	if h.app.Auth == nil {
		http.Error(w, "Auth config unavailable", http.StatusInternalServerError)
		return
	}

	var req struct {
		Username  string `json:"username"`
		Password  string `json:"password"`
		CSRFToken string `json:"csrfToken"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4*1024)).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if hdr := r.Header.Get("X-CSRF-Token"); hdr != "" {
		req.CSRFToken = hdr
	}

	record, status := h.app.Auth.Login(r, req.Username, req.Password, req.CSRFToken)
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	h.app.Auth.IssueSession(w, req.Username, record.PasswordHash)
	writeJSON(w, http.StatusOK, map[string]any{"username": req.Username, "role": record.Role})
}

// handleSitemapPage serves the delta-aware sitemap page fetch (spec §4.G):
// GET /rest/sitemaps/...?delta=1&since=<hash>.
func (h *handlers) handleSitemapPage(w http.ResponseWriter, r *http.Request) {
	result, err := h.app.Resolver.Resolve(r.Context(), r.URL.String())
	if err != nil {
		slog.Error("httpapi: resolving sitemap delta", "path", r.URL.Path, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	if result.Delta {
		writeJSON(w, http.StatusOK, map[string]any{
			"delta":   true,
			"hash":    result.Hash,
			"title":   result.Title,
			"changes": result.Changes,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"delta": false,
		"hash":  result.Hash,
		"title": result.Title,
		"page":  result.Page,
	})
}

// handleRestPassthrough forwards every other /rest/* request verbatim to
// the upstream backend: GET is buffered and re-served with its original
// status/body, POST carries the plain-text command body through
// SendCommand (the only REST write the backend exposes, per spec §6).
func (h *handlers) handleRestPassthrough(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		resp, err := h.app.Upstream.SendCommand(r.Context(), itemNameFromPath(r.URL.Path), string(body))
		if err != nil {
			slog.Error("httpapi: forwarding command", "path", r.URL.Path, "error", err)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
			return
		}
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)
		return
	}

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	resp, err := h.app.Upstream.Get(r.Context(), path)
	if err != nil {
		slog.Error("httpapi: forwarding REST request", "path", path, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func itemNameFromPath(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
