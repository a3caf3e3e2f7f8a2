// Package middleware provides HTTP middleware for the hastream server.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rjsadow/hastream/internal/auth"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// UserContextKey is the key used to store the resolved username in the
// request context.
const UserContextKey contextKey = "user"

// RoleContextKey is the key used to store the resolved user's role in the
// request context.
const RoleContextKey contextKey = "role"

// ManifestPath is the one path exempted from auth, and only when its
// Referer host matches the request host (it's fetched by the browser
// before any session cookie is necessarily present).
const ManifestPath = "/manifest.json"

// LoginPath is the JSON login endpoint, exempted from auth entirely since
// a caller hitting it has no session cookie yet.
const LoginPath = "/api/login"

// Auth gates HTTP and WebSocket-upgrade requests behind Basic or signed
// cookie credentials, tracking per-source lockout and issuing a throttled
// notification on lockout. A nil Directory means auth configuration never
// loaded; every non-exempt request then fails with the "config missing"
// response.
type Auth struct {
	Directory    auth.Directory
	CookieSecret string
	CookieTTL    time.Duration
	Realm        string
	Lockout      *auth.Lockout
	Notifier     *auth.Notifier

	// ReloadCheck, if set, is called once per request ahead of everything
	// else in the pipeline — the cheap os.Stat-based poll that notices a
	// hot-reloadable config override file before this request's handler
	// reads Snapshot. Typically config.Manager.CheckReload.
	ReloadCheck func()
}

// Middleware wraps next with the full HTTP auth pipeline: exempt-path
// check, lockout check, Basic-or-cookie resolution, disabled-user check,
// and username injection into the request context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.ReloadCheck != nil {
			a.ReloadCheck()
		}

		if a.isExemptPath(r) {
			next.ServeHTTP(w, r)
			return
		}

		if a.Directory == nil {
			http.Error(w, "Auth config unavailable", http.StatusInternalServerError)
			return
		}

		key := clientKey(r)
		if a.Lockout != nil && a.Lockout.IsLocked(key) {
			http.Error(w, "Too many failed attempts", http.StatusTooManyRequests)
			return
		}

		username, upgraded, ok := a.resolve(r)
		if !ok {
			a.recordFailure(r.Context(), key)
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", a.Realm))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		record, err := a.Directory.GetUser(username)
		if err != nil || record == nil {
			a.recordFailure(r.Context(), key)
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", a.Realm))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if record.Disabled {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		if a.Lockout != nil {
			a.Lockout.RecordSuccess(key)
		}
		if upgraded {
			a.setCookie(w, username, record.PasswordHash)
		}

		ctx := context.WithValue(r.Context(), UserContextKey, username)
		ctx = context.WithValue(ctx, RoleContextKey, record.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CheckUpgrade runs the same Basic-or-cookie resolution used for regular
// requests ahead of a WebSocket upgrade. It never writes a legacy-cookie
// upgrade response (a successful upgrade has no further HTTP response to
// carry one) and returns the resolved username plus the HTTP status the
// caller should fail the upgrade with (0 means proceed).
func (a *Auth) CheckUpgrade(r *http.Request) (username string, status int) {
	if a.ReloadCheck != nil {
		a.ReloadCheck()
	}
	if a.Directory == nil {
		return "", http.StatusInternalServerError
	}

	key := clientKey(r)
	if a.Lockout != nil && a.Lockout.IsLocked(key) {
		return "", http.StatusTooManyRequests
	}

	username, _, ok := a.resolve(r)
	if !ok {
		a.recordFailure(r.Context(), key)
		return "", http.StatusUnauthorized
	}

	record, err := a.Directory.GetUser(username)
	if err != nil || record == nil {
		a.recordFailure(r.Context(), key)
		return "", http.StatusUnauthorized
	}
	if record.Disabled {
		return "", http.StatusInternalServerError
	}

	if a.Lockout != nil {
		a.Lockout.RecordSuccess(key)
	}
	return username, 0
}

// resolve attempts cookie auth first, then falls back to Basic. A
// malformed Authorization header or cookie is treated as simply
// unauthenticated, never as an error. upgraded reports whether a legacy
// 3-part cookie was accepted and should be reissued in 4-part form.
func (a *Auth) resolve(r *http.Request) (username string, upgraded bool, ok bool) {
	if c, err := r.Cookie(cookieName); err == nil {
		lookup := func(u string) (string, bool) {
			rec, err := a.Directory.GetUser(u)
			if err != nil || rec == nil {
				return "", false
			}
			return rec.PasswordHash, true
		}
		sess, legacy, valid := auth.ParseCookie(a.CookieSecret, c.Value, lookup)
		if valid {
			return sess.Username, legacy, true
		}
	}

	user, pass, basicOK := r.BasicAuth()
	if !basicOK || user == "" {
		return "", false, false
	}
	rec, err := a.Directory.GetUser(user)
	if err != nil || rec == nil {
		return "", false, false
	}
	if !auth.VerifyPassword(rec.PasswordHash, pass) {
		return "", false, false
	}
	return user, false, true
}

func (a *Auth) recordFailure(ctx context.Context, key string) {
	if a.Lockout == nil {
		return
	}
	justLocked := a.Lockout.RecordFailure(key)
	if justLocked && a.Notifier != nil {
		max := a.Lockout.MaxFailures()
		a.Notifier.Notify(ctx, key, auth.LockoutReason(max, max))
	}
}

func (a *Auth) setCookie(w http.ResponseWriter, username, passwordHash string) {
	value := auth.MintCookie(a.CookieSecret, username, uuid.NewString(), passwordHash, a.CookieTTL)
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(a.CookieTTL.Seconds()),
	})
}

// IssueSession sets the signed session cookie for username, the same way a
// legacy-cookie upgrade or Basic auth success does. Exported for the JSON
// login handler, which authenticates outside the Middleware pipeline.
func (a *Auth) IssueSession(w http.ResponseWriter, username, passwordHash string) {
	a.setCookie(w, username, passwordHash)
}

const cookieName = "hastream_session"
const csrfCookieName = "hastream_csrf"

// IssueCSRF sets a fresh double-submit CSRF cookie and returns its value,
// for the login page to read and echo back on submission (header or body).
// Not HttpOnly: client script must be able to read it.
func (a *Auth) IssueCSRF(w http.ResponseWriter) string {
	token := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((10 * time.Minute).Seconds()),
	})
	return token
}

// Login validates the double-submit CSRF token and credentials for the
// JSON login endpoint, recording lockout failures the same way Middleware
// does. It returns the resolved user record on success, or the HTTP status
// the handler should fail the request with.
func (a *Auth) Login(r *http.Request, username, password, csrfToken string) (*auth.UserRecord, int) {
	if a.Directory == nil {
		return nil, http.StatusInternalServerError
	}

	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || !auth.ValidCSRF(cookie.Value, csrfToken) {
		return nil, http.StatusForbidden
	}

	key := clientKey(r)
	if a.Lockout != nil && a.Lockout.IsLocked(key) {
		return nil, http.StatusTooManyRequests
	}

	record, err := a.Directory.GetUser(username)
	if err != nil || record == nil || !auth.VerifyPassword(record.PasswordHash, password) {
		a.recordFailure(r.Context(), key)
		return nil, http.StatusUnauthorized
	}
	if record.Disabled {
		return nil, http.StatusInternalServerError
	}

	if a.Lockout != nil {
		a.Lockout.RecordSuccess(key)
	}
	return record, 0
}

// isExemptPath reports whether r needs no authentication at all: the login
// endpoint always, and the PWA manifest only when fetched from a page on
// this same host.
func (a *Auth) isExemptPath(r *http.Request) bool {
	if r.URL.Path == LoginPath {
		return true
	}
	if r.URL.Path != ManifestPath {
		return false
	}
	referer := r.Header.Get("Referer")
	if referer == "" {
		return false
	}
	refHost := hostOf(referer)
	return refHost != "" && strings.EqualFold(refHost, r.Host)
}

func hostOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return ""
	}
	rest := rawURL[idx+3:]
	if slash := strings.IndexAny(rest, "/?#"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

// clientKey derives the per-source lockout key, preferring the leftmost
// X-Forwarded-For entry, then X-Real-Ip, falling back to the socket's
// remote address.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if comma := strings.Index(fwd, ","); comma >= 0 {
			fwd = fwd[:comma]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	return r.RemoteAddr
}

// GetUserFromContext retrieves the resolved username from the request
// context, or "" if none was set.
func GetUserFromContext(ctx context.Context) string {
	username, _ := ctx.Value(UserContextKey).(string)
	return username
}

// GetRoleFromContext retrieves the resolved caller's role from the
// request context, or "" if none was set.
func GetRoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(RoleContextKey).(string)
	return role
}
