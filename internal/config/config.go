// Package config provides centralized configuration management for hastream.
// Configuration is loaded from environment variables with sensible defaults.
// Required configuration that is missing will cause the application to fail
// fast with helpful error messages.
//
// A second layer, Manager, publishes a hot-reloadable Snapshot: most fields
// can change while the process runs (the override file's mtime is watched),
// but a fixed set of restart-required fields (listener binds, log file path)
// trigger a scheduled process exit instead of a live rebind.
package config

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rjsadow/hastream/internal/secrets"
)

// Config holds all application configuration.
type Config struct {
	// Listener configuration (restart-required).
	HTTPAddr    string
	HTTPSAddr   string
	TLSCertFile string
	TLSKeyFile  string
	EnableHTTP2 bool
	LogFilePath string

	// Upstream HA backend.
	BackendBaseURL   string
	BackendToken     string
	BackendBasicUser string
	BackendBasicPass string
	RequestTimeout   time.Duration
	LongPollTimeout  time.Duration
	RedirectMaxDepth int

	// Auth & lockout.
	CookieSecret         string
	CookieTTL            time.Duration
	AuthRealm            string
	LockoutMaxFailures   int
	LockoutDuration      time.Duration
	LockoutPruneInterval time.Duration
	NotifyThrottle       time.Duration
	NotifyCommand        string
	AdminUsername        string
	AdminPassword        string

	// Subscription strategy.
	SubscriptionStrategy    string // "longpoll", "sse", or "poll"
	SitemapName             string
	PollFocusedInterval     time.Duration
	PollBackgroundInterval  time.Duration
	NoUpdateWatchdogTimeout time.Duration

	// Delta cache.
	DeltaCacheKeyLimit int

	// Group-aggregate items: group item name -> member item names.
	GroupItems map[string][]string

	// Background scheduler.
	SitemapRefreshInterval time.Duration
	SessionCleanupInterval time.Duration

	// WebSocket hub accept pipeline.
	AllowedSubnets  []string // CIDRs; empty means allow any
	DenyList        []string // IPs/CIDRs rejected when ProxyTrustEnabled
	ProxyTrustEnabled bool
	WSPingInterval  time.Duration

	// IPC.
	IPCSocketPath string

	// Store (session-store external collaborator, SQLite-backed).
	StoreDSN string

	// OverridePath is the file whose modification time triggers a hot
	// reload. A reload re-runs Load, which reads the process environment;
	// the file's contents are not parsed. Empty disables hot reload entirely.
	OverridePath string
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values.
const (
	DefaultHTTPAddr                = ":8080"
	DefaultRequestTimeout          = 15 * time.Second
	DefaultLongPollTimeout         = 120 * time.Second
	DefaultRedirectMaxDepth        = 3
	DefaultCookieTTL               = 30 * 24 * time.Hour
	DefaultAuthRealm               = "hastream"
	DefaultLockoutMaxFailures      = 3
	DefaultLockoutDuration         = 15 * time.Minute
	DefaultLockoutPruneInterval    = 60 * time.Second
	DefaultNotifyThrottle          = 5 * time.Minute
	DefaultSubscriptionStrategy    = "longpoll"
	DefaultPollFocusedInterval     = 2 * time.Second
	DefaultPollBackgroundInterval  = 10 * time.Second
	DefaultNoUpdateWatchdogTimeout = 5 * time.Second
	DefaultDeltaCacheKeyLimit      = 256
	DefaultSitemapRefreshInterval  = 5 * time.Minute
	DefaultSessionCleanupInterval  = 10 * time.Minute
	DefaultStoreDSN                = "hastream.db"
	DefaultWSPingInterval          = 30 * time.Second
)

// RestartRequiredFields lists the Config fields that cannot be hot-reloaded.
// Any divergence between the previous and newly-loaded snapshot in one of
// these fields schedules a process restart instead of a live rebind.
var RestartRequiredFields = []string{
	"HTTPAddr", "HTTPSAddr", "TLSCertFile", "TLSKeyFile", "EnableHTTP2", "LogFilePath",
}

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:                DefaultHTTPAddr,
		RequestTimeout:          DefaultRequestTimeout,
		LongPollTimeout:         DefaultLongPollTimeout,
		RedirectMaxDepth:        DefaultRedirectMaxDepth,
		CookieTTL:               DefaultCookieTTL,
		AuthRealm:               DefaultAuthRealm,
		LockoutMaxFailures:      DefaultLockoutMaxFailures,
		LockoutDuration:         DefaultLockoutDuration,
		LockoutPruneInterval:    DefaultLockoutPruneInterval,
		NotifyThrottle:          DefaultNotifyThrottle,
		SubscriptionStrategy:    DefaultSubscriptionStrategy,
		PollFocusedInterval:     DefaultPollFocusedInterval,
		PollBackgroundInterval:  DefaultPollBackgroundInterval,
		NoUpdateWatchdogTimeout: DefaultNoUpdateWatchdogTimeout,
		DeltaCacheKeyLimit:      DefaultDeltaCacheKeyLimit,
		SitemapRefreshInterval:  DefaultSitemapRefreshInterval,
		SessionCleanupInterval:  DefaultSessionCleanupInterval,
		StoreDSN:                DefaultStoreDSN,
		WSPingInterval:          DefaultWSPingInterval,
		GroupItems:              map[string][]string{},
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	str := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	str("HASTREAM_HTTP_ADDR", &c.HTTPAddr)
	str("HASTREAM_HTTPS_ADDR", &c.HTTPSAddr)
	str("HASTREAM_TLS_CERT_FILE", &c.TLSCertFile)
	str("HASTREAM_TLS_KEY_FILE", &c.TLSKeyFile)
	str("HASTREAM_LOG_FILE", &c.LogFilePath)
	str("HASTREAM_BACKEND_URL", &c.BackendBaseURL)
	str("HASTREAM_BACKEND_TOKEN", &c.BackendToken)
	str("HASTREAM_BACKEND_BASIC_USER", &c.BackendBasicUser)
	str("HASTREAM_BACKEND_BASIC_PASS", &c.BackendBasicPass)
	str("HASTREAM_COOKIE_SECRET", &c.CookieSecret)
	str("HASTREAM_AUTH_REALM", &c.AuthRealm)
	str("HASTREAM_NOTIFY_COMMAND", &c.NotifyCommand)
	str("HASTREAM_ADMIN_USERNAME", &c.AdminUsername)
	str("HASTREAM_ADMIN_PASSWORD", &c.AdminPassword)
	str("HASTREAM_SUBSCRIPTION_STRATEGY", &c.SubscriptionStrategy)
	str("HASTREAM_SITEMAP_NAME", &c.SitemapName)
	str("HASTREAM_IPC_SOCKET", &c.IPCSocketPath)
	if c.BackendToken == "" || c.CookieSecret == "" {
		c.resolveSecretFallbacks()
	}
	str("HASTREAM_STORE_DSN", &c.StoreDSN)
	str("HASTREAM_CONFIG_OVERRIDE", &c.OverridePath)

	if v := os.Getenv("HASTREAM_ENABLE_HTTP2"); v != "" {
		c.EnableHTTP2 = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("HASTREAM_PROXY_TRUST_ENABLED"); v != "" {
		c.ProxyTrustEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("HASTREAM_ALLOWED_SUBNETS"); v != "" {
		c.AllowedSubnets = splitCSV(v)
	}
	if v := os.Getenv("HASTREAM_DENY_LIST"); v != "" {
		c.DenyList = splitCSV(v)
	}

	durField := func(env string, dst *time.Duration) {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				parseErrors = append(parseErrors, ValidationError{Field: env, Message: fmt.Sprintf("invalid duration: %q", v)})
				return
			}
			*dst = d
		}
	}
	durField("HASTREAM_REQUEST_TIMEOUT", &c.RequestTimeout)
	durField("HASTREAM_LONGPOLL_TIMEOUT", &c.LongPollTimeout)
	durField("HASTREAM_COOKIE_TTL", &c.CookieTTL)
	durField("HASTREAM_LOCKOUT_DURATION", &c.LockoutDuration)
	durField("HASTREAM_LOCKOUT_PRUNE_INTERVAL", &c.LockoutPruneInterval)
	durField("HASTREAM_NOTIFY_THROTTLE", &c.NotifyThrottle)
	durField("HASTREAM_POLL_FOCUSED_INTERVAL", &c.PollFocusedInterval)
	durField("HASTREAM_POLL_BACKGROUND_INTERVAL", &c.PollBackgroundInterval)
	durField("HASTREAM_NO_UPDATE_WATCHDOG_TIMEOUT", &c.NoUpdateWatchdogTimeout)
	durField("HASTREAM_SITEMAP_REFRESH_INTERVAL", &c.SitemapRefreshInterval)
	durField("HASTREAM_SESSION_CLEANUP_INTERVAL", &c.SessionCleanupInterval)
	durField("HASTREAM_WS_PING_INTERVAL", &c.WSPingInterval)

	intField := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				parseErrors = append(parseErrors, ValidationError{Field: env, Message: fmt.Sprintf("invalid integer: %q", v)})
				return
			}
			*dst = n
		}
	}
	intField("HASTREAM_REDIRECT_MAX_DEPTH", &c.RedirectMaxDepth)
	intField("HASTREAM_LOCKOUT_MAX_FAILURES", &c.LockoutMaxFailures)
	intField("HASTREAM_DELTA_CACHE_KEY_LIMIT", &c.DeltaCacheKeyLimit)

	if v := os.Getenv("HASTREAM_GROUP_ITEMS"); v != "" {
		c.GroupItems = parseGroupItems(v)
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

// parseGroupItems parses a "group1:memberA,memberB;group2:memberC" string
// into the GroupItems map. Malformed entries are skipped rather than
// failing the whole process, since this config is hot-reloadable and a
// typo shouldn't take down an otherwise-valid reload.
func parseGroupItems(raw string) map[string][]string {
	out := map[string][]string{}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		var members []string
		for _, m := range strings.Split(parts[1], ",") {
			if m = strings.TrimSpace(m); m != "" {
				members = append(members, m)
			}
		}
		out[parts[0]] = members
	}
	return out
}

// splitCSV splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitCSV(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// resolveSecretFallbacks fills BackendToken/CookieSecret from the
// configured secrets provider (env-backed by default) when their direct
// HASTREAM_* env vars weren't set, so a deployment can source them as
// HASTREAM_SECRET_BACKEND_TOKEN / HASTREAM_SECRET_COOKIE_SECRET instead.
func (c *Config) resolveSecretFallbacks() {
	mgr, err := secrets.NewManager(secrets.LoadConfig())
	if err != nil {
		return
	}
	defer mgr.Close()

	ctx := context.Background()
	if c.BackendToken == "" {
		c.BackendToken = mgr.GetOrDefault(ctx, "BACKEND_TOKEN", "")
	}
	if c.CookieSecret == "" {
		c.CookieSecret = mgr.GetOrDefault(ctx, "COOKIE_SECRET", "")
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.HTTPAddr == "" && c.HTTPSAddr == "" {
		errs = append(errs, ValidationError{Field: "HASTREAM_HTTP_ADDR", Message: "at least one of HTTP or HTTPS listener must be enabled"})
	}
	if c.BackendBaseURL == "" {
		errs = append(errs, ValidationError{Field: "HASTREAM_BACKEND_URL", Message: "HA backend base URL is required"})
	}
	if c.CookieSecret == "" {
		errs = append(errs, ValidationError{Field: "HASTREAM_COOKIE_SECRET", Message: "cookie signing secret is required"})
	}
	if c.LockoutMaxFailures < 1 {
		errs = append(errs, ValidationError{Field: "HASTREAM_LOCKOUT_MAX_FAILURES", Message: "must be at least 1"})
	}
	if c.RedirectMaxDepth < 0 {
		errs = append(errs, ValidationError{Field: "HASTREAM_REDIRECT_MAX_DEPTH", Message: "must not be negative"})
	}
	switch c.SubscriptionStrategy {
	case "longpoll", "sse", "poll":
	default:
		errs = append(errs, ValidationError{
			Field:   "HASTREAM_SUBSCRIPTION_STRATEGY",
			Message: fmt.Sprintf("invalid strategy: %q (want longpoll, sse, or poll)", c.SubscriptionStrategy),
		})
	}
	if c.DeltaCacheKeyLimit < 1 {
		errs = append(errs, ValidationError{Field: "HASTREAM_DELTA_CACHE_KEY_LIMIT", Message: "must be at least 1"})
	}
	for _, cidr := range c.AllowedSubnets {
		if !validCIDROrIP(cidr) {
			errs = append(errs, ValidationError{Field: "HASTREAM_ALLOWED_SUBNETS", Message: fmt.Sprintf("invalid CIDR or IP: %q", cidr)})
		}
	}
	for _, cidr := range c.DenyList {
		if !validCIDROrIP(cidr) {
			errs = append(errs, ValidationError{Field: "HASTREAM_DENY_LIST", Message: fmt.Sprintf("invalid CIDR or IP: %q", cidr)})
		}
	}

	return errs
}

func validCIDROrIP(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}

// MustLoad loads configuration and exits the process if it fails.
// Use this for application startup where configuration errors are fatal.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n\nSee README for configuration options.\n", err)
		os.Exit(1)
	}
	return cfg
}
