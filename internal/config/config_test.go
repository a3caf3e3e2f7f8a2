package config

import (
	"os"
	"testing"
	"time"
)

var managedEnvVars = []string{
	"HASTREAM_HTTP_ADDR", "HASTREAM_HTTPS_ADDR", "HASTREAM_TLS_CERT_FILE", "HASTREAM_TLS_KEY_FILE",
	"HASTREAM_LOG_FILE", "HASTREAM_BACKEND_URL", "HASTREAM_BACKEND_TOKEN", "HASTREAM_BACKEND_BASIC_USER",
	"HASTREAM_BACKEND_BASIC_PASS", "HASTREAM_COOKIE_SECRET", "HASTREAM_COOKIE_TTL",
	"HASTREAM_AUTH_REALM", "HASTREAM_NOTIFY_COMMAND",
	"HASTREAM_ADMIN_USERNAME", "HASTREAM_ADMIN_PASSWORD", "HASTREAM_SUBSCRIPTION_STRATEGY",
	"HASTREAM_SITEMAP_NAME", "HASTREAM_IPC_SOCKET", "HASTREAM_STORE_DSN", "HASTREAM_CONFIG_OVERRIDE",
	"HASTREAM_ENABLE_HTTP2", "HASTREAM_REQUEST_TIMEOUT", "HASTREAM_LONGPOLL_TIMEOUT",
	"HASTREAM_LOCKOUT_DURATION", "HASTREAM_LOCKOUT_PRUNE_INTERVAL", "HASTREAM_NOTIFY_THROTTLE",
	"HASTREAM_POLL_FOCUSED_INTERVAL", "HASTREAM_POLL_BACKGROUND_INTERVAL",
	"HASTREAM_NO_UPDATE_WATCHDOG_TIMEOUT", "HASTREAM_SITEMAP_REFRESH_INTERVAL",
	"HASTREAM_SESSION_CLEANUP_INTERVAL", "HASTREAM_REDIRECT_MAX_DEPTH", "HASTREAM_LOCKOUT_MAX_FAILURES",
	"HASTREAM_DELTA_CACHE_KEY_LIMIT", "HASTREAM_GROUP_ITEMS",
	"HASTREAM_PROXY_TRUST_ENABLED", "HASTREAM_ALLOWED_SUBNETS", "HASTREAM_DENY_LIST",
	"HASTREAM_WS_PING_INTERVAL",
	"HASTREAM_SECRET_COOKIE_SECRET", "HASTREAM_SECRET_BACKEND_TOKEN",
}

func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, v := range managedEnvVars {
		old, had := os.LookupEnv(v)
		os.Unsetenv(v)
		t.Cleanup(func() {
			if had {
				os.Setenv(v, old)
			}
		})
	}
}

func withRequired(t *testing.T) {
	t.Helper()
	os.Setenv("HASTREAM_BACKEND_URL", "http://ha.local:8080")
	os.Setenv("HASTREAM_COOKIE_SECRET", "a-very-secret-cookie-signing-key")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnvVars(t)
	withRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("HTTPAddr = %v, want %v", cfg.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("RequestTimeout = %v, want %v", cfg.RequestTimeout, DefaultRequestTimeout)
	}
	if cfg.LockoutMaxFailures != DefaultLockoutMaxFailures {
		t.Errorf("LockoutMaxFailures = %v, want %v", cfg.LockoutMaxFailures, DefaultLockoutMaxFailures)
	}
	if cfg.SubscriptionStrategy != DefaultSubscriptionStrategy {
		t.Errorf("SubscriptionStrategy = %v, want %v", cfg.SubscriptionStrategy, DefaultSubscriptionStrategy)
	}
	if len(cfg.GroupItems) != 0 {
		t.Errorf("GroupItems = %v, want empty", cfg.GroupItems)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	clearEnvVars(t)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for missing required fields")
	}
	errs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("Load() error type = %T, want ValidationErrors", err)
	}
	if len(errs) == 0 {
		t.Fatal("expected at least one validation error")
	}
}

func TestLoad_SecretFallbackFillsTokenAndCookieSecret(t *testing.T) {
	clearEnvVars(t)
	os.Setenv("HASTREAM_BACKEND_URL", "http://ha.local:8080")
	os.Setenv("HASTREAM_SECRET_COOKIE_SECRET", "from-secrets-manager")
	os.Setenv("HASTREAM_SECRET_BACKEND_TOKEN", "token-from-secrets-manager")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CookieSecret != "from-secrets-manager" {
		t.Errorf("CookieSecret = %q, want fallback from secrets manager", cfg.CookieSecret)
	}
	if cfg.BackendToken != "token-from-secrets-manager" {
		t.Errorf("BackendToken = %q, want fallback from secrets manager", cfg.BackendToken)
	}
}

func TestLoad_DirectEnvVarTakesPrecedenceOverSecretFallback(t *testing.T) {
	clearEnvVars(t)
	withRequired(t)
	os.Setenv("HASTREAM_SECRET_COOKIE_SECRET", "should-not-be-used")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CookieSecret != "a-very-secret-cookie-signing-key" {
		t.Errorf("CookieSecret = %q, want the directly-set value", cfg.CookieSecret)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnvVars(t)
	withRequired(t)
	os.Setenv("HASTREAM_SUBSCRIPTION_STRATEGY", "sse")
	os.Setenv("HASTREAM_POLL_FOCUSED_INTERVAL", "500ms")
	os.Setenv("HASTREAM_GROUP_ITEMS", "gFront:Door1,Door2;gBack:Door3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SubscriptionStrategy != "sse" {
		t.Errorf("SubscriptionStrategy = %v, want sse", cfg.SubscriptionStrategy)
	}
	if cfg.PollFocusedInterval != 500*time.Millisecond {
		t.Errorf("PollFocusedInterval = %v, want 500ms", cfg.PollFocusedInterval)
	}
	if len(cfg.GroupItems["gFront"]) != 2 || cfg.GroupItems["gFront"][0] != "Door1" {
		t.Errorf("GroupItems[gFront] = %v, want [Door1 Door2]", cfg.GroupItems["gFront"])
	}
	if len(cfg.GroupItems["gBack"]) != 1 {
		t.Errorf("GroupItems[gBack] = %v, want [Door3]", cfg.GroupItems["gBack"])
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnvVars(t)
	withRequired(t)
	os.Setenv("HASTREAM_REQUEST_TIMEOUT", "not-a-duration")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
}

func TestValidate_InvalidStrategy(t *testing.T) {
	cfg := &Config{
		HTTPAddr:           ":8080",
		BackendBaseURL:     "http://ha.local",
		CookieSecret:       "secret",
		LockoutMaxFailures: 3,
		DeltaCacheKeyLimit: 10,
		SubscriptionStrategy: "carrier-pigeon",
	}
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("Validate() expected error for invalid strategy")
	}
}

func TestParseGroupItems_MalformedEntriesSkipped(t *testing.T) {
	got := parseGroupItems("good:a,b;;:orphan;noColon;another:c")
	if len(got) != 2 {
		t.Fatalf("parseGroupItems() = %v, want 2 entries", got)
	}
	if _, ok := got["good"]; !ok {
		t.Errorf("expected %q group to survive", "good")
	}
	if _, ok := got["another"]; !ok {
		t.Errorf("expected %q group to survive", "another")
	}
}
