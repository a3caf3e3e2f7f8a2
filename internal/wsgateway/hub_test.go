package wsgateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjsadow/hastream/internal/auth"
	"github.com/rjsadow/hastream/internal/config"
	"github.com/rjsadow/hastream/internal/deltacache"
	"github.com/rjsadow/hastream/internal/middleware"
	"github.com/rjsadow/hastream/internal/state"
	"github.com/rjsadow/hastream/internal/subscription"
	"github.com/rjsadow/hastream/internal/upstream"
)

type fakeDirectory struct {
	users map[string]*auth.UserRecord
}

func (f *fakeDirectory) GetUser(username string) (*auth.UserRecord, error) {
	return f.users[username], nil
}

type fakePageFetcher struct {
	body []byte
}

func (f *fakePageFetcher) FetchSitemapPage(ctx context.Context, path string) ([]byte, error) {
	return f.body, nil
}

type noopStrategy struct {
	started chan struct{}
	stopped chan struct{}
}

func (n *noopStrategy) Start(ctx context.Context) error {
	if n.started != nil {
		close(n.started)
	}
	return nil
}

func (n *noopStrategy) Stop() {
	if n.stopped != nil {
		close(n.stopped)
	}
}

func newTestHub(t *testing.T, strategyName string) (*Hub, string) {
	t.Helper()
	hub, pass, _ := newTestHubWithSnapshot(t, strategyName)
	return hub, pass
}

// newTestHubWithSnapshot additionally returns the mutable snapshot so a
// test can simulate a hot reload by changing its fields directly.
func newTestHubWithSnapshot(t *testing.T, strategyName string) (hub *Hub, pass string, snap *config.Config) {
	t.Helper()

	hash, err := auth.HashPassword("secret")
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	dir := &fakeDirectory{users: map[string]*auth.UserRecord{
		"alice": {Username: "alice", PasswordHash: hash},
	}}

	a := &middleware.Auth{
		Directory:    dir,
		CookieSecret: "test-secret",
		CookieTTL:    time.Hour,
		Realm:        "test",
		Lockout:      auth.NewLockout(3, time.Minute),
	}

	st := state.NewStore(nil, nil)
	resolver := &deltacache.Resolver{
		Fetcher: &fakePageFetcher{body: []byte(`{"title":"Home","widgets":[]}`)},
		Cache:   deltacache.NewCache(16),
	}

	snap = &config.Config{
		SubscriptionStrategy:    strategyName,
		WSPingInterval:          time.Hour,
		PollFocusedInterval:     time.Hour,
		PollBackgroundInterval:  time.Hour,
		NoUpdateWatchdogTimeout: time.Hour,
	}

	hub = NewHub(Deps{
		Snapshot: func() *config.Config { return snap },
		Auth:     a,
		Fetcher:  (*upstream.Client)(nil),
		State:    st,
		Resolver: resolver,
	})

	return hub, "secret", snap
}

func dialWS(t *testing.T, server *httptest.Server, user, pass string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	req, _ := http.NewRequest(http.MethodGet, wsURL, nil)
	req.SetBasicAuth(user, pass)
	header.Set("Authorization", req.Header.Get("Authorization"))

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial failed (status %d): %v", status, err)
	}
	return conn
}

func TestHub_AcceptsAuthenticatedUpgradeAndSendsWelcomeFrames(t *testing.T) {
	strategyName := "noop-accept"
	subscription.Register(strategyName, func(subscription.Deps) subscription.Strategy { return &noopStrategy{} })

	hub, pass := newTestHub(t, strategyName)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialWS(t, server, "alice", pass)
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading welcome frame: %v", err)
	}
	if !strings.Contains(string(msg), `"connected"`) {
		t.Fatalf("expected connected frame, got %s", msg)
	}

	_, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading backendStatus frame: %v", err)
	}
	if !strings.Contains(string(msg), `"backendStatus"`) {
		t.Fatalf("expected backendStatus frame, got %s", msg)
	}
}

func TestHub_RejectsWrongCredentials(t *testing.T) {
	strategyName := "noop-reject"
	subscription.Register(strategyName, func(subscription.Deps) subscription.Strategy { return &noopStrategy{} })

	hub, _ := newTestHub(t, strategyName)
	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	req, _ := http.NewRequest(http.MethodGet, wsURL, nil)
	req.SetBasicAuth("alice", "wrong-password")
	header.Set("Authorization", req.Header.Get("Authorization"))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("expected dial to fail for wrong credentials")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 401, got %d", status)
	}
}

func TestHub_FirstClientStartsStrategyLastClientStopsIt(t *testing.T) {
	strategyName := "noop-lifecycle"
	started := make(chan struct{})
	stopped := make(chan struct{})
	subscription.Register(strategyName, func(subscription.Deps) subscription.Strategy {
		return &noopStrategy{started: started, stopped: stopped}
	})

	hub, pass := newTestHub(t, strategyName)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialWS(t, server, "alice", pass)
	conn.ReadMessage() // connected
	conn.ReadMessage() // backendStatus

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected subscription strategy to start on first client")
	}

	conn.Close()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("expected subscription strategy to stop after last client disconnects")
	}
}

func TestHub_CheckStrategyReloadRestartsOnConfigChange(t *testing.T) {
	oldName := "noop-reload-old"
	newName := "noop-reload-new"
	oldStarted := make(chan struct{})
	oldStopped := make(chan struct{})
	newStarted := make(chan struct{})
	subscription.Register(oldName, func(subscription.Deps) subscription.Strategy {
		return &noopStrategy{started: oldStarted, stopped: oldStopped}
	})
	subscription.Register(newName, func(subscription.Deps) subscription.Strategy {
		return &noopStrategy{started: newStarted}
	})

	hub, pass, snap := newTestHubWithSnapshot(t, oldName)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialWS(t, server, "alice", pass)
	defer conn.Close()
	conn.ReadMessage() // connected
	conn.ReadMessage() // backendStatus

	select {
	case <-oldStarted:
	case <-time.After(time.Second):
		t.Fatal("expected old strategy to start on first client")
	}

	snap.SubscriptionStrategy = newName
	hub.checkStrategyReload()

	select {
	case <-oldStopped:
	case <-time.After(time.Second):
		t.Fatal("expected old strategy to stop on config change")
	}
	select {
	case <-newStarted:
	case <-time.After(time.Second):
		t.Fatal("expected new strategy to start in its place")
	}
}

type fakeResubscribeStrategy struct {
	noopStrategy
	needsResubscribe bool
}

func (f *fakeResubscribeStrategy) NeedsResubscribe(sitemapName string) bool {
	return f.needsResubscribe
}

func TestHub_NotifySitemapDiscoveryRestartsWhenStrategyNeedsResubscribe(t *testing.T) {
	strategyName := "noop-resubscribe"
	stopped := make(chan struct{})
	restarted := make(chan struct{})
	first := true
	subscription.Register(strategyName, func(subscription.Deps) subscription.Strategy {
		if first {
			first = false
			return &fakeResubscribeStrategy{noopStrategy: noopStrategy{stopped: stopped}, needsResubscribe: true}
		}
		return &noopStrategy{started: restarted}
	})

	hub, pass := newTestHub(t, strategyName)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialWS(t, server, "alice", pass)
	defer conn.Close()
	conn.ReadMessage() // connected
	conn.ReadMessage() // backendStatus

	hub.NotifySitemapDiscovery("demo")

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("expected strategy reporting NeedsResubscribe to be stopped")
	}
	select {
	case <-restarted:
	case <-time.After(time.Second):
		t.Fatal("expected a replacement strategy to be started")
	}
}

func TestHub_FetchDeltaRepliesWithFullPage(t *testing.T) {
	strategyName := "noop-delta"
	subscription.Register(strategyName, func(subscription.Deps) subscription.Strategy { return &noopStrategy{} })

	hub, pass := newTestHub(t, strategyName)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialWS(t, server, "alice", pass)
	defer conn.Close()
	conn.ReadMessage() // connected
	conn.ReadMessage() // backendStatus

	err := conn.WriteJSON(map[string]any{
		"event": "fetchDelta",
		"data": map[string]any{
			"url":       "/rest/sitemaps/demo/home",
			"since":     "",
			"requestId": "r1",
		},
	})
	if err != nil {
		t.Fatalf("writing fetchDelta: %v", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading deltaResponse: %v", err)
	}
	if !strings.Contains(string(msg), `"deltaResponse"`) || !strings.Contains(string(msg), `"r1"`) {
		t.Fatalf("unexpected deltaResponse frame: %s", msg)
	}
}

func TestHub_CloseUserDisconnectsAndNotifies(t *testing.T) {
	strategyName := "noop-closeuser"
	subscription.Register(strategyName, func(subscription.Deps) subscription.Strategy { return &noopStrategy{} })

	hub, pass := newTestHub(t, strategyName)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialWS(t, server, "alice", pass)
	defer conn.Close()
	conn.ReadMessage() // connected
	conn.ReadMessage() // backendStatus

	hub.CloseUser("alice")

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading account-deleted frame: %v", err)
	}
	if !strings.Contains(string(msg), `"account-deleted"`) {
		t.Fatalf("expected account-deleted frame, got %s", msg)
	}
}

func TestSubnetAllowed_EmptyAllowListAllowsAny(t *testing.T) {
	if !subnetAllowed("1.2.3.4:5555", nil) {
		t.Error("expected empty allow-list to allow any address")
	}
}

func TestSubnetAllowed_RejectsOutsideCIDR(t *testing.T) {
	if subnetAllowed("8.8.8.8:5555", []string{"10.0.0.0/8"}) {
		t.Error("expected address outside allowed CIDR to be rejected")
	}
}

func TestSubnetAllowed_AcceptsInsideCIDR(t *testing.T) {
	if !subnetAllowed("10.1.2.3:5555", []string{"10.0.0.0/8"}) {
		t.Error("expected address inside allowed CIDR to be accepted")
	}
}
