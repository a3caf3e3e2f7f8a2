// Package wsgateway is the WebSocket hub: it accepts and authenticates
// upgrades, tracks each client's focus state, starts and stops the
// upstream subscription strategy as the client count crosses 0↔1, and
// broadcasts item-state changes to every connected client.
package wsgateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjsadow/hastream/internal/config"
	"github.com/rjsadow/hastream/internal/deltacache"
	"github.com/rjsadow/hastream/internal/middleware"
	"github.com/rjsadow/hastream/internal/state"
	"github.com/rjsadow/hastream/internal/subscription"
)

// Deps bundles every collaborator the hub needs.
type Deps struct {
	Snapshot func() *config.Snapshot
	Auth     *middleware.Auth
	Fetcher  subscription.Fetcher
	State    *state.Store
	Resolver *deltacache.Resolver
}

// Hub owns the set of connected clients.
type Hub struct {
	deps Deps

	mu           sync.Mutex
	clients      map[*client]struct{}
	strategy     subscription.Strategy
	strategyName string
	ctx          context.Context
	cancel       context.CancelFunc

	backendOK  bool
	backendErr string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewHub builds a Hub. Its subscription strategy is created lazily on the
// first client connection and torn down when the last disconnects.
func NewHub(deps Deps) *Hub {
	return &Hub{deps: deps, clients: map[*client]struct{}{}, backendOK: true}
}

// Run starts the hub's background liveness sweep; it blocks until ctx is
// done.
func (h *Hub) Run(ctx context.Context) {
	for {
		interval := h.deps.Snapshot().WSPingInterval
		if interval <= 0 {
			interval = config.DefaultWSPingInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			h.sweepLiveness()
			h.checkStrategyReload()
		}
	}
}

// NotifySitemapDiscovery is called after a scheduled sitemap refresh with
// the sitemap name that was walked. If the active strategy is a
// subscription.Resubscriber and reports it needs one (it started on a
// placeholder page list, or the sitemap name has since changed), the
// strategy is restarted in place.
func (h *Hub) NotifySitemapDiscovery(sitemapName string) {
	h.mu.Lock()
	strategy := h.strategy
	h.mu.Unlock()
	if strategy == nil {
		return
	}

	r, ok := strategy.(subscription.Resubscriber)
	if !ok || !r.NeedsResubscribe(sitemapName) {
		return
	}

	slog.Info("wsgateway: resubscribing after sitemap discovery", "sitemap", sitemapName)
	h.stopSubscription()
	h.startSubscription()
}

// checkStrategyReload restarts the active subscription strategy in place
// when a hot reload has changed the configured strategy while clients are
// still connected: currently connected clients trigger an in-place mode
// switch rather than waiting for the last one to disconnect.
func (h *Hub) checkStrategyReload() {
	snap := h.deps.Snapshot()
	h.mu.Lock()
	running := h.strategy != nil
	current := h.strategyName
	h.mu.Unlock()
	if !running || current == snap.SubscriptionStrategy {
		return
	}

	slog.Info("wsgateway: subscription strategy changed, restarting", "from", current, "to", snap.SubscriptionStrategy)
	h.stopSubscription()
	h.startSubscription()
}

// ServeHTTP runs the accept pipeline (subnet allow-list, deny-list,
// lockout/auth/disabled-user via Auth.CheckUpgrade) and, on success,
// upgrades the connection and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.deps.Snapshot()

	if !subnetAllowed(r.RemoteAddr, snap.AllowedSubnets) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if snap.ProxyTrustEnabled && denied(r, snap.DenyList) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	username, status := h.deps.Auth.CheckUpgrade(r)
	if status != 0 {
		if status == http.StatusInternalServerError {
			w.WriteHeader(status)
			return
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	// Disable compression negotiation: the client library always requests
	// it, but per-message-deflate adds CPU cost this hub doesn't need.
	r.Header.Del("Sec-WebSocket-Extensions")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("wsgateway: upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn, username)
	h.register(c)

	c.sendFrame("connected", connectedData{User: username})
	h.mu.Lock()
	ok, errMsg := h.backendOK, h.backendErr
	h.mu.Unlock()
	c.sendFrame("backendStatus", backendStatusData{OK: ok, Error: errMsg})

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	first := len(h.clients) == 1
	h.mu.Unlock()

	if first {
		h.startSubscription()
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	c.closed.Store(true)
	close(c.send)
	last := len(h.clients) == 0
	h.mu.Unlock()

	if last {
		h.stopSubscription()
	} else {
		h.onFocusChange()
	}
}

func (h *Hub) startSubscription() {
	h.mu.Lock()
	if h.strategy != nil {
		h.mu.Unlock()
		return
	}
	snap := h.deps.Snapshot()
	strategy, err := subscription.New(snap.SubscriptionStrategy, subscription.Deps{
		Fetcher:                h.deps.Fetcher,
		SitemapName:            snap.SitemapName,
		OnChanges:              h.onUpstreamChanges,
		IsFocused:               h.anyFocused,
		PollFocusedInterval:     func() time.Duration { return h.deps.Snapshot().PollFocusedInterval },
		PollBackgroundInterval:  func() time.Duration { return h.deps.Snapshot().PollBackgroundInterval },
		NoUpdateWatchdog:        func() time.Duration { return h.deps.Snapshot().NoUpdateWatchdogTimeout },
	})
	if err != nil {
		h.mu.Unlock()
		slog.Error("wsgateway: building subscription strategy", "error", err)
		h.SetBackendStatus(false, err.Error())
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.strategy = strategy
	h.strategyName = snap.SubscriptionStrategy
	h.ctx = ctx
	h.cancel = cancel
	h.mu.Unlock()

	if err := strategy.Start(ctx); err != nil {
		slog.Error("wsgateway: starting subscription strategy", "error", err)
		h.SetBackendStatus(false, err.Error())
		return
	}
	h.SetBackendStatus(true, "")
}

func (h *Hub) stopSubscription() {
	h.mu.Lock()
	strategy := h.strategy
	cancel := h.cancel
	h.strategy = nil
	h.strategyName = ""
	h.cancel = nil
	h.mu.Unlock()

	if strategy != nil {
		strategy.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// anyFocused reports whether at least one connected client is focused.
func (h *Hub) anyFocused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.focused.Load() {
			return true
		}
	}
	return false
}

// onFocusChange is a no-op hook point: the poll/long-poll strategies read
// IsFocused live on their own schedule, so a focus change needs no
// explicit signal, just up-to-date state for the next read.
func (h *Hub) onFocusChange() {}

// onUpstreamChanges applies a batch of upstream item changes to the state
// store and broadcasts the ones that actually changed, with group
// overrides applied through the same function the delta path uses.
func (h *Hub) onUpstreamChanges(batch []state.ItemChange) {
	changed := h.deps.State.Apply(batch)
	if len(changed) == 0 {
		return
	}
	items := make([]changeItem, 0, len(changed))
	for _, c := range changed {
		m := map[string]string{c.Name: c.State}
		h.deps.State.ApplyGroupOverrides(m)
		items = append(items, changeItem{Name: c.Name, State: m[c.Name]})
	}
	h.Broadcast("update", updateData{Type: "items", Changes: items})
}

// Broadcast enqueues event/data on every connected client, tolerating
// concurrent disconnects — a send failure to a departing client is simply
// dropped.
func (h *Hub) Broadcast(event string, data any) {
	raw, err := encodeFrame(event, data)
	if err != nil {
		slog.Error("wsgateway: encoding broadcast frame", "event", event, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.safeSendRaw(raw)
	}
}

// SetBackendStatus records the current upstream health and broadcasts it
// to every connected client.
func (h *Hub) SetBackendStatus(ok bool, errMsg string) {
	h.mu.Lock()
	changed := h.backendOK != ok || h.backendErr != errMsg
	h.backendOK, h.backendErr = ok, errMsg
	h.mu.Unlock()

	if changed {
		h.Broadcast("backendStatus", backendStatusData{OK: ok, Error: errMsg})
	}
}

// BroadcastAssetVersion notifies every client that a new asset version is
// available, prompting a client-side reload.
func (h *Hub) BroadcastAssetVersion(version string) {
	h.Broadcast("assetVersionChanged", assetVersionData{Version: version})
}

// CloseUser broadcasts account-deleted and disconnects every socket owned
// by username, in response to an IPC user-deleted or password-changed
// notification.
func (h *Hub) CloseUser(username string) {
	raw, err := encodeFrame("account-deleted", struct{}{})
	if err != nil {
		slog.Error("wsgateway: encoding account-deleted frame", "error", err)
		return
	}

	h.mu.Lock()
	var targets []*client
	for c := range h.clients {
		if c.user == username {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.safeSendRaw(raw)
		c.conn.Close()
	}
}

// sweepLiveness runs the spec's ping/pong liveness check: a client with an
// unacknowledged prior ping is terminated, else a new ping is sent and
// marked pending.
func (h *Hub) sweepLiveness() {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if c.pingPending.Load() {
			c.conn.Close()
			continue
		}
		c.pingPending.Store(true)
		if !c.ping() {
			c.conn.Close()
		}
	}
}

// handleFetchDelta resolves a client-originated delta request and replies
// with deltaResponse.
func (h *Hub) handleFetchDelta(c *client, req fetchDeltaData) {
	result, err := h.deps.Resolver.Resolve(context.Background(), req.URL)
	if err != nil {
		c.sendFrame("deltaResponse", deltaResponseData{RequestID: req.RequestID, Error: err.Error()})
		return
	}
	if result.Delta {
		c.sendFrame("deltaResponse", deltaResponseData{
			RequestID: req.RequestID,
			Delta:     true,
			Hash:      result.Hash,
			Title:     result.Title,
			Changes:   result.Changes,
		})
		return
	}
	c.sendFrame("deltaResponse", deltaResponseData{
		RequestID: req.RequestID,
		Hash:      result.Hash,
		Title:     result.Title,
		Page:      result.Page,
	})
}

// subnetAllowed reports whether remoteAddr's IP falls within one of the
// configured CIDRs/IPs, or true if the allow-list is empty.
func subnetAllowed(remoteAddr string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, entry := range allowed {
		if matchesIPOrCIDR(ip, entry) {
			return true
		}
	}
	return false
}

// denied reports whether the leftmost X-Forwarded-For entry matches the
// deny list.
func denied(r *http.Request, denyList []string) bool {
	if len(denyList) == 0 {
		return false
	}
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return false
	}
	if comma := strings.Index(fwd, ","); comma >= 0 {
		fwd = fwd[:comma]
	}
	ip := net.ParseIP(strings.TrimSpace(fwd))
	if ip == nil {
		return false
	}
	for _, entry := range denyList {
		if matchesIPOrCIDR(ip, entry) {
			return true
		}
	}
	return false
}

func matchesIPOrCIDR(ip net.IP, entry string) bool {
	if strings.Contains(entry, "/") {
		_, cidr, err := net.ParseCIDR(entry)
		return err == nil && cidr.Contains(ip)
	}
	return net.ParseIP(entry).Equal(ip)
}
