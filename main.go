package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rjsadow/hastream/internal/auth"
	"github.com/rjsadow/hastream/internal/config"
	"github.com/rjsadow/hastream/internal/deltacache"
	"github.com/rjsadow/hastream/internal/httpapi"
	"github.com/rjsadow/hastream/internal/ipc"
	"github.com/rjsadow/hastream/internal/middleware"
	"github.com/rjsadow/hastream/internal/scheduler"
	"github.com/rjsadow/hastream/internal/state"
	"github.com/rjsadow/hastream/internal/store"
	"github.com/rjsadow/hastream/internal/upstream"
	"github.com/rjsadow/hastream/internal/wsgateway"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err, "hint", "see env var reference for HASTREAM_* settings")
		os.Exit(1)
	}

	if cfg.LogFilePath != "" {
		logFile, err := os.OpenFile(cfg.LogFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			slog.Error("failed to open log file", "path", cfg.LogFilePath, "error", err)
			os.Exit(1)
		}
		defer logFile.Close()
		slog.SetDefault(slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelInfo})))
	}

	db, err := store.Open(cfg.StoreDSN)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		seedAdminUser(db, cfg.AdminUsername, cfg.AdminPassword)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstreamClient := upstream.NewClient(cfg.BackendBaseURL, cfg.BackendToken, cfg.BackendBasicUser, cfg.BackendBasicPass, cfg.RequestTimeout, cfg.LongPollTimeout, cfg.RedirectMaxDepth)
	stateStore := state.NewStore(cfg.GroupItems, upstreamClient)
	cache := deltacache.NewCache(cfg.DeltaCacheKeyLimit)
	resolver := &deltacache.Resolver{Fetcher: upstreamClient, Overrides: stateStore, Cache: cache}

	lockout := auth.NewLockout(cfg.LockoutMaxFailures, cfg.LockoutDuration)
	notifier := auth.NewNotifier(cfg.NotifyCommand, cfg.NotifyThrottle)

	manager := config.NewManager(cfg, func(field string) {
		slog.Warn("config: restart-required field changed, scheduling restart", "field", field)
		time.AfterFunc(time.Second, func() { os.Exit(0) })
	})
	snapshot := manager.Current

	authMW := &middleware.Auth{
		Directory:    db,
		CookieSecret: cfg.CookieSecret,
		CookieTTL:    cfg.CookieTTL,
		Realm:        cfg.AuthRealm,
		Lockout:      lockout,
		Notifier:     notifier,
		ReloadCheck:  manager.CheckReload,
	}

	hub := wsgateway.NewHub(wsgateway.Deps{
		Snapshot: snapshot,
		Auth:     authMW,
		Fetcher:  upstreamClient,
		State:    stateStore,
		Resolver: resolver,
	})
	go hub.Run(ctx)

	app := &httpapi.App{
		Snapshot: snapshot,
		Upstream: upstreamClient,
		Resolver: resolver,
		Store:    db,
		Hub:      hub,
		Auth:     authMW,
	}
	handler := app.Handler()

	sched := scheduler.New(db,
		scheduler.SitemapRefreshTask(
			func() time.Duration { return snapshot().SitemapRefreshInterval },
			upstreamClient,
			func() string { return snapshot().SitemapName },
			func(pages []string) { hub.NotifySitemapDiscovery(snapshot().SitemapName) },
		),
		scheduler.LockoutPruneTask(func() time.Duration { return snapshot().LockoutPruneInterval }, lockout),
		scheduler.StatePruneTask(func() time.Duration { return snapshot().SessionCleanupInterval }, stateStore),
	)
	go sched.Run(ctx)

	if cfg.IPCSocketPath != "" {
		ipcServer := ipc.New(cfg.IPCSocketPath, hub)
		go func() {
			if err := ipcServer.Run(ctx); err != nil {
				slog.Error("ipc: server stopped", "error", err)
			}
		}()
	}

	if cfg.OverridePath != "" {
		stop := make(chan struct{})
		go manager.Watch(stop)
		defer close(stop)
	}

	servers := startListeners(cfg, handler)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}
}

// startListeners starts every configured listener (spec requires at least
// one of HTTP/HTTPS to be enabled, enforced by config.Validate). Each
// listener runs ListenAndServe(TLS) in its own goroutine; failures are
// logged, not fatal, so one misconfigured listener doesn't take down an
// otherwise-working one.
func startListeners(cfg *config.Config, handler http.Handler) []*http.Server {
	var servers []*http.Server

	if cfg.HTTPAddr != "" {
		s := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}
		servers = append(servers, s)
		go func() {
			slog.Info("http listener starting", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http listener error", "error", err)
			}
		}()
	}

	if cfg.HTTPSAddr != "" {
		s := &http.Server{Addr: cfg.HTTPSAddr, Handler: handler}
		if !cfg.EnableHTTP2 {
			// Force HTTP/1.1: an empty (non-nil) TLSNextProto map disables
			// the standard library's automatic HTTP/2 upgrade over TLS.
			s.TLSNextProto = map[string]func(*http.Server, *tls.Conn, http.Handler){}
		}
		servers = append(servers, s)
		go func() {
			slog.Info("https listener starting", "addr", s.Addr)
			if err := s.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil && err != http.ErrServerClosed {
				slog.Error("https listener error", "error", err)
			}
		}()
	}

	return servers
}

func seedAdminUser(db *store.Store, username, password string) {
	existing, err := db.GetUserByUsername(username)
	if err != nil {
		slog.Error("failed to check for existing admin user", "error", err)
		return
	}
	if existing != nil {
		return
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		slog.Error("failed to hash admin password", "error", err)
		return
	}
	u := store.User{ID: uuid.NewString(), Username: username, PasswordHash: hash, Role: auth.RoleAdmin}
	if err := db.CreateUser(u); err != nil {
		slog.Error("failed to seed admin user", "error", err)
		return
	}
	slog.Info("admin user ready", "username", username)
}
