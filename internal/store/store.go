// Package store is hastream's durable collaborator: user accounts (with
// bcrypt password hashes and a role), per-widget visibility/glow/video
// rules, whitelisted client settings, lockout-notification throttle
// timestamps, and scheduler last-run checkpoints. Everything else in the
// system — item state, delta cache, WebSocket clients — lives in memory
// and is rebuilt from the HA backend on restart.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"

	"github.com/rjsadow/hastream/internal/auth"
)

func ctx() context.Context { return context.Background() }

// User is a local account that can authenticate against the proxy's login
// form. Disabled accounts fail every auth check with an opaque 500, per
// spec, rather than a 401 that would reveal the account exists.
type User struct {
	bun.BaseModel `bun:"table:users"`

	ID           string    `bun:"id,pk"`
	Username     string    `bun:"username,unique,notnull"`
	PasswordHash string    `bun:"password_hash,notnull"`
	Disabled     bool      `bun:"disabled,notnull,default:false"`
	Role         string    `bun:"role,notnull,default:'user'"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// WidgetRule is a persisted per-widget override: whether it glows on state
// change, which roles may see it, and its video/iframe/proxy-cache
// treatment. Absence of a row for a widget key means "visible to
// everyone, no overrides" (spec's default when no rule has been set).
type WidgetRule struct {
	bun.BaseModel `bun:"table:widget_rules"`

	WidgetKey    string    `bun:"widget_key,pk"`
	Glow         bool      `bun:"glow,notnull,default:false"`
	VisibleRoles string    `bun:"visible_roles,notnull,default:''"` // comma-separated; empty means all roles
	VideoURL     string    `bun:"video_url,notnull,default:''"`
	IframeURL    string    `bun:"iframe_url,notnull,default:''"`
	ProxyCache   bool      `bun:"proxy_cache,notnull,default:false"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// Setting is a whitelisted primitive client setting persisted as a raw
// JSON scalar string (e.g. `"true"`, `"42"`, `"\"dark\""`).
type Setting struct {
	bun.BaseModel `bun:"table:settings"`

	Key       string    `bun:"key,pk"`
	Value     string    `bun:"value,notnull"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// LockoutNotification records the last time an operator notification was
// sent for a given lockout source key, so repeated failures within the
// notify-throttle window don't spam the configured notify command.
type LockoutNotification struct {
	bun.BaseModel `bun:"table:lockout_notifications"`

	SourceKey      string    `bun:"source_key,pk"`
	LastNotifiedAt time.Time `bun:"last_notified_at,notnull"`
}

// SchedulerRun records the last completed run of a named background task,
// so a restart resumes each task's schedule from where it left off instead
// of firing all of them immediately.
type SchedulerRun struct {
	bun.BaseModel `bun:"table:scheduler_runs"`

	TaskName  string    `bun:"task_name,pk"`
	LastRunAt time.Time `bun:"last_run_at,notnull"`
}

// Store wraps the bun/SQLite connection and exposes the narrow set of
// queries the proxy needs.
type Store struct {
	db *bun.DB
}

// Open opens (creating if absent) the SQLite database at dsn and applies
// any pending migrations.
func Open(dsn string) (*Store, error) {
	if err := runMigrations(dsn); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: setting busy_timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: enabling WAL mode: %w", err)
	}

	return &Store{db: bun.NewDB(conn, sqlitedialect.New())}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the connection is alive.
func (s *Store) Ping() error {
	return s.db.PingContext(ctx())
}

// GetUserByUsername returns nil, nil if no such user exists.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	var u User
	err := s.db.NewSelect().Model(&u).Where("username = ?", username).Scan(ctx())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: looking up user %q: %w", username, err)
	}
	return &u, nil
}

// GetUser implements auth.Directory, adapting the store's User model to
// the auth package's Directory-shaped view so internal/auth never needs
// to import bun or modernc.org/sqlite directly.
func (s *Store) GetUser(username string) (*auth.UserRecord, error) {
	u, err := s.GetUserByUsername(username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, nil
	}
	return &auth.UserRecord{
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Disabled:     u.Disabled,
		Role:         u.Role,
	}, nil
}

// CreateUser inserts a new account.
func (s *Store) CreateUser(u User) error {
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now
	if u.Role == "" {
		u.Role = auth.RoleUser
	}
	if _, err := s.db.NewInsert().Model(&u).Exec(ctx()); err != nil {
		return fmt.Errorf("store: creating user %q: %w", u.Username, err)
	}
	return nil
}

// DisableUser marks an account as disabled; every subsequent auth attempt
// for it fails with an opaque 500.
func (s *Store) DisableUser(username string) error {
	_, err := s.db.NewUpdate().Model((*User)(nil)).
		Set("disabled = ?", true).
		Set("updated_at = ?", time.Now()).
		Where("username = ?", username).
		Exec(ctx())
	if err != nil {
		return fmt.Errorf("store: disabling user %q: %w", username, err)
	}
	return nil
}

// DeleteUser removes an account outright.
func (s *Store) DeleteUser(username string) error {
	_, err := s.db.NewDelete().Model((*User)(nil)).Where("username = ?", username).Exec(ctx())
	if err != nil {
		return fmt.Errorf("store: deleting user %q: %w", username, err)
	}
	return nil
}

// UpdatePasswordHash changes an account's stored bcrypt hash.
func (s *Store) UpdatePasswordHash(username, hash string) error {
	_, err := s.db.NewUpdate().Model((*User)(nil)).
		Set("password_hash = ?", hash).
		Set("updated_at = ?", time.Now()).
		Where("username = ?", username).
		Exec(ctx())
	if err != nil {
		return fmt.Errorf("store: updating password for %q: %w", username, err)
	}
	return nil
}

// ListUsers returns all local accounts.
func (s *Store) ListUsers() ([]User, error) {
	var users []User
	err := s.db.NewSelect().Model(&users).OrderExpr("username").Scan(ctx())
	if err != nil {
		return nil, fmt.Errorf("store: listing users: %w", err)
	}
	return users, nil
}

// LastNotifiedAt returns the last notification time for sourceKey, or the
// zero time if none has been recorded.
func (s *Store) LastNotifiedAt(sourceKey string) (time.Time, error) {
	var n LockoutNotification
	err := s.db.NewSelect().Model(&n).Where("source_key = ?", sourceKey).Scan(ctx())
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: reading lockout notification for %q: %w", sourceKey, err)
	}
	return n.LastNotifiedAt, nil
}

// RecordNotified upserts the last-notified timestamp for sourceKey.
func (s *Store) RecordNotified(sourceKey string, at time.Time) error {
	n := LockoutNotification{SourceKey: sourceKey, LastNotifiedAt: at}
	_, err := s.db.NewInsert().Model(&n).
		On("CONFLICT (source_key) DO UPDATE").
		Set("last_notified_at = EXCLUDED.last_notified_at").
		Exec(ctx())
	if err != nil {
		return fmt.Errorf("store: recording lockout notification for %q: %w", sourceKey, err)
	}
	return nil
}

// LastRunAt returns the last recorded run time for a scheduler task, or
// the zero time if it has never run.
func (s *Store) LastRunAt(taskName string) (time.Time, error) {
	var r SchedulerRun
	err := s.db.NewSelect().Model(&r).Where("task_name = ?", taskName).Scan(ctx())
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: reading last run for %q: %w", taskName, err)
	}
	return r.LastRunAt, nil
}

// RecordRun upserts the last-run time for a scheduler task.
func (s *Store) RecordRun(taskName string, at time.Time) error {
	r := SchedulerRun{TaskName: taskName, LastRunAt: at}
	_, err := s.db.NewInsert().Model(&r).
		On("CONFLICT (task_name) DO UPDATE").
		Set("last_run_at = EXCLUDED.last_run_at").
		Exec(ctx())
	if err != nil {
		return fmt.Errorf("store: recording run for %q: %w", taskName, err)
	}
	return nil
}

// ListWidgetRules returns every persisted widget rule, keyed by widget
// name. internal/httpapi folds these into /search-index and /config.js.
func (s *Store) ListWidgetRules() (map[string]WidgetRule, error) {
	var rules []WidgetRule
	if err := s.db.NewSelect().Model(&rules).Scan(ctx()); err != nil {
		return nil, fmt.Errorf("store: listing widget rules: %w", err)
	}
	out := make(map[string]WidgetRule, len(rules))
	for _, r := range rules {
		out[r.WidgetKey] = r
	}
	return out, nil
}

// UpsertWidgetRule inserts or replaces the rule for a widget key.
func (s *Store) UpsertWidgetRule(r WidgetRule) error {
	r.UpdatedAt = time.Now()
	_, err := s.db.NewInsert().Model(&r).
		On("CONFLICT (widget_key) DO UPDATE").
		Set("glow = EXCLUDED.glow").
		Set("visible_roles = EXCLUDED.visible_roles").
		Set("video_url = EXCLUDED.video_url").
		Set("iframe_url = EXCLUDED.iframe_url").
		Set("proxy_cache = EXCLUDED.proxy_cache").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx())
	if err != nil {
		return fmt.Errorf("store: upserting widget rule %q: %w", r.WidgetKey, err)
	}
	return nil
}

// VisibleTo reports whether a widget rule's visible-roles list (empty
// means every role) includes role.
func (r WidgetRule) VisibleTo(role string) bool {
	if strings.TrimSpace(r.VisibleRoles) == "" {
		return true
	}
	for _, allowed := range strings.Split(r.VisibleRoles, ",") {
		if strings.TrimSpace(allowed) == role {
			return true
		}
	}
	return false
}

// allowedSettingKeys whitelists the primitive settings a client may
// persist via POST /api/settings.
var allowedSettingKeys = map[string]bool{
	"theme":             true,
	"sortIndex":         true,
	"startupPage":       true,
	"autoRefreshOnFail": true,
}

// IsAllowedSettingKey reports whether key may be written by a client.
func IsAllowedSettingKey(key string) bool {
	return allowedSettingKeys[key]
}

// GetSetting returns a persisted setting's raw JSON-scalar value, or
// ("", false) if unset.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var row Setting
	err := s.db.NewSelect().Model(&row).Where("key = ?", key).Scan(ctx())
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: reading setting %q: %w", key, err)
	}
	return row.Value, true, nil
}

// ListSettings returns every persisted setting.
func (s *Store) ListSettings() (map[string]string, error) {
	var rows []Setting
	if err := s.db.NewSelect().Model(&rows).Scan(ctx()); err != nil {
		return nil, fmt.Errorf("store: listing settings: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// PutSetting upserts a raw JSON-scalar setting value. Callers must check
// IsAllowedSettingKey first.
func (s *Store) PutSetting(key, value string) error {
	row := Setting{Key: key, Value: value, UpdatedAt: time.Now()}
	_, err := s.db.NewInsert().Model(&row).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx())
	if err != nil {
		return fmt.Errorf("store: writing setting %q: %w", key, err)
	}
	return nil
}
