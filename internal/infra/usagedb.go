package infra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	// Import modernc.org/sqlite as a blank import to register the driver
	_ "modernc.org/sqlite"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

const (
	usageDBName = "usage.db"

	// UsageRetention bounds how far back sessions are kept: the monthly window plus yesterday.
	UsageRetention = 31 * 24 * time.Hour
)

// UsageDB is the local usage-statistics source. The watcher records one row per
// foreground session; QueryUsage sums the sessions overlapping a window.
// Reading requires the usage-access flag, the desktop analogue of a usage permission.
type UsageDB struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewUsageDB opens (or creates) the usage database in dataDir.
func NewUsageDB(dataDir string) (*UsageDB, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	path := filepath.Join(dataDir, usageDBName)

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := sqlDB.PingContext(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	u := &UsageDB{db: sqlDB, path: path, now: time.Now}
	if err := u.configure(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if err := u.createSchema(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return u, nil
}

// SetClock overrides the time source (for tests).
func (u *UsageDB) SetClock(now func() time.Time) {
	u.now = now
}

// Path returns the database file path.
func (u *UsageDB) Path() string {
	return u.path
}

func (u *UsageDB) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := u.db.ExecContext(context.Background(), pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (u *UsageDB) createSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS foreground_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		package_name TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON foreground_sessions(started_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_ended ON foreground_sessions(ended_at);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	INSERT OR IGNORE INTO meta (key, value) VALUES ('usage_access', 'granted');
	`
	_, err := u.db.ExecContext(context.Background(), query)
	return err
}

// SetUsageAccess grants or revokes reading (and recording) usage.
func (u *UsageDB) SetUsageAccess(ctx context.Context, granted bool) error {
	value := "revoked"
	if granted {
		value = "granted"
	}
	_, err := u.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES ('usage_access', ?)`, value)
	return err
}

// HasUsagePermission reports whether usage access is granted.
func (u *UsageDB) HasUsagePermission(ctx context.Context) bool {
	var value string
	err := u.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'usage_access'`).Scan(&value)
	return err == nil && value == "granted"
}

// OpenUsagePermissionSettings explains how access is granted. There is no
// settings screen on the desktop, so it only returns the instruction.
func (u *UsageDB) OpenUsagePermissionSettings() error {
	return fmt.Errorf("usage access is managed with `rethink usage grant`: %w", domain.ErrPermissionDenied)
}

// RecordForeground closes the open session and opens one for packageName.
// An empty name only closes the open session. Repeating the current package is a no-op.
// Without usage access nothing new is opened, but an open session is still closed.
func (u *UsageDB) RecordForeground(ctx context.Context, packageName string, at time.Time) error {
	if !u.HasUsagePermission(ctx) {
		packageName = ""
	}

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		openID  int64
		openPkg string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, package_name FROM foreground_sessions
		WHERE ended_at IS NULL ORDER BY id DESC LIMIT 1`).Scan(&openID, &openPkg)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case openPkg == packageName:
		return nil
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE foreground_sessions SET ended_at = ? WHERE ended_at IS NULL`,
			at.UnixMilli()); err != nil {
			return err
		}
	}

	if packageName != "" {
		if _, err := tx.ExecContext(ctx, `INSERT INTO foreground_sessions (package_name, started_at) VALUES (?, ?)`,
			packageName, at.UnixMilli()); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record foreground %s: %w", packageName, err)
	}
	return nil
}

// MarkRecording stamps the last moment the watcher was known to be recording.
func (u *UsageDB) MarkRecording(ctx context.Context, at time.Time) error {
	_, err := u.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES ('recording_seen', ?)`,
		strconv.FormatInt(at.UnixMilli(), 10))
	return err
}

// CloseStaleSession ends the session a crashed or killed watcher left open. It is
// closed at the later of its start and the last recording stamp, plus grace, and
// never after now. Without this the whole downtime would count for the last app.
func (u *UsageDB) CloseStaleSession(ctx context.Context, grace time.Duration) error {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var startedAt int64
	err = tx.QueryRowContext(ctx, `
		SELECT started_at FROM foreground_sessions
		WHERE ended_at IS NULL ORDER BY id DESC LIMIT 1`).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	lastSeen := startedAt
	var stamp string
	err = tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'recording_seen'`).Scan(&stamp)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		if seen, perr := strconv.ParseInt(stamp, 10, 64); perr == nil && seen > lastSeen {
			lastSeen = seen
		}
	}

	endedAt := min(lastSeen+grace.Milliseconds(), u.now().UnixMilli())
	endedAt = max(endedAt, startedAt)
	if _, err := tx.ExecContext(ctx, `UPDATE foreground_sessions SET ended_at = ? WHERE ended_at IS NULL`,
		endedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// QueryUsage sums foreground time per package for [start, end). Sessions are
// clipped to the window; the open session counts up to now.
func (u *UsageDB) QueryUsage(ctx context.Context, start, end time.Time) (map[string]domain.RawUsage, error) {
	if !u.HasUsagePermission(ctx) {
		return nil, domain.ErrPermissionDenied
	}

	startMs, endMs := start.UnixMilli(), end.UnixMilli()
	nowMs := u.now().UnixMilli()

	rows, err := u.db.QueryContext(ctx, `
		SELECT package_name, started_at, COALESCE(ended_at, ?)
		FROM foreground_sessions
		WHERE started_at < ? AND (ended_at IS NULL OR ended_at > ?)`,
		nowMs, endMs, startMs)
	if err != nil {
		return nil, &domain.QueryError{Transient: true, Err: err}
	}
	defer rows.Close()

	result := make(map[string]domain.RawUsage)
	for rows.Next() {
		var (
			pkg         string
			from, until int64
		)
		if err := rows.Scan(&pkg, &from, &until); err != nil {
			return nil, &domain.QueryError{Transient: true, Err: err}
		}
		clippedFrom, clippedUntil := max(from, startMs), min(until, endMs)
		if clippedUntil <= clippedFrom {
			continue
		}

		raw := result[pkg]
		raw.TotalForegroundMs += clippedUntil - clippedFrom
		if from >= startMs {
			raw.LaunchCount++
		}
		if last := time.UnixMilli(clippedUntil); last.After(raw.LastTimeUsed) {
			raw.LastTimeUsed = last
		}
		result[pkg] = raw
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.QueryError{Transient: true, Err: err}
	}
	return result, nil
}

// Prune deletes closed sessions that ended before cutoff.
func (u *UsageDB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := u.db.ExecContext(ctx, `DELETE FROM foreground_sessions WHERE ended_at IS NOT NULL AND ended_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (u *UsageDB) Close() error {
	return u.db.Close()
}

var (
	_ domain.UsageSource        = (*UsageDB)(nil)
	_ domain.ForegroundRecorder = (*UsageDB)(nil)
)
