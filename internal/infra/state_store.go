package infra

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

// ErrStateUnreadable means state.db exists but the key does not open it.
var ErrStateUnreadable = errors.New("state database unreadable with this key")

const (
	stateDBName = "state.db"

	// SecretIPCToken authenticates watcher-to-session socket messages.
	SecretIPCToken = "ipc_token"

	// WakeQueueLimit is how many deferred tasks are kept; older ones are dropped on enqueue.
	WakeQueueLimit = 32
)

// StateStore is the encrypted cross-process state shared by the watcher and the
// session: secrets, the deferred wake queue and the pending cold trigger.
// It is a SQLCipher database so the trigger and queue cannot be edited by hand.
type StateStore struct {
	db     *sql.DB
	dbPath string
}

// NewStateStore opens (or creates) the encrypted state database in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewStateStore(dataDir string, key []byte) (*StateStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, stateDBName)
	keyHex := hex.EncodeToString(key)

	// Several processes share the file: wait on locks and take the write lock up front.
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=5000&_txlock=immediate",
		dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		if isNotADB(err) {
			return nil, fmt.Errorf("%s: %w", dbPath, ErrStateUnreadable)
		}
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}
	// SQLCipher only decrypts on first read, so a wrong key usually shows up here.
	if _, err := db.Exec(`SELECT count(*) FROM sqlite_master`); err != nil {
		db.Close()
		if isNotADB(err) {
			return nil, fmt.Errorf("%s: %w", dbPath, ErrStateUnreadable)
		}
		return nil, fmt.Errorf("failed to read encrypted database: %w", err)
	}

	store := &StateStore{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func isNotADB(err error) bool {
	var sqlErr sqlcipher.Error
	return errors.As(err, &sqlErr) && sqlErr.Code == sqlcipher.ErrNotADB
}

// OpenStateStore opens the store with the key kept in dataDir, creating both on
// first use. Everything in state.db can be recreated (the IPC token is reissued,
// the queue and trigger are short-lived), so when the key is missing, corrupt or
// no longer opens the database, the old file is set aside and a fresh pair is made.
func OpenStateStore(dataDir string, logger *zap.Logger) (*StateStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	// The watcher and the session may both open the store first; one creates the key.
	lockFile, err := os.OpenFile(filepath.Join(dataDir, stateKeyFileName+".lock"), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	keyFile := newStateKeyFile(dataDir)
	key, err := keyFile.load()
	switch {
	case err == nil:
		store, err := NewStateStore(dataDir, key)
		if !errors.Is(err, ErrStateUnreadable) {
			return store, err
		}
		logger.Warn("state key does not open the state database, starting fresh", zap.Error(err))
	case errors.Is(err, errStateKeyMissing), errors.Is(err, errStateKeyCorrupt):
		if _, statErr := os.Stat(filepath.Join(dataDir, stateDBName)); statErr == nil {
			logger.Warn("state database has no usable key, starting fresh", zap.Error(err))
		}
	default:
		return nil, fmt.Errorf("state store key: %w", err)
	}

	if err := setAsideStateDB(dataDir, time.Now()); err != nil {
		return nil, err
	}
	key, err = generateStateKey()
	if err != nil {
		return nil, err
	}
	if err := keyFile.save(key); err != nil {
		return nil, fmt.Errorf("state store key: %w", err)
	}
	return NewStateStore(dataDir, key)
}

// setAsideStateDB renames state.db and its journals out of the way, keeping them for inspection.
func setAsideStateDB(dataDir string, now time.Time) error {
	suffix := ".orphaned-" + now.Format("20060102T150405")
	for _, ext := range []string{"", "-journal", "-wal", "-shm"} {
		path := filepath.Join(dataDir, stateDBName+ext)
		if err := os.Rename(path, path+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("set aside %s: %w", path, err)
		}
	}
	return nil
}

func (s *StateStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS secrets (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wake_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		package_name TEXT NOT NULL,
		forced INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL,
		budget_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cold_trigger (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		package_name TEXT NOT NULL,
		triggered_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *StateStore) Path() string {
	return s.dbPath
}

// --- domain.WakeQueue implementation ---

// Enqueue appends a deferred event for the next session start. Only the newest
// WakeQueueLimit tasks are kept.
func (s *StateStore) Enqueue(ctx context.Context, task domain.WakeTask) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wake_queue (package_name, forced, enqueued_at, budget_ms)
		VALUES (?, ?, ?, ?)`,
		task.PackageName, task.Forced, task.EnqueuedAt.UnixMilli(), task.Budget.Milliseconds(),
	); err != nil {
		return fmt.Errorf("enqueue wake task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM wake_queue
		WHERE id NOT IN (SELECT id FROM wake_queue ORDER BY id DESC LIMIT ?)`,
		WakeQueueLimit,
	); err != nil {
		return fmt.Errorf("trim wake queue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("enqueue wake task: %w", err)
	}
	return nil
}

// Drain removes and returns all queued tasks in enqueue order.
func (s *StateStore) Drain(ctx context.Context) ([]domain.WakeTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, package_name, forced, enqueued_at, budget_ms
		FROM wake_queue ORDER BY id`)
	if err != nil {
		return nil, err
	}

	var tasks []domain.WakeTask
	for rows.Next() {
		var (
			task       domain.WakeTask
			enqueuedAt int64
			budgetMs   int64
		)
		if err := rows.Scan(&task.ID, &task.PackageName, &task.Forced, &enqueuedAt, &budgetMs); err != nil {
			rows.Close()
			return nil, err
		}
		task.EnqueuedAt = time.UnixMilli(enqueuedAt)
		task.Budget = time.Duration(budgetMs) * time.Millisecond
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(tasks) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM wake_queue WHERE id <= ?`, tasks[len(tasks)-1].ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("drain wake queue: %w", err)
	}
	return tasks, nil
}

// --- domain.ColdTriggerStore implementation ---

// SaveColdTrigger replaces any pending trigger. Only the latest one matters.
func (s *StateStore) SaveColdTrigger(ctx context.Context, trigger domain.ColdTrigger) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cold_trigger (id, package_name, triggered_at)
		VALUES (1, ?, ?)`,
		trigger.PackageName, trigger.TriggeredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save cold trigger: %w", err)
	}
	return nil
}

// ConsumeColdTriggerIfAny returns the pending trigger and deletes it in the same
// transaction, so a second caller always sees nil.
func (s *StateStore) ConsumeColdTriggerIfAny(ctx context.Context) (*domain.ColdTrigger, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		trigger     domain.ColdTrigger
		triggeredAt int64
	)
	err = tx.QueryRowContext(ctx, `SELECT package_name, triggered_at FROM cold_trigger WHERE id = 1`).
		Scan(&trigger.PackageName, &triggeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	trigger.TriggeredAt = time.UnixMilli(triggeredAt)

	if _, err := tx.ExecContext(ctx, `DELETE FROM cold_trigger WHERE id = 1`); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("consume cold trigger: %w", err)
	}
	return &trigger, nil
}

// --- domain.SecretStore implementation ---

// GetSecret retrieves a secret by key.
func (s *StateStore) GetSecret(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("secret %q: %w", key, domain.ErrNotFound)
	}
	return value, err
}

// SetSecret stores a secret.
func (s *StateStore) SetSecret(key, value string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO secrets (key, value, created_at) VALUES (?, ?, ?)`,
		key, value, now)
	return err
}

// GetAllSecrets returns all stored secrets.
func (s *StateStore) GetAllSecrets() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM secrets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	secrets := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		secrets[k] = v
	}
	return secrets, rows.Err()
}

// Close releases the database connection.
func (s *StateStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// EnsureSecret returns the secret stored under key, generating a random
// 32-byte hex value on first use.
func EnsureSecret(store domain.SecretStore, key string) (string, error) {
	value, err := store.GetSecret(key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	value = hex.EncodeToString(buf)
	if err := store.SetSecret(key, value); err != nil {
		return "", err
	}
	return value, nil
}

var (
	_ domain.SecretStore      = (*StateStore)(nil)
	_ domain.WakeQueue        = (*StateStore)(nil)
	_ domain.ColdTriggerStore = (*StateStore)(nil)
)
