// Package bolt implements domain.PolicyStore on bbolt.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

const (
	bucketLimits     = "limits"
	bucketFocusModes = "focus_modes"
	bucketSettings   = "settings"

	keyMonitoredApps       = "monitored_apps"
	keyInterventionEnabled = "intervention_enabled"
)

// DefaultMonitoredApps is used until the user sets a monitored list.
// Entries are lowercased WM_CLASS values of common distraction apps.
var DefaultMonitoredApps = []string{
	"discord",
	"steam",
	"spotify",
	"telegramdesktop",
	"signal",
}

// Store implements domain.PolicyStore using bbolt.
//
// bbolt holds an exclusive file lock while open. A store opened with OpenShared
// takes the lock only for the duration of each transaction, so the session and
// CLI commands can use the same file.
type Store struct {
	db     *bbolt.DB
	path   string
	shared bool
	now    func() time.Time
}

const lockTimeout = 2 * time.Second

// Open opens a BoltDB-backed policy store and keeps it open until Close.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	store := &Store{db: db, path: path, now: time.Now}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// OpenShared opens a store that reopens the file for every transaction.
func OpenShared(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	store := &Store{path: path, shared: true, now: time.Now}
	if err := store.ensureBuckets(); err != nil {
		return nil, err
	}
	return store, nil
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create policy dir: %w", err)
		}
	}
	return nil
}

func openDB(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	return db, nil
}

func (s *Store) view(fn func(tx *bbolt.Tx) error) error {
	if !s.shared {
		return s.db.View(fn)
	}
	db, err := openDB(s.path)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(fn)
}

func (s *Store) update(fn func(tx *bbolt.Tx) error) error {
	if !s.shared {
		return s.db.Update(fn)
	}
	db, err := openDB(s.path)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(fn)
}

func (s *Store) ensureBuckets() error {
	return s.update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketLimits, bucketFocusModes, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// SetClock overrides the timestamp source (tests).
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

func listBucket[T any](ctx context.Context, s *Store, bucket string) ([]T, error) {
	items := make([]T, 0)
	return items, s.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var item T
			if err := unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
}

func getBucketValue[T any](ctx context.Context, s *Store, bucket string, key string) (*T, error) {
	var item *T
	err := s.view(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return domain.ErrNotFound
		}
		value := b.Get([]byte(key))
		if value == nil {
			return domain.ErrNotFound
		}
		var result T
		if err := unmarshal(value, &result); err != nil {
			return err
		}
		item = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func putBucketValue(ctx context.Context, s *Store, bucket string, key string, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return s.update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucket)
		}
		return b.Put([]byte(key), data)
	})
}

func deleteBucketValue(ctx context.Context, s *Store, bucket string, key string) error {
	return s.update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return domain.ErrNotFound
		}
		if b.Get([]byte(key)) == nil {
			return domain.ErrNotFound
		}
		return b.Delete([]byte(key))
	})
}

// putRecord stores a record in bucket under key, tagging it with the bucket's next sequence
// when it is new so listing preserves insertion order.
func putRecord[T any](b *bbolt.Bucket, key string, rec *sequenced[T]) error {
	if rec.Seq == 0 {
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		rec.Seq = seq
	}
	data, err := marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// sequenced wraps a stored value with its insertion order.
type sequenced[T any] struct {
	Seq   uint64 `json:"seq"`
	Value T      `json:"value"`
}

var _ domain.PolicyStore = (*Store)(nil)
