package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

type blocklistDocument struct {
	Packages  []string  `json:"packages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileBlocklist carries the authoritative blocklist between processes as a JSON
// file. Publish replaces it atomically; Subscribe reloads it on fsnotify events.
type FileBlocklist struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger
}

// NewFileBlocklist creates a blocklist backed by path.
func NewFileBlocklist(path string, logger *zap.Logger) *FileBlocklist {
	return &FileBlocklist{
		path:     path,
		debounce: 50 * time.Millisecond,
		logger:   logger.Named("blocklist"),
	}
}

// Path returns the blocklist file path.
func (b *FileBlocklist) Path() string {
	return b.path
}

// Publish replaces the stored blocklist with packages.
func (b *FileBlocklist) Publish(ctx context.Context, packages []string) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0700); err != nil {
		return fmt.Errorf("failed to create blocklist directory: %w", err)
	}
	doc := blocklistDocument{Packages: packages, UpdatedAt: time.Now()}
	if doc.Packages == nil {
		doc.Packages = []string{}
	}
	if err := atomicWriteJSON(b.path, doc); err != nil {
		return fmt.Errorf("publish blocklist: %w", err)
	}
	return nil
}

// Load returns the stored blocklist, empty if nothing was ever published.
func (b *FileBlocklist) Load(ctx context.Context) ([]string, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	var doc blocklistDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode blocklist %s: %w", b.path, err)
	}
	if doc.Packages == nil {
		doc.Packages = []string{}
	}
	return doc.Packages, nil
}

// Subscribe calls onChange with the current blocklist and then with every
// changed one until ctx is done.
func (b *FileBlocklist) Subscribe(ctx context.Context, onChange func(packages []string)) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create blocklist directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: Publish renames over the file, which replaces the inode.
	if err := watcher.Add(dir); err != nil {
		return err
	}

	current, err := b.Load(ctx)
	if err != nil {
		return err
	}
	onChange(current)

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(b.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			// Debounce rapid changes
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(b.debounce)
			reload = timer.C
		case <-reload:
			reload = nil
			next, err := b.Load(ctx)
			if err != nil {
				b.logger.Warn("failed to reload blocklist, keeping previous", zap.Error(err))
				continue
			}
			if slices.Equal(next, current) {
				continue
			}
			current = next
			b.logger.Debug("blocklist reloaded", zap.Int("size", len(next)))
			onChange(next)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logger.Warn("blocklist watcher error", zap.Error(err))
		}
	}
}

var (
	_ domain.BlocklistPublisher  = (*FileBlocklist)(nil)
	_ domain.BlocklistSubscriber = (*FileBlocklist)(nil)
)
