package infra

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileBlocklist_LoadMissingIsEmpty(t *testing.T) {
	bl := NewFileBlocklist(filepath.Join(t.TempDir(), "blocklist.json"), zap.NewNop())

	got, err := bl.Load(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestFileBlocklist_PublishReplacesWholesale(t *testing.T) {
	bl := NewFileBlocklist(filepath.Join(t.TempDir(), "nested", "blocklist.json"), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, bl.Publish(ctx, []string{"firefox", "steam"}))
	require.NoError(t, bl.Publish(ctx, []string{"steam"}))

	got, err := bl.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"steam"}, got)

	require.NoError(t, bl.Publish(ctx, nil))
	got, err = bl.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	info, err := os.Stat(bl.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileBlocklist_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := NewFileBlocklist(path, zap.NewNop()).Load(context.Background())
	assert.Error(t, err)
}

func TestFileBlocklist_Subscribe(t *testing.T) {
	bl := NewFileBlocklist(filepath.Join(t.TempDir(), "blocklist.json"), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bl.Publish(ctx, []string{"steam"}))

	var mu sync.Mutex
	var seen [][]string
	snapshot := func() [][]string {
		mu.Lock()
		defer mu.Unlock()
		return append([][]string(nil), seen...)
	}
	done := make(chan error, 1)
	go func() {
		done <- bl.Subscribe(ctx, func(p []string) {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool { return len(snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond,
		"initial load is delivered")
	assert.Equal(t, []string{"steam"}, snapshot()[0])

	require.NoError(t, bl.Publish(ctx, []string{"steam", "firefox"}))
	require.Eventually(t, func() bool { return len(snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"steam", "firefox"}, snapshot()[1])

	// Republishing the same set produces no callback.
	require.NoError(t, bl.Publish(ctx, []string{"steam", "firefox"}))
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, snapshot(), 2)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not stop")
	}
}
