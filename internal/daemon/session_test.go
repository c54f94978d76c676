package daemon

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/ipc"
	"github.com/eliteGoblin/focusd/rethink/internal/policy"
	"github.com/eliteGoblin/focusd/rethink/internal/storage/bolt"
	"github.com/eliteGoblin/focusd/rethink/internal/usage"
	"github.com/eliteGoblin/focusd/rethink/internal/usecase"
)

var wednesday10am = time.Date(2024, 1, 3, 10, 0, 0, 0, time.Local)

// fakeUsageSource implements domain.UsageSource for testing
type fakeUsageSource struct {
	mu   sync.Mutex
	used map[string]int64
}

func (f *fakeUsageSource) QueryUsage(ctx context.Context, start, end time.Time) (map[string]domain.RawUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]domain.RawUsage, len(f.used))
	for pkg, ms := range f.used {
		out[pkg] = domain.RawUsage{TotalForegroundMs: ms, LaunchCount: 1}
	}
	return out, nil
}

func (f *fakeUsageSource) HasUsagePermission(ctx context.Context) bool { return true }

func (f *fakeUsageSource) OpenUsagePermissionSettings() error { return nil }

// memPublisher implements domain.BlocklistPublisher for testing
type memPublisher struct {
	mu   sync.Mutex
	last []string
}

func (m *memPublisher) Publish(ctx context.Context, packages []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = slices.Clone(packages)
	return nil
}

func (m *memPublisher) current() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

type sessionFixture struct {
	store    *bolt.Store
	usage    *fakeUsageSource
	pub      *memPublisher
	state    *memStateStore
	registry *memRegistry
	notifier *recordingNotifier
	coord    *usecase.Coordinator
	session  *Session
	steam    *domain.Limit
}

func newSessionFixture(t *testing.T, steamUsedMs int64) *sessionFixture {
	t.Helper()
	ctx := context.Background()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "policy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	steam, err := store.AddLimit(ctx, domain.Limit{
		PackageName:        "steam",
		DailyBudgetMs:      3600000,
		WarningThresholdMs: 300000,
		Enabled:            true,
	})
	require.NoError(t, err)
	require.NoError(t, store.SetMonitoredApps(ctx, []string{"firefox"}))
	require.NoError(t, store.SetInterventionEnabled(ctx, true))

	f := &sessionFixture{
		store:    store,
		usage:    &fakeUsageSource{used: map[string]int64{"steam": steamUsedMs}},
		pub:      &memPublisher{},
		state:    &memStateStore{},
		registry: newMemRegistry(),
		notifier: &recordingNotifier{},
		steam:    steam,
	}

	clock := &policy.TestClock{CurrentTime: wednesday10am}
	agg := usage.NewAggregator(f.usage, clock, usage.DefaultConfig(), zap.NewNop())
	refresher := usage.NewRefresher(agg, zap.NewNop())
	blockSync := usecase.NewBlockSync(store, refresher, f.pub, clock, zap.NewNop())
	f.coord = usecase.NewCoordinator(store, blockSync, clock, "rethink", zap.NewNop())

	config := DefaultSessionConfig()
	config.FocusTickInterval = 20 * time.Millisecond
	config.UsageRefreshInterval = 20 * time.Millisecond
	f.session = NewSession(config, SessionDeps{
		Coordinator: f.coord,
		BlockSync:   blockSync,
		Refresher:   refresher,
		Triggers:    f.state,
		Wake:        f.state,
		Registry:    f.registry,
		Notifier:    f.notifier,
	}, domain.Daemon{PID: 555, Role: domain.RoleSession}, zap.NewNop())
	f.session.now = func() time.Time { return wednesday10am.Add(time.Minute) }
	return f
}

func (f *sessionFixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.session.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	require.Eventually(t, func() bool { return f.registry.pid(domain.RoleSession) == 555 },
		2*time.Second, 5*time.Millisecond)
}

func TestSession_StartupConsumesColdTriggerOnce(t *testing.T) {
	f := newSessionFixture(t, 0)
	require.NoError(t, f.state.SaveColdTrigger(context.Background(),
		domain.ColdTrigger{PackageName: "steam", TriggeredAt: wednesday10am}))

	f.run(t)

	assert.Equal(t, domain.InterventionState{IsIntervening: true, TriggerApp: "steam"}, f.coord.State(),
		"a cold trigger intervenes even for an unmonitored app")
	trigger, err := f.state.ConsumeColdTriggerIfAny(context.Background())
	require.NoError(t, err)
	assert.Nil(t, trigger)
}

func TestSession_StartupDrainsWakeQueue(t *testing.T) {
	f := newSessionFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.state.Enqueue(ctx, domain.WakeTask{PackageName: "steam", EnqueuedAt: wednesday10am, Budget: time.Second}))
	require.NoError(t, f.state.Enqueue(ctx, domain.WakeTask{PackageName: "firefox", EnqueuedAt: wednesday10am, Budget: time.Second}))

	f.run(t)

	assert.Equal(t, "firefox", f.coord.State().TriggerApp, "tasks replay in enqueue order")
	assert.Empty(t, f.state.queued())
}

func TestSession_StartupDropsStaleWakeTasks(t *testing.T) {
	f := newSessionFixture(t, 0)
	ctx := context.Background()
	threeDaysAgo := wednesday10am.Add(-72 * time.Hour)
	for i := 0; i < 500; i++ {
		require.NoError(t, f.state.Enqueue(ctx, domain.WakeTask{PackageName: "gedit", EnqueuedAt: threeDaysAgo, Budget: time.Second}))
	}
	require.NoError(t, f.state.Enqueue(ctx, domain.WakeTask{PackageName: "firefox", EnqueuedAt: threeDaysAgo, Budget: time.Second}))

	f.run(t)

	assert.Equal(t, domain.InterventionState{}, f.coord.State(), "an old backlog does not intervene")
	assert.Zero(t, f.notifier.count())
	assert.Empty(t, f.state.queued())
}

func TestSession_StartupDropsStaleColdTrigger(t *testing.T) {
	f := newSessionFixture(t, 0)
	require.NoError(t, f.state.SaveColdTrigger(context.Background(),
		domain.ColdTrigger{PackageName: "steam", TriggeredAt: wednesday10am.Add(-time.Hour)}))

	f.run(t)

	assert.Equal(t, domain.InterventionState{}, f.coord.State())
	trigger, err := f.state.ConsumeColdTriggerIfAny(context.Background())
	require.NoError(t, err)
	assert.Nil(t, trigger, "consumed even though it was not acted on")
}

// lateTriggerStore saves a second trigger right after the first one is consumed,
// like a watcher that sees the blocked app again while the session is starting.
type lateTriggerStore struct {
	*memStateStore
	once sync.Once
	late domain.ColdTrigger
}

func (l *lateTriggerStore) ConsumeColdTriggerIfAny(ctx context.Context) (*domain.ColdTrigger, error) {
	trigger, err := l.memStateStore.ConsumeColdTriggerIfAny(ctx)
	l.once.Do(func() { _ = l.memStateStore.SaveColdTrigger(ctx, l.late) })
	return trigger, err
}

func TestSession_ConsumesTriggerSavedDuringStartup(t *testing.T) {
	f := newSessionFixture(t, 0)
	store := &lateTriggerStore{
		memStateStore: f.state,
		late:          domain.ColdTrigger{PackageName: "discord", TriggeredAt: wednesday10am},
	}
	f.session.triggers = store

	f.run(t)

	assert.Equal(t, domain.InterventionState{IsIntervening: true, TriggerApp: "discord"}, f.coord.State())
	trigger, err := f.state.ConsumeColdTriggerIfAny(context.Background())
	require.NoError(t, err)
	assert.Nil(t, trigger)
}

func TestSession_SyncPushesBlocklistAndWarnsOnce(t *testing.T) {
	f := newSessionFixture(t, 3400000)

	f.run(t)

	require.Eventually(t, func() bool { return f.pub.current() != nil }, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.pub.current(), "warning is not a block")

	// Several ticks later there is still a single warning for today.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, f.notifier.count())
}

func TestSession_OverlayActions(t *testing.T) {
	ctx := context.Background()

	t.Run("continue on soft intervention", func(t *testing.T) {
		f := newSessionFixture(t, 0)
		_, err := f.session.HandleForeground(ctx, domain.ForegroundEvent{PackageName: "firefox"})
		require.NoError(t, err)
		assert.Equal(t, 1, f.notifier.count(), "intervention is announced")

		require.NoError(t, f.session.OverlayAction(ctx, ipc.ActionContinue))
		assert.False(t, f.coord.State().IsIntervening)
	})

	t.Run("turn off pauses the limit and re-pushes", func(t *testing.T) {
		f := newSessionFixture(t, 3700000)
		f.session.refreshUsage(ctx)
		f.session.sync(ctx)
		require.Equal(t, []string{"steam"}, f.pub.current())

		_, err := f.session.HandleForeground(ctx, domain.ForegroundEvent{PackageName: "steam", Forced: true})
		require.NoError(t, err)
		assert.ErrorIs(t, f.session.OverlayAction(ctx, ipc.ActionContinue), domain.ErrNotDismissible)

		require.NoError(t, f.session.OverlayAction(ctx, ipc.ActionTurnOff))
		assert.False(t, f.coord.State().IsIntervening)
		assert.Empty(t, f.pub.current())

		limit, err := f.store.GetLimit(ctx, f.steam.ID)
		require.NoError(t, err)
		assert.NotNil(t, limit.PausedUntil)
	})

	t.Run("leave and unknown", func(t *testing.T) {
		f := newSessionFixture(t, 0)
		_, err := f.session.HandleForeground(ctx, domain.ForegroundEvent{PackageName: "firefox"})
		require.NoError(t, err)
		require.NoError(t, f.session.OverlayAction(ctx, ipc.ActionLeave))
		assert.False(t, f.coord.State().IsIntervening)
		assert.Error(t, f.session.OverlayAction(ctx, "snooze"))
	})
}

func TestSession_Status(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, 3700000)
	f.session.refreshUsage(ctx)
	f.session.sync(ctx)
	_, err := f.session.HandleForeground(ctx, domain.ForegroundEvent{PackageName: "steam", Forced: true})
	require.NoError(t, err)

	status := f.session.Status(ctx)
	assert.Equal(t, "steam", status.State.TriggerApp)
	require.NotNil(t, status.Overlay)
	assert.False(t, status.Overlay.Dismissible)
	assert.Equal(t, []string{"steam"}, status.BlockSet)
	assert.Empty(t, status.UsageError)
}

func TestSession_LinkDelivery(t *testing.T) {
	f := newSessionFixture(t, 0)
	link := NewChannelLink(4)
	f.session.WithLink(link)

	f.run(t)
	require.True(t, link.Alive())

	require.NoError(t, link.Deliver(context.Background(), domain.ForegroundEvent{PackageName: "firefox"}))
	require.Eventually(t, func() bool { return f.coord.State().TriggerApp == "firefox" },
		time.Second, 5*time.Millisecond)
}

func TestSession_SocketDelivery(t *testing.T) {
	f := newSessionFixture(t, 0)
	// Short path: unix socket paths are limited to ~108 bytes.
	dir, err := os.MkdirTemp("", "rt")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "s.sock")
	f.session.WithSocket(path, "secret")

	f.run(t)

	client := ipc.NewClient(path, "secret", nil)
	require.True(t, client.Alive())
	require.NoError(t, client.Deliver(context.Background(), domain.ForegroundEvent{PackageName: "firefox"}))

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "firefox", status.State.TriggerApp)

	require.NoError(t, client.OverlayAction(context.Background(), ipc.ActionLeave))
	assert.False(t, f.coord.State().IsIntervening)
}
