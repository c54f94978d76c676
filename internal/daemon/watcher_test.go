package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/infra"
)

type watcherFixture struct {
	watcher  *Watcher
	registry *memRegistry
	queue    *memStateStore
	link     *fakeLink
	enforcer *fakeEnforcer
	recorder *recordingRecorder
	notifier *recordingNotifier
	source   *scriptedSource
	blocks   *staticBlocklist
}

func newWatcherFixture(blocked ...string) *watcherFixture {
	f := &watcherFixture{
		registry: newMemRegistry(),
		queue:    &memStateStore{},
		link:     &fakeLink{},
		enforcer: &fakeEnforcer{},
		recorder: &recordingRecorder{},
		notifier: &recordingNotifier{},
		source:   &scriptedSource{},
		blocks:   &staticBlocklist{initial: blocked, updates: make(chan []string)},
	}
	config := DefaultWatcherConfig()
	config.CapabilityCheckInterval = 10 * time.Millisecond
	config.WakeBudget = 3 * time.Second
	f.watcher = NewWatcher(config, WatcherDeps{
		Source:    f.source,
		Recorder:  f.recorder,
		Blocklist: f.blocks,
		Enforcer:  f.enforcer,
		Link:      f.link,
		Wake:      f.queue,
		Registry:  f.registry,
		Notifier:  f.notifier,
	}, domain.Daemon{PID: 4242, Role: domain.RoleWatcher}, zap.NewNop())
	f.watcher.setBlocklist(blocked)
	return f
}

func TestDefaultWatcherConfig(t *testing.T) {
	config := DefaultWatcherConfig()

	assert.Equal(t, "rethink", config.HostAppID)
	assert.Equal(t, 5*time.Second, config.CapabilityCheckInterval)
	assert.Equal(t, 30*time.Second, config.HeartbeatInterval)
	assert.Equal(t, 64, config.EventBuffer)
	assert.Equal(t, 5*time.Second, config.WakeBudget)
}

func TestWatcher_HostAppIsNeutral(t *testing.T) {
	f := newWatcherFixture()
	f.link.alive = true

	f.watcher.HandleForeground(context.Background(), "rethink", time.Now())

	assert.Equal(t, []string{"rethink"}, f.recorder.recorded(), "host time still closes the previous session")
	assert.Empty(t, f.link.events())
	assert.Empty(t, f.queue.queued())
}

func TestWatcher_LiveDelivery(t *testing.T) {
	f := newWatcherFixture()
	f.link.alive = true

	f.watcher.HandleForeground(context.Background(), "firefox", time.Now())

	events := f.link.events()
	require.Len(t, events, 1)
	assert.Equal(t, "firefox", events[0].PackageName)
	assert.Equal(t, domain.DeliveryLive, events[0].Source)
	assert.False(t, events[0].Forced)
	assert.Empty(t, f.enforcer.calls())
	assert.Empty(t, f.queue.queued())
}

func TestWatcher_BlockedAppIsEnforcedAndForced(t *testing.T) {
	f := newWatcherFixture("steam")
	f.link.alive = true

	f.watcher.HandleForeground(context.Background(), "steam", time.Now())

	assert.Equal(t, []string{"steam"}, f.enforcer.calls())
	events := f.link.events()
	require.Len(t, events, 1)
	assert.True(t, events[0].Forced)
}

func TestWatcher_DefersWhenSessionNotAlive(t *testing.T) {
	f := newWatcherFixture("steam")
	at := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)

	f.watcher.HandleForeground(context.Background(), "steam", at)

	assert.Equal(t, []string{"steam"}, f.enforcer.calls(), "enforcement works without a session")
	tasks := f.queue.queued()
	require.Len(t, tasks, 1)
	assert.Equal(t, "steam", tasks[0].PackageName)
	assert.True(t, tasks[0].Forced)
	assert.Equal(t, at, tasks[0].EnqueuedAt)
	assert.Equal(t, 3*time.Second, tasks[0].Budget)
}

func TestWatcher_DefersWhenLiveDeliveryFails(t *testing.T) {
	f := newWatcherFixture()
	f.link.alive = true
	f.link.err = errDeliver

	f.watcher.HandleForeground(context.Background(), "firefox", time.Now())

	require.Len(t, f.queue.queued(), 1)
	assert.Equal(t, "firefox", f.queue.queued()[0].PackageName)
}

func TestWatcher_BlocklistReplacedWholesale(t *testing.T) {
	f := newWatcherFixture("steam", "discord")
	assert.True(t, f.watcher.IsBlocked("steam"))

	f.watcher.setBlocklist([]string{"discord"})
	assert.False(t, f.watcher.IsBlocked("steam"))
	assert.True(t, f.watcher.IsBlocked("discord"))

	f.watcher.setBlocklist(nil)
	assert.False(t, f.watcher.IsBlocked("discord"))
}

func TestWatcher_EnqueueDropsOldestWhenFull(t *testing.T) {
	f := newWatcherFixture()
	f.watcher.events = make(chan string, 2)

	f.watcher.enqueueEvent("a")
	f.watcher.enqueueEvent("b")
	f.watcher.enqueueEvent("c")

	assert.Equal(t, "b", <-f.watcher.events)
	assert.Equal(t, "c", <-f.watcher.events)
}

func TestWatcher_StateNotifiesOnlyOnEnteringIdle(t *testing.T) {
	f := newWatcherFixture()

	f.watcher.setState(domain.WatcherIdle)
	f.watcher.setState(domain.WatcherIdle)
	assert.Equal(t, 1, f.notifier.count())

	f.watcher.setState(domain.WatcherWatching)
	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, domain.WatcherWatching, f.watcher.State())

	f.watcher.setState(domain.WatcherIdle)
	assert.Equal(t, 2, f.notifier.count())
	assert.Equal(t, []domain.WatcherState{domain.WatcherIdle, domain.WatcherWatching, domain.WatcherIdle},
		f.registry.stateHistory())
}

func TestWatcher_RunRevocationFallsBackToIdle(t *testing.T) {
	f := newWatcherFixture("steam")
	f.source.capability = true
	f.source.emits = []string{"firefox", "steam"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.watcher.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.queue.queued()) == 2 && f.watcher.State() == domain.WatcherIdle
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4242, f.registry.pid(domain.RoleWatcher))
	assert.Contains(t, f.registry.stateHistory(), domain.WatcherWatching)
	assert.GreaterOrEqual(t, f.notifier.count(), 1, "protection disabled is surfaced")

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, f.registry.pid(domain.RoleWatcher), "unregistered on shutdown")
}

func TestWatcher_RunFollowsBlocklistUpdates(t *testing.T) {
	f := newWatcherFixture()
	f.source.capability = true
	f.source.hold = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.watcher.Run(ctx) }()

	f.blocks.updates <- []string{"steam"}
	require.Eventually(t, func() bool { return f.watcher.IsBlocked("steam") }, time.Second, 5*time.Millisecond)
}

func TestWatcher_RestartsDeadGuardian(t *testing.T) {
	f := newWatcherFixture()
	var spawned []domain.DaemonRole
	f.watcher.spawn = func(role domain.DaemonRole) error {
		spawned = append(spawned, role)
		return nil
	}

	f.watcher.checkAndRestartGuardian()
	assert.Empty(t, spawned, "no guardian registered")

	require.NoError(t, f.registry.Register(domain.Daemon{PID: 7, Role: domain.RoleGuardian}))
	f.watcher.checkAndRestartGuardian()
	assert.Empty(t, spawned, "guardian alive")

	f.registry.setDead(domain.RoleGuardian)
	f.watcher.checkAndRestartGuardian()
	assert.Equal(t, []domain.DaemonRole{domain.RoleGuardian}, spawned)
}

func newWatcherUsageDB(t *testing.T) *infra.UsageDB {
	t.Helper()
	db, err := infra.NewUsageDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWatcher_EndsUsageSessionWhenMonitoringStops(t *testing.T) {
	db := newWatcherUsageDB(t)
	base := time.Now().Add(-10 * time.Hour)

	f := newWatcherFixture()
	f.watcher.recorder = db
	f.watcher.now = func() time.Time { return base }
	f.source.capability = true
	f.source.emits = []string{"youtube"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.watcher.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.queue.queued()) == 1 && f.watcher.State() == domain.WatcherIdle
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got, err := db.QueryUsage(context.Background(), base.Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Zero(t, got["youtube"].TotalForegroundMs, "idle and stopped time is not charged to the last app")
}

func TestWatcher_ClosesStaleSessionOnStart(t *testing.T) {
	db := newWatcherUsageDB(t)
	ctx := context.Background()
	crashed := time.Now().Add(-10 * time.Hour)

	// A previous watcher recorded youtube and was killed before closing it.
	require.NoError(t, db.RecordForeground(ctx, "youtube", crashed))
	require.NoError(t, db.MarkRecording(ctx, crashed))

	f := newWatcherFixture()
	f.watcher.recorder = db
	f.source.hold = true

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.watcher.Run(runCtx) }()

	grace := f.watcher.config.HeartbeatInterval.Milliseconds()
	require.Eventually(t, func() bool {
		got, err := db.QueryUsage(ctx, crashed.Add(-time.Hour), time.Now())
		return err == nil && got["youtube"].TotalForegroundMs == grace
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
