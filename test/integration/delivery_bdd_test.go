//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/daemon"
	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/infra"
	"github.com/eliteGoblin/focusd/rethink/internal/ipc"
	"github.com/eliteGoblin/focusd/rethink/internal/policy"
	"github.com/eliteGoblin/focusd/rethink/internal/storage/bolt"
	"github.com/eliteGoblin/focusd/rethink/internal/usage"
	"github.com/eliteGoblin/focusd/rethink/internal/usecase"
)

// channelSource is a foreground source fed by the test.
type channelSource struct {
	changes chan string
}

func (s *channelSource) HasCapability() bool { return true }

func (s *channelSource) Watch(ctx context.Context, emit func(string)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkg := <-s.changes:
			emit(pkg)
		}
	}
}

// triggerOnlyLauncher persists the cold trigger like the real launcher but
// leaves starting the session to the test.
type triggerOnlyLauncher struct {
	triggers domain.ColdTriggerStore
	launches atomic.Int32
}

func (l *triggerOnlyLauncher) ForceForeground(ctx context.Context, triggerApp string) error {
	l.launches.Add(1)
	return l.triggers.SaveColdTrigger(ctx, domain.ColdTrigger{PackageName: triggerApp, TriggeredAt: time.Now()})
}

var _ = Describe("Foreground event delivery", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		tmpDir   string
		sockDir  string
		sockPath string
		logger   *zap.Logger
		registry *infra.FileRegistry
		state    *infra.StateStore
		usageDB  *infra.UsageDB
		store    *bolt.Store
		bl       *infra.FileBlocklist
		client   *ipc.Client
		token    string
		launcher *triggerOnlyLauncher
		source   *channelSource
		watcher  *daemon.Watcher
		done     chan struct{}
		sessions []chan struct{}
	)

	startSession := func(sctx context.Context) chan struct{} {
		clock := policy.RealClock{}
		refresher := usage.NewRefresher(usage.NewAggregator(usageDB, clock, usage.DefaultConfig(), logger), logger)
		blockSync := usecase.NewBlockSync(store, refresher, bl, clock, logger)
		session := daemon.NewSession(daemon.DefaultSessionConfig(), daemon.SessionDeps{
			Coordinator: usecase.NewCoordinator(store, blockSync, clock, "rethink", logger),
			BlockSync:   blockSync,
			Refresher:   refresher,
			Triggers:    state,
			Wake:        state,
			Registry:    registry,
		}, domain.Daemon{PID: os.Getpid(), Role: domain.RoleSession, StartedAt: time.Now()}, logger).
			WithSocket(sockPath, token)

		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			defer GinkgoRecover()
			Expect(session.Run(sctx)).To(Succeed())
		}()
		sessions = append(sessions, stopped)
		Eventually(client.Alive, 5*time.Second, 20*time.Millisecond).Should(BeTrue())
		return stopped
	}

	status := func() domain.InterventionState {
		st, err := client.Status(ctx)
		if err != nil {
			return domain.InterventionState{}
		}
		return st.State
	}

	BeforeEach(func() {
		var err error
		ctx, cancel = context.WithCancel(context.Background())
		logger = zap.NewNop()

		tmpDir, err = os.MkdirTemp("", "rethink-integration-*")
		Expect(err).NotTo(HaveOccurred())
		// Unix socket paths are length-limited; keep this one short.
		sockDir, err = os.MkdirTemp("", "rt")
		Expect(err).NotTo(HaveOccurred())

		pm := infra.NewProcessManager()
		registry = infra.NewFileRegistry(tmpDir, pm)
		state, err = infra.OpenStateStore(tmpDir, logger)
		Expect(err).NotTo(HaveOccurred())
		usageDB, err = infra.NewUsageDB(tmpDir)
		Expect(err).NotTo(HaveOccurred())
		store, err = bolt.OpenShared(filepath.Join(tmpDir, "policy.db"))
		Expect(err).NotTo(HaveOccurred())
		bl = infra.NewFileBlocklist(filepath.Join(tmpDir, "blocklist.json"), logger)

		// Steam is blocked around the clock; Firefox gets the soft intervention.
		_, err = store.AddFocusMode(ctx, domain.FocusMode{
			Name:    "Deep work",
			Enabled: true,
			Schedules: []domain.FocusSchedule{{
				Enabled: true, StartTime: "00:00", EndTime: "23:59", DaysOfWeek: []int{0, 1, 2, 3, 4, 5, 6},
			}},
			BlockedApps: []string{"steam"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(store.SetMonitoredApps(ctx, []string{"firefox"})).To(Succeed())
		Expect(store.SetInterventionEnabled(ctx, true)).To(Succeed())
		// Left behind by an earlier session.
		Expect(bl.Publish(ctx, []string{"steam"})).To(Succeed())

		token, err = infra.EnsureSecret(state, infra.SecretIPCToken)
		Expect(err).NotTo(HaveOccurred())
		sockPath = filepath.Join(sockDir, "s.sock")
		sessions = nil
		client = ipc.NewClient(sockPath, token, func() bool {
			alive, err := registry.IsAlive(domain.RoleSession)
			return err == nil && alive
		})

		launcher = &triggerOnlyLauncher{triggers: state}
		source = &channelSource{changes: make(chan string, 8)}

		cfg := daemon.DefaultWatcherConfig()
		cfg.CapabilityCheckInterval = 50 * time.Millisecond
		cfg.PartnerCheckInterval = time.Hour
		cfg.WakeBudget = 2 * time.Second
		watcher = daemon.NewWatcher(cfg, daemon.WatcherDeps{
			Source:    source,
			Recorder:  usageDB,
			Blocklist: bl,
			Enforcer:  usecase.NewEnforcer(pm, launcher, client, logger),
			Link:      client,
			Wake:      state,
			Registry:  registry,
		}, domain.Daemon{PID: os.Getpid(), Role: domain.RoleWatcher, StartedAt: time.Now()}, logger)

		done = make(chan struct{})
		go func() {
			defer close(done)
			defer GinkgoRecover()
			Expect(watcher.Run(ctx)).To(Succeed())
		}()
		Eventually(watcher.State).Should(Equal(domain.WatcherWatching))
		Eventually(func() bool { return watcher.IsBlocked("steam") }).Should(BeTrue())
	})

	AfterEach(func() {
		cancel()
		Eventually(done, 5*time.Second).Should(BeClosed())
		for _, stopped := range sessions {
			Eventually(stopped, 5*time.Second).Should(BeClosed())
		}
		Expect(store.Close()).To(Succeed())
		Expect(usageDB.Close()).To(Succeed())
		Expect(state.Close()).To(Succeed())
		os.RemoveAll(tmpDir)
		os.RemoveAll(sockDir)
	})

	Context("when no session is running", func() {
		It("cold-launches on a blocked app and the trigger is consumed exactly once", func() {
			source.changes <- "steam"
			Eventually(launcher.launches.Load).Should(BeEquivalentTo(1))

			sctx, stopSession := context.WithCancel(ctx)
			stopped := startSession(sctx)

			Eventually(status, 5*time.Second).Should(Equal(domain.InterventionState{
				IsIntervening: true, TriggerApp: "steam",
			}))

			st, err := client.Status(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Overlay).NotTo(BeNil())
			Expect(st.Overlay.Dismissible).To(BeFalse())
			Expect(st.BlockSet).To(ConsistOf("steam"))

			trigger, err := state.ConsumeColdTriggerIfAny(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(trigger).To(BeNil())

			stopSession()
			Eventually(stopped, 5*time.Second).Should(BeClosed())
			Eventually(client.Alive).Should(BeFalse())

			// A restarted session finds nothing to replay.
			startSession(ctx)
			Consistently(status, 300*time.Millisecond).Should(Equal(domain.InterventionState{}))
		})

		It("defers non-blocked changes to the wake queue without launching", func() {
			source.changes <- "firefox"
			Eventually(func() int {
				tasks, err := state.Drain(ctx)
				Expect(err).NotTo(HaveOccurred())
				if len(tasks) == 0 {
					return 0
				}
				Expect(tasks[0].PackageName).To(Equal("firefox"))
				Expect(tasks[0].Forced).To(BeFalse())
				return len(tasks)
			}).Should(Equal(1))
			Expect(launcher.launches.Load()).To(BeZero())
		})
	})

	Context("when the session is running", func() {
		BeforeEach(func() {
			startSession(ctx)
		})

		It("delivers monitored apps live and honours continue", func() {
			source.changes <- "firefox"
			Eventually(status, 5*time.Second).Should(Equal(domain.InterventionState{
				IsIntervening: true, TriggerApp: "firefox",
			}))

			Expect(client.OverlayAction(ctx, ipc.ActionContinue)).To(Succeed())
			Expect(status()).To(Equal(domain.InterventionState{}))
		})

		It("redirects blocked apps without a cold launch", func() {
			source.changes <- "steam"
			Eventually(status, 5*time.Second).Should(Equal(domain.InterventionState{
				IsIntervening: true, TriggerApp: "steam",
			}))
			Expect(launcher.launches.Load()).To(BeZero())

			tasks, err := state.Drain(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(tasks).To(BeEmpty())
		})

		It("picks up policy edits through sync", func() {
			Expect(store.Import(ctx, bolt.Document{InterventionEnabled: true})).To(Succeed())
			Expect(client.Sync(ctx)).To(Succeed())

			Eventually(func() bool { return watcher.IsBlocked("steam") }, 5*time.Second).Should(BeFalse())
		})
	})
})
