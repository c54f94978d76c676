package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

// memRegistry implements domain.DaemonRegistry for testing
type memRegistry struct {
	mu     sync.Mutex
	entry  domain.RegistryEntry
	dead   map[domain.DaemonRole]bool
	states []domain.WatcherState
	beats  map[domain.DaemonRole]int
	regErr error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{dead: map[domain.DaemonRole]bool{}, beats: map[domain.DaemonRole]int{}}
}

func (m *memRegistry) Register(d domain.Daemon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.regErr != nil {
		return m.regErr
	}
	switch d.Role {
	case domain.RoleWatcher:
		m.entry.WatcherPID = d.PID
	case domain.RoleGuardian:
		m.entry.GuardianPID = d.PID
	case domain.RoleSession:
		m.entry.SessionPID = d.PID
	}
	return nil
}

func (m *memRegistry) Unregister(role domain.DaemonRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch role {
	case domain.RoleWatcher:
		m.entry.WatcherPID = 0
		m.entry.WatcherState = ""
	case domain.RoleGuardian:
		m.entry.GuardianPID = 0
	case domain.RoleSession:
		m.entry.SessionPID = 0
	}
	return nil
}

func (m *memRegistry) UpdateHeartbeat(role domain.DaemonRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beats[role]++
	return nil
}

func (m *memRegistry) IsAlive(role domain.DaemonRole) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entry.PIDFor(role) != 0 && !m.dead[role], nil
}

func (m *memRegistry) SetWatcherState(state domain.WatcherState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry.WatcherState = state
	m.states = append(m.states, state)
	return nil
}

func (m *memRegistry) GetAll() (*domain.RegistryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry
	return &e, nil
}

func (m *memRegistry) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry = domain.RegistryEntry{}
	return nil
}

func (m *memRegistry) GetRegistryPath() string { return "" }

func (m *memRegistry) pid(role domain.DaemonRole) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entry.PIDFor(role)
}

func (m *memRegistry) setDead(role domain.DaemonRole) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead[role] = true
}

func (m *memRegistry) stateHistory() []domain.WatcherState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.WatcherState(nil), m.states...)
}

// memStateStore implements domain.WakeQueue and domain.ColdTriggerStore for testing
type memStateStore struct {
	mu      sync.Mutex
	tasks   []domain.WakeTask
	trigger *domain.ColdTrigger
	nextID  int64
}

func (m *memStateStore) Enqueue(ctx context.Context, task domain.WakeTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	task.ID = m.nextID
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *memStateStore) Drain(ctx context.Context) ([]domain.WakeTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.tasks
	m.tasks = nil
	return out, nil
}

func (m *memStateStore) queued() []domain.WakeTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.WakeTask(nil), m.tasks...)
}

func (m *memStateStore) SaveColdTrigger(ctx context.Context, trigger domain.ColdTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trigger = &trigger
	return nil
}

func (m *memStateStore) ConsumeColdTriggerIfAny(ctx context.Context) (*domain.ColdTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.trigger
	m.trigger = nil
	return t, nil
}

// recordingNotifier implements domain.Notifier for testing
type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Notify(title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, title+": "+message)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// fakeLink implements domain.InteractiveLink for testing
type fakeLink struct {
	mu        sync.Mutex
	alive     bool
	err       error
	delivered []domain.ForegroundEvent
}

func (f *fakeLink) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeLink) Deliver(ctx context.Context, event domain.ForegroundEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, event)
	return nil
}

func (f *fakeLink) events() []domain.ForegroundEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ForegroundEvent(nil), f.delivered...)
}

// fakeEnforcer implements domain.Enforcer for testing
type fakeEnforcer struct {
	mu       sync.Mutex
	enforced []string
}

func (f *fakeEnforcer) Enforce(ctx context.Context, pkg string) (*domain.EnforcementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enforced = append(f.enforced, pkg)
	return &domain.EnforcementResult{PackageName: pkg, Redirected: true, ExecutedAt: time.Now()}, nil
}

func (f *fakeEnforcer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.enforced...)
}

// recordingRecorder implements domain.ForegroundRecorder for testing
type recordingRecorder struct {
	mu       sync.Mutex
	packages []string
}

func (r *recordingRecorder) RecordForeground(ctx context.Context, pkg string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packages = append(r.packages, pkg)
	return nil
}

func (r *recordingRecorder) MarkRecording(ctx context.Context, at time.Time) error { return nil }

func (r *recordingRecorder) CloseStaleSession(ctx context.Context, grace time.Duration) error {
	return nil
}

func (r *recordingRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.packages...)
}

// staticBlocklist implements domain.BlocklistSubscriber for testing.
// Subscribe delivers the initial list and then whatever is sent on updates.
type staticBlocklist struct {
	initial []string
	updates chan []string
}

func (s *staticBlocklist) Load(ctx context.Context) ([]string, error) {
	return s.initial, nil
}

func (s *staticBlocklist) Subscribe(ctx context.Context, onChange func([]string)) error {
	onChange(s.initial)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next := <-s.updates:
			onChange(next)
		}
	}
}

// scriptedSource implements domain.ForegroundSource for testing.
// Watch emits the scripted packages and then ends with ErrCapabilityRevoked
// unless hold is set, in which case it blocks until ctx is done.
type scriptedSource struct {
	mu         sync.Mutex
	capability bool
	emits      []string
	hold       bool
	watches    int
}

func (s *scriptedSource) HasCapability() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capability
}

func (s *scriptedSource) Watch(ctx context.Context, emit func(string)) error {
	s.mu.Lock()
	s.watches++
	emits := s.emits
	hold := s.hold
	s.mu.Unlock()

	for _, pkg := range emits {
		emit(pkg)
	}
	if hold {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	s.capability = false
	s.mu.Unlock()
	return domain.ErrCapabilityRevoked
}

var errDeliver = errors.New("socket closed")
