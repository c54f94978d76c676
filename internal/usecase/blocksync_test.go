package usecase

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/policy"
	"github.com/eliteGoblin/focusd/rethink/internal/usage"
)

// recordingPublisher implements domain.BlocklistPublisher for testing
type recordingPublisher struct {
	mu     sync.Mutex
	pushes [][]string
	err    error
}

func (r *recordingPublisher) Publish(ctx context.Context, packages []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.pushes = append(r.pushes, slices.Clone(packages))
	return nil
}

func (r *recordingPublisher) last() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pushes) == 0 {
		return nil
	}
	return r.pushes[len(r.pushes)-1]
}

// staticUsage implements UsageProvider for testing
type staticUsage struct {
	today map[string]int64
}

func (s *staticUsage) Current() usage.Snapshot {
	return usage.Snapshot{Today: s.today}
}

var wednesday10am = time.Date(2024, 1, 3, 10, 0, 0, 0, time.Local)

func workFocusMode() domain.FocusMode {
	return domain.FocusMode{
		ID:      "focus-work",
		Name:    "Work",
		Enabled: true,
		Schedules: []domain.FocusSchedule{
			{Enabled: true, StartTime: "09:00", EndTime: "17:00", DaysOfWeek: []int{1, 2, 3, 4, 5}},
		},
		BlockedApps:     []string{"steam", "telegramdesktop"},
		WhitelistedApps: []string{"telegramdesktop"},
	}
}

func instagramLimit() domain.Limit {
	return domain.Limit{
		ID:                 "limit-ig",
		PackageName:        "minecraft",
		DailyBudgetMs:      3600000,
		WarningThresholdMs: 300000,
		Enabled:            true,
	}
}

func TestComputeBlockSet_Union(t *testing.T) {
	statuses := map[string]domain.LimitStatus{
		"minecraft": {PackageName: "minecraft", IsBlocked: true},
		"chromium":  {PackageName: "chromium", IsWarning: true},
		"steam":     {PackageName: "steam", IsBlocked: true},
	}
	focus := policy.FocusStatus([]domain.FocusMode{workFocusMode()}, wednesday10am)

	got := ComputeBlockSet(statuses, focus)

	assert.Equal(t, []string{"minecraft", "steam"}, got)
}

func TestComputeBlockSet_InactiveFocusContributesNothing(t *testing.T) {
	saturday := time.Date(2024, 1, 6, 10, 0, 0, 0, time.Local)
	focus := policy.FocusStatus([]domain.FocusMode{workFocusMode()}, saturday)

	assert.Empty(t, ComputeBlockSet(nil, focus))
}

func TestBlockSync_PauseRemovesPackageWithinOnePush(t *testing.T) {
	store := &memPolicyStore{limits: []domain.Limit{instagramLimit()}}
	pub := &recordingPublisher{}
	clock := &policy.TestClock{CurrentTime: wednesday10am}
	bs := NewBlockSync(store, &staticUsage{today: map[string]int64{"minecraft": 3700000}}, pub, clock, zap.NewNop())

	_, err := bs.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"minecraft"}, pub.last())

	paused := policy.PauseUntilEndOfDay(instagramLimit(), clock.Now())
	require.NoError(t, store.UpdateLimit(context.Background(), paused))

	_, err = bs.Sync(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pub.last())
	assert.NotNil(t, pub.last(), "an empty set is still pushed so the watcher drops the old block")
	assert.Len(t, pub.pushes, 2)
}

func TestBlockSync_EvaluationFeedsCoordinator(t *testing.T) {
	store := &memPolicyStore{
		limits: []domain.Limit{instagramLimit()},
		modes:  []domain.FocusMode{workFocusMode()},
	}
	bs := NewBlockSync(store, &staticUsage{today: map[string]int64{"minecraft": 3400000}}, &recordingPublisher{}, &policy.TestClock{CurrentTime: wednesday10am}, zap.NewNop())

	eval, err := bs.Sync(context.Background())
	require.NoError(t, err)

	assert.Same(t, eval, bs.Last())
	assert.True(t, eval.LimitStatuses["minecraft"].IsWarning)
	assert.True(t, eval.Focus.IsActive)
	assert.Equal(t, []string{"steam"}, eval.BlockSet)

	limit, focus := eval.HardBlock("steam")
	assert.Nil(t, limit)
	assert.True(t, focus)
}

func TestBlockSync_Errors(t *testing.T) {
	store := &memPolicyStore{listErr: errors.New("bolt closed")}
	bs := NewBlockSync(store, &staticUsage{}, &recordingPublisher{}, &policy.TestClock{CurrentTime: wednesday10am}, zap.NewNop())

	_, err := bs.Sync(context.Background())
	assert.Error(t, err)
	assert.Nil(t, bs.Last())

	pub := &recordingPublisher{err: errors.New("disk full")}
	bs = NewBlockSync(&memPolicyStore{}, &staticUsage{}, pub, &policy.TestClock{CurrentTime: wednesday10am}, zap.NewNop())
	eval, err := bs.Sync(context.Background())
	assert.Error(t, err)
	assert.NotNil(t, eval)
}
