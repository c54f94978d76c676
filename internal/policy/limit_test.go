package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

var testNow = time.Date(2024, 1, 3, 14, 30, 0, 0, time.Local) // Wednesday

func hourLimit() domain.Limit {
	return domain.Limit{
		ID:                 "limit-1",
		PackageName:        "minecraft",
		DailyBudgetMs:      3600000,
		WarningThresholdMs: 300000,
		Enabled:            true,
	}
}

func TestLimitStatus_Warning(t *testing.T) {
	status := LimitStatus(hourLimit(), 3400000, testNow)

	assert.True(t, status.IsWarning)
	assert.False(t, status.IsBlocked)
	assert.False(t, status.IsPaused)
	assert.Equal(t, int64(200000), status.RemainingMs)
	assert.Equal(t, "limit-1", status.LimitID)
}

func TestLimitStatus_Blocked(t *testing.T) {
	status := LimitStatus(hourLimit(), 3700000, testNow)

	assert.True(t, status.IsBlocked)
	assert.False(t, status.IsWarning)
	assert.Equal(t, int64(0), status.RemainingMs)
	assert.Equal(t, 100.0, status.PercentUsed)
}

func TestLimitStatus_BlockedWheneverBudgetReached(t *testing.T) {
	for _, used := range []int64{3600000, 3600001, 7200000, 1 << 40} {
		status := LimitStatus(hourLimit(), used, testNow)
		assert.True(t, status.IsBlocked, "used=%d", used)
		assert.False(t, status.IsWarning, "used=%d", used)
	}
}

func TestLimitStatus_ActivePauseSuppressesEverything(t *testing.T) {
	paused := PauseUntilEndOfDay(hourLimit(), testNow)

	for _, used := range []int64{0, 3400000, 3600000, 9000000} {
		status := LimitStatus(paused, used, testNow)
		assert.True(t, status.IsPaused, "used=%d", used)
		assert.False(t, status.IsBlocked, "used=%d", used)
		assert.False(t, status.IsWarning, "used=%d", used)
	}
}

func TestLimitStatus_ExpiredPause(t *testing.T) {
	past := testNow.Add(-time.Minute)
	l := hourLimit()
	l.PausedUntil = &past

	status := LimitStatus(l, 3700000, testNow)
	assert.False(t, status.IsPaused)
	assert.True(t, status.IsBlocked)
}

func TestLimitStatus_Normal(t *testing.T) {
	status := LimitStatus(hourLimit(), 600000, testNow)

	assert.False(t, status.IsWarning)
	assert.False(t, status.IsBlocked)
	assert.Equal(t, int64(3000000), status.RemainingMs)
	assert.InDelta(t, 16.666, status.PercentUsed, 0.01)
}

func TestPauseUntilEndOfDay(t *testing.T) {
	paused := PauseUntilEndOfDay(hourLimit(), testNow)

	require.NotNil(t, paused.PausedUntil)
	want := time.Date(2024, 1, 3, 23, 59, 59, 999000000, time.Local)
	assert.True(t, want.Equal(*paused.PausedUntil))
	assert.True(t, IsPaused(paused, testNow))
	assert.False(t, IsPaused(paused, want.Add(time.Millisecond)))
}

func TestExtend(t *testing.T) {
	extended, err := Extend(hourLimit(), 15, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(3600000+15*60000), extended.DailyBudgetMs)

	_, err = Extend(hourLimit(), 0, testNow)
	assert.ErrorIs(t, err, domain.ErrInvalidLimit)
}

func TestValidateLimit(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*domain.Limit)
		wantErr bool
	}{
		{"valid", func(*domain.Limit) {}, false},
		{"no package", func(l *domain.Limit) { l.PackageName = "" }, true},
		{"zero budget", func(l *domain.Limit) { l.DailyBudgetMs = 0 }, true},
		{"threshold above budget", func(l *domain.Limit) { l.WarningThresholdMs = l.DailyBudgetMs + 1 }, true},
		{"negative threshold", func(l *domain.Limit) { l.WarningThresholdMs = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := hourLimit()
			tt.mutate(&l)
			err := ValidateLimit(l)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidLimit)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEvaluateLimits_MissingUsageIsZero(t *testing.T) {
	disabled := hourLimit()
	disabled.ID = "limit-2"
	disabled.PackageName = "chromium"
	disabled.Enabled = false

	statuses := EvaluateLimits([]domain.Limit{hourLimit(), disabled}, map[string]int64{}, testNow)

	require.Len(t, statuses, 1)
	s := statuses["minecraft"]
	assert.Equal(t, int64(0), s.UsedMs)
	assert.False(t, s.IsBlocked)
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "Time's up!", FormatRemaining(0))
	assert.Equal(t, "Time's up!", FormatRemaining(-5))
	assert.Equal(t, "12m left", FormatRemaining(12*60000+30000))
	assert.Equal(t, "1h 5m left", FormatRemaining(65*60000))
	assert.Equal(t, "2h 0m left", FormatRemaining(120*60000))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "40s", FormatDuration(40000))
	assert.Equal(t, "12m", FormatDuration(12*60000))
	assert.Equal(t, "1h 5m", FormatDuration(65*60000))
	assert.Equal(t, "2h", FormatDuration(120*60000))
}
