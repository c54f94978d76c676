// Package policy evaluates time limits and focus schedules.
// Every function here is pure: callers pass the clock reading in.
package policy

import (
	"fmt"
	"math"
	"time"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

// LimitStatus derives the status of limit given usedMs consumed since local midnight.
// Usage resets implicitly because the query window starts at midnight; the Limit is never mutated here.
func LimitStatus(limit domain.Limit, usedMs int64, now time.Time) domain.LimitStatus {
	if usedMs < 0 {
		usedMs = 0
	}
	isPaused := IsPaused(limit, now)

	remaining := limit.DailyBudgetMs - usedMs
	if remaining < 0 {
		remaining = 0
	}

	percent := 100.0
	if limit.DailyBudgetMs > 0 {
		percent = math.Min(100, float64(usedMs)/float64(limit.DailyBudgetMs)*100)
	}

	return domain.LimitStatus{
		LimitID:     limit.ID,
		PackageName: limit.PackageName,
		UsedMs:      usedMs,
		BudgetMs:    limit.DailyBudgetMs,
		RemainingMs: remaining,
		PercentUsed: percent,
		IsWarning:   !isPaused && remaining <= limit.WarningThresholdMs && remaining > 0,
		IsBlocked:   !isPaused && usedMs >= limit.DailyBudgetMs,
		IsPaused:    isPaused,
	}
}

// IsPaused reports whether the limit has a pause that has not yet expired.
func IsPaused(limit domain.Limit, now time.Time) bool {
	return limit.PausedUntil != nil && limit.PausedUntil.After(now)
}

// PauseUntilEndOfDay returns a copy of limit paused until 23:59:59.999 local time today.
func PauseUntilEndOfDay(limit domain.Limit, now time.Time) domain.Limit {
	until := EndOfDay(now)
	limit.PausedUntil = &until
	limit.UpdatedAt = now
	return limit
}

// Extend returns a copy of limit with minutes permanently added to the daily budget.
func Extend(limit domain.Limit, minutes int, now time.Time) (domain.Limit, error) {
	if minutes <= 0 {
		return limit, fmt.Errorf("%w: extension must be positive, got %d minutes", domain.ErrInvalidLimit, minutes)
	}
	limit.DailyBudgetMs += int64(minutes) * 60000
	limit.UpdatedAt = now
	return limit, nil
}

// ValidateLimit checks the invariants a stored Limit must satisfy.
func ValidateLimit(limit domain.Limit) error {
	if limit.PackageName == "" {
		return fmt.Errorf("%w: package name is required", domain.ErrInvalidLimit)
	}
	if limit.DailyBudgetMs <= 0 {
		return fmt.Errorf("%w: daily budget must be positive", domain.ErrInvalidLimit)
	}
	if limit.WarningThresholdMs < 0 || limit.WarningThresholdMs > limit.DailyBudgetMs {
		return fmt.Errorf("%w: warning threshold must be between 0 and the daily budget", domain.ErrInvalidLimit)
	}
	return nil
}

// EvaluateLimits computes a status for every enabled limit.
// A limit whose package has no usage entry is treated as zero usage.
func EvaluateLimits(limits []domain.Limit, usedByPackage map[string]int64, now time.Time) map[string]domain.LimitStatus {
	statuses := make(map[string]domain.LimitStatus, len(limits))
	for _, l := range limits {
		if !l.Enabled {
			continue
		}
		statuses[l.PackageName] = LimitStatus(l, usedByPackage[l.PackageName], now)
	}
	return statuses
}

// FormatRemaining renders a remaining budget as "Time's up!", "1h 5m left" or "12m left".
func FormatRemaining(ms int64) string {
	if ms <= 0 {
		return "Time's up!"
	}
	minutes := ms / 60000
	hours := minutes / 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm left", hours, minutes%60)
	}
	return fmt.Sprintf("%dm left", minutes)
}

// FormatDuration renders a duration in milliseconds as "1h 5m", "12m" or "40s".
func FormatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	hours := int64(d / time.Hour)
	minutes := int64(d/time.Minute) % 60
	switch {
	case hours > 0 && minutes > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh", hours)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%ds", int64(d/time.Second)%60)
}
