package policy

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

// FocusStatus picks the first enabled mode (declaration order) with an enabled schedule that matches now.
func FocusStatus(modes []domain.FocusMode, now time.Time) domain.FocusStatus {
	for i := range modes {
		mode := modes[i]
		if !mode.Enabled {
			continue
		}
		for _, s := range mode.Schedules {
			if !s.Enabled || !IsWithinSchedule(s, now) {
				continue
			}
			name := mode.Name
			if name == "" {
				name = "Focus Mode"
			}
			return domain.FocusStatus{
				IsActive:    true,
				ActiveMode:  &mode,
				BlockedApps: slices.Clone(mode.BlockedApps),
				Reason:      name + " is active",
			}
		}
	}
	return domain.FocusStatus{BlockedApps: []string{}}
}

// IsWithinSchedule reports whether now falls in the schedule window, both ends inclusive.
//
// For a window that wraps midnight the day check uses the day the window started:
// 22:00-06:00 on Wednesday covers Wednesday 23:30 and Thursday 05:00.
func IsWithinSchedule(s domain.FocusSchedule, now time.Time) bool {
	start, err := ParseClock(s.StartTime)
	if err != nil {
		return false
	}
	end, err := ParseClock(s.EndTime)
	if err != nil {
		return false
	}

	day := int(now.Weekday())
	current := now.Hour()*60 + now.Minute()

	if end < start {
		if current >= start {
			return slices.Contains(s.DaysOfWeek, day)
		}
		if current <= end {
			return slices.Contains(s.DaysOfWeek, (day+6)%7)
		}
		return false
	}

	return slices.Contains(s.DaysOfWeek, day) && current >= start && current <= end
}

// IsAppBlockedByFocus applies the active mode's lists to pkg. The whitelist always wins.
func IsAppBlockedByFocus(status domain.FocusStatus, pkg string) bool {
	if !status.IsActive || status.ActiveMode == nil {
		return false
	}
	if slices.Contains(status.ActiveMode.WhitelistedApps, pkg) {
		return false
	}
	return slices.Contains(status.BlockedApps, pkg)
}

// ParseClock converts "HH:MM" to minutes since midnight.
func ParseClock(hhmm string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q is not HH:MM", domain.ErrInvalidSchedule, hhmm)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("%w: bad hour in %q", domain.ErrInvalidSchedule, hhmm)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("%w: bad minute in %q", domain.ErrInvalidSchedule, hhmm)
	}
	return hour*60 + minute, nil
}

// ValidateFocusMode checks schedules parse and weekdays are in 0-6.
func ValidateFocusMode(mode domain.FocusMode) error {
	for i, s := range mode.Schedules {
		if _, err := ParseClock(s.StartTime); err != nil {
			return fmt.Errorf("schedule %d: %w", i, err)
		}
		if _, err := ParseClock(s.EndTime); err != nil {
			return fmt.Errorf("schedule %d: %w", i, err)
		}
		for _, d := range s.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("schedule %d: %w: day %d out of range", i, domain.ErrInvalidSchedule, d)
			}
		}
	}
	return nil
}
