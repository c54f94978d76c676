// Package usage turns raw usage-source data into filtered, sorted per-app records.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/policy"
)

// Range selects the query window relative to local midnight.
type Range string

const (
	RangeDaily   Range = "DAILY"
	RangeWeekly  Range = "WEEKLY"
	RangeMonthly Range = "MONTHLY"
)

// ErrInvalidRange is returned when start >= end or end is in the future.
var ErrInvalidRange = errors.New("invalid usage range")

// ParseRange accepts daily/weekly/monthly in any case.
func ParseRange(s string) (Range, error) {
	switch Range(strings.ToUpper(s)) {
	case RangeDaily:
		return RangeDaily, nil
	case RangeWeekly:
		return RangeWeekly, nil
	case RangeMonthly:
		return RangeMonthly, nil
	}
	return "", fmt.Errorf("%w: unknown range %q", ErrInvalidRange, s)
}

// Window returns [start, now] for r. Weekly and monthly include today.
func (r Range) Window(now time.Time) (time.Time, time.Time) {
	start := policy.StartOfDay(now)
	switch r {
	case RangeWeekly:
		start = start.AddDate(0, 0, -6)
	case RangeMonthly:
		start = start.AddDate(0, 0, -29)
	}
	return start, now
}

// DefaultDenyPackages are desktop shell components (lowercased WM_CLASS) never
// shown as "usage": panels, docks, desktops, launchers, lock screens and notifiers.
var DefaultDenyPackages = []string{
	"plasmashell",
	"krunner",
	"ksmserver",
	"ksplashqml",
	"gnome-shell",
	"xfdesktop",
	"xfce4-panel",
	"xfce4-notifyd",
	"xfwm4",
	"desktop_window",
	"nautilus-desktop",
	"mate-panel",
	"budgie-panel",
	"cinnamon",
	"lxpanel",
	"lxqt-panel",
	"tint2",
	"polybar",
	"i3bar",
	"plank",
	"cairo-dock",
	"conky",
	"dunst",
	"rofi",
	"dmenu",
	"ulauncher",
	"xscreensaver",
	"light-locker",
	"lightdm",
}

// DefaultDenyPrefixes filter whole families of shell components.
var DefaultDenyPrefixes = []string{
	"kwin",
	"org.kde.plasma",
	"gnome-screensaver",
	"xfce4-screensaver",
}

// Config controls filtering.
type Config struct {
	// HostAppID is the host's own identity; it never appears in usage.
	HostAppID         string
	ExtraDenyPackages []string
	ExtraDenyPrefixes []string
}

// DefaultConfig returns filtering for the stock host identity.
func DefaultConfig() Config {
	return Config{HostAppID: "rethink"}
}

// Summary is the result of one range query.
type Summary struct {
	Range         Range                `json:"range"`
	Records       []domain.UsageRecord `json:"records"`
	TotalMs       int64                `json:"total_ms"`
	TotalLaunches int64                `json:"total_launches"`
	// ComparisonPct is today's total vs yesterday's, 0 when yesterday had no usage.
	ComparisonPct float64   `json:"comparison_pct"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Aggregator queries the usage source and applies the deny filter.
type Aggregator struct {
	source       domain.UsageSource
	clock        policy.Clock
	denyPackages map[string]struct{}
	denyPrefixes []string
	logger       *zap.Logger
}

// NewAggregator creates an aggregator over source.
func NewAggregator(source domain.UsageSource, clock policy.Clock, cfg Config, logger *zap.Logger) *Aggregator {
	deny := make(map[string]struct{}, len(DefaultDenyPackages)+len(cfg.ExtraDenyPackages)+1)
	for _, p := range DefaultDenyPackages {
		deny[p] = struct{}{}
	}
	for _, p := range cfg.ExtraDenyPackages {
		deny[p] = struct{}{}
	}
	if cfg.HostAppID != "" {
		deny[cfg.HostAppID] = struct{}{}
	}

	prefixes := append([]string{}, DefaultDenyPrefixes...)
	prefixes = append(prefixes, cfg.ExtraDenyPrefixes...)

	return &Aggregator{
		source:       source,
		clock:        clock,
		denyPackages: deny,
		denyPrefixes: prefixes,
		logger:       logger.Named("usage"),
	}
}

// Denied reports whether pkg is filtered by the deny list or a deny prefix.
func (a *Aggregator) Denied(pkg string) bool {
	if _, ok := a.denyPackages[pkg]; ok {
		return true
	}
	for _, prefix := range a.denyPrefixes {
		if strings.HasPrefix(pkg, prefix) {
			return true
		}
	}
	return false
}

// HasPermission proxies the source permission check.
func (a *Aggregator) HasPermission(ctx context.Context) bool {
	return a.source.HasUsagePermission(ctx)
}

// Query returns records for [start, end) with zero-usage, system and denied packages removed,
// sorted by foreground time descending. No permission yields domain.ErrPermissionDenied, never an empty list.
func (a *Aggregator) Query(ctx context.Context, start, end time.Time) ([]domain.UsageRecord, error) {
	if !start.Before(end) || end.After(a.clock.Now()) {
		return nil, fmt.Errorf("%w: %s - %s", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	raw, err := a.fetch(ctx, start, end)
	if err != nil {
		return nil, err
	}

	records := make([]domain.UsageRecord, 0, len(raw))
	for pkg, u := range raw {
		if u.TotalForegroundMs <= 0 || u.IsSystem || a.Denied(pkg) {
			continue
		}
		records = append(records, domain.UsageRecord{
			PackageName:       pkg,
			AppName:           FriendlyName(pkg, u.AppName),
			TotalForegroundMs: u.TotalForegroundMs,
			LaunchCount:       max(u.LaunchCount, 0),
			IsSystemApp:       u.IsSystem,
		})
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].TotalForegroundMs != records[j].TotalForegroundMs {
			return records[i].TotalForegroundMs > records[j].TotalForegroundMs
		}
		return records[i].PackageName < records[j].PackageName
	})

	return records, nil
}

// TodayByPackage returns foreground ms since local midnight, keyed by package.
func (a *Aggregator) TodayByPackage(ctx context.Context) (map[string]int64, error) {
	start, end := RangeDaily.Window(a.clock.Now())
	if !start.Before(end) {
		return map[string]int64{}, nil
	}
	records, err := a.Query(ctx, start, end)
	if err != nil {
		return nil, err
	}
	used := make(map[string]int64, len(records))
	for _, r := range records {
		used[r.PackageName] = r.TotalForegroundMs
	}
	return used, nil
}

// Comparison is the percent change of today's total against yesterday's, 0 when yesterday was empty.
func (a *Aggregator) Comparison(ctx context.Context) (float64, error) {
	now := a.clock.Now()
	todayStart := policy.StartOfDay(now)
	yesterdayStart := todayStart.AddDate(0, 0, -1)

	yesterday, err := a.total(ctx, yesterdayStart, todayStart)
	if err != nil {
		return 0, err
	}
	if yesterday == 0 {
		return 0, nil
	}
	today, err := a.total(ctx, todayStart, now)
	if err != nil {
		return 0, err
	}
	return float64(today-yesterday) / float64(yesterday) * 100, nil
}

// Summarize runs the range query plus totals and the day-over-day comparison.
func (a *Aggregator) Summarize(ctx context.Context, r Range) (*Summary, error) {
	now := a.clock.Now()
	start, end := r.Window(now)

	summary := &Summary{Range: r, Records: []domain.UsageRecord{}, GeneratedAt: now}
	if start.Before(end) {
		records, err := a.Query(ctx, start, end)
		if err != nil {
			return nil, err
		}
		summary.Records = records
	}
	for _, rec := range summary.Records {
		summary.TotalMs += rec.TotalForegroundMs
		summary.TotalLaunches += rec.LaunchCount
	}

	cmp, err := a.Comparison(ctx)
	if err != nil {
		return nil, err
	}
	summary.ComparisonPct = cmp
	return summary, nil
}

func (a *Aggregator) total(ctx context.Context, start, end time.Time) (int64, error) {
	if !start.Before(end) {
		return 0, nil
	}
	raw, err := a.fetch(ctx, start, end)
	if err != nil {
		return 0, err
	}
	var total int64
	for pkg, u := range raw {
		if a.Denied(pkg) || u.TotalForegroundMs <= 0 {
			continue
		}
		total += u.TotalForegroundMs
	}
	return total, nil
}

func (a *Aggregator) fetch(ctx context.Context, start, end time.Time) (map[string]domain.RawUsage, error) {
	if !a.source.HasUsagePermission(ctx) {
		return nil, domain.ErrPermissionDenied
	}
	raw, err := a.source.QueryUsage(ctx, start, end)
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			return nil, err
		}
		var qe *domain.QueryError
		if errors.As(err, &qe) {
			return nil, err
		}
		return nil, &domain.QueryError{Transient: ctx.Err() == nil, Err: err}
	}
	return raw, nil
}
