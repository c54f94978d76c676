package bolt

import (
	"context"
	"errors"
	"slices"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

// MonitoredApps returns the soft-intervention list, DefaultMonitoredApps until one is saved.
func (s *Store) MonitoredApps(ctx context.Context) ([]string, error) {
	apps, err := getBucketValue[[]string](ctx, s, bucketSettings, keyMonitoredApps)
	if errors.Is(err, domain.ErrNotFound) {
		return slices.Clone(DefaultMonitoredApps), nil
	}
	if err != nil {
		return nil, err
	}
	return *apps, nil
}

// SetMonitoredApps replaces the monitored list.
func (s *Store) SetMonitoredApps(ctx context.Context, apps []string) error {
	if apps == nil {
		apps = []string{}
	}
	return putBucketValue(ctx, s, bucketSettings, keyMonitoredApps, apps)
}

// InterventionEnabled returns the global switch, off until first set.
func (s *Store) InterventionEnabled(ctx context.Context) (bool, error) {
	enabled, err := getBucketValue[bool](ctx, s, bucketSettings, keyInterventionEnabled)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return *enabled, nil
}

// SetInterventionEnabled flips the global switch.
func (s *Store) SetInterventionEnabled(ctx context.Context, enabled bool) error {
	return putBucketValue(ctx, s, bucketSettings, keyInterventionEnabled, enabled)
}
