package bolt

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/policy"
)

// Document is the full policy state, as exported to and imported from YAML.
type Document struct {
	Limits              []domain.Limit     `yaml:"limits"`
	FocusModes          []domain.FocusMode `yaml:"focus_modes"`
	MonitoredApps       []string           `yaml:"monitored_apps"`
	InterventionEnabled bool               `yaml:"intervention_enabled"`
}

// Export reads every collection.
func (s *Store) Export(ctx context.Context) (*Document, error) {
	limits, err := s.ListLimits(ctx)
	if err != nil {
		return nil, err
	}
	modes, err := s.ListFocusModes(ctx)
	if err != nil {
		return nil, err
	}
	apps, err := s.MonitoredApps(ctx)
	if err != nil {
		return nil, err
	}
	enabled, err := s.InterventionEnabled(ctx)
	if err != nil {
		return nil, err
	}
	return &Document{Limits: limits, FocusModes: modes, MonitoredApps: apps, InterventionEnabled: enabled}, nil
}

// Import replaces all policy state with doc in a single transaction.
// IDs in doc are kept; list order becomes declaration order.
func (s *Store) Import(ctx context.Context, doc Document) error {
	seen := make(map[string]bool, len(doc.Limits))
	for _, l := range doc.Limits {
		if err := policy.ValidateLimit(l); err != nil {
			return err
		}
		if l.ID == "" {
			return fmt.Errorf("%w: limit for %s has no id", domain.ErrInvalidLimit, l.PackageName)
		}
		if seen[l.PackageName] {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateLimit, l.PackageName)
		}
		seen[l.PackageName] = true
	}
	for _, m := range doc.FocusModes {
		if err := policy.ValidateFocusMode(m); err != nil {
			return err
		}
		if m.ID == "" {
			return fmt.Errorf("%w: focus mode %q has no id", domain.ErrInvalidSchedule, m.Name)
		}
	}

	settings := map[string]any{
		keyMonitoredApps:       doc.MonitoredApps,
		keyInterventionEnabled: doc.InterventionEnabled,
	}
	if doc.MonitoredApps == nil {
		settings[keyMonitoredApps] = []string{}
	}

	return s.update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, name := range []string{bucketLimits, bucketFocusModes} {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return fmt.Errorf("drop bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		limits := tx.Bucket([]byte(bucketLimits))
		for _, l := range doc.Limits {
			if err := putRecord(limits, l.ID, &limitRecord{Value: l}); err != nil {
				return err
			}
		}
		modes := tx.Bucket([]byte(bucketFocusModes))
		for _, m := range doc.FocusModes {
			normalizeMode(&m)
			if err := putRecord(modes, m.ID, &focusRecord{Value: m}); err != nil {
				return err
			}
		}

		b := tx.Bucket([]byte(bucketSettings))
		for key, value := range settings {
			data, err := marshal(value)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}
