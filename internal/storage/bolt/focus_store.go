package bolt

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/policy"
)

type focusRecord = sequenced[domain.FocusMode]

// ListFocusModes returns modes in declaration order, which decides which active mode wins.
func (s *Store) ListFocusModes(ctx context.Context) ([]domain.FocusMode, error) {
	records, err := listBucket[focusRecord](ctx, s, bucketFocusModes)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	modes := make([]domain.FocusMode, len(records))
	for i, r := range records {
		modes[i] = r.Value
	}
	return modes, nil
}

// GetFocusMode retrieves a focus mode by ID.
func (s *Store) GetFocusMode(ctx context.Context, id string) (*domain.FocusMode, error) {
	rec, err := getBucketValue[focusRecord](ctx, s, bucketFocusModes, id)
	if err != nil {
		return nil, err
	}
	return &rec.Value, nil
}

// AddFocusMode stores a new mode at the end of the list.
func (s *Store) AddFocusMode(ctx context.Context, mode domain.FocusMode) (*domain.FocusMode, error) {
	if err := policy.ValidateFocusMode(mode); err != nil {
		return nil, err
	}

	now := s.now()
	mode.ID = uuid.NewString()
	mode.CreatedAt = now
	mode.UpdatedAt = now
	normalizeMode(&mode)

	err := s.update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return putRecord(tx.Bucket([]byte(bucketFocusModes)), mode.ID, &focusRecord{Value: mode})
	})
	if err != nil {
		return nil, err
	}
	return &mode, nil
}

// UpdateFocusMode replaces an existing mode in place.
func (s *Store) UpdateFocusMode(ctx context.Context, mode domain.FocusMode) error {
	if err := policy.ValidateFocusMode(mode); err != nil {
		return err
	}
	normalizeMode(&mode)

	return s.update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketFocusModes))
		data := b.Get([]byte(mode.ID))
		if data == nil {
			return fmt.Errorf("focus mode %s: %w", mode.ID, domain.ErrNotFound)
		}
		var existing focusRecord
		if err := unmarshal(data, &existing); err != nil {
			return err
		}
		mode.CreatedAt = existing.Value.CreatedAt
		mode.UpdatedAt = s.now()
		return putRecord(b, mode.ID, &focusRecord{Seq: existing.Seq, Value: mode})
	})
}

// SetFocusModeEnabled toggles a mode.
func (s *Store) SetFocusModeEnabled(ctx context.Context, id string, enabled bool) error {
	mode, err := s.GetFocusMode(ctx, id)
	if err != nil {
		return err
	}
	mode.Enabled = enabled
	return s.UpdateFocusMode(ctx, *mode)
}

// DeleteFocusMode removes a mode by ID.
func (s *Store) DeleteFocusMode(ctx context.Context, id string) error {
	return deleteBucketValue(ctx, s, bucketFocusModes, id)
}

func normalizeMode(mode *domain.FocusMode) {
	if mode.Schedules == nil {
		mode.Schedules = []domain.FocusSchedule{}
	}
	if mode.BlockedApps == nil {
		mode.BlockedApps = []string{}
	}
	if mode.WhitelistedApps == nil {
		mode.WhitelistedApps = []string{}
	}
}
