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

type limitRecord = sequenced[domain.Limit]

// ListLimits returns limits in creation order.
func (s *Store) ListLimits(ctx context.Context) ([]domain.Limit, error) {
	records, err := listBucket[limitRecord](ctx, s, bucketLimits)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	limits := make([]domain.Limit, len(records))
	for i, r := range records {
		limits[i] = r.Value
	}
	return limits, nil
}

// GetLimit retrieves a limit by ID.
func (s *Store) GetLimit(ctx context.Context, id string) (*domain.Limit, error) {
	rec, err := getBucketValue[limitRecord](ctx, s, bucketLimits, id)
	if err != nil {
		return nil, err
	}
	return &rec.Value, nil
}

// GetLimitByPackage retrieves the single limit for a package.
func (s *Store) GetLimitByPackage(ctx context.Context, packageName string) (*domain.Limit, error) {
	limits, err := s.ListLimits(ctx)
	if err != nil {
		return nil, err
	}
	for _, l := range limits {
		if l.PackageName == packageName {
			return &l, nil
		}
	}
	return nil, domain.ErrNotFound
}

// AddLimit validates and stores a new limit with a generated ID.
// A second limit for the same package is rejected with domain.ErrDuplicateLimit.
func (s *Store) AddLimit(ctx context.Context, limit domain.Limit) (*domain.Limit, error) {
	if err := policy.ValidateLimit(limit); err != nil {
		return nil, err
	}

	now := s.now()
	limit.ID = uuid.NewString()
	limit.CreatedAt = now
	limit.UpdatedAt = now

	err := s.update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketLimits))
		if err := checkUniquePackage(b, limit); err != nil {
			return err
		}
		return putRecord(b, limit.ID, &limitRecord{Value: limit})
	})
	if err != nil {
		return nil, err
	}
	return &limit, nil
}

// UpdateLimit replaces an existing limit, keeping its creation order and CreatedAt.
func (s *Store) UpdateLimit(ctx context.Context, limit domain.Limit) error {
	if err := policy.ValidateLimit(limit); err != nil {
		return err
	}

	return s.update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketLimits))
		data := b.Get([]byte(limit.ID))
		if data == nil {
			return fmt.Errorf("limit %s: %w", limit.ID, domain.ErrNotFound)
		}
		var existing limitRecord
		if err := unmarshal(data, &existing); err != nil {
			return err
		}
		if err := checkUniquePackage(b, limit); err != nil {
			return err
		}

		limit.CreatedAt = existing.Value.CreatedAt
		limit.UpdatedAt = s.now()
		return putRecord(b, limit.ID, &limitRecord{Seq: existing.Seq, Value: limit})
	})
}

// DeleteLimit removes a limit by ID.
func (s *Store) DeleteLimit(ctx context.Context, id string) error {
	return deleteBucketValue(ctx, s, bucketLimits, id)
}

func checkUniquePackage(b *bbolt.Bucket, limit domain.Limit) error {
	return b.ForEach(func(k, v []byte) error {
		if string(k) == limit.ID {
			return nil
		}
		var rec limitRecord
		if err := unmarshal(v, &rec); err != nil {
			return err
		}
		if rec.Value.PackageName == limit.PackageName {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateLimit, limit.PackageName)
		}
		return nil
	})
}
