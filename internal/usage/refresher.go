package usage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/metrics"
)

// ErrSuperseded is returned by Refresh when a newer refresh was requested while this one ran.
var ErrSuperseded = errors.New("usage refresh superseded")

// Snapshot is the last successfully applied usage state.
type Snapshot struct {
	Seq     uint64
	Summary *Summary
	// Today is foreground ms since local midnight per package; limits evaluate against it.
	Today            map[string]int64
	PermissionDenied bool
	RefreshedAt      time.Time
}

// Refresher serializes usage queries with last-requested-wins semantics.
// A refresh started later always wins; the earlier one is canceled and its result discarded.
type Refresher struct {
	agg    *Aggregator
	logger *zap.Logger

	seq atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	current Snapshot
}

// NewRefresher creates a refresher with an empty snapshot.
func NewRefresher(agg *Aggregator, logger *zap.Logger) *Refresher {
	return &Refresher{
		agg:     agg,
		logger:  logger.Named("refresher"),
		current: Snapshot{Today: map[string]int64{}},
	}
}

// Current returns the last applied snapshot.
func (r *Refresher) Current() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Refresh queries rng and today's per-package usage.
//
// On a transient failure the prior snapshot is kept and the error returned.
// On permission denial Today is cleared, the snapshot is flagged PermissionDenied
// and domain.ErrPermissionDenied returned.
func (r *Refresher) Refresh(ctx context.Context, rng Range) (Snapshot, error) {
	r.mu.Lock()
	seq := r.seq.Add(1)
	if r.cancel != nil {
		r.cancel()
	}
	qctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	summary, err := r.agg.Summarize(qctx, rng)
	var today map[string]int64
	if err == nil {
		if rng == RangeDaily {
			today = make(map[string]int64, len(summary.Records))
			for _, rec := range summary.Records {
				today[rec.PackageName] = rec.TotalForegroundMs
			}
		} else {
			today, err = r.agg.TodayByPackage(qctx)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if seq != r.seq.Load() {
		metrics.UsageRefreshes.WithLabelValues("superseded").Inc()
		r.logger.Debug("discarding superseded usage refresh", zap.Uint64("seq", seq))
		return r.current, ErrSuperseded
	}

	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		metrics.UsageRefreshes.WithLabelValues("denied").Inc()
		r.current.PermissionDenied = true
		r.current.Today = map[string]int64{}
		return r.current, err
	case err != nil:
		metrics.UsageRefreshes.WithLabelValues("failed").Inc()
		r.logger.Warn("usage refresh failed, keeping previous snapshot",
			zap.Bool("transient", domain.IsTransient(err)),
			zap.Error(err))
		return r.current, err
	}

	metrics.UsageRefreshes.WithLabelValues("ok").Inc()
	r.current = Snapshot{
		Seq:         seq,
		Summary:     summary,
		Today:       today,
		RefreshedAt: summary.GeneratedAt,
	}
	return r.current, nil
}
