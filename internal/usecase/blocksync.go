package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/metrics"
	"github.com/eliteGoblin/focusd/rethink/internal/policy"
	"github.com/eliteGoblin/focusd/rethink/internal/usage"
)

// UsageProvider supplies the last applied usage snapshot.
type UsageProvider interface {
	Current() usage.Snapshot
}

// Evaluation is one combined pass of both evaluators.
type Evaluation struct {
	LimitStatuses map[string]domain.LimitStatus
	Focus         domain.FocusStatus
	BlockSet      []string
	EvaluatedAt   time.Time
}

// HardBlock reports whether pkg is blocked by a limit or by the active focus mode.
func (e *Evaluation) HardBlock(pkg string) (limit *domain.LimitStatus, focus bool) {
	if e == nil {
		return nil, false
	}
	if s, ok := e.LimitStatuses[pkg]; ok && s.IsBlocked {
		return &s, false
	}
	return nil, policy.IsAppBlockedByFocus(e.Focus, pkg)
}

// ComputeBlockSet is the union of limit-blocked packages and packages blocked by the active focus mode.
// The result is sorted and free of duplicates.
func ComputeBlockSet(limitStatuses map[string]domain.LimitStatus, focus domain.FocusStatus) []string {
	set := make(map[string]struct{})
	for pkg, s := range limitStatuses {
		if s.IsBlocked {
			set[pkg] = struct{}{}
		}
	}
	if focus.IsActive {
		for _, pkg := range focus.BlockedApps {
			if policy.IsAppBlockedByFocus(focus, pkg) {
				set[pkg] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(set))
	for pkg := range set {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// BlockSync re-evaluates policies and pushes the authoritative blocklist to the watcher.
type BlockSync struct {
	store     domain.PolicyStore
	usage     UsageProvider
	publisher domain.BlocklistPublisher
	clock     policy.Clock
	logger    *zap.Logger

	// syncMu keeps evaluate+push atomic so pushes cannot land out of order.
	syncMu sync.Mutex

	mu   sync.RWMutex
	last *Evaluation
}

// NewBlockSync creates the bridge.
func NewBlockSync(
	store domain.PolicyStore,
	usage UsageProvider,
	publisher domain.BlocklistPublisher,
	clock policy.Clock,
	logger *zap.Logger,
) *BlockSync {
	return &BlockSync{
		store:     store,
		usage:     usage,
		publisher: publisher,
		clock:     clock,
		logger:    logger.Named("blocksync"),
	}
}

// Evaluate runs both evaluators against the stored policies and the current usage snapshot.
func (b *BlockSync) Evaluate(ctx context.Context) (*Evaluation, error) {
	limits, err := b.store.ListLimits(ctx)
	if err != nil {
		return nil, fmt.Errorf("list limits: %w", err)
	}
	modes, err := b.store.ListFocusModes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list focus modes: %w", err)
	}

	now := b.clock.Now()
	statuses := policy.EvaluateLimits(limits, b.usage.Current().Today, now)
	focus := policy.FocusStatus(modes, now)

	return &Evaluation{
		LimitStatuses: statuses,
		Focus:         focus,
		BlockSet:      ComputeBlockSet(statuses, focus),
		EvaluatedAt:   now,
	}, nil
}

// Push transmits the full set, replacing whatever the watcher held before.
func (b *BlockSync) Push(ctx context.Context, blockSet []string) error {
	if blockSet == nil {
		blockSet = []string{}
	}
	if err := b.publisher.Publish(ctx, blockSet); err != nil {
		return fmt.Errorf("publish blocklist: %w", err)
	}
	metrics.BlocklistPushes.Inc()
	metrics.BlocklistSize.Set(float64(len(blockSet)))
	b.logger.Debug("blocklist pushed", zap.Strings("packages", blockSet))
	return nil
}

// Sync evaluates and pushes. Call after every usage refresh, policy edit, schedule tick or pause/extend.
func (b *BlockSync) Sync(ctx context.Context) (*Evaluation, error) {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()

	eval, err := b.Evaluate(ctx)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.last = eval
	b.mu.Unlock()

	if err := b.Push(ctx, eval.BlockSet); err != nil {
		return eval, err
	}
	return eval, nil
}

// Last returns the most recent evaluation, nil before the first Sync.
func (b *BlockSync) Last() *Evaluation {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}
