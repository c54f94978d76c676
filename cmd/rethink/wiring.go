package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/config"
	"github.com/eliteGoblin/focusd/rethink/internal/domain"
	"github.com/eliteGoblin/focusd/rethink/internal/infra"
	"github.com/eliteGoblin/focusd/rethink/internal/ipc"
	"github.com/eliteGoblin/focusd/rethink/internal/policy"
	"github.com/eliteGoblin/focusd/rethink/internal/storage/bolt"
	"github.com/eliteGoblin/focusd/rethink/internal/storage/redis"
	"github.com/eliteGoblin/focusd/rethink/internal/usage"
	"github.com/eliteGoblin/focusd/rethink/internal/usecase"
)

// blocklistTransport carries the authoritative blocklist in both directions.
type blocklistTransport interface {
	domain.BlocklistPublisher
	domain.BlocklistSubscriber
}

// components opens shared resources lazily and closes them together.
type components struct {
	cfg      *config.Config
	logger   *zap.Logger
	pm       *infra.ProcessManagerImpl
	registry *infra.FileRegistry

	policy    *bolt.Store
	state     *infra.StateStore
	usageDB   *infra.UsageDB
	blocklist blocklistTransport

	closers []func() error
}

func newComponents(cfg *config.Config, logger *zap.Logger) *components {
	pm := infra.NewProcessManager()
	return &components{
		cfg:      cfg,
		logger:   logger,
		pm:       pm,
		registry: infra.NewFileRegistry(cfg.DataDir, pm),
	}
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.logger.Warn("close failed", zap.Error(err))
		}
	}
	c.closers = nil
}

func (c *components) Policy() (*bolt.Store, error) {
	if c.policy != nil {
		return c.policy, nil
	}
	store, err := bolt.OpenShared(c.cfg.PolicyDBPath())
	if err != nil {
		return nil, fmt.Errorf("open policy store: %w", err)
	}
	c.policy = store
	c.closers = append(c.closers, store.Close)
	return store, nil
}

func (c *components) State() (*infra.StateStore, error) {
	if c.state != nil {
		return c.state, nil
	}
	store, err := infra.OpenStateStore(c.cfg.DataDir, c.logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	c.state = store
	c.closers = append(c.closers, store.Close)
	return store, nil
}

func (c *components) UsageDB() (*infra.UsageDB, error) {
	if c.usageDB != nil {
		return c.usageDB, nil
	}
	db, err := infra.NewUsageDB(c.cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	c.usageDB = db
	c.closers = append(c.closers, db.Close)
	return db, nil
}

func (c *components) Blocklist() (blocklistTransport, error) {
	if c.blocklist != nil {
		return c.blocklist, nil
	}
	switch c.cfg.Blocklist.Backend {
	case "redis":
		bl, err := redis.Open(redis.Config{
			Addr:     c.cfg.Redis.Addr,
			Password: c.cfg.Redis.Password,
			DB:       c.cfg.Redis.DB,
			Key:      c.cfg.Redis.Key,
		}, c.logger)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, bl.Close)
		c.blocklist = bl
	default:
		c.blocklist = infra.NewFileBlocklist(c.cfg.BlocklistPath(), c.logger)
	}
	return c.blocklist, nil
}

// IPCToken is the shared secret between the session socket and its clients.
func (c *components) IPCToken() (string, error) {
	state, err := c.State()
	if err != nil {
		return "", err
	}
	return infra.EnsureSecret(state, infra.SecretIPCToken)
}

// SessionClient talks to the session socket. The registry decides liveness.
func (c *components) SessionClient() (*ipc.Client, error) {
	token, err := c.IPCToken()
	if err != nil {
		return nil, err
	}
	return ipc.NewClient(c.cfg.SocketPath(), token, func() bool {
		alive, err := c.registry.IsAlive(domain.RoleSession)
		return err == nil && alive
	}), nil
}

func (c *components) Aggregator(source domain.UsageSource) *usage.Aggregator {
	return usage.NewAggregator(source, policy.RealClock{}, usage.Config{
		HostAppID:         c.cfg.HostAppID,
		ExtraDenyPackages: c.cfg.Usage.ExtraDenyPackages,
		ExtraDenyPrefixes: c.cfg.Usage.ExtraDenyPrefixes,
	}, c.logger)
}

// interactive is the session-side object graph.
type interactive struct {
	refresher   *usage.Refresher
	blockSync   *usecase.BlockSync
	coordinator *usecase.Coordinator
}

func (c *components) Interactive() (*interactive, error) {
	store, err := c.Policy()
	if err != nil {
		return nil, err
	}
	db, err := c.UsageDB()
	if err != nil {
		return nil, err
	}
	bl, err := c.Blocklist()
	if err != nil {
		return nil, err
	}

	clock := policy.RealClock{}
	refresher := usage.NewRefresher(c.Aggregator(db), c.logger)
	blockSync := usecase.NewBlockSync(store, refresher, bl, clock, c.logger)
	return &interactive{
		refresher:   refresher,
		blockSync:   blockSync,
		coordinator: usecase.NewCoordinator(store, blockSync, clock, c.cfg.HostAppID, c.logger),
	}, nil
}

// SyncAfterEdit re-pushes the blocklist after a policy change. A live session
// does it itself so its own evaluation stays current; otherwise it is done here.
func (c *components) SyncAfterEdit(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if client, err := c.SessionClient(); err == nil && client.Alive() {
		if err := client.Sync(ctx); err == nil {
			return nil
		}
	}

	app, err := c.Interactive()
	if err != nil {
		return err
	}
	if _, err := app.refresher.Refresh(ctx, usage.RangeDaily); err != nil &&
		!errors.Is(err, domain.ErrPermissionDenied) {
		c.logger.Warn("usage refresh failed before sync", zap.Error(err))
	}
	_, err = app.blockSync.Sync(ctx)
	return err
}
