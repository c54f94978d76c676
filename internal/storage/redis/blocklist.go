// Package redis carries the authoritative blocklist through Redis, for setups where
// the watcher and the session do not share a filesystem.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

// Config selects the server and key.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Key holds the current blocklist; change notifications go to Key + ":changed".
	Key string
}

// Blocklist implements domain.BlocklistPublisher and domain.BlocklistSubscriber.
type Blocklist struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// Open connects and pings the server.
func Open(cfg Config, logger *zap.Logger) (*Blocklist, error) {
	if cfg.Key == "" {
		cfg.Key = "rethink:blocklist"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Blocklist{client: client, key: cfg.Key, logger: logger.Named("redis-blocklist")}, nil
}

func (b *Blocklist) channel() string {
	return b.key + ":changed"
}

// Publish stores the whole set and notifies subscribers in one MULTI block.
func (b *Blocklist) Publish(ctx context.Context, packages []string) error {
	if packages == nil {
		packages = []string{}
	}
	data, err := json.Marshal(packages)
	if err != nil {
		return fmt.Errorf("marshal blocklist: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.key, data, 0)
		pipe.Publish(ctx, b.channel(), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish blocklist: %w", err)
	}
	return nil
}

// Load returns the stored set, empty if never published.
func (b *Blocklist) Load(ctx context.Context) ([]string, error) {
	data, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load blocklist: %w", err)
	}
	return decode(data)
}

// Subscribe calls onChange with the current set and then with every published set until ctx ends.
func (b *Blocklist) Subscribe(ctx context.Context, onChange func(packages []string)) error {
	sub := b.client.Subscribe(ctx, b.channel())
	defer func() { _ = sub.Close() }()

	// Wait for the subscription to be confirmed so no publish is missed after the initial load.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe blocklist: %w", err)
	}

	current, err := b.Load(ctx)
	if err != nil {
		return err
	}
	onChange(current)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			packages, err := decode([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("ignoring malformed blocklist message", zap.Error(err))
				continue
			}
			onChange(packages)
		}
	}
}

// Close closes the connection.
func (b *Blocklist) Close() error {
	return b.client.Close()
}

func decode(data []byte) ([]string, error) {
	var packages []string
	if err := json.Unmarshal(data, &packages); err != nil {
		return nil, fmt.Errorf("unmarshal blocklist: %w", err)
	}
	if packages == nil {
		packages = []string{}
	}
	return packages, nil
}

var (
	_ domain.BlocklistPublisher  = (*Blocklist)(nil)
	_ domain.BlocklistSubscriber = (*Blocklist)(nil)
)
