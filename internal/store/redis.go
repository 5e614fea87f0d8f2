// Package store wraps the Redis key/value + pub/sub surface the monitor
// shares with the control API: current config, published status, and the
// short-TTL order-book cache.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"arbmon/internal/config"
	"arbmon/internal/venue"
)

const (
	// KeyConfig holds the current BotConfig as JSON.
	KeyConfig = "bot:config"

	// KeyStatus holds the published BotStatus as JSON.
	KeyStatus = "bot:status"

	// TopicConfigUpdate broadcasts full BotConfig replacements.
	TopicConfigUpdate = "bot:config:update"

	// BookTTL bounds how long a cached book may be served. A silently
	// dead client cannot feed consumers stale data past this window.
	BookTTL = 10 * time.Second
)

// BookKey is the cache key for one venue's book of one native symbol.
func BookKey(id venue.ID, symbol string) string {
	return fmt.Sprintf("orderbook:%s:%s", id, symbol)
}

// Store is one Redis connection. The manager opens two: one for reads and
// writes, one dedicated to the config subscription.
type Store struct {
	rdb *redis.Client
}

// Open connects to Redis at url (redis://...) and verifies the connection.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// Close releases the connection.
func (s *Store) Close() error { return s.rdb.Close() }

// SaveOrderBook caches a book under orderbook:<venue>:<symbol> with the
// standard TTL.
func (s *Store) SaveOrderBook(ctx context.Context, ob *venue.OrderBook) error {
	data, err := json.Marshal(ob)
	if err != nil {
		return fmt.Errorf("marshal orderbook: %w", err)
	}
	return s.rdb.Set(ctx, BookKey(ob.Venue, ob.Symbol), data, BookTTL).Err()
}

// LoadOrderBook reads a cached book. Expired or absent entries return
// (nil, nil): readers treat misses as unknown.
func (s *Store) LoadOrderBook(ctx context.Context, id venue.ID, symbol string) (*venue.OrderBook, error) {
	raw, err := s.rdb.Get(ctx, BookKey(id, symbol)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ob venue.OrderBook
	if err := json.Unmarshal(raw, &ob); err != nil {
		return nil, fmt.Errorf("unmarshal orderbook: %w", err)
	}
	return &ob, nil
}

// LoadConfig reads bot:config. Absence returns (nil, nil); the manager
// falls back to the built-in defaults.
func (s *Store) LoadConfig(ctx context.Context) (*config.BotConfig, error) {
	raw, err := s.rdb.Get(ctx, KeyConfig).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg config.BotConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes bot:config. Admin-initiated changes still only take
// effect once they come back through the config topic.
func (s *Store) SaveConfig(ctx context.Context, cfg config.BotConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return s.rdb.Set(ctx, KeyConfig, data, 0).Err()
}

// PublishConfig broadcasts a full config replacement on the update topic.
func (s *Store) PublishConfig(ctx context.Context, cfg config.BotConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return s.rdb.Publish(ctx, TopicConfigUpdate, data).Err()
}

// SaveStatus writes bot:status.
func (s *Store) SaveStatus(ctx context.Context, status config.BotStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return s.rdb.Set(ctx, KeyStatus, data, 0).Err()
}

// SubscribeConfig subscribes to the config topic and delivers parsed
// configs on the returned channel until ctx ends. Messages that fail to
// parse are logged and dropped; the prior config stays active.
func (s *Store) SubscribeConfig(ctx context.Context) (<-chan config.BotConfig, error) {
	sub := s.rdb.Subscribe(ctx, TopicConfigUpdate)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", TopicConfigUpdate, err)
	}

	out := make(chan config.BotConfig)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var cfg config.BotConfig
				if err := json.Unmarshal([]byte(msg.Payload), &cfg); err != nil {
					log.Warn().Err(err).Msg("Ignoring malformed config update")
					continue
				}
				select {
				case out <- cfg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
