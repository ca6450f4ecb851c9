// Package redispub mirrors current tag values into Redis: one key per tag
// for point lookups plus a pub/sub channel for change streams. External
// consumers (dashboards, recipe tooling) read process state without
// touching the controller.
package redispub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sprayd/config"
	"sprayd/logging"
	"sprayd/tagcache"
)

const opTimeout = 2 * time.Second

// TagRecord is the JSON value stored per tag key and sent on the channel.
type TagRecord struct {
	Tag       string `json:"tag"`
	Value     any    `json:"value"`
	Unit      string `json:"unit,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Publisher maintains the Redis mirror of the tag cache.
type Publisher struct {
	cfg config.RedisConfig
	log zerolog.Logger

	mu      sync.RWMutex
	client  *redis.Client
	running bool
}

// NewPublisher builds a publisher from configuration.
func NewPublisher(cfg config.RedisConfig) *Publisher {
	if cfg.Channel == "" {
		cfg.Channel = "sprayd:updates"
	}
	return &Publisher{cfg: cfg, log: logging.Component("redis")}
}

// Start connects and verifies the server responds.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     p.cfg.Address,
		Password: p.cfg.Password,
		DB:       p.cfg.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis ping %s: %w", p.cfg.Address, err)
	}

	p.client = client
	p.running = true
	p.log.Info().Str("addr", p.cfg.Address).Msg("connected")
	return nil
}

// Stop closes the connection.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	p.running = false
	return err
}

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Key returns the Redis key mirroring a tag path.
func Key(path string) string { return "sprayd:tag:" + path }

// PublishTag mirrors one tag update: SET the per-tag key (with the
// configured TTL) and PUBLISH on the update channel. Failures are logged,
// not propagated.
func (p *Publisher) PublishTag(path string, tv tagcache.TagValue) {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()
	if !running {
		return
	}

	rec := TagRecord{
		Tag:       path,
		Value:     tv.Value.Any(),
		Timestamp: tv.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if tv.Def != nil {
		rec.Unit = tv.Def.Unit
	}
	data, err := json.Marshal(rec)
	if err != nil {
		p.log.Error().Err(err).Str("tag", path).Msg("marshal failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := client.Set(ctx, Key(path), data, p.cfg.KeyTTL).Err(); err != nil {
		p.log.Warn().Err(err).Str("tag", path).Msg("set failed")
		return
	}
	if err := client.Publish(ctx, p.cfg.Channel, data).Err(); err != nil {
		p.log.Warn().Err(err).Str("tag", path).Msg("publish failed")
	}
}
