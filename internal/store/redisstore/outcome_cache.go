// Package redisstore fronts the inbound command log with a Redis cache of
// completed outcomes, so replays of hot idempotency keys skip the database.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/store"
)

const DefaultTTL = 24 * time.Hour

// OutcomeCache implements store.CommandLog on top of another CommandLog.
// Only completed records are cached; IN_PROGRESS claims always go to the
// backing log. Redis errors degrade to the backing log.
type OutcomeCache struct {
	next   store.CommandLog
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *logging.Logger
}

func NewOutcomeCache(next store.CommandLog, client goredis.UniversalClient, prefix string, ttl time.Duration) *OutcomeCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &OutcomeCache{
		next:   next,
		client: client,
		prefix: prefix + "cmd:",
		ttl:    ttl,
		logger: logging.New("redisstore"),
	}
}

func (c *OutcomeCache) key(installID, idemKey string) string {
	return c.prefix + installID + ":" + idemKey
}

func (c *OutcomeCache) Claim(ctx context.Context, rec delivery.CommandRecord) (*delivery.CommandRecord, bool, error) {
	if cached := c.lookup(ctx, rec.InstallID, rec.IdempotencyKey); cached != nil {
		return cached, false, nil
	}
	existing, claimed, err := c.next.Claim(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if existing != nil && existing.Status != delivery.CommandInProgress {
		c.store(ctx, *existing)
	}
	return existing, claimed, nil
}

func (c *OutcomeCache) Complete(ctx context.Context, rec delivery.CommandRecord) error {
	if err := c.next.Complete(ctx, rec); err != nil {
		return err
	}
	full, err := c.next.Get(ctx, rec.InstallID, rec.IdempotencyKey)
	if err != nil {
		return nil
	}
	c.store(ctx, *full)
	return nil
}

func (c *OutcomeCache) Get(ctx context.Context, installID, key string) (*delivery.CommandRecord, error) {
	if cached := c.lookup(ctx, installID, key); cached != nil {
		return cached, nil
	}
	return c.next.Get(ctx, installID, key)
}

func (c *OutcomeCache) lookup(ctx context.Context, installID, key string) *delivery.CommandRecord {
	raw, err := c.client.Get(ctx, c.key(installID, key)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.WithContext(ctx).WithInstall(installID).WithError(err).Warn("outcome cache read failed")
		}
		return nil
	}
	var rec delivery.CommandRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil
	}
	return &rec
}

func (c *OutcomeCache) store(ctx context.Context, rec delivery.CommandRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(rec.InstallID, rec.IdempotencyKey), raw, c.ttl).Err(); err != nil {
		c.logger.WithContext(ctx).WithInstall(rec.InstallID).WithError(fmt.Errorf("redis outcome set: %w", err)).Warn("outcome cache write failed")
	}
}
